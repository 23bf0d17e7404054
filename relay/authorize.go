package relay

import (
	"strings"

	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/helpers"
)

// AuthResult is the outcome of the posting-permission check for one
// inbound message on one list.
type AuthResult struct {
	Status db.MessageStatus

	// SenderIsSubscriber reports whether the sender appears in the
	// resolved recipient set; the composer uses it for Reply-To rules.
	SenderIsSubscriber bool
}

// Authorizer decides per list mode whether a sender may post.
type Authorizer struct {
	// InstanceDomain identifies this relay in loop-marker headers.
	InstanceDomain string
}

// Authorize classifies the sender of m against list policy. The resolved
// recipient set is passed in so group membership and the composer's
// Reply-To rules share one resolution per message.
//
// The self-loop guard runs before any mode rule: a message stamped with
// this instance's own loop marker is rejected outright.
func (a *Authorizer) Authorize(m *Message, list *db.MailingList, resolved []Recipient) *AuthResult {
	if marker := m.Header.Get(HeaderLoopMarker); marker != "" &&
		strings.EqualFold(strings.TrimSpace(marker), a.InstanceDomain) {
		return &AuthResult{Status: db.StatusDuplicateSameInstance}
	}

	sender := m.FromAddress()
	result := &AuthResult{Status: db.StatusOK}
	for _, r := range resolved {
		if r.Email == sender {
			result.SenderIsSubscriber = true
			break
		}
	}

	// A valid sender-auth suffix on a list-matching recipient grants
	// posting rights in either mode. The composer strips the suffix from
	// every list-matching To/Cc address, so the token never reaches
	// subscribers no matter how the sender was authorized.
	authMatched, badSuffix := a.checkSuffixAuth(m, list)

	switch list.Mode {
	case db.ListModeGroup:
		if senderAllowed(sender, list.AllowedSenders) || authMatched ||
			!list.OnlySubscribersSend || result.SenderIsSubscriber {
			return result
		}
	default: // broadcast
		open := len(list.AllowedSenders) == 0 && len(list.SenderAuth) == 0
		if open || senderAllowed(sender, list.AllowedSenders) || authMatched {
			return result
		}
	}

	if badSuffix {
		result.Status = db.StatusSenderAuthFailed
	} else {
		result.Status = db.StatusSenderNotAllowed
	}
	return result
}

// checkSuffixAuth scans the message recipients for the list address
// carrying a +suffix and compares the suffix against the configured
// tokens. badSuffix reports a presented-but-wrong token, which classifies
// as sender-auth-failed rather than sender-not-allowed.
func (a *Authorizer) checkSuffixAuth(m *Message, list *db.MailingList) (matched, badSuffix bool) {
	for _, rcpt := range m.AllRecipients() {
		if !helpers.AddressMatchesList(rcpt.Address, list.Address) {
			continue
		}
		suffix, ok := helpers.ExtractPlusSuffix(rcpt.Address)
		if !ok {
			continue
		}
		for _, token := range list.SenderAuth {
			// Tokens are secrets; the comparison is case-sensitive.
			if suffix == token {
				return true, false
			}
		}
		badSuffix = true
	}
	return false, badSuffix
}

func senderAllowed(sender string, allowed []string) bool {
	if sender == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(sender, a) {
			return true
		}
	}
	return false
}
