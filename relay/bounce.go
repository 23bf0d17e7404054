package relay

import (
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/mailgrove/mailgrove/helpers"
	"github.com/mailgrove/mailgrove/logger"
)

// BounceInfo describes a detected delivery-failure notification.
type BounceInfo struct {
	// Recipients are the addresses the remote system failed to deliver to.
	Recipients []string
	// MessageIDs reference the original outbound message(s) the failure
	// is about, when recoverable.
	MessageIDs []string
}

var (
	dsnFinalRecipientRe = regexp.MustCompile(`(?im)^(?:Final|Original)-Recipient:\s*(?:rfc822;)?\s*<?([^\s<>;]+@[^\s<>;]+)>?`)
	quotedMessageIDRe   = regexp.MustCompile(`(?im)^Message-ID:\s*(<[^>]+>)`)
	bounceAddressRe     = regexp.MustCompile(`<?([A-Za-z0-9._%+=-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})>?`)

	bounceTextPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)undeliver(?:able|ed)`),
		regexp.MustCompile(`(?i)returned to sender`),
		regexp.MustCompile(`(?i)mail delivery fail(?:ed|ure)`),
		regexp.MustCompile(`(?i)delivery (?:to the following recipients? )?failed`),
		regexp.MustCompile(`(?i)could not be delivered`),
		regexp.MustCompile(`(?i)delivery status notification \(failure\)`),
		regexp.MustCompile(`(?i)user unknown`),
		regexp.MustCompile(`(?i)mailbox (?:unavailable|full|does not exist)`),
	}
)

// DetectBounce decides whether m is a delivery-failure notification.
// Returns nil for regular mail. Detection order: bounce-encoded recipient
// addresses first, then MIME delivery-status parts, then textual
// heuristics. A detected bounce is terminal and never forwarded.
func DetectBounce(m *Message) *BounceInfo {
	// Our own bounce-encoded envelope recipient is authoritative.
	for _, rcpt := range m.AllRecipients() {
		if orig, ok := helpers.DecodeBounceAddress(rcpt.Address); ok {
			return &BounceInfo{
				Recipients: []string{orig},
				MessageIDs: m.ReferencedMessageIDs(),
			}
		}
	}

	entity, err := m.BodyEntity()
	if err != nil {
		logger.Debugf("bounce scan skipped, unparsable body: %v", err)
		return nil
	}

	var scan bounceScan
	scan.walk(entity, 0)

	if len(scan.dsnRecipients) > 0 {
		return &BounceInfo{
			Recipients: dedupeLower(scan.dsnRecipients),
			MessageIDs: scan.messageIDs,
		}
	}

	if scan.textualHit || fromMailerDaemon(m.From) {
		if !scan.textualHit && len(scan.textRecipients) == 0 {
			// Mailer-daemon sender alone is not enough; plenty of
			// legitimate notifications come from postmaster addresses.
			return nil
		}
		return &BounceInfo{
			Recipients: dedupeLower(scan.textRecipients),
			MessageIDs: scan.messageIDs,
		}
	}
	return nil
}

type bounceScan struct {
	dsnRecipients  []string
	textRecipients []string
	messageIDs     []string
	textualHit     bool
}

const maxScanDepth = 8

func (s *bounceScan) walk(entity *message.Entity, depth int) {
	if depth > maxScanDepth {
		return
	}
	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		return
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return
			}
			s.walk(part, depth+1)
		}
		return
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	text := string(body)

	switch mediaType {
	case "message/delivery-status":
		for _, match := range dsnFinalRecipientRe.FindAllStringSubmatch(text, -1) {
			s.dsnRecipients = append(s.dsnRecipients, match[1])
		}
	case "message/rfc822", "text/rfc822-headers":
		for _, match := range quotedMessageIDRe.FindAllStringSubmatch(text, -1) {
			s.messageIDs = appendUnique(s.messageIDs, strings.Trim(match[1], "<>"))
		}
	case "text/html":
		s.scanText(html2text.HTML2Text(text))
	case "text/plain", "":
		s.scanText(text)
	}
}

func (s *bounceScan) scanText(text string) {
	matched := false
	for _, pattern := range bounceTextPatterns {
		if pattern.MatchString(text) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	s.textualHit = true

	// Structured DSN fields sometimes appear inline in plain-text bounces.
	for _, match := range dsnFinalRecipientRe.FindAllStringSubmatch(text, -1) {
		s.textRecipients = append(s.textRecipients, match[1])
	}
	for _, match := range quotedMessageIDRe.FindAllStringSubmatch(text, -1) {
		s.messageIDs = appendUnique(s.messageIDs, strings.Trim(match[1], "<>"))
	}
	if len(s.textRecipients) > 0 {
		return
	}

	// Fall back to the first address on a line mentioning the failure.
	for _, line := range strings.Split(text, "\n") {
		lineMatched := false
		for _, pattern := range bounceTextPatterns {
			if pattern.MatchString(line) {
				lineMatched = true
				break
			}
		}
		if !lineMatched && !strings.Contains(line, "@") {
			continue
		}
		if match := bounceAddressRe.FindStringSubmatch(line); match != nil {
			s.textRecipients = append(s.textRecipients, match[1])
			return
		}
	}
}

func fromMailerDaemon(from *mail.Address) bool {
	if from == nil {
		return true
	}
	local, _ := helpers.SplitEmailAddress(from.Address)
	switch local {
	case "mailer-daemon", "postmaster", "mail-daemon":
		return true
	}
	return false
}

func dedupeLower(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.ToLower(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
