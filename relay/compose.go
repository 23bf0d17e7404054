package relay

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	emtextproto "github.com/emersion/go-message/textproto"
	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/helpers"
)

// Composer builds the outgoing copies of an accepted post. Shared headers
// are assembled once per list-send into an immutable template; Compose
// clones the template and fills the per-recipient fields, so no recipient
// ever sees another recipient's headers.
type Composer struct {
	InstanceDomain string
}

// ListSend is the per-message composition state shared by all recipients
// of one forward.
type ListSend struct {
	// MessageID is the freshly minted id carried by every outgoing copy
	// of this send.
	MessageID string

	header       message.Header
	body         []byte
	broadcast    bool
	baseTo       []*mail.Address
	avoidEnabled bool
	avoid        map[string]struct{}
}

// NewListSend builds the shared header template for forwarding m on list.
// auth feeds the Reply-To rules; any auth suffix on the list address is
// stripped by the recipient rewrite regardless of how the sender was
// authorized.
func (c *Composer) NewListSend(m *Message, list *db.MailingList, auth *AuthResult) (*ListSend, error) {
	entity, err := m.BodyEntity()
	if err != nil {
		return nil, err
	}

	// Header fields come from the parsed entity, the body stays verbatim;
	// re-encoding the body would corrupt signed or oddly encoded parts.
	hdr := mail.Header{Header: entity.Header.Copy()}
	send := &ListSend{
		MessageID:    c.mintMessageID(),
		body:         rawBody(m.Raw),
		broadcast:    list.Mode != db.ListModeGroup,
		avoidEnabled: list.AvoidDuplicates,
		avoid:        make(map[string]struct{}),
	}

	to, cc := c.rewriteRecipients(m, list, send)
	if send.broadcast {
		send.baseTo = to
	} else if len(to) > 0 {
		hdr.SetAddressList("To", to)
	} else {
		hdr.Del("To")
	}
	if len(cc) > 0 {
		hdr.SetAddressList("Cc", cc)
	} else {
		hdr.Del("Cc")
	}

	c.setFromHeaders(&hdr, m, list, auth)
	c.setCommonHeaders(&hdr, m, list, send.MessageID)

	send.header = hdr.Header
	return send, nil
}

// Compose produces the wire bytes for one recipient. The second return is
// false for a deliberate no-send (avoid_duplicates), which is not an error.
func (s *ListSend) Compose(r Recipient) ([]byte, bool, error) {
	if s.avoidEnabled {
		if _, ok := s.avoid[strings.ToLower(r.Email)]; ok {
			return nil, false, nil
		}
	}

	hdr := mail.Header{Header: s.header.Copy()}
	if s.broadcast {
		to := make([]*mail.Address, 0, len(s.baseTo)+1)
		to = append(to, s.baseTo...)
		to = append(to, &mail.Address{Name: r.Name, Address: r.Email})
		hdr.SetAddressList("To", to)
	}
	hdr.Set("X-Recipient", r.Email)

	var buf bytes.Buffer
	if err := emtextproto.WriteHeader(&buf, hdr.Header.Header); err != nil {
		return nil, false, fmt.Errorf("failed to serialize headers: %w", err)
	}
	buf.Write(s.body)
	return buf.Bytes(), true, nil
}

// rewriteRecipients strips the list address (and any auth suffix) from the
// inbound To/Cc and records the surviving addresses for avoid_duplicates.
// Broadcast drops the list address entirely; group keeps it, suffix
// removed, so the thread still shows the list.
func (c *Composer) rewriteRecipients(m *Message, list *db.MailingList, send *ListSend) (to, cc []*mail.Address) {
	rewrite := func(addrs []*mail.Address) []*mail.Address {
		var out []*mail.Address
		for _, a := range addrs {
			if helpers.AddressMatchesList(a.Address, list.Address) {
				if send.broadcast {
					continue
				}
				out = append(out, &mail.Address{Name: a.Name, Address: helpers.StripPlusSuffix(a.Address)})
				continue
			}
			out = append(out, a)
			send.avoid[strings.ToLower(a.Address)] = struct{}{}
		}
		return out
	}
	return rewrite(m.To), rewrite(m.Cc)
}

func (c *Composer) setFromHeaders(hdr *mail.Header, m *Message, list *db.MailingList, auth *AuthResult) {
	senderDisplay := m.FromAddress()
	if m.From != nil && m.From.Name != "" {
		senderDisplay = m.From.Name
	}
	listDisplay := list.Name
	if listDisplay == "" {
		listDisplay = list.Address
	}
	viaFrom := &mail.Address{
		Name:    fmt.Sprintf("%s via %s", senderDisplay, listDisplay),
		Address: list.Address,
	}

	if list.Mode == db.ListModeGroup {
		hdr.SetAddressList("From", []*mail.Address{viaFrom})
		hdr.Set("X-MailFrom", m.FromAddress())
		replyTo := []*mail.Address{{Address: list.Address}}
		if !auth.SenderIsSubscriber && m.From != nil {
			replyTo = []*mail.Address{m.From, {Address: list.Address}}
		}
		hdr.SetAddressList("Reply-To", replyTo)
		return
	}

	// Broadcast: a fixed from_addr wins and gets no Reply-To; otherwise
	// the list fronts for the sender and replies go back to them.
	if list.FromAddr != "" {
		hdr.Set("From", list.FromAddr)
		return
	}
	hdr.SetAddressList("From", []*mail.Address{viaFrom})
	if m.From != nil {
		hdr.SetAddressList("Reply-To", []*mail.Address{m.From})
	}
}

func (c *Composer) setCommonHeaders(hdr *mail.Header, m *Message, list *db.MailingList, messageID string) {
	hdr.Set("Message-ID", "<"+messageID+">")
	hdr.Set(HeaderOriginalMessageID, "<"+m.MessageID+">")
	hdr.Set("In-Reply-To", "<"+m.MessageID+">")

	refs, _ := m.Header.MsgIDList("References")
	refs = appendUnique(refs, m.MessageID)
	formatted := make([]string, 0, len(refs))
	for _, id := range refs {
		formatted = append(formatted, "<"+id+">")
	}
	hdr.Set("References", strings.Join(formatted, " "))

	hdr.Set("List-Id", fmt.Sprintf("%s <%s>", list.Name, strings.ReplaceAll(list.Address, "@", ".")))
	hdr.Set("Sender", list.Address)
	hdr.Set("Precedence", "list")
	hdr.Set("X-Mailer", "mailgrove")
	hdr.Set(HeaderLoopMarker, c.InstanceDomain)
}

func (c *Composer) mintMessageID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("%d.%x@%s", time.Now().UnixNano(), buf, c.InstanceDomain)
}

// rawBody returns the bytes after the header separator, untouched.
func rawBody(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[i+2:]
	}
	return nil
}
