// Package relay implements the classification and dispatch engine: it
// fetches inbound mail per list, classifies it (post, bounce, unauthorized,
// duplicate, self-loop), persists an audit record, and forwards accepted
// posts to the resolved subscriber set.
package relay

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/mailgrove/mailgrove/consts"
	"lukechampine.com/blake3"
)

// HeaderLoopMarker is stamped with the instance domain on every outgoing
// message and checked on inbound mail to reject our own sent copies.
const HeaderLoopMarker = "X-Mailgrove-Loop"

// HeaderOriginalMessageID carries the inbound message id on forwarded
// copies so later bounces can reference it.
const HeaderOriginalMessageID = "Original-Message-ID"

// Message is one parsed inbound message. The raw bytes are kept verbatim;
// Entity gives header access, and BodyEntity re-parses for part walking so
// the body reader is never consumed twice.
type Message struct {
	Raw         []byte
	Header      mail.Header
	MessageID   string
	Subject     string
	From        *mail.Address
	To          []*mail.Address
	Cc          []*mail.Address
	ContentHash string
}

// ParseIncoming parses raw RFC822 bytes. Unknown charsets are tolerated;
// structurally broken messages yield consts.ErrMalformedMessage.
func ParseIncoming(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	header := mail.Header{Header: entity.Header}
	sum := blake3.Sum256(raw)

	m := &Message{
		Raw:         raw,
		Header:      header,
		ContentHash: hex.EncodeToString(sum[:]),
	}

	m.MessageID, _ = header.MessageID()
	if m.MessageID == "" {
		// No Message-ID: synthesize a stable one from the content so the
		// (message_id, list_id) key still dedupes exact re-deliveries.
		m.MessageID = fmt.Sprintf("missing-%s@invalid", m.ContentHash[:16])
	}

	m.Subject, _ = header.Subject()
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0]
	}
	m.To, _ = header.AddressList("To")
	m.Cc, _ = header.AddressList("Cc")

	return m, nil
}

// BodyEntity re-parses the raw bytes into a fresh entity for MIME part
// traversal.
func (m *Message) BodyEntity() (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(m.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return entity, nil
}

// AllRecipients returns the To and Cc addresses in header order.
func (m *Message) AllRecipients() []*mail.Address {
	out := make([]*mail.Address, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// FromAddress returns the lowercased sender address, or "" when the From
// header is missing or unparsable.
func (m *Message) FromAddress() string {
	if m.From == nil {
		return ""
	}
	return strings.ToLower(m.From.Address)
}

// ReferencedMessageIDs returns the ids a bounce would point back to: the
// Original-Message-ID and In-Reply-To values when present, falling back to
// the message's own id.
func (m *Message) ReferencedMessageIDs() []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(list []string) {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	if refs, err := m.Header.MsgIDList(HeaderOriginalMessageID); err == nil {
		add(refs)
	}
	if refs, err := m.Header.MsgIDList("In-Reply-To"); err == nil {
		add(refs)
	}
	if len(ids) == 0 {
		add([]string{m.MessageID})
	}
	return ids
}

// HeadersMap flattens the full header for jsonb persistence.
func (m *Message) HeadersMap() map[string][]string {
	out := make(map[string][]string)
	fields := m.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		out[key] = append(out[key], fields.Value())
	}
	return out
}
