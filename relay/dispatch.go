package relay

import (
	"context"

	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/helpers"
	"github.com/mailgrove/mailgrove/logger"
)

// Dispatcher fans one accepted post out to its resolved recipients.
type Dispatcher struct {
	composer *Composer
	store    *MessageStore
}

func NewDispatcher(composer *Composer, store *MessageStore) *Dispatcher {
	return &Dispatcher{composer: composer, store: store}
}

// DispatchResult reports one list-send event.
type DispatchResult struct {
	// OutMessageID is the freshly minted id shared by all copies.
	OutMessageID string
	Succeeded    []string
	Failed       []string
	Skipped      []string
	// SentCopy is one composed copy for the Sent-folder archive.
	SentCopy []byte
}

// SendAll composes and sends one copy per recipient. The envelope sender
// of each copy is bounce-encoded with the recipient so later failures
// route back through bounce detection. A failed recipient is logged and
// tallied; it never aborts the remaining recipients.
func (d *Dispatcher) SendAll(ctx context.Context, m *Message, list *db.MailingList, recipients []Recipient, auth *AuthResult, sender SMTPSender) (*DispatchResult, error) {
	send, err := d.composer.NewListSend(m, list, auth)
	if err != nil {
		return nil, err
	}

	result := &DispatchResult{OutMessageID: send.MessageID}
	for _, r := range recipients {
		wire, ok, err := send.Compose(r)
		if err != nil {
			logger.Errorf("list %s: failed to compose copy for %s: %v", list.ID, r.Email, err)
			result.Failed = append(result.Failed, r.Email)
			continue
		}
		if !ok {
			logger.Debugf("list %s: %s already addressed on the original, skipping", list.ID, r.Email)
			result.Skipped = append(result.Skipped, r.Email)
			continue
		}
		if result.SentCopy == nil {
			result.SentCopy = wire
		}

		envelopeFrom := helpers.EncodeBounceAddress(list.Address, r.Email)
		if err := sender.Send(envelopeFrom, r.Email, wire); err != nil {
			logger.Warnf("list %s: send to %s failed: %v", list.ID, r.Email, err)
			result.Failed = append(result.Failed, r.Email)
			continue
		}
		result.Succeeded = append(result.Succeeded, r.Email)
	}

	if len(result.Succeeded) > 0 {
		if err := d.store.RecordOutgoing(ctx, send.MessageID, m.MessageID, list.ID); err != nil {
			logger.Errorf("list %s: failed to record outgoing message %s: %v", list.ID, send.MessageID, err)
		}
	}
	return result, nil
}
