package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/db"
	"github.com/mailgrove/mailgrove/logger"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

// MessageDB is the write surface of the audit log.
type MessageDB interface {
	InsertIncomingMessage(ctx context.Context, m *db.IncomingMessage) error
	InsertOutgoingMessage(ctx context.Context, m *db.OutgoingMessage) error
}

// MessageStore persists classification outcomes. Records are append-only;
// the unique (message_id, list_id) constraint is the sole arbiter of
// duplicate suppression, so retries and concurrent pollers stay safe.
type MessageStore struct {
	db MessageDB
}

func NewMessageStore(msgDB MessageDB) *MessageStore {
	return &MessageStore{db: msgDB}
}

// RecordAndClassify derives the terminal status of one inbound message and
// persists its audit record. The returned bool reports whether forwarding
// should proceed; it is true only for an ok status recorded for the first
// time. Reprocessing the same (message_id, list_id) never yields a second
// forward.
func (s *MessageStore) RecordAndClassify(ctx context.Context, m *Message, list *db.MailingList, bounce *BounceInfo, auth *AuthResult) (db.MessageStatus, bool, error) {
	record := &db.IncomingMessage{
		MessageID:   m.MessageID,
		ListID:      list.ID,
		Subject:     m.Subject,
		FromAddr:    m.FromAddress(),
		Headers:     m.HeadersMap(),
		Raw:         m.Raw,
		ContentHash: m.ContentHash,
	}

	switch {
	case bounce != nil:
		record.Status = db.StatusBounce
		record.ErrorInfo = &db.MessageErrorInfo{
			Reason:            "delivery failure notification",
			BouncedRecipients: bounce.Recipients,
			MessageIDs:        bounce.MessageIDs,
		}
	case auth != nil && auth.Status != db.StatusOK:
		record.Status = auth.Status
		record.ErrorInfo = &db.MessageErrorInfo{
			Reason: fmt.Sprintf("sender %s rejected: %s", m.FromAddress(), auth.Status),
		}
	default:
		record.Status = db.StatusOK
	}

	err := s.db.InsertIncomingMessage(ctx, record)
	if err == nil {
		metrics.MessagesClassifiedTotal.WithLabelValues(string(record.Status)).Inc()
		return record.Status, record.Status == db.StatusOK, nil
	}
	if !errors.Is(err, consts.ErrDBUniqueViolation) {
		return record.Status, false, err
	}

	// Already recorded for this list. A re-delivered ok message becomes a
	// duplicate; non-ok statuses keep their classification. Either way the
	// attempt is persisted under a synthesized key so the audit trail
	// never silently drops it.
	if record.Status == db.StatusOK {
		record.Status = db.StatusDuplicate
		record.ErrorInfo = &db.MessageErrorInfo{
			Reason:     "message already processed for this list",
			MessageIDs: []string{m.MessageID},
		}
	}
	record.MessageID = fmt.Sprintf("duplicate:%d:%s", time.Now().UnixNano(), m.MessageID)
	if err := s.db.InsertIncomingMessage(ctx, record); err != nil {
		logger.Errorf("list %s: failed to persist duplicate audit row for %s: %v", list.ID, m.MessageID, err)
		return record.Status, false, err
	}
	metrics.MessagesClassifiedTotal.WithLabelValues(string(record.Status)).Inc()
	return record.Status, false, nil
}

// RecordOutgoing logs one list-send event after dispatch.
func (s *MessageStore) RecordOutgoing(ctx context.Context, outMessageID, inMessageID, listID string) error {
	return s.db.InsertOutgoingMessage(ctx, &db.OutgoingMessage{
		MessageID:   outMessageID,
		InMessageID: inMessageID,
		ListID:      listID,
	})
}
