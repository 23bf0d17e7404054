package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

// InsertIncomingMessage appends one audit record. A record already existing
// for the same (message_id, list_id) yields consts.ErrDBUniqueViolation;
// the caller treats that as the duplicate classification, not a failure.
func (db *Database) InsertIncomingMessage(ctx context.Context, m *IncomingMessage) error {
	var headers []byte
	if m.Headers != nil {
		var err error
		headers, err = json.Marshal(m.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
	}

	var errorInfo []byte
	if m.ErrorInfo != nil {
		var err error
		errorInfo, err = json.Marshal(m.ErrorInfo)
		if err != nil {
			return fmt.Errorf("failed to marshal error info: %w", err)
		}
	}

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO messages_in (message_id, list_id, subject, from_addr, headers, raw, content_hash, status, error_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, received_at`,
		m.MessageID, m.ListID, m.Subject, m.FromAddr, headers, m.Raw, m.ContentHash, m.Status, errorInfo,
	).Scan(&m.ID, &m.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			metrics.DBQueriesTotal.WithLabelValues("insert_incoming", "conflict").Inc()
			return consts.ErrDBUniqueViolation
		}
		metrics.DBQueriesTotal.WithLabelValues("insert_incoming", "error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	metrics.DBQueriesTotal.WithLabelValues("insert_incoming", "success").Inc()
	return nil
}

// InsertOutgoingMessage records one list-send event.
func (db *Database) InsertOutgoingMessage(ctx context.Context, m *OutgoingMessage) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO messages_out (message_id, in_message_id, list_id)
		VALUES ($1, $2, $3)
		RETURNING id, sent_at`,
		m.MessageID, m.InMessageID, m.ListID,
	).Scan(&m.ID, &m.SentAt)
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues("insert_outgoing", "error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	metrics.DBQueriesTotal.WithLabelValues("insert_outgoing", "success").Inc()
	return nil
}

// GetRecentIncomingMessages returns the newest audit records for a list,
// without the raw body.
func (db *Database) GetRecentIncomingMessages(ctx context.Context, listID string, limit int) ([]*IncomingMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, message_id, list_id, subject, from_addr, content_hash, status, error_info, received_at
		FROM messages_in WHERE list_id = $1 ORDER BY received_at DESC LIMIT $2`, listID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*IncomingMessage
	for rows.Next() {
		var m IncomingMessage
		var errorInfo []byte
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ListID, &m.Subject, &m.FromAddr, &m.ContentHash, &m.Status, &errorInfo, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(errorInfo) > 0 {
			m.ErrorInfo = &MessageErrorInfo{}
			if err := json.Unmarshal(errorInfo, m.ErrorInfo); err != nil {
				return nil, fmt.Errorf("failed to unmarshal error info: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
