package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mailgrove/mailgrove/consts"
)

// AddSubscriber inserts a subscriber on a list. The email is normalized to
// lowercase; a second add of the same address on the same list yields
// consts.ErrSubscriberExists.
func (db *Database) AddSubscriber(ctx context.Context, s *Subscriber) error {
	if s.Type == "" {
		s.Type = SubscriberTypeNormal
	}
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO subscribers (list_id, email, name, comment, subscriber_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		s.ListID, s.Email, s.Name, s.Comment, s.Type,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return consts.ErrSubscriberExists
			case "23503":
				return consts.ErrListNotFound
			}
		}
		return fmt.Errorf("failed to insert subscriber: %w", err)
	}
	return nil
}

// RemoveSubscriber deletes a subscriber by list and address.
func (db *Database) RemoveSubscriber(ctx context.Context, listID, email string) error {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM subscribers WHERE list_id = $1 AND LOWER(email) = LOWER($2)", listID, email)
	if err != nil {
		return fmt.Errorf("failed to delete subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrSubscriberNotFound
	}
	return nil
}

// GetSubscribers returns the direct subscribers of a list in insertion
// order. List-of-list expansion happens in the resolver, not here.
func (db *Database) GetSubscribers(ctx context.Context, listID string) ([]*Subscriber, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, list_id, email, name, comment, subscriber_type, created_at
		FROM subscribers WHERE list_id = $1 ORDER BY id`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		var s Subscriber
		if err := rows.Scan(&s.ID, &s.ListID, &s.Email, &s.Name, &s.Comment, &s.Type, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

// CountSubscribers returns the number of direct subscribers of a list.
func (db *Database) CountSubscribers(ctx context.Context, listID string) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM subscribers WHERE list_id = $1", listID).Scan(&count)
	return count, err
}
