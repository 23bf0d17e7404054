package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/pkg/metrics"
)

const listColumns = `id, address, name, mode, from_addr, avoid_duplicates, only_subscribers_send,
	allowed_senders, sender_auth,
	imap_host, imap_port, imap_user, imap_password, imap_tls,
	smtp_host, smtp_port, smtp_user, smtp_password, smtp_starttls,
	deleted, deleted_at, created_at`

func scanList(row pgx.Row) (*MailingList, error) {
	var l MailingList
	err := row.Scan(
		&l.ID, &l.Address, &l.Name, &l.Mode, &l.FromAddr, &l.AvoidDuplicates, &l.OnlySubscribersSend,
		&l.AllowedSenders, &l.SenderAuth,
		&l.IMAPHost, &l.IMAPPort, &l.IMAPUser, &l.IMAPPassword, &l.IMAPTLS,
		&l.SMTPHost, &l.SMTPPort, &l.SMTPUser, &l.SMTPPassword, &l.SMTPStartTLS,
		&l.Deleted, &l.DeletedAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateMailingList inserts a new list. An active list with the same
// address yields consts.ErrDBUniqueViolation.
func (db *Database) CreateMailingList(ctx context.Context, l *MailingList) error {
	if l.Mode != ListModeBroadcast && l.Mode != ListModeGroup {
		return fmt.Errorf("invalid list mode %q", l.Mode)
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO mailing_lists (id, address, name, mode, from_addr, avoid_duplicates, only_subscribers_send,
			allowed_senders, sender_auth,
			imap_host, imap_port, imap_user, imap_password, imap_tls,
			smtp_host, smtp_port, smtp_user, smtp_password, smtp_starttls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		l.ID, l.Address, l.Name, l.Mode, l.FromAddr, l.AvoidDuplicates, l.OnlySubscribersSend,
		l.AllowedSenders, l.SenderAuth,
		l.IMAPHost, l.IMAPPort, l.IMAPUser, l.IMAPPassword, l.IMAPTLS,
		l.SMTPHost, l.SMTPPort, l.SMTPUser, l.SMTPPassword, l.SMTPStartTLS,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			metrics.DBQueriesTotal.WithLabelValues("create_list", "conflict").Inc()
			return consts.ErrDBUniqueViolation
		}
		metrics.DBQueriesTotal.WithLabelValues("create_list", "error").Inc()
		return fmt.Errorf("failed to insert mailing list: %w", err)
	}
	metrics.DBQueriesTotal.WithLabelValues("create_list", "success").Inc()
	return nil
}

// GetMailingListByID fetches a list by id, deleted or not.
func (db *Database) GetMailingListByID(ctx context.Context, id string) (*MailingList, error) {
	row := db.Pool.QueryRow(ctx, "SELECT "+listColumns+" FROM mailing_lists WHERE id = $1", id)
	l, err := scanList(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrListNotFound
	}
	return l, err
}

// GetActiveMailingListByAddress fetches a non-deleted list by its address,
// case-insensitively.
func (db *Database) GetActiveMailingListByAddress(ctx context.Context, address string) (*MailingList, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+listColumns+" FROM mailing_lists WHERE LOWER(address) = LOWER($1) AND deleted = FALSE", address)
	l, err := scanList(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrListNotFound
	}
	return l, err
}

// ListActiveMailingLists returns every non-deleted list, ordered by address.
// One poll cycle reads this once so it works on a consistent snapshot.
func (db *Database) ListActiveMailingLists(ctx context.Context) ([]*MailingList, error) {
	return db.queryLists(ctx, "SELECT "+listColumns+" FROM mailing_lists WHERE deleted = FALSE ORDER BY address")
}

// ListAllMailingLists returns every list including deactivated ones.
func (db *Database) ListAllMailingLists(ctx context.Context) ([]*MailingList, error) {
	return db.queryLists(ctx, "SELECT "+listColumns+" FROM mailing_lists ORDER BY address")
}

func (db *Database) queryLists(ctx context.Context, query string) ([]*MailingList, error) {
	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailing lists: %w", err)
	}
	defer rows.Close()

	var lists []*MailingList
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailing list: %w", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// DeactivateMailingList soft-deletes a list. History and subscribers are
// kept; the list is excluded from polling.
func (db *Database) DeactivateMailingList(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE mailing_lists SET deleted = TRUE, deleted_at = now() WHERE id = $1 AND deleted = FALSE", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate mailing list: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrListNotFound
	}
	return nil
}
