package db

import (
	"context"
	"fmt"
	"time"
)

// StatusReport is the aggregate view consumed by dashboards and the admin
// CLI.
type StatusReport struct {
	GeneratedAt      time.Time             `json:"generated_at"`
	ActiveLists      int                   `json:"active_lists"`
	DeactivatedLists int                   `json:"deactivated_lists"`
	Subscribers      int                   `json:"subscribers"`
	MessagesByStatus map[MessageStatus]int `json:"messages_by_status"`
	MessagesLastDays map[MessageStatus]int `json:"messages_last_days"`
	ReportDays       int                   `json:"report_days"`
	MessagesSent     int                   `json:"messages_sent"`
	RecentMessageIDs []string              `json:"recent_message_ids"`
}

// GetStatusReport builds the full report. days bounds the "recent"
// windowed counts; the recent id list is capped at 20 entries.
func (db *Database) GetStatusReport(ctx context.Context, days int) (*StatusReport, error) {
	if days <= 0 {
		days = 7
	}
	report := &StatusReport{
		GeneratedAt:      time.Now().UTC(),
		ReportDays:       days,
		MessagesByStatus: make(map[MessageStatus]int),
		MessagesLastDays: make(map[MessageStatus]int),
	}

	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE deleted = FALSE),
			COUNT(*) FILTER (WHERE deleted = TRUE)
		FROM mailing_lists`).Scan(&report.ActiveLists, &report.DeactivatedLists)
	if err != nil {
		return nil, fmt.Errorf("failed to count lists: %w", err)
	}

	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM subscribers").Scan(&report.Subscribers); err != nil {
		return nil, fmt.Errorf("failed to count subscribers: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT status,
			COUNT(*),
			COUNT(*) FILTER (WHERE received_at > now() - make_interval(days => $1))
		FROM messages_in GROUP BY status`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status MessageStatus
		var total, recent int
		if err := rows.Scan(&status, &total, &recent); err != nil {
			return nil, fmt.Errorf("failed to scan message counts: %w", err)
		}
		report.MessagesByStatus[status] = total
		if recent > 0 {
			report.MessagesLastDays[status] = recent
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages_out").Scan(&report.MessagesSent); err != nil {
		return nil, fmt.Errorf("failed to count sent messages: %w", err)
	}

	idRows, err := db.Pool.Query(ctx,
		"SELECT message_id FROM messages_in ORDER BY received_at DESC LIMIT 20")
	if err != nil {
		return nil, fmt.Errorf("failed to query recent message ids: %w", err)
	}
	defer idRows.Close()
	for idRows.Next() {
		var id string
		if err := idRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		report.RecentMessageIDs = append(report.RecentMessageIDs, id)
	}
	return report, idRows.Err()
}
