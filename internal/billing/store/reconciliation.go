package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

// ReconciliationStore queues events that could not be applied automatically.
type ReconciliationStore struct {
	q   dbtx
	now func() time.Time
}

// Record upserts an item keyed by event id. A repeat delivery of the same
// event bumps attempts and refreshes the reason instead of adding a row.
func (s *ReconciliationStore) Record(ctx context.Context, item model.ReconciliationItem) error {
	now := s.now().Unix()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reconciliation_items (event_id, event_type, customer_id, reason, detail, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET
			attempts = reconciliation_items.attempts + 1,
			customer_id = excluded.customer_id,
			reason = excluded.reason,
			detail = excluded.detail,
			updated_at = excluded.updated_at,
			resolved_at = NULL`,
		item.EventID, item.EventType, item.CustomerID, item.Reason, item.Detail, now, now,
	)
	if err != nil {
		return fmt.Errorf("record reconciliation item: %w", err)
	}
	return nil
}

// ListOpen returns unresolved items, oldest first.
func (s *ReconciliationStore) ListOpen(ctx context.Context) ([]model.ReconciliationItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, event_id, event_type, customer_id, reason, detail, attempts, created_at, updated_at, resolved_at
		 FROM reconciliation_items WHERE resolved_at IS NULL ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation items: %w", err)
	}
	defer rows.Close()

	items := []model.ReconciliationItem{}
	for rows.Next() {
		var it model.ReconciliationItem
		var created, updated int64
		var resolved sql.NullInt64
		if err := rows.Scan(&it.ID, &it.EventID, &it.EventType, &it.CustomerID, &it.Reason, &it.Detail,
			&it.Attempts, &created, &updated, &resolved); err != nil {
			return nil, fmt.Errorf("scan reconciliation item: %w", err)
		}
		it.CreatedAt = fromUnix(created)
		it.UpdatedAt = fromUnix(updated)
		if resolved.Valid {
			t := fromUnix(resolved.Int64)
			it.ResolvedAt = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Resolve marks an open item resolved. It reports false if no open item has
// that id.
func (s *ReconciliationStore) Resolve(ctx context.Context, id int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reconciliation_items SET resolved_at = ?, updated_at = ? WHERE id = ? AND resolved_at IS NULL`,
		s.now().Unix(), s.now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("resolve reconciliation item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// CountOpen returns the number of unresolved items.
func (s *ReconciliationStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_items WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reconciliation items: %w", err)
	}
	return n, nil
}

// ResolveEvent closes the open item for eventID, if any. Used when a
// redelivery of a previously failing event finally applies.
func (s *ReconciliationStore) ResolveEvent(ctx context.Context, eventID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE reconciliation_items SET resolved_at = ?, updated_at = ? WHERE event_id = ? AND resolved_at IS NULL`,
		s.now().Unix(), s.now().Unix(), eventID,
	)
	if err != nil {
		return fmt.Errorf("resolve reconciliation event: %w", err)
	}
	return nil
}
