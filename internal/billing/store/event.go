package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

// EventStore is the write-once record of processed webhook event ids.
type EventStore struct {
	q dbtx
}

// Record inserts the event if its id is new and reports whether it did.
// A false return means the id was already recorded.
func (s *EventStore) Record(ctx context.Context, ev model.WebhookEvent) (bool, error) {
	if ev.EventID == "" {
		return false, fmt.Errorf("record event: missing event id")
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, type, customer_id, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.Type, ev.CustomerID, ev.Payload, toUnix(ev.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Seen reports whether the event id has been recorded.
func (s *EventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return n > 0, nil
}

// PruneBefore deletes events received before cutoff and returns how many
// were removed. Redeliveries older than the window are then treated as new.
func (s *EventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM webhook_events WHERE received_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
