package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

// UsageStore holds per-period usage counters. Counts only go up.
type UsageStore struct {
	q   dbtx
	now func() time.Time
}

// Current returns the counter whose period contains at, or nil.
func (s *UsageStore) Current(ctx context.Context, customerID string, at time.Time) (*model.UsageCounter, error) {
	var c model.UsageCounter
	var start, end int64
	err := s.q.QueryRowContext(ctx,
		`SELECT customer_id, period_start, period_end, count FROM usage_counters
		 WHERE customer_id = ? AND period_start <= ? AND period_end > ?
		 ORDER BY period_start DESC LIMIT 1`,
		customerID, at.Unix(), at.Unix(),
	).Scan(&c.CustomerID, &start, &end, &c.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	c.PeriodStart = fromUnix(start)
	c.PeriodEnd = fromUnix(end)
	return &c, nil
}

// Latest returns the customer's most recent counter regardless of period.
func (s *UsageStore) Latest(ctx context.Context, customerID string) (*model.UsageCounter, error) {
	var c model.UsageCounter
	var start, end int64
	err := s.q.QueryRowContext(ctx,
		`SELECT customer_id, period_start, period_end, count FROM usage_counters
		 WHERE customer_id = ? ORDER BY period_start DESC LIMIT 1`,
		customerID,
	).Scan(&c.CustomerID, &start, &end, &c.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest usage: %w", err)
	}
	c.PeriodStart = fromUnix(start)
	c.PeriodEnd = fromUnix(end)
	return &c, nil
}

// Open creates a zero counter for the period if one does not exist yet and
// returns the stored counter.
func (s *UsageStore) Open(ctx context.Context, customerID string, p model.Period) (*model.UsageCounter, error) {
	if !p.End.After(p.Start) {
		return nil, fmt.Errorf("open usage period: end %s not after start %s", p.End, p.Start)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO usage_counters (customer_id, period_start, period_end, count, updated_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(customer_id, period_start) DO NOTHING`,
		customerID, p.Start.Unix(), p.End.Unix(), s.now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("open usage period: %w", err)
	}
	return s.Current(ctx, customerID, p.Start)
}

// Increment adds one to the counter starting at periodStart and returns the
// new count.
func (s *UsageStore) Increment(ctx context.Context, customerID string, periodStart time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE usage_counters SET count = count + 1, updated_at = ?
		 WHERE customer_id = ? AND period_start = ?`,
		s.now().Unix(), customerID, periodStart.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("increment usage: no counter for %s at %s", customerID, periodStart)
	}

	var count int
	err = s.q.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE customer_id = ? AND period_start = ?`,
		customerID, periodStart.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read usage: %w", err)
	}
	return count, nil
}
