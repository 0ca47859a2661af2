package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

type SubscriptionStore struct {
	q   dbtx
	now func() time.Time
}

const subscriptionCols = `customer_id, plan_id, status, current_period_start, current_period_end,
	external_subscription_id, external_customer_id, last_event_sequence, status_changed_at,
	created_at, updated_at`

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var status string
	var periodStart, periodEnd, statusChanged, created, updated int64
	err := scanner.Scan(
		&sub.CustomerID, &sub.PlanID, &status, &periodStart, &periodEnd,
		&sub.ExternalSubscriptionID, &sub.ExternalCustomerID, &sub.LastEventSequence, &statusChanged,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = model.Status(status)
	sub.CurrentPeriodStart = fromUnix(periodStart)
	sub.CurrentPeriodEnd = fromUnix(periodEnd)
	sub.StatusChangedAt = fromUnix(statusChanged)
	sub.CreatedAt = fromUnix(created)
	sub.UpdatedAt = fromUnix(updated)
	return &sub, nil
}

// Get returns the customer's subscription, or nil if there is none.
func (s *SubscriptionStore) Get(ctx context.Context, customerID string) (*model.Subscription, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE customer_id = ?`, customerID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// GetByExternalID looks a subscription up by the provider's subscription id.
func (s *SubscriptionStore) GetByExternalID(ctx context.Context, externalID string) (*model.Subscription, error) {
	if externalID == "" {
		return nil, nil
	}
	row := s.q.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE external_subscription_id = ? ORDER BY updated_at DESC LIMIT 1`,
		externalID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by external id: %w", err)
	}
	return sub, nil
}

// Put inserts or replaces the customer's single subscription row and
// refuses to move last_event_sequence backwards.
func (s *SubscriptionStore) Put(ctx context.Context, sub *model.Subscription) error {
	if sub == nil || sub.CustomerID == "" {
		return fmt.Errorf("put subscription: missing customer id")
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("put subscription: invalid status %q", sub.Status)
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			external_subscription_id = excluded.external_subscription_id,
			external_customer_id = excluded.external_customer_id,
			last_event_sequence = excluded.last_event_sequence,
			status_changed_at = excluded.status_changed_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_event_sequence >= subscriptions.last_event_sequence`,
		sub.CustomerID, sub.PlanID, string(sub.Status), toUnix(sub.CurrentPeriodStart), toUnix(sub.CurrentPeriodEnd),
		sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.LastEventSequence, toUnix(sub.StatusChangedAt),
		toUnix(sub.CreatedAt), toUnix(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put subscription: sequence %d is behind stored value", sub.LastEventSequence)
	}
	return nil
}

// CountByStatus returns the number of subscriptions in each status.
func (s *SubscriptionStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan subscription count: %w", err)
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}
