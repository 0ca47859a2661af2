package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/lock"
	"github.com/dukerupert/mapsheet/internal/database"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns all billing state. Mutations go through Atomic, which holds the
// customer's lock for the length of one database transaction.
type Store struct {
	db     *sql.DB
	locker lock.Locker
	now    func() time.Time

	subscriptions  *SubscriptionStore
	events         *EventStore
	usage          *UsageStore
	reconciliation *ReconciliationStore
}

// Tx exposes the per-entity stores bound to one transaction.
type Tx struct {
	Subscriptions *SubscriptionStore
	Events        *EventStore
	Usage         *UsageStore
}

func New(db *sql.DB, locker lock.Locker) *Store {
	s := &Store{db: db, locker: locker, now: time.Now}
	s.subscriptions = &SubscriptionStore{q: db, now: s.clock}
	s.events = &EventStore{q: db}
	s.usage = &UsageStore{q: db, now: s.clock}
	s.reconciliation = &ReconciliationStore{q: db, now: s.clock}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// Atomic runs fn with the customer's lock held and inside one transaction.
// Either everything fn wrote is committed or nothing is.
func (s *Store) Atomic(ctx context.Context, customerID string, fn func(*Tx) error) error {
	release, err := s.locker.Lock(ctx, customerID)
	if err != nil {
		return fmt.Errorf("lock customer %s: %w", customerID, err)
	}
	defer release()

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&Tx{
			Subscriptions: &SubscriptionStore{q: tx, now: s.clock},
			Events:        &EventStore{q: tx},
			Usage:         &UsageStore{q: tx, now: s.clock},
		})
	})
}

// Subscriptions returns the store for lock-free reads.
func (s *Store) Subscriptions() *SubscriptionStore { return s.subscriptions }

func (s *Store) Events() *EventStore { return s.events }

func (s *Store) Usage() *UsageStore { return s.usage }

func (s *Store) Reconciliation() *ReconciliationStore { return s.reconciliation }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
