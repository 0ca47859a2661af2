// Package processor turns verified provider events into subscription state.
// Each event is deduplicated and applied inside the customer's atomic
// boundary, so a redelivery after a crash is either a clean no-op or a
// first application.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/mapsheet/internal/billing/lifecycle"
	"github.com/dukerupert/mapsheet/internal/billing/metrics"
	"github.com/dukerupert/mapsheet/internal/billing/model"
	"github.com/dukerupert/mapsheet/internal/billing/plan"
	"github.com/dukerupert/mapsheet/internal/billing/store"
)

// Outcome is how an event was handled. Every outcome except Failed is
// acknowledged to the provider.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Acknowledged reports whether the provider should stop redelivering.
func (o Outcome) Acknowledged() bool {
	return o != OutcomeFailed
}

// Reconciliation reasons.
const (
	ReasonUnknownPrice       = "unknown_price"
	ReasonUnresolvedCustomer = "unresolved_customer"
	ReasonInvalidTransition  = "invalid_transition"
	ReasonMarkerTie          = "marker_tie"
)

// Notifier is told about every applied subscription change.
type Notifier interface {
	SubscriptionChanged(sub *model.Subscription)
}

type Processor struct {
	store    *store.Store
	plans    lifecycle.PlanResolver
	notifier Notifier
	logger   *slog.Logger
}

// New returns a Processor. notifier may be nil.
func New(st *store.Store, plans lifecycle.PlanResolver, notifier Notifier, logger *slog.Logger) *Processor {
	return &Processor{
		store:    st,
		plans:    plans,
		notifier: notifier,
		logger:   logger.With("component", "processor"),
	}
}

// Process applies one verified event. A non-nil error always comes with
// OutcomeFailed and means nothing was committed.
func (p *Processor) Process(ctx context.Context, ev model.Event) (Outcome, error) {
	log := p.logger.With("event_id", ev.ID, "event_type", ev.ProviderType)

	if ev.Type == model.EventUnknown || ev.Type == "" {
		log.Info("ignored unhandled event type")
		return OutcomeIgnored, nil
	}

	customerID, err := p.resolveCustomer(ctx, ev)
	if err != nil {
		return OutcomeFailed, err
	}
	if customerID == "" {
		p.reconcile(ctx, ev, "", ReasonUnresolvedCustomer, "no customer id in metadata and no known subscription "+ev.ExternalSubscriptionID)
		log.Warn("could not resolve customer", "external_subscription_id", ev.ExternalSubscriptionID)
		return OutcomeFailed, lifecycle.ErrUnresolvedCustomer
	}
	ev.CustomerID = customerID
	log = log.With("customer_id", customerID)

	var (
		outcome Outcome
		prev    *model.Subscription
		next    *model.Subscription
		reject  error
		tied    bool
	)
	err = p.store.Atomic(ctx, customerID, func(tx *store.Tx) error {
		inserted, err := tx.Events.Record(ctx, model.WebhookEvent{
			EventID:    ev.ID,
			Type:       ev.ProviderType,
			CustomerID: customerID,
			Payload:    ev.Payload,
			ReceivedAt: ev.ReceivedAt,
		})
		if err != nil {
			return err
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}

		cur, err := tx.Subscriptions.Get(ctx, customerID)
		if err != nil {
			return err
		}
		prev = cur

		updated, err := lifecycle.Apply(cur, ev, p.plans)
		switch {
		case err == nil:
			if err := tx.Subscriptions.Put(ctx, updated); err != nil {
				return err
			}
			next = updated
			outcome = OutcomeApplied
			return nil
		case errors.Is(err, lifecycle.ErrStaleEvent):
			outcome = OutcomeStale
			tied = lifecycle.ConflictsAtMarker(cur, ev, p.plans)
			return nil
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			outcome = OutcomeRejected
			reject = err
			return nil
		default:
			// Unknown plans and missing subscriptions roll the dedup record
			// back so a redelivery gets another chance.
			return err
		}
	})
	if err != nil {
		if errors.Is(err, plan.ErrUnknownPlan) {
			p.reconcile(ctx, ev, customerID, ReasonUnknownPrice, planDetail(ev))
		}
		log.Error("process event", "error", err)
		return OutcomeFailed, fmt.Errorf("process event %s: %w", ev.ID, err)
	}

	switch outcome {
	case OutcomeDuplicate:
		log.Info("duplicate event, skipping")
	case OutcomeStale:
		log.Info("stale event acknowledged without applying", "marker", ev.Marker)
		if tied {
			metrics.MarkerTiesTotal.Inc()
			p.reconcile(ctx, ev, customerID, ReasonMarkerTie,
				fmt.Sprintf("event at marker %d not applied: status %s price %s", ev.Marker, ev.Status, ev.PriceReference))
			log.Warn("event shares the stored marker and carries different state", "marker", ev.Marker)
		}
	case OutcomeRejected:
		p.reconcile(ctx, ev, customerID, ReasonInvalidTransition, reject.Error())
		log.Warn("event rejected by lifecycle", "error", reject)
	case OutcomeApplied:
		p.applied(ctx, ev, prev, next)
		log.Info("subscription updated", "plan_id", next.PlanID, "status", next.Status, "marker", next.LastEventSequence)
	}
	return outcome, nil
}

// resolveCustomer reads outside the customer lock; the event itself is
// re-checked against stored state inside it.
func (p *Processor) resolveCustomer(ctx context.Context, ev model.Event) (string, error) {
	if ev.CustomerID != "" {
		return ev.CustomerID, nil
	}
	sub, err := p.store.Subscriptions().GetByExternalID(ctx, ev.ExternalSubscriptionID)
	if err != nil {
		return "", fmt.Errorf("resolve customer: %w", err)
	}
	if sub == nil {
		return "", nil
	}
	return sub.CustomerID, nil
}

func (p *Processor) applied(ctx context.Context, ev model.Event, prev, next *model.Subscription) {
	from := model.StatusNone
	if prev != nil {
		from = prev.Status
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(from), string(next.Status)).Inc()

	if err := p.store.Reconciliation().ResolveEvent(ctx, ev.ID); err != nil {
		p.logger.Warn("resolve reconciliation item", "event_id", ev.ID, "error", err)
	}
	if p.notifier != nil {
		p.notifier.SubscriptionChanged(next)
	}
}

func planDetail(ev model.Event) string {
	if ev.PriceReference == "" && ev.PlanReference != "" {
		return "plan " + ev.PlanReference
	}
	return ev.PriceReference
}

func (p *Processor) reconcile(ctx context.Context, ev model.Event, customerID, reason, detail string) {
	err := p.store.Reconciliation().Record(ctx, model.ReconciliationItem{
		EventID:    ev.ID,
		EventType:  ev.ProviderType,
		CustomerID: customerID,
		Reason:     reason,
		Detail:     detail,
	})
	if err != nil {
		p.logger.Error("record reconciliation item", "event_id", ev.ID, "reason", reason, "error", err)
	}
}
