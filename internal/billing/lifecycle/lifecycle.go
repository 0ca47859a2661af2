// Package lifecycle is the subscription state machine. Apply is a pure
// function of the stored subscription and one verified event; it never
// touches storage.
//
// States move none -> active <-> past_due -> canceled, with active ->
// canceled allowed directly. A checkout on a canceled subscription starts a
// fresh lineage in active.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

var (
	// ErrStaleEvent: the event marker is not newer than the stored one.
	ErrStaleEvent = errors.New("stale event")
	// ErrInvalidTransition: the event does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid subscription transition")
	// ErrIgnoredEvent: the event type is not part of the lifecycle.
	ErrIgnoredEvent = errors.New("ignored event type")
	// ErrNoSubscription: an update or delete arrived for a customer with no
	// subscription yet, usually ahead of its checkout event.
	ErrNoSubscription = errors.New("no subscription for customer")
	// ErrUnresolvedCustomer: the event could not be tied to a customer.
	ErrUnresolvedCustomer = errors.New("unresolved customer")
)

// PlanResolver maps a provider price reference or a plan id to a plan tier.
// Both lookups fail closed on anything the catalog does not name.
type PlanResolver interface {
	ByPriceReference(ref string) (model.PlanTier, error)
	ByID(planID string) (model.PlanTier, error)
}

var transitions = map[model.Status][]model.Status{
	model.StatusNone:     {model.StatusActive},
	model.StatusActive:   {model.StatusActive, model.StatusPastDue, model.StatusCanceled},
	model.StatusPastDue:  {model.StatusPastDue, model.StatusActive, model.StatusCanceled},
	model.StatusCanceled: {model.StatusCanceled, model.StatusActive},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Staying in the same state counts as a transition for every state but none.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply returns the subscription that results from applying ev to cur. cur
// may be nil when the customer has no subscription. On error the caller
// must leave the stored subscription untouched.
func Apply(cur *model.Subscription, ev model.Event, plans PlanResolver) (*model.Subscription, error) {
	if ev.Type == model.EventUnknown || ev.Type == "" {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, ev.ProviderType)
	}
	if ev.CustomerID == "" {
		return nil, ErrUnresolvedCustomer
	}
	if cur != nil && cur.Status == model.StatusNone {
		cur = nil
	}

	var stored int64
	if cur != nil {
		stored = cur.LastEventSequence
	}
	if ev.Marker <= stored {
		return nil, fmt.Errorf("%w: marker %d <= %d", ErrStaleEvent, ev.Marker, stored)
	}

	switch ev.Type {
	case model.EventCheckoutCompleted:
		return applyCheckout(cur, ev, plans)
	case model.EventSubscriptionUpdated:
		return applyUpdated(cur, ev, plans)
	case model.EventSubscriptionDeleted:
		return applyDeleted(cur, ev)
	}
	return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, ev.Type)
}

func applyCheckout(cur *model.Subscription, ev model.Event, plans PlanResolver) (*model.Subscription, error) {
	if cur != nil && cur.Status != model.StatusCanceled {
		return nil, fmt.Errorf("%w: checkout completed while %s", ErrInvalidTransition, cur.Status)
	}

	tier, err := checkoutTier(ev, plans)
	if err != nil {
		return nil, err
	}

	next := &model.Subscription{
		CustomerID:             ev.CustomerID,
		PlanID:                 tier.PlanID,
		Status:                 model.StatusActive,
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		ExternalSubscriptionID: ev.ExternalSubscriptionID,
		ExternalCustomerID:     ev.ExternalCustomerID,
		LastEventSequence:      ev.Marker,
		StatusChangedAt:        ev.OccurredAt,
	}
	if cur != nil {
		next.CreatedAt = cur.CreatedAt
	}
	return next, nil
}

// ConflictsAtMarker reports whether ev, which carries the same marker as
// cur, would have changed the stored plan, status or period had it been
// newer. Such an event is dropped as stale and its state is lost.
func ConflictsAtMarker(cur *model.Subscription, ev model.Event, plans PlanResolver) bool {
	if cur == nil || ev.Marker != cur.LastEventSequence {
		return false
	}
	bumped := ev
	bumped.Marker = cur.LastEventSequence + 1
	next, err := Apply(cur, bumped, plans)
	if err != nil {
		return false
	}
	return next.PlanID != cur.PlanID ||
		next.Status != cur.Status ||
		!next.CurrentPeriodStart.Equal(cur.CurrentPeriodStart) ||
		!next.CurrentPeriodEnd.Equal(cur.CurrentPeriodEnd)
}

// checkoutTier resolves the price when the session carries one, otherwise the
// plan id from its metadata.
func checkoutTier(ev model.Event, plans PlanResolver) (model.PlanTier, error) {
	if ev.PriceReference == "" && ev.PlanReference != "" {
		return plans.ByID(ev.PlanReference)
	}
	return plans.ByPriceReference(ev.PriceReference)
}

func applyUpdated(cur *model.Subscription, ev model.Event, plans PlanResolver) (*model.Subscription, error) {
	if cur == nil {
		return nil, ErrNoSubscription
	}
	if err := sameLineage(cur, ev); err != nil {
		return nil, err
	}

	status := ev.Status
	if status == "" {
		status = cur.Status
	}
	if !CanTransition(cur.Status, status) || (cur.Status == model.StatusCanceled && status != model.StatusCanceled) {
		// Leaving canceled takes a new checkout, never an update.
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
	}

	next := *cur
	if ev.PriceReference != "" {
		tier, err := plans.ByPriceReference(ev.PriceReference)
		if err != nil {
			return nil, err
		}
		next.PlanID = tier.PlanID
	}
	if !ev.PeriodStart.IsZero() {
		next.CurrentPeriodStart = ev.PeriodStart
	}
	if !ev.PeriodEnd.IsZero() {
		next.CurrentPeriodEnd = ev.PeriodEnd
	}
	if ev.ExternalCustomerID != "" {
		next.ExternalCustomerID = ev.ExternalCustomerID
	}
	if status != cur.Status {
		next.Status = status
		next.StatusChangedAt = ev.OccurredAt
	}
	next.LastEventSequence = ev.Marker
	return &next, nil
}

func applyDeleted(cur *model.Subscription, ev model.Event) (*model.Subscription, error) {
	if cur == nil {
		return nil, ErrNoSubscription
	}
	if err := sameLineage(cur, ev); err != nil {
		return nil, err
	}

	// The row and its plan id stay for history.
	next := *cur
	if next.Status != model.StatusCanceled {
		next.Status = model.StatusCanceled
		next.StatusChangedAt = ev.OccurredAt
	}
	next.LastEventSequence = ev.Marker
	return &next, nil
}

// sameLineage rejects events for a provider subscription other than the one
// on record, e.g. a late update for a lineage replaced by a new checkout.
func sameLineage(cur *model.Subscription, ev model.Event) error {
	if cur.ExternalSubscriptionID == "" || ev.ExternalSubscriptionID == "" {
		return nil
	}
	if cur.ExternalSubscriptionID != ev.ExternalSubscriptionID {
		return fmt.Errorf("%w: event for %s, current lineage %s",
			ErrInvalidTransition, ev.ExternalSubscriptionID, cur.ExternalSubscriptionID)
	}
	return nil
}
