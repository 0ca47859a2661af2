// Package entitlement decides whether a customer may perform a metered
// action right now, and counts the action when it may.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/metrics"
	"github.com/dukerupert/mapsheet/internal/billing/model"
	"github.com/dukerupert/mapsheet/internal/billing/store"
)

// Action is a metered capability.
type Action string

const ActionGeneratePDF Action = "generate_pdf"

// Deny reasons. A deny is a normal result, not an error.
const (
	ReasonQuotaExceeded  = "quota_exceeded"
	ReasonPaymentPastDue = "payment_past_due"
	ReasonUnknownPlan    = "unknown_plan"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrMissingCustomer = errors.New("missing customer id")
)

// Plans is the slice of the plan catalog the gate reads.
type Plans interface {
	ByID(planID string) (model.PlanTier, error)
	Free() model.PlanTier
}

// Decision is the answer to one Check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
	PlanID    string    `json:"plan_id"`
	Quota     int       `json:"quota"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	PeriodEnd time.Time `json:"period_end"`
}

// PlanState is the read-only view of a customer's plan and usage.
// PlanState is a read-only view of what Check would decide next. Entitled
// is false whenever Reason is set.
type PlanState struct {
	CustomerID  string       `json:"customer_id"`
	PlanID      string       `json:"plan_id"`
	PlanName    string       `json:"plan_name"`
	Status      model.Status `json:"status"`
	Entitled    bool         `json:"entitled"`
	Reason      string       `json:"reason,omitempty"`
	Quota       int          `json:"quota"`
	Used        int          `json:"used"`
	Remaining   int          `json:"remaining"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	GraceEndsAt *time.Time   `json:"grace_ends_at,omitempty"`
}

type Gate struct {
	store  *store.Store
	plans  Plans
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Gate. grace is how long a past_due subscription stays
// entitled after it entered past_due.
func New(st *store.Store, plans Plans, grace time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:  st,
		plans:  plans,
		grace:  grace,
		now:    time.Now,
		logger: logger.With("component", "entitlement"),
	}
}

// Check decides and, on allow, counts one use of action. The read, the
// comparison and the increment happen under the customer's lock in one
// transaction, so concurrent checks never over-grant.
func (g *Gate) Check(ctx context.Context, customerID string, action Action) (Decision, error) {
	if customerID == "" {
		return Decision{}, ErrMissingCustomer
	}
	if action != ActionGeneratePDF {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	now := g.now().UTC()
	var d Decision
	err := g.store.Atomic(ctx, customerID, func(tx *store.Tx) error {
		sub, err := tx.Subscriptions.Get(ctx, customerID)
		if err != nil {
			return err
		}
		tier, reason := g.tierFor(sub, now)
		d = Decision{PlanID: tier.PlanID, Quota: tier.MonthlyQuota}

		counter, err := g.liveCounter(ctx, tx.Usage, customerID, sub, now)
		if err != nil {
			return err
		}
		d.Used = counter.Count
		d.PeriodEnd = counter.PeriodEnd

		switch {
		case reason != "":
			d.Reason = reason
		case counter.Count < tier.MonthlyQuota:
			used, err := tx.Usage.Increment(ctx, customerID, counter.PeriodStart)
			if err != nil {
				return err
			}
			d.Allowed = true
			d.Used = used
		default:
			d.Reason = ReasonQuotaExceeded
		}
		d.Remaining = remaining(d.Quota, d.Used)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("check entitlement: %w", err)
	}

	result := "deny"
	if d.Allowed {
		result = "allow"
	}
	metrics.EntitlementDecisionsTotal.WithLabelValues(result, d.Reason).Inc()
	g.logger.Debug("entitlement decision",
		"customer_id", customerID, "action", action, "allowed", d.Allowed, "reason", d.Reason,
		"used", d.Used, "quota", d.Quota)
	return d, nil
}

// Snapshot reports the customer's plan and usage without counting anything.
func (g *Gate) Snapshot(ctx context.Context, customerID string) (PlanState, error) {
	if customerID == "" {
		return PlanState{}, ErrMissingCustomer
	}
	now := g.now().UTC()

	sub, err := g.store.Subscriptions().Get(ctx, customerID)
	if err != nil {
		return PlanState{}, fmt.Errorf("snapshot: %w", err)
	}
	tier, reason := g.tierFor(sub, now)

	st := PlanState{
		CustomerID: customerID,
		PlanID:     tier.PlanID,
		PlanName:   tier.Name,
		Status:     model.StatusNone,
		Entitled:   reason == "",
		Reason:     reason,
		Quota:      tier.MonthlyQuota,
	}
	if sub != nil {
		st.Status = sub.Status
		if sub.Status == model.StatusPastDue {
			ends := sub.StatusChangedAt.Add(g.grace)
			st.GraceEndsAt = &ends
		}
	}

	latest, err := g.store.Usage().Latest(ctx, customerID)
	if err != nil {
		return PlanState{}, fmt.Errorf("snapshot: %w", err)
	}
	if latest != nil && now.Before(latest.PeriodEnd) {
		st.Used = latest.Count
		st.PeriodStart = latest.PeriodStart
		st.PeriodEnd = latest.PeriodEnd
	} else {
		p := g.periodFor(sub, now, latest)
		st.PeriodStart, st.PeriodEnd = p.Start, p.End
	}
	st.Remaining = remaining(st.Quota, st.Used)
	if st.Entitled && st.Remaining == 0 {
		st.Entitled = false
		st.Reason = ReasonQuotaExceeded
	}
	return st, nil
}

// tierFor picks the tier that governs the customer now. A non-empty reason
// means the customer is denied regardless of usage.
func (g *Gate) tierFor(sub *model.Subscription, now time.Time) (model.PlanTier, string) {
	if sub == nil {
		return g.plans.Free(), ""
	}
	switch sub.Status {
	case model.StatusActive:
		return g.paidTier(sub)
	case model.StatusPastDue:
		tier, reason := g.paidTier(sub)
		if reason != "" {
			return tier, reason
		}
		if now.Sub(sub.StatusChangedAt) >= g.grace {
			return tier, ReasonPaymentPastDue
		}
		return tier, ""
	default:
		// none and canceled fall back to the free tier.
		return g.plans.Free(), ""
	}
}

func (g *Gate) paidTier(sub *model.Subscription) (model.PlanTier, string) {
	tier, err := g.plans.ByID(sub.PlanID)
	if err != nil {
		g.logger.Error("subscription references unknown plan", "customer_id", sub.CustomerID, "plan_id", sub.PlanID)
		return model.PlanTier{PlanID: sub.PlanID}, ReasonUnknownPlan
	}
	return tier, ""
}

// liveCounter returns the counter for the current period, opening a new one
// when the previous period has ended. A plan change inside a period keeps
// the existing counter.
func (g *Gate) liveCounter(ctx context.Context, usage *store.UsageStore, customerID string, sub *model.Subscription, now time.Time) (*model.UsageCounter, error) {
	latest, err := usage.Latest(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if latest != nil && now.Before(latest.PeriodEnd) && !now.Before(latest.PeriodStart) {
		return latest, nil
	}
	return usage.Open(ctx, customerID, g.periodFor(sub, now, latest))
}

// periodFor computes the billing period containing now. Paid subscriptions
// use their provider period, rolled forward by months if it has lapsed;
// everyone else uses the calendar month. The result never overlaps prev.
func (g *Gate) periodFor(sub *model.Subscription, now time.Time, prev *model.UsageCounter) model.Period {
	var p model.Period
	if sub != nil && (sub.Status == model.StatusActive || sub.Status == model.StatusPastDue) &&
		!sub.CurrentPeriodStart.IsZero() && sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) &&
		!now.Before(sub.CurrentPeriodStart) {
		p = model.Period{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd}
		for n := 1; !now.Before(p.End); n++ {
			p = model.Period{
				Start: sub.CurrentPeriodStart.AddDate(0, n, 0),
				End:   sub.CurrentPeriodEnd.AddDate(0, n, 0),
			}
		}
	} else {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		p = model.Period{Start: start, End: start.AddDate(0, 1, 0)}
	}

	if prev != nil && p.Start.Before(prev.PeriodEnd) && !now.Before(prev.PeriodEnd) {
		p.Start = prev.PeriodEnd
	}
	return p
}

func remaining(quota, used int) int {
	if used >= quota {
		return 0
	}
	return quota - used
}
