package model

import "time"

// Status is the lifecycle state of a customer's subscription.
type Status string

const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Subscription is the single subscription record owned by a customer.
type Subscription struct {
	CustomerID             string    `json:"customer_id"`
	PlanID                 string    `json:"plan_id"`
	Status                 Status    `json:"status"`
	CurrentPeriodStart     time.Time `json:"current_period_start"`
	CurrentPeriodEnd       time.Time `json:"current_period_end"`
	ExternalSubscriptionID string    `json:"external_subscription_id"`
	ExternalCustomerID     string    `json:"external_customer_id"`
	LastEventSequence      int64     `json:"last_event_sequence"`
	StatusChangedAt        time.Time `json:"status_changed_at"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// PlanTier is an immutable catalog entry.
type PlanTier struct {
	PlanID         string `json:"plan_id" yaml:"plan_id"`
	Name           string `json:"name" yaml:"name"`
	MonthlyQuota   int    `json:"monthly_quota" yaml:"monthly_quota"`
	PriceReference string `json:"price_reference" yaml:"price_reference"`
}

// EventType is the normalized kind of a provider notification.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventUnknown             EventType = "unknown"
)

// Event is a verified provider notification reduced to the fields the
// subscription lifecycle needs.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	ProviderType string    `json:"provider_type"`

	// CustomerID is empty when the payload does not name our customer; the
	// processor then resolves it through ExternalSubscriptionID.
	CustomerID             string `json:"customer_id"`
	ExternalCustomerID     string `json:"external_customer_id"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	PriceReference         string `json:"price_reference"`
	// PlanReference is a plan id named directly by the checkout metadata.
	// It is consulted only when PriceReference is empty.
	PlanReference string `json:"plan_reference,omitempty"`

	// Status is the provider status mapped onto the internal lifecycle;
	// ProviderStatus keeps the raw value for logs.
	Status         Status    `json:"status"`
	ProviderStatus string    `json:"provider_status"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`

	// Marker orders events for one subscription. Larger is newer.
	Marker     int64     `json:"marker"`
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
	Payload    []byte    `json:"-"`
}

// WebhookEvent is the write-once dedup record of a processed event.
type WebhookEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	CustomerID string    `json:"customer_id"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// UsageCounter counts metered actions for one customer in one billing period.
type UsageCounter struct {
	CustomerID  string    `json:"customer_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Count       int       `json:"count"`
}

// Period is a half-open [Start, End) billing interval.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// ReconciliationItem is an event an operator has to look at by hand.
type ReconciliationItem struct {
	ID         int64      `json:"id"`
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	CustomerID string     `json:"customer_id"`
	Reason     string     `json:"reason"`
	Detail     string     `json:"detail"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}
