// Package stripe authenticates Stripe webhook deliveries and normalizes the
// three subscription events the billing engine understands.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Verifier checks the Stripe-Signature header against the signing secret.
type Verifier struct {
	secret string
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// Verify authenticates payload and returns the normalized event. Any
// signature problem, including a missing or malformed header, is reported as
// ErrInvalidSignature. A signed payload that cannot be decoded is
// ErrMalformedEvent. Verify has no side effects.
func (v *Verifier) Verify(payload []byte, sigHeader string) (model.Event, error) {
	if strings.TrimSpace(v.secret) == "" {
		return model.Event{}, fmt.Errorf("%w: signing secret not configured", ErrInvalidSignature)
	}
	if strings.TrimSpace(sigHeader) == "" {
		return model.Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	if err := webhook.ValidatePayload(payload, sigHeader, v.secret); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// Decoded separately so a body Stripe did sign is never reported as a
	// signature failure. API version mismatches are tolerated.
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return model.Event{}, fmt.Errorf("%w: decode event: %v", ErrMalformedEvent, err)
	}

	ev, err := Normalize(&event)
	if err != nil {
		return model.Event{}, err
	}
	ev.ReceivedAt = v.now().UTC()
	ev.Payload = payload
	return ev, nil
}

// Normalize converts a Stripe event envelope into a model.Event. The event
// creation time is used as the ordering marker.
func Normalize(event *stripelib.Event) (model.Event, error) {
	if event.ID == "" {
		return model.Event{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	occurred := time.Unix(event.Created, 0).UTC()
	ev := model.Event{
		ID:           event.ID,
		Type:         model.EventUnknown,
		ProviderType: string(event.Type),
		Marker:       event.Created,
		OccurredAt:   occurred,
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch string(event.Type) {
	case TypeCheckoutCompleted:
		var sess CheckoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return model.Event{}, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformedEvent, err)
		}
		ev.Type = model.EventCheckoutCompleted
		ev.CustomerID = sess.customerID()
		ev.ExternalCustomerID = sess.Customer
		ev.ExternalSubscriptionID = sess.Subscription
		ev.PriceReference = sess.priceReference()
		ev.PlanReference = strings.TrimSpace(sess.Metadata["plan"])
		ev.Status = model.StatusActive
		ev.ProviderStatus = "complete"
		// A checkout session carries no billing period; the first period
		// starts at completion and runs one calendar month.
		ev.PeriodStart = occurred
		ev.PeriodEnd = occurred.AddDate(0, 1, 0)

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return model.Event{}, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		ev.Type = model.EventSubscriptionUpdated
		if string(event.Type) == TypeSubscriptionDeleted {
			ev.Type = model.EventSubscriptionDeleted
		}
		ev.CustomerID = metadataCustomerID(sub.Metadata)
		ev.ExternalCustomerID = sub.Customer
		ev.ExternalSubscriptionID = sub.ID
		ev.PriceReference = sub.FirstPriceID()
		ev.Status = MapStatus(sub.Status)
		ev.ProviderStatus = sub.Status
		start, end := sub.period()
		if start > 0 {
			ev.PeriodStart = time.Unix(start, 0).UTC()
		}
		if end > 0 {
			ev.PeriodEnd = time.Unix(end, 0).UTC()
		}
	}

	return ev, nil
}

// CheckoutSession is the subset of a Stripe checkout.session we read.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	LineItems         struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

func (s *CheckoutSession) customerID() string {
	if id := metadataCustomerID(s.Metadata); id != "" {
		return id
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

// priceReference prefers the price id stamped into metadata at checkout
// creation, then an expanded line item.
func (s *CheckoutSession) priceReference() string {
	if p := strings.TrimSpace(s.Metadata["price_id"]); p != "" {
		return p
	}
	for _, item := range s.LineItems.Data {
		if p := strings.TrimSpace(item.Price.ID); p != "" {
			return p
		}
	}
	return ""
}

// Subscription is the subset of a Stripe subscription we read.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// period reads the billing period from the subscription, falling back to the
// first item where newer API versions moved it.
func (s *Subscription) period() (start, end int64) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	if start == 0 && end == 0 && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return start, end
}

func metadataCustomerID(md map[string]string) string {
	for _, key := range []string{"customer_id", "user_id"} {
		if id := strings.TrimSpace(md[key]); id != "" {
			return id
		}
	}
	return ""
}

// MapStatus converts a Stripe subscription status to the internal status.
// Statuses that do not clearly grant or end access map to past_due so the
// grace window applies rather than an irreversible cancel.
func MapStatus(status string) model.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return model.StatusActive
	case "canceled", "incomplete_expired":
		return model.StatusCanceled
	default:
		return model.StatusPastDue
	}
}
