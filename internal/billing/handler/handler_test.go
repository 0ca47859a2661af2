package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/mapsheet/internal/billing/entitlement"
	"github.com/dukerupert/mapsheet/internal/billing/lock"
	"github.com/dukerupert/mapsheet/internal/billing/model"
	"github.com/dukerupert/mapsheet/internal/billing/plan"
	"github.com/dukerupert/mapsheet/internal/billing/processor"
	"github.com/dukerupert/mapsheet/internal/billing/store"
	billingstripe "github.com/dukerupert/mapsheet/internal/billing/stripe"
	"github.com/dukerupert/mapsheet/internal/database"
	"github.com/dukerupert/mapsheet/internal/logging"
)

const testSecret = "whsec_handler_test"

type env struct {
	st      *store.Store
	webhook *WebhookHandler
	ent     *EntitlementHandler
	recon   *ReconciliationHandler
	mux     *http.ServeMux
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := plan.New([]model.PlanTier{
		{PlanID: "lite", Name: "Lite", MonthlyQuota: 1, PriceReference: "price_lite"},
		{PlanID: "standard", Name: "Standard", MonthlyQuota: 50, PriceReference: "price_standard"},
	}, 0)
	require.NoError(t, err)

	logger := logging.Discard()
	st := store.New(db, lock.NewKeyedMutex())
	e := &env{
		st:      st,
		webhook: NewWebhookHandler(billingstripe.NewVerifier(testSecret), processor.New(st, catalog, nil, logger), 5*time.Second, logger),
		ent:     NewEntitlementHandler(entitlement.New(st, catalog, 72*time.Hour, logger), logger),
		recon:   NewReconciliationHandler(st.Reconciliation(), logger),
		mux:     http.NewServeMux(),
	}
	e.mux.HandleFunc("POST /webhooks/stripe", e.webhook.HandleStripeWebhook)
	e.mux.HandleFunc("POST /api/entitlements/check", e.ent.Check)
	e.mux.HandleFunc("GET /api/customers/{id}/plan", e.ent.Plan)
	e.mux.HandleFunc("GET /api/reconciliation", e.recon.List)
	e.mux.HandleFunc("POST /api/reconciliation/{id}/resolve", e.recon.Resolve)
	return e
}

func (e *env) deliver(t *testing.T, payload, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func checkoutPayload(eventID, customer, price string, created int64) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":%d,
		"data":{"object":{"id":"cs_%s","mode":"subscription","customer":"cus_%s","subscription":"sub_%s",
		"client_reference_id":%q,"metadata":{"price_id":%q}}}}`, eventID, created, customer, customer, customer, customer, price)
}

func deletedPayload(eventID, customer string, created int64) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"customer.subscription.deleted","created":%d,
		"data":{"object":{"id":"sub_%s","customer":"cus_%s","status":"canceled","metadata":{"customer_id":%q}}}}`,
		eventID, created, customer, customer, customer)
}

func updatedPayload(eventID, customer, price, status string, created int64) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"customer.subscription.updated","created":%d,
		"data":{"object":{"id":"sub_%s","customer":"cus_%s","status":%q,"metadata":{"customer_id":%q},
		"items":{"data":[{"price":{"id":%q}}]}}}}`, eventID, created, customer, customer, status, customer, price)
}

func outcomeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Outcome
}

func TestWebhookAppliesCheckout(t *testing.T) {
	e := newEnv(t)

	rec := e.deliver(t, checkoutPayload("evt_1", "u1", "price_lite", 1000), testSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", outcomeOf(t, rec))

	sub, err := e.st.Subscriptions().Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "lite", sub.PlanID)
}

func TestWebhookCheckoutWithPlanMetadata(t *testing.T) {
	e := newEnv(t)
	payload := `{"id":"evt_meta","object":"event","type":"checkout.session.completed","created":1000,
		"data":{"object":{"id":"cs_42","mode":"subscription","customer":"cus_42","subscription":"sub_42",
		"metadata":{"user_id":"42","plan":"lite"}}}}`

	rec := e.deliver(t, payload, testSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", outcomeOf(t, rec))

	sub, err := e.st.Subscriptions().Get(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "lite", sub.PlanID)
	assert.Equal(t, model.StatusActive, sub.Status)
}

func TestWebhookDuplicateAcknowledged(t *testing.T) {
	e := newEnv(t)
	payload := checkoutPayload("evt_1", "u1", "price_lite", 1000)

	require.Equal(t, http.StatusOK, e.deliver(t, payload, testSecret).Code)
	rec := e.deliver(t, payload, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", outcomeOf(t, rec))
}

func TestWebhookBadSignatureRejectedWithoutSideEffects(t *testing.T) {
	e := newEnv(t)

	rec := e.deliver(t, checkoutPayload("evt_1", "u1", "price_lite", 1000), "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	seen, err := e.st.Events().Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	sub, err := e.st.Subscriptions().Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestWebhookSignedButUndecodableAsksForRetry(t *testing.T) {
	e := newEnv(t)
	payload := `{"id":"evt_bad","object":"event","type":"checkout.session.completed","created":1000,"data":{"object":"oops"}}`

	rec := e.deliver(t, payload, testSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	seen, err := e.st.Events().Seen(context.Background(), "evt_bad")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestWebhookMissingSignatureHeader(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/webhooks/stripe", checkoutPayload("evt_1", "u1", "price_lite", 1000))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookStaleEventAcknowledged(t *testing.T) {
	e := newEnv(t)

	require.Equal(t, http.StatusOK, e.deliver(t, checkoutPayload("evt_1", "u1", "price_lite", 1), testSecret).Code)
	require.Equal(t, http.StatusOK, e.deliver(t, deletedPayload("evt_del", "u1", 5), testSecret).Code)

	rec := e.deliver(t, updatedPayload("evt_upd", "u1", "price_standard", "active", 3), testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stale", outcomeOf(t, rec))

	sub, err := e.st.Subscriptions().Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, sub.Status)
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	e := newEnv(t)
	rec := e.deliver(t, `{"id":"evt_inv","object":"event","type":"invoice.paid","created":1,"data":{"object":{}}}`, testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", outcomeOf(t, rec))
}

func TestWebhookUnknownPriceAsksForRetry(t *testing.T) {
	e := newEnv(t)

	rec := e.deliver(t, checkoutPayload("evt_1", "u1", "price_gold", 1000), testSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	list := e.do(t, "GET", "/api/reconciliation", "")
	require.Equal(t, http.StatusOK, list.Code)
	var body struct {
		Items []model.ReconciliationItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, processor.ReasonUnknownPrice, body.Items[0].Reason)

	resolve := e.do(t, "POST", fmt.Sprintf("/api/reconciliation/%d/resolve", body.Items[0].ID), "")
	assert.Equal(t, http.StatusOK, resolve.Code)
	again := e.do(t, "POST", fmt.Sprintf("/api/reconciliation/%d/resolve", body.Items[0].ID), "")
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestWebhookBodyTooLarge(t *testing.T) {
	e := newEnv(t)
	big := bytes.Repeat([]byte("x"), maxWebhookBody+1)
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(big))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingProcessor struct{}

func (failingProcessor) Process(context.Context, model.Event) (processor.Outcome, error) {
	return processor.OutcomeFailed, errors.New("database is locked")
}

func TestWebhookProcessingFailureReturns500(t *testing.T) {
	h := NewWebhookHandler(billingstripe.NewVerifier(testSecret), failingProcessor{}, time.Second, logging.Discard())
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(checkoutPayload("evt_1", "u1", "price_lite", 1000)),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEntitlementCheckAfterCheckout(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.deliver(t, checkoutPayload("evt_1", "u1", "price_lite", time.Now().Unix()-60), testSecret).Code)

	var d entitlement.Decision
	rec := e.do(t, "POST", "/api/entitlements/check", `{"customer_id":"u1","action":"generate_pdf"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)
	assert.Equal(t, "lite", d.PlanID)

	rec = e.do(t, "POST", "/api/entitlements/check", `{"customer_id":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonQuotaExceeded, d.Reason)
}

func TestEntitlementCheckBadRequests(t *testing.T) {
	e := newEnv(t)

	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/entitlements/check", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/entitlements/check", `{"action":"generate_pdf"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/entitlements/check", `{"customer_id":"u1","action":"fly"}`).Code)
}

func TestPlanEndpoint(t *testing.T) {
	e := newEnv(t)
	require.Equal(t, http.StatusOK, e.deliver(t, checkoutPayload("evt_1", "u1", "price_lite", time.Now().Unix()-60), testSecret).Code)

	rec := e.do(t, "GET", "/api/customers/u1/plan", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st entitlement.PlanState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "lite", st.PlanID)
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Equal(t, 1, st.Remaining)
}

func TestReconciliationResolveInvalidID(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, "POST", "/api/reconciliation/abc/resolve", "").Code)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := Health(map[string]Pinger{"db": pingFunc(func(context.Context) error { return nil })})
	rec := httptest.NewRecorder()
	ok(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := Health(map[string]Pinger{"redis": pingFunc(func(context.Context) error { return errors.New("refused") })})
	rec = httptest.NewRecorder()
	bad(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "refused")
}
