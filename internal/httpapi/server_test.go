package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout-service/internal/address"
	"checkout-service/internal/cart"
	"checkout-service/internal/catalog"
	"checkout-service/internal/checkout"
	"checkout-service/internal/email"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
	"checkout-service/internal/settlement"
)

const testToken = "tok-123"

type testEnv struct {
	server    *Server
	orders    *order.Service
	outbox    *outbox.MemoryStore
	processor *payment.MockProcessor
	catalog   *catalog.MemoryRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		orders:    order.NewService(order.NewMemoryRepository(), logger),
		outbox:    outbox.NewMemoryStore(0),
		processor: payment.NewMockProcessor(),
		catalog: catalog.NewMemoryRepository(
			catalog.Listing{ID: "mug", SellerID: "s1", Price: decimal.NewFromInt(20), Stock: 5, Status: catalog.StatusActive},
			catalog.Listing{ID: "print", SellerID: "s2", Price: decimal.NewFromInt(15), Stock: 3, Status: catalog.StatusActive},
		),
	}
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(""))
	orch := settlement.New(settlement.Deps{
		Orders:      env.orders,
		Outbox:      env.outbox,
		Idempotency: idempotency.NewMemoryStore(),
		Processor:   env.processor,
		Catalog:     env.catalog,
		Mailer:      email.NewLogSender(logger),
		Breakers:    breakers,
		Logger:      logger,
	}, settlement.Config{Retry: resilience.NoRetry()})

	env.processor.AddAccount(payment.Account{ID: "acct_s1", ChargesEnabled: true})
	env.processor.AddAccount(payment.Account{ID: "acct_s2", ChargesEnabled: true})
	drainer := outbox.NewDrainer(env.outbox, outbox.DrainerConfig{Logger: logger})
	orch.RegisterHandlers(drainer)

	env.server = NewServer(Deps{
		Settlement: orch,
		Checkout:   checkout.NewCoordinator(address.NewRulesValidator(), orch, breakers, logger).WithCatalog(catalog.NewSource(env.catalog)),
		Orders:     env.orders,
		Outbox:     env.outbox,
		Drainer:    drainer,
		Catalog:    catalog.NewSource(env.catalog),
		Webhooks:   env.processor,
		Breakers:   breakers,
		Logger:     logger,
	}, Options{})
	return env
}

// do sends body as JSON with a matching CSRF cookie and header.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testToken})
	req.Header.Set("X-CSRF-Token", testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func items() []cart.Item {
	return []cart.Item{
		{ID: "mug", Title: "Mug", Price: decimal.NewFromInt(20), Quantity: 2, Seller: cart.SellerRef{ID: "s1", Email: "s1@example.com", StripeAccountID: "acct_s1"}},
		{ID: "print", Title: "Print", Price: decimal.NewFromInt(15), Quantity: 1, Seller: cart.SellerRef{ID: "s2", Email: "s2@example.com", StripeAccountID: "acct_s2"}},
	}
}

func (e *testEnv) createIntent(t *testing.T) settlement.IntentResult {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/payments/intent", settlement.IntentRequest{
		BuyerID:    "b1",
		BuyerEmail: "buyer@example.com",
		Items:      items(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res settlement.IntentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestHealthReportsBreakers(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestCSRFRejectsMissingOrMismatchedToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/cart/split", bytes.NewBufferString(`{"items":[]}`))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/cart/split", bytes.NewBufferString(`{"items":[]}`))
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testToken})
	req.Header.Set("X-CSRF-Token", "other")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "invalid csrf token", decodeBody(t, w)["error"])

	w = env.do(t, http.MethodPost, "/api/cart/split", gin.H{"items": items()})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIssueCSRFSetsCookie(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	assert.NotEmpty(t, token)
	assert.Equal(t, "X-CSRF-Token", body["header"])

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "csrf_token", cookies[0].Name)
	assert.Equal(t, token, cookies[0].Value)
}

func TestSplitCartReportsPayments(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/cart/split", gin.H{"items": items()})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	payments, ok := body["payments"].([]any)
	require.True(t, ok)
	assert.Len(t, payments, 2)
	validation := body["validation"].(map[string]any)
	assert.Equal(t, true, validation["valid"])
}

func TestReviewCartDetectsPriceDrift(t *testing.T) {
	env := newTestEnv(t)
	stale := items()
	stale[0].Price = decimal.NewFromInt(18)

	w := env.do(t, http.MethodPost, "/api/cart/review", gin.H{"items": stale})
	require.Equal(t, http.StatusOK, w.Code)

	var res cart.ReviewResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.HasDrift)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, cart.FieldPrice, res.Changes[0].Field)
}

func TestSessionCartQuantityUpdates(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/checkout/sess-1/cart/mug", gin.H{"quantity": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decodeBody(t, w)["quantity"])

	// more than the stock of 5 is clamped
	w = env.do(t, http.MethodPut, "/api/checkout/sess-1/cart/mug", gin.H{"quantity": 9})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 5, decodeBody(t, w)["quantity"])

	w = env.do(t, http.MethodPut, "/api/checkout/sess-1/cart/lamp", gin.H{"quantity": 1})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.EqualValues(t, 0, decodeBody(t, w)["line"].(map[string]any)["quantity"])

	w = env.do(t, http.MethodPut, "/api/checkout/sess-1/cart/mug", gin.H{"quantity": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/checkout/sess-1/cart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	lines := decodeBody(t, w)["items"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, map[string]any{"item_id": "mug", "quantity": float64(5)}, lines[0])
}

func TestCreateIntentHonorsIdempotencyHeader(t *testing.T) {
	env := newTestEnv(t)
	body := settlement.IntentRequest{BuyerID: "b1", Items: items()}

	w := env.do(t, http.MethodPost, "/api/payments/intent", body, "Idempotency-Key", "bad key!")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	first := env.do(t, http.MethodPost, "/api/payments/intent", body, "Idempotency-Key", "client-key-0001")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := env.do(t, http.MethodPost, "/api/payments/intent", body, "Idempotency-Key", "client-key-0001")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, decodeBody(t, first)["payment_intent_id"], decodeBody(t, second)["payment_intent_id"])
	assert.Len(t, env.processor.IntentCalls, 1)
}

func TestCreateIntentRejectsInvalidCart(t *testing.T) {
	env := newTestEnv(t)
	bad := items()
	bad[0].Quantity = 0

	w := env.do(t, http.MethodPost, "/api/payments/intent", settlement.IntentRequest{BuyerID: "b1", Items: bad})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["errors"])
}

func TestCheckoutSubmitAndWebhookCompleteSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/checkout/sess-1/submit", checkout.SubmitRequest{
		BuyerID:    "b1",
		BuyerEmail: "buyer@example.com",
		Items:      items(),
		Address:    address.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62704", Country: "US"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sess checkout.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, checkout.StatePaymentReady, sess.Machine.State)
	require.NotEmpty(t, sess.PaymentIntentID)

	hook, err := json.Marshal(payment.WebhookEvent{
		ID:              "evt_1",
		Type:            payment.EventPaymentSucceeded,
		PaymentIntentID: sess.PaymentIntentID,
		ChargeID:        "ch_1",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(hook))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["handled"])

	w = env.do(t, http.MethodGet, "/api/checkout/sess-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, checkout.StateSuccess, sess.Machine.State)

	pending, err := env.outbox.ListPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 7)
}

func TestCheckoutSubmitBadAddressReturnsSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/checkout/sess-1/submit", checkout.SubmitRequest{
		BuyerID: "b1",
		Items:   items(),
		Address: address.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "ABC", Country: "US"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	session := body["session"].(map[string]any)
	machine := session["machine"].(map[string]any)
	assert.Equal(t, string(checkout.StateIdle), machine["state"])
}

func TestCompleteWithFailureCodeThenReset(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/checkout/sess-1/submit", checkout.SubmitRequest{
		BuyerID: "b1",
		Items:   items(),
		Address: address.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "62704", Country: "US"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/checkout/sess-1/complete", gin.H{"failure_code": "card_declined", "decline_code": "insufficient_funds"})
	require.Equal(t, http.StatusOK, w.Code)
	var sess checkout.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, checkout.StateFailed, sess.Machine.State)
	assert.NotEmpty(t, sess.Machine.Error)

	w = env.do(t, http.MethodPost, "/api/checkout/sess-1/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, checkout.StateIdle, sess.Machine.State)

	w = env.do(t, http.MethodGet, "/api/checkout/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookForUnknownPaymentIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	hook := `{"id":"evt_9","type":"payment_intent.succeeded","payment_intent_id":"pi_missing"}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewBufferString(hook))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// paymentSucceeded delivers the processor's success webhook for intent.
func (e *testEnv) paymentSucceeded(t *testing.T, intent settlement.IntentResult) {
	t.Helper()
	hook := payment.WebhookEvent{ID: "evt_" + intent.OrderID, Type: payment.EventPaymentSucceeded, PaymentIntentID: intent.PaymentIntentID, ChargeID: "ch_1"}
	raw, _ := json.Marshal(hook)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestQueueAdminDrainsOutbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	intent := env.createIntent(t)
	env.paymentSucceeded(t, intent)

	w := env.do(t, http.MethodGet, "/api/queues/outbox?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["events"], 2)

	pending, err := env.outbox.ListPending(ctx, 0)
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/api/queues/outbox/retry", gin.H{"id": pending[0].ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["affected"])

	w = env.do(t, http.MethodPost, "/api/queues/outbox/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, len(pending)-1, decodeBody(t, w)["affected"])

	ord, err := env.orders.Get(ctx, intent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, ord.Status)
	mug, err := env.catalog.Get(ctx, "mug")
	require.NoError(t, err)
	assert.Equal(t, 3, mug.Stock)
}

func TestRetryOfClaimedEventConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.outbox.Enqueue(ctx, settlement.EffectEmailBuyer, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	// a drain pass holds the event
	claimed, err := env.outbox.FetchOldest(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w := env.do(t, http.MethodPost, "/api/queues/outbox/retry", gin.H{"id": id})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	evt, err := env.outbox.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, evt.Processed())
	assert.Zero(t, evt.Attempts)
}

func TestDLQRequeueAndPurge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2"} {
		id, err := env.outbox.Enqueue(ctx, "unknown.effect", json.RawMessage(`{}`), key)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, err := env.outbox.IncAttemptsOrMoveToDLQ(ctx, id, "boom")
			require.NoError(t, err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/queues/dlq", nil)
	require.Equal(t, http.StatusOK, w.Code)
	docs := decodeBody(t, w)["events"].([]any)
	require.Len(t, docs, 2)
	firstID := docs[0].(map[string]any)["id"].(string)

	w = env.do(t, http.MethodPost, "/api/queues/dlq/requeue", gin.H{"id": firstID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["affected"])

	w = env.do(t, http.MethodPost, "/api/queues/dlq/requeue", gin.H{"id": "missing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decodeBody(t, w)["affected"])

	w = env.do(t, http.MethodPost, "/api/queues/dlq/purge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["affected"])

	left, err := env.outbox.ListDLQ(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
	pending, err := env.outbox.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOrderEndpoints(t *testing.T) {
	env := newTestEnv(t)
	intent := env.createIntent(t)

	w := env.do(t, http.MethodGet, "/api/orders?buyer_id=b1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["orders"], 1)

	w = env.do(t, http.MethodGet, "/api/orders", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/orders/"+intent.OrderID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decodeBody(t, w)["status"])

	w = env.do(t, http.MethodGet, "/api/orders/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	path := "/api/orders/" + intent.OrderID + "/status"
	w = env.do(t, http.MethodPut, path, gin.H{"seller_id": "s9", "status": "processing"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPut, path, gin.H{"seller_id": "s1", "status": "teleported"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, path, gin.H{"seller_id": "s1", "status": "processing", "note": "packing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processing", decodeBody(t, w)["status"])
}

func TestShipOrderIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	intent := env.createIntent(t)
	path := "/api/orders/" + intent.OrderID + "/ship"

	w := env.do(t, http.MethodPost, path, gin.H{"seller_id": "s1", "tracking_number": "1Z999"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	env.paymentSucceeded(t, intent)
	w = env.do(t, http.MethodPost, "/api/queues/outbox/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, path, gin.H{"seller_id": "s1", "tracking_number": "1Z999"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, "processing", body["status"])

	w = env.do(t, http.MethodPost, path, gin.H{"seller_id": "s1", "tracking_number": "1Z999"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["replayed"])

	w = env.do(t, http.MethodPost, path, gin.H{"seller_id": "s9", "tracking_number": "1Z999"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
