package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"checkout-service/internal/resilience"
)

// MockProcessor is an in-process processor for development and tests.
// Requests with an idempotency key already seen return the first result.
// Webhooks are accepted unsigned as JSON WebhookEvent bodies.
type MockProcessor struct {
	mu        sync.Mutex
	intents   map[string]*Intent
	transfers map[string]*Transfer
	accounts  map[string]*Account
	byKey     map[string]any

	IntentCalls   []IntentParams
	TransferCalls []TransferParams

	// FailNext, when set, is consulted before each call with the operation
	// name ("intent", "transfer", "account"); a non-nil return fails it.
	FailNext func(op string) error
}

func NewMockProcessor() *MockProcessor {
	return &MockProcessor{
		intents:   make(map[string]*Intent),
		transfers: make(map[string]*Transfer),
		accounts:  make(map[string]*Account),
		byKey:     make(map[string]any),
	}
}

// AddAccount registers a connected account.
func (m *MockProcessor) AddAccount(acct Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = &acct
}

func (m *MockProcessor) fail(op string) error {
	if m.FailNext == nil {
		return nil
	}
	return m.FailNext(op)
}

func (m *MockProcessor) CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("intent"); err != nil {
		return nil, err
	}
	if params.IdempotencyKey != "" {
		if prev, ok := m.byKey["intent:"+params.IdempotencyKey].(*Intent); ok {
			cp := *prev
			return &cp, nil
		}
	}
	m.IntentCalls = append(m.IntentCalls, params)

	id := "pi_" + uuid.NewString()[:8]
	intent := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		Status:       "requires_payment_method",
		Amount:       params.Amount,
	}
	m.intents[id] = intent
	if params.IdempotencyKey != "" {
		m.byKey["intent:"+params.IdempotencyKey] = intent
	}
	cp := *intent
	return &cp, nil
}

func (m *MockProcessor) CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("transfer"); err != nil {
		return nil, err
	}
	if params.IdempotencyKey != "" {
		if prev, ok := m.byKey["transfer:"+params.IdempotencyKey].(*Transfer); ok {
			cp := *prev
			return &cp, nil
		}
	}
	m.TransferCalls = append(m.TransferCalls, params)

	tr := &Transfer{ID: "tr_" + uuid.NewString()[:8], Amount: params.Amount, Destination: params.Destination}
	m.transfers[tr.ID] = tr
	if params.IdempotencyKey != "" {
		m.byKey["transfer:"+params.IdempotencyKey] = tr
	}
	cp := *tr
	return &cp, nil
}

func (m *MockProcessor) RetrieveAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("account"); err != nil {
		return nil, err
	}
	acct, ok := m.accounts[id]
	if !ok {
		return nil, resilience.Permanent(&Error{Kind: KindInvalidRequest, Code: "resource_missing", Message: fmt.Sprintf("no such account: %s", id), Status: 404})
	}
	cp := *acct
	return &cp, nil
}

// Transfers returns the distinct transfers created so far.
func (m *MockProcessor) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, tr := range m.transfers {
		out = append(out, *tr)
	}
	return out
}

func (m *MockProcessor) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidSignature)
	}
	return &evt, nil
}
