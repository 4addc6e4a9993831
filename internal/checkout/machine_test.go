package checkout

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"checkout-service/internal/address"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
)

func run(m Machine, events ...Event) Machine {
	for _, e := range events {
		m = Transition(m, e)
	}
	return m
}

func TestHappyPath(t *testing.T) {
	m := run(New(),
		Event{Type: EventSubmit},
		Event{Type: EventAddressOK},
		Event{Type: EventIntentOK},
		Event{Type: EventPaymentOK},
	)
	assert.Equal(t, StateSuccess, m.State)
	assert.Empty(t, m.Error)
}

func TestSubmitIgnoredWhileBusy(t *testing.T) {
	m := Transition(New(), Event{Type: EventSubmit})
	assert.Equal(t, StateValidatingAddress, m.State)
	assert.True(t, IsBusy(m.State))
	assert.False(t, CanSubmit(m.State))

	assert.Equal(t, m, Transition(m, Event{Type: EventSubmit}))

	m = Transition(m, Event{Type: EventAddressOK})
	assert.Equal(t, StateCreatingIntent, m.State)
	assert.Equal(t, m, Transition(m, Event{Type: EventSubmit}))
}

func TestFailuresReturnToIdleWithError(t *testing.T) {
	m := run(New(), Event{Type: EventSubmit}, Event{Type: EventAddressFail, Error: "bad zip"})
	assert.Equal(t, StateIdle, m.State)
	assert.Equal(t, "bad zip", m.Error)
	assert.True(t, CanSubmit(m.State))

	// resubmitting clears the error
	m = Transition(m, Event{Type: EventSubmit})
	assert.Empty(t, m.Error)

	m = run(m, Event{Type: EventAddressOK}, Event{Type: EventIntentFail, Error: "declined"})
	assert.Equal(t, StateIdle, m.State)
	assert.Equal(t, "declined", m.Error)
}

func TestPaymentFailureAndReset(t *testing.T) {
	m := run(New(),
		Event{Type: EventSubmit},
		Event{Type: EventAddressOK},
		Event{Type: EventIntentOK},
	)
	assert.False(t, CanSubmit(m.State))

	m = Transition(m, Event{Type: EventPaymentFail, Error: "card declined"})
	assert.Equal(t, StateFailed, m.State)
	assert.Equal(t, "card declined", m.Error)

	// a failed payment is reset before the buyer submits again
	assert.False(t, CanSubmit(m.State))
	assert.False(t, Accepts(m, EventSubmit))
	assert.Equal(t, m, Transition(m, Event{Type: EventSubmit}))

	m = Transition(m, Event{Type: EventReset})
	assert.Equal(t, New(), m)
	assert.True(t, CanSubmit(m.State))
}

func TestSuccessIsTerminal(t *testing.T) {
	m := Machine{State: StateSuccess}
	for _, e := range []EventType{EventSubmit, EventAddressOK, EventIntentOK, EventPaymentFail, EventReset} {
		assert.False(t, Accepts(m, e), e)
		assert.Equal(t, m, Transition(m, Event{Type: e}))
	}
	assert.False(t, CanSubmit(StateSuccess))
}

func TestOutOfOrderEventsAreIgnored(t *testing.T) {
	tests := []struct {
		state State
		event EventType
	}{
		{StateIdle, EventAddressOK},
		{StateIdle, EventIntentOK},
		{StateIdle, EventPaymentOK},
		{StateIdle, EventReset},
		{StateValidatingAddress, EventIntentOK},
		{StateCreatingIntent, EventAddressFail},
		{StatePaymentReady, EventSubmit},
		{StateFailed, EventSubmit},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.state, tt.event), func(t *testing.T) {
			m := Machine{State: tt.state}
			assert.Equal(t, m, Transition(m, Event{Type: tt.event}))
		})
	}
}

func TestDescribePaymentFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"decline code wins", &payment.Error{Kind: payment.KindCard, Code: "card_declined", DeclineCode: "insufficient_funds"}, "Your card has insufficient funds."},
		{"code", &payment.Error{Kind: payment.KindCard, Code: "expired_card"}, "Your card has expired."},
		{"unknown card code", &payment.Error{Kind: payment.KindCard, Code: "do_not_honor"}, "Your card was declined. Please try a different payment method."},
		{"wrapped", fmt.Errorf("intent: %w", resilience.Permanent(&payment.Error{Code: "incorrect_cvc"})), "The security code on your card is incorrect."},
		{"address", &address.Error{Field: "postal_code", Reason: "is not valid for US"}, "We couldn't verify your shipping address: postal_code is not valid for US"},
		{"circuit", &resilience.CircuitOpenError{Name: "payment"}, "Payments are temporarily unavailable. Please try again in a few minutes."},
		{"in progress", idempotency.ErrInProgress, "Your order is already being processed."},
		{"other", context.DeadlineExceeded, "Something went wrong while processing your payment. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DescribePaymentFailure(tt.err))
		})
	}
}
