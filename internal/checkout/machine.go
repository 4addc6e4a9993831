// Package checkout sequences a checkout session: address validation, then
// payment intent creation, then payment confirmation.
//
// Machine is pure. Coordinator performs the I/O for a server-side session and
// feeds the outcomes back into the machine as events.
package checkout

// State is a checkout step.
type State string

const (
	StateIdle              State = "idle"
	StateValidatingAddress State = "validatingAddress"
	StateCreatingIntent    State = "creatingIntent"
	StatePaymentReady      State = "paymentReady"
	StateSuccess           State = "success"
	StateFailed            State = "failed"
)

// EventType names an input to the machine.
type EventType string

const (
	EventSubmit      EventType = "SUBMIT"
	EventAddressOK   EventType = "ADDRESS_OK"
	EventAddressFail EventType = "ADDRESS_FAIL"
	EventIntentOK    EventType = "INTENT_OK"
	EventIntentFail  EventType = "INTENT_FAIL"
	EventPaymentOK   EventType = "PAYMENT_OK"
	EventPaymentFail EventType = "PAYMENT_FAIL"
	EventReset       EventType = "RESET"
)

// Event is a machine input. Error is the reason carried by failure events.
type Event struct {
	Type  EventType
	Error string
}

// Machine is the checkout state plus the last surfaced error.
type Machine struct {
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// New returns a machine in the idle state.
func New() Machine {
	return Machine{State: StateIdle}
}

// IsBusy reports whether a network step is in flight.
func IsBusy(s State) bool {
	return s == StateValidatingAddress || s == StateCreatingIntent
}

// CanSubmit reports whether SUBMIT would be accepted. Only an idle checkout
// submits; a failed payment must be reset first.
func CanSubmit(s State) bool {
	return s == StateIdle
}

type transitionKey struct {
	from State
	on   EventType
}

var transitions = map[transitionKey]State{
	{StateIdle, EventSubmit}:                   StateValidatingAddress,
	{StateValidatingAddress, EventAddressOK}:   StateCreatingIntent,
	{StateValidatingAddress, EventAddressFail}: StateIdle,
	{StateCreatingIntent, EventIntentOK}:       StatePaymentReady,
	{StateCreatingIntent, EventIntentFail}:     StateIdle,
	{StatePaymentReady, EventPaymentOK}:        StateSuccess,
	{StatePaymentReady, EventPaymentFail}:      StateFailed,
	{StateFailed, EventReset}:                  StateIdle,
	{StatePaymentReady, EventReset}:            StateIdle,
}

// Transition applies evt and returns the next machine. Unknown pairs,
// including SUBMIT while busy, leave the machine unchanged.
func Transition(m Machine, evt Event) Machine {
	next, ok := transitions[transitionKey{m.State, evt.Type}]
	if !ok {
		return m
	}

	out := Machine{State: next}
	switch evt.Type {
	case EventAddressFail, EventIntentFail, EventPaymentFail:
		out.Error = evt.Error
	}
	return out
}

// Accepts reports whether evt would change the machine state.
func Accepts(m Machine, evt EventType) bool {
	_, ok := transitions[transitionKey{m.State, evt}]
	return ok
}
