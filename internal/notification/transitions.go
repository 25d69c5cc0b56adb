package notification

import "github.com/arvancloud/whatsapp-relay/internal/apierr"

// Event is an input to the centralized transition function, which
// enforces the delivery state machine in one place rather than
// scattering ad-hoc UPDATE calls across callers.
type Event string

const (
	EventScheduleDue   Event = "schedule_due"   // scheduled -> queued
	EventStartSend     Event = "start_send"     // queued|failed|rate_limited -> processing
	EventSendOK        Event = "send_ok"        // processing -> sent
	EventSendTransient Event = "send_transient" // processing -> failed (retry budget remains)
	EventSendPermanent Event = "send_permanent" // processing -> failed (terminal)
	EventRateLimited   Event = "rate_limited"   // processing -> rate_limited
	EventRetryDue      Event = "retry_due"      // failed|rate_limited -> queued
	EventCallbackSent  Event = "callback_sent"
	EventDelivered     Event = "callback_delivered"
	EventRead          Event = "callback_read"
	EventCallbackFailed Event = "callback_failed" // terminal, no retry
)

// allowedPredecessors enumerates, for each event, the states from which it
// may fire. This is the single source of truth every mutator in Store
// checks before writing; anything outside this table is rejected as an
// illegal transition.
var allowedPredecessors = map[Event][]State{
	EventScheduleDue:    {StateScheduled},
	EventStartSend:      {StateQueued, StateFailed, StateRateLimited},
	EventSendOK:         {StateProcessing},
	EventSendTransient:  {StateProcessing},
	EventSendPermanent:  {StateProcessing},
	EventRateLimited:    {StateProcessing},
	EventRetryDue:       {StateFailed, StateRateLimited},
	EventCallbackSent:   {StateProcessing, StateSent},
	EventDelivered:      {StateSent, StateDelivered},
	EventRead:           {StateSent, StateDelivered, StateRead},
	EventCallbackFailed: {StateSent, StateProcessing},
}

var eventTarget = map[Event]State{
	EventScheduleDue:    StateQueued,
	EventStartSend:      StateProcessing,
	EventSendOK:         StateSent,
	EventSendTransient:  StateFailed,
	EventSendPermanent:  StateFailed,
	EventRateLimited:    StateRateLimited,
	EventRetryDue:       StateQueued,
	EventCallbackSent:   StateSent,
	EventDelivered:      StateDelivered,
	EventRead:           StateRead,
	EventCallbackFailed: StateFailed,
}

// Apply computes the next state for event fired against current, or
// reports IllegalTransition. It never mutates a Notification; callers
// persist the result through Store's CAS update.
func Apply(current State, event Event) (State, error) {
	allowed, ok := allowedPredecessors[event]
	if !ok {
		return "", apierr.New(apierr.Internal, "unknown transition event")
	}
	for _, s := range allowed {
		if s == current {
			return eventTarget[event], nil
		}
	}
	// Idempotent no-op for in-flight duplicates: a second start_send
	// against an already-processing row, or a second terminal callback
	// against an already-terminal row, is a no-op rather than an error —
	// callers distinguish this by comparing returned state to current.
	if event == EventStartSend && current == StateProcessing {
		return StateProcessing, nil
	}
	if (event == EventCallbackSent || event == EventDelivered || event == EventRead) &&
		(current == StateSent || current == StateDelivered || current == StateRead) {
		// terminal-or-advanced: callbacks may arrive out of order: applying
		// an earlier-stage event against an already-advanced state is a
		// no-op rather than IllegalTransition so the handler stays
		// idempotent.
		if rank(current) >= rank(eventTarget[event]) {
			return current, nil
		}
	}
	return "", &apierr.Error{
		Kind:    apierr.IllegalTransition,
		Message: "illegal transition " + string(event) + " from " + string(current),
	}
}

// rank orders states along the forward delivery path so callback handling
// can choose the state monotonically.
func rank(s State) int {
	switch s {
	case StateScheduled:
		return 0
	case StateQueued:
		return 1
	case StateProcessing:
		return 2
	case StateSent:
		return 3
	case StateDelivered:
		return 4
	case StateRead:
		return 5
	case StateFailed, StateRateLimited:
		return 2 // same tier as processing; not on the forward callback path
	default:
		return -1
	}
}
