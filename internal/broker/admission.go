package broker

// Admission reasons, used as metric labels and log fields.
const (
	ReasonSessionsFull    = "sessions_full"
	ReasonSessionBusy     = "session_busy"
	ReasonSessionDraining = "session_draining"
	ReasonBrokerClosed    = "broker_closed"
)

// decision is the outcome of an admission check.
type decision struct {
	Allow  bool
	Create bool
	Reason string
	Err    error
}

// limits are the admission bounds.
type limits struct {
	MaxSessions   int
	MaxQueueDepth int
}

// target describes the addressed session, if it exists.
type target struct {
	Exists bool
	State  State
	Depth  int
}

// admit decides whether a command may enter a session's queue. It is pure:
// a rejection never changes broker state.
//
// Rules, in order:
//  1. Broker shutting down: reject.
//  2. Unknown session and live sessions at the limit: reject (capacity).
//  3. Session draining: reject (closed).
//  4. Queue depth (in flight plus waiting) at the limit: reject (busy).
//  5. Allow, creating the session if it does not exist.
func admit(l limits, closed bool, live int, t target) decision {
	if closed {
		return decision{Reason: ReasonBrokerClosed, Err: ErrBrokerClosed}
	}
	if !t.Exists {
		if live >= l.MaxSessions {
			return decision{Reason: ReasonSessionsFull, Err: ErrCapacityExceeded}
		}
		return decision{Allow: true, Create: true}
	}
	if t.State == StateDraining || t.State == StateTerminated {
		return decision{Reason: ReasonSessionDraining, Err: ErrSessionClosed}
	}
	if t.Depth >= l.MaxQueueDepth {
		return decision{Reason: ReasonSessionBusy, Err: ErrSessionBusy}
	}
	return decision{Allow: true}
}
