package broker

import (
	"context"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session end causes, used as metric labels.
const (
	causeClosed      = "closed"
	causeIdle        = "idle"
	causeFault       = "fault"
	causeShutdown    = "shutdown"
	causeSetupFailed = "setup_failed"
)

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	QueueDepth int       `json:"queue_depth"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// session is the broker-side record. Every field except inbox, stop,
// terminated, ctx and w is owned by the broker loop.
type session struct {
	id         string
	state      State
	depth      int
	createdAt  time.Time
	lastActive time.Time
	// drainCause is the reason recorded when draining started.
	drainCause string

	inbox      chan *envelope
	stop       chan struct{}
	terminated chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	w          *worker
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		State:      s.state.String(),
		QueueDepth: s.depth,
		CreatedAt:  s.createdAt,
		LastActive: s.lastActive,
	}
}

// idle reports whether nothing is queued or running and the session has been
// unused for longer than maxIdle.
func (s *session) idle(now time.Time, maxIdle time.Duration) bool {
	return s.state == StateActive && s.depth == 0 && now.Sub(s.lastActive) > maxIdle
}
