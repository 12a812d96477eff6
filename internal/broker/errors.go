package broker

import "errors"

var (
	// ErrCapacityExceeded means a new session was refused because the live
	// session limit is reached.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrSessionBusy means the session's queue is at its depth bound.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionClosed means the session is draining or was closed before the
	// command started.
	ErrSessionClosed = errors.New("session closed")
	// ErrSandboxFault means the session's sandbox failed unrecoverably. The
	// session is terminated; the cause is wrapped.
	ErrSandboxFault = errors.New("sandbox fault")
	// ErrInvalidCommand is returned for an empty session id or malformed command.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrCrossSession is returned when code running in one session dispatches
	// to another session.
	ErrCrossSession = errors.New("cross-session dispatch from a bridge call")
	// ErrBrokerClosed is returned after Shutdown.
	ErrBrokerClosed = errors.New("broker closed")
)
