package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldCommandID = "command_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldKind      = "kind"
	FieldReason    = "reason"
	FieldLauncher  = "launcher"
	FieldPID       = "pid"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Broker fields
	FieldQueueDepth = "queue_depth"
	FieldLive       = "live_sessions"
	FieldDepth      = "depth"
	FieldIteration  = "iteration"
	FieldDurationMS = "duration_ms"

	// HTTP fields
	FieldMethod = "method"
	FieldPath   = "path"
	FieldStatus = "status"
)
