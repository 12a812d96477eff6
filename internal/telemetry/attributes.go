// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Session attributes
	SessionIDKey    = "rlm.session_id"
	SessionResetKey = "rlm.session_reset"

	// Command attributes
	CommandKindKey    = "rlm.command.kind"
	CommandOutcomeKey = "rlm.command.outcome"

	// Model call attributes
	LLMModelKey    = "llm.model"
	LLMRoleKey     = "llm.role"
	LLMMessagesKey = "llm.messages"

	// Completion attributes
	RLMDepthKey      = "rlm.depth"
	RLMIterationsKey = "rlm.iterations"
	RLMFinishKey     = "rlm.finish"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes identifies the session a span works on.
func SessionAttributes(sessionID string, reset bool) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if reset {
		attrs = append(attrs, attribute.Bool(SessionResetKey, true))
	}
	return attrs
}

// CommandAttributes describes one broker command.
func CommandAttributes(kind, outcome string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(CommandKindKey, kind)}
	if outcome != "" {
		attrs = append(attrs, attribute.String(CommandOutcomeKey, outcome))
	}
	return attrs
}

// ModelAttributes describes one model call.
func ModelAttributes(model, role string, messages int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(LLMModelKey, model),
		attribute.String(LLMRoleKey, role),
		attribute.Int(LLMMessagesKey, messages),
	}
}

// CompletionAttributes describes how an RLM loop ended.
func CompletionAttributes(depth, iterations int, finish string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(RLMDepthKey, depth),
		attribute.Int(RLMIterationsKey, iterations),
		attribute.String(RLMFinishKey, finish),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
