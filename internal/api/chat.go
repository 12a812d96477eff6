// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/rlm"
	"github.com/ManuGH/rlmd/internal/telemetry"
)

// maxContentBytes bounds one message's content.
const maxContentBytes = 10 << 20

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Messages            []chatMessage `json:"messages"`
	Model               string        `json:"model,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Reset               bool          `json:"reset,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int              `json:"index"`
	Message      assistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type assistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// messageText renders content as text: strings as is, null as "", anything
// else as JSON.
func messageText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		s, err := sonic.MarshalString(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return s
	}
}

func (s *Server) validateChat(req *chatRequest) error {
	if req.Stream {
		return badRequest("STREAM_UNSUPPORTED", "stream=true unsupported; use stream=false")
	}
	if len(req.Messages) == 0 {
		return badRequest("MESSAGES_REQUIRED", "messages required")
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return badRequest("ROLE_REQUIRED", "messages[%d].role required", i)
		}
		if len(messageText(m.Content)) > maxContentBytes {
			return &requestError{
				status: http.StatusRequestEntityTooLarge,
				code:   "CONTENT_TOO_LARGE",
				detail: fmt.Sprintf("messages[%d].content too large; max %d bytes", i, maxContentBytes),
			}
		}
	}
	if req.Model != "" && req.Model != s.model {
		return badRequest("MODEL_OVERRIDE", "model override unsupported; expected %s", s.model)
	}
	return nil
}

// queryFrom picks the last non-empty user message, then the last message,
// then the default query.
func queryFrom(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			if text := messageText(msgs[i].Content); text != "" {
				return text
			}
		}
	}
	if len(msgs) > 0 {
		if text := messageText(msgs[len(msgs)-1].Content); text != "" {
			return text
		}
	}
	return rlm.DefaultQuery
}

func contextFrom(msgs []chatMessage) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, err)
		return
	}
	if err := s.validateChat(&req); err != nil {
		writeProblem(w, r, err)
		return
	}

	sessionID, ok, err := sessionFromRequest(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !ok {
		sessionID = uuid.NewString()
	}
	reset, err := resetRequested(r, req.Reset)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	ctx, cancel := s.withTimeout(r)
	defer cancel()
	ctx = log.ContextWithSessionID(ctx, sessionID)
	trace.SpanFromContext(ctx).SetAttributes(telemetry.SessionAttributes(sessionID, reset)...)
	logger := log.WithComponentFromContext(ctx, "api")

	if reset {
		if err := s.sessions.Close(ctx, sessionID); err != nil {
			writeProblem(w, r, err)
			return
		}
		logger.Info().Str(log.FieldEvent, "session.reset").Msg("session reset requested")
	}

	answer, err := s.engine.Completion(ctx, sessionID, queryFrom(req.Messages), contextFrom(req.Messages))
	if err != nil {
		setSessionHeaders(w, sessionID)
		writeProblem(w, r, err)
		return
	}

	setSessionHeaders(w, sessionID)
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   s.model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      assistantMessage{Role: "assistant", Content: answer},
			FinishReason: "stop",
		}},
	})
}
