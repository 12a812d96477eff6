package bridge

import (
	"errors"
	"fmt"
)

// Kind names a bridge primitive exposed to interpreter code.
type Kind string

const (
	// KindLLMQuery asks the sub-model one conversation and returns its text.
	KindLLMQuery Kind = "llm_query"
	// KindRLMQuery runs recursive sub-completions against the same session.
	KindRLMQuery Kind = "rlm_query"
)

// ErrInvalidRequest is returned for malformed bridge requests.
var ErrInvalidRequest = errors.New("invalid bridge request")

// Message is one chat message of an llm_query conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SubQuery is one rlm_query item.
type SubQuery struct {
	Query   string `json:"query"`
	Context any    `json:"context,omitempty"`
}

// Request is a one-shot bridge request.
type Request struct {
	Kind     Kind       `json:"kind"`
	Messages []Message  `json:"messages,omitempty"`
	Queries  []SubQuery `json:"queries,omitempty"`
	// Scope is the variable scope of the calling code; rlm_query nests below it.
	Scope string `json:"scope,omitempty"`
}

// Response answers a Request. Text is set for llm_query, Texts for rlm_query.
type Response struct {
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	switch r.Kind {
	case KindLLMQuery:
		if len(r.Messages) == 0 {
			return fmt.Errorf("%w: llm_query needs at least one message", ErrInvalidRequest)
		}
	case KindRLMQuery:
		// An empty batch is valid and answered with no results.
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}
