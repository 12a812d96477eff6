package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"

	"github.com/ManuGH/rlmd/internal/bridge"
)

// ParsePrompt turns a prompt string into messages. A string holding JSON in
// one of the accepted shapes is decoded:
//
//	"text"                              one user message
//	["a", "b"]                          one user message each
//	[{"role": "system", "content": …}]  messages; role defaults to user
//	{"messages": [...]}                 same as the list
//	{"role": …, "content": …}           one message
//
// Anything else is sent as a single user message verbatim.
func ParsePrompt(prompt string) []*schema.Message {
	var v any
	if err := sonic.UnmarshalString(prompt, &v); err == nil {
		if msgs, ok := messagesFromJSON(v); ok && len(msgs) > 0 {
			return msgs
		}
	}
	return []*schema.Message{schema.UserMessage(prompt)}
}

func messagesFromJSON(v any) ([]*schema.Message, bool) {
	switch t := v.(type) {
	case string:
		return []*schema.Message{schema.UserMessage(t)}, true
	case []any:
		out := make([]*schema.Message, 0, len(t))
		for _, item := range t {
			switch it := item.(type) {
			case string:
				out = append(out, schema.UserMessage(it))
			case map[string]any:
				m, ok := messageFromMap(it)
				if !ok {
					return nil, false
				}
				out = append(out, m)
			default:
				return nil, false
			}
		}
		return out, true
	case map[string]any:
		if inner, ok := t["messages"]; ok {
			return messagesFromJSON(inner)
		}
		m, ok := messageFromMap(t)
		if !ok {
			return nil, false
		}
		return []*schema.Message{m}, true
	default:
		return nil, false
	}
}

func messageFromMap(m map[string]any) (*schema.Message, bool) {
	raw, ok := m["content"]
	if !ok {
		return nil, false
	}
	content, isString := raw.(string)
	if !isString {
		encoded, err := sonic.MarshalString(raw)
		if err != nil {
			return nil, false
		}
		content = encoded
	}
	role, _ := m["role"].(string)
	return &schema.Message{Role: toRole(role), Content: content}, true
}

func toRole(role string) schema.RoleType {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system", "developer":
		return schema.System
	case "assistant":
		return schema.Assistant
	case "tool":
		return schema.Tool
	default:
		return schema.User
	}
}

// FromBridge converts interpreter messages. A lone user message is run
// through ParsePrompt so code can pass a JSON-encoded conversation as a string.
func FromBridge(msgs []bridge.Message) []*schema.Message {
	if len(msgs) == 1 && toRole(msgs[0].Role) == schema.User {
		return ParsePrompt(msgs[0].Content)
	}
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &schema.Message{Role: toRole(m.Role), Content: m.Content})
	}
	return out
}

// Sub-call limits. Tokens are estimated at four characters each.
const (
	MaxSubcallTotalChars    = 480_000
	MaxSubcallTotalTokens   = 120_000
	MaxSubcallMessageChars  = 420_000
	MaxSubcallMessageTokens = 105_000
)

// ErrSubcallTooLarge is returned by ValidateSubcall.
var ErrSubcallTooLarge = errors.New("sub-query too large")

const chunkHint = "Chunk the context before calling llm_query."

// EstimateTokens approximates the token count of n characters.
func EstimateTokens(n int) int {
	return (n + 3) / 4
}

// ValidateSubcall rejects sub-model requests that would overflow the
// recursive model's context window.
func ValidateSubcall(msgs []*schema.Message) error {
	total, largest := 0, 0
	for _, m := range msgs {
		n := len(m.Content)
		total += n
		largest = max(largest, n)
	}
	switch {
	case total > MaxSubcallTotalChars:
		return fmt.Errorf("%w (%d chars > %d). %s", ErrSubcallTooLarge, total, MaxSubcallTotalChars, chunkHint)
	case EstimateTokens(total) > MaxSubcallTotalTokens:
		return fmt.Errorf("%w (~%d tokens > %d). %s", ErrSubcallTooLarge, EstimateTokens(total), MaxSubcallTotalTokens, chunkHint)
	case largest > MaxSubcallMessageChars:
		return fmt.Errorf("single %w (%d chars > %d). %s", ErrSubcallTooLarge, largest, MaxSubcallMessageChars, chunkHint)
	case EstimateTokens(largest) > MaxSubcallMessageTokens:
		return fmt.Errorf("single %w (~%d tokens > %d). %s", ErrSubcallTooLarge, EstimateTokens(largest), MaxSubcallMessageTokens, chunkHint)
	}
	return nil
}
