package rlm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/ManuGH/rlmd/internal/sandbox"
)

var (
	codeBlockRe = regexp.MustCompile("```repl\\s*\\n(?s:(.*?))\\n```")
	finalVarRe  = regexp.MustCompile(`(?ms)^\s*FINAL_VAR\((.*?)\)`)
	finalRe     = regexp.MustCompile(`(?ms)^\s*FINAL\((.*?)\)`)
)

// FindCodeBlocks returns the bodies of ```repl fenced blocks in order.
func FindCodeBlocks(text string) []string {
	var out []string
	for _, m := range codeBlockRe.FindAllStringSubmatch(text, -1) {
		if code := strings.TrimSpace(m[1]); code != "" {
			out = append(out, code)
		}
	}
	return out
}

// FinalKind says how a final answer was given.
type FinalKind int

const (
	FinalNone FinalKind = iota
	FinalText
	FinalVar
)

// FindFinalAnswer looks for FINAL_VAR(name) first, then FINAL(text), each at
// the start of a line.
func FindFinalAnswer(text string) (FinalKind, string) {
	if m := finalVarRe.FindStringSubmatch(text); m != nil {
		return FinalVar, strings.TrimSpace(m[1])
	}
	if m := finalRe.FindStringSubmatch(text); m != nil {
		return FinalText, strings.TrimSpace(m[1])
	}
	return FinalNone, ""
}

// variableName strips quotes and whitespace from a FINAL_VAR argument.
func variableName(arg string) string {
	return strings.Trim(strings.TrimSpace(arg), "\"'\r\n")
}

// FormatResult renders an execution result the way the model sees it.
func FormatResult(res sandbox.Result) string {
	var parts []string
	if res.Stdout != "" {
		parts = append(parts, "\n"+res.Stdout)
	}
	if res.Stderr != "" {
		parts = append(parts, "\n"+res.Stderr)
	}
	if res.Error != "" {
		parts = append(parts, "\nError: "+res.Error)
	}
	if res.Value != "" {
		parts = append(parts, "\n=> "+res.Value)
	}
	var vars []string
	for _, l := range res.Locals {
		if strings.HasPrefix(l.Name, "_") {
			continue
		}
		vars = append(vars, l.Name+"="+l.Preview)
	}
	if len(vars) > 0 {
		parts = append(parts, fmt.Sprintf("REPL variables: [%s]\n", strings.Join(vars, ", ")))
	}
	if len(parts) == 0 {
		return "No output"
	}
	return strings.Join(parts, "\n")
}

// Truncate cuts s to at most limit bytes on a rune boundary and appends "...".
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + "..."
}

func executionMessage(code, output string, limit int) string {
	return "Code executed:\n```lua\n" + code + "\n```\n\nREPL output:\n" + Truncate(output, limit)
}

// NormalizeContext shapes a caller-supplied context for binding: nil becomes
// "", and a list of {role, content} objects becomes a list of contents.
func NormalizeContext(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case []any:
		if len(t) == 0 {
			return t
		}
		if first, ok := t[0].(map[string]any); !ok || first["content"] == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			m, _ := item.(map[string]any)
			out[i] = contentString(m["content"])
		}
		return out
	default:
		return v
	}
}

func contentString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		s, err := sonic.MarshalString(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return s
	}
}
