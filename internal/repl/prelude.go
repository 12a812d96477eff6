package repl

import (
	"strings"

	"github.com/bytedance/sonic"
	lua "github.com/yuin/gopher-lua"

	"github.com/ManuGH/rlmd/internal/bridge"
)

func (e *Env) installPrelude() {
	L := e.L
	L.SetGlobal("print", L.NewFunction(e.luaPrint))
	L.SetGlobal("llm_query", L.NewFunction(e.luaLLMQuery))
	L.SetGlobal("rlm_query", L.NewFunction(e.luaRLMQuery))
	L.SetGlobal("FINAL_VAR", L.NewFunction(e.luaFinalVar))

	js := L.NewTable()
	L.SetFuncs(js, map[string]lua.LGFunction{
		"encode": luaJSONEncode,
		"decode": luaJSONDecode,
	})
	L.SetGlobal("json", js)
}

// print writes to the captured stdout of the innermost execution.
func (e *Env) luaPrint(L *lua.LState) int {
	f := e.current()
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	line := strings.Join(parts, "\t") + "\n"
	if f != nil {
		f.stdout.WriteString(line)
	}
	return 0
}

// call runs a bridge request with the execution budget paused.
func (e *Env) call(L *lua.LState, req bridge.Request) bridge.Response {
	f := e.current()
	if f == nil || f.caller == nil {
		L.RaiseError("%s is not available in this context", req.Kind)
		return bridge.Response{}
	}
	req.Scope = f.scope
	f.budget.pause()
	resp, err := f.caller.Call(req)
	f.budget.resume()
	if err != nil {
		L.RaiseError("%s failed: %s", req.Kind, err.Error())
	}
	return resp
}

// llm_query(prompt) accepts a string, a list of strings, or a list of
// {role=..., content=...} tables, and always asks a single conversation.
func (e *Env) luaLLMQuery(L *lua.LState) int {
	msgs := messagesArg(L, 1)
	resp := e.call(L, bridge.Request{Kind: bridge.KindLLMQuery, Messages: msgs})
	L.Push(lua.LString(resp.Text))
	return 1
}

func messagesArg(L *lua.LState, n int) []bridge.Message {
	switch v := L.Get(n).(type) {
	case lua.LString:
		return []bridge.Message{{Role: "user", Content: string(v)}}
	case *lua.LTable:
		var msgs []bridge.Message
		for i := 1; i <= v.Len(); i++ {
			switch item := v.RawGetInt(i).(type) {
			case lua.LString:
				msgs = append(msgs, bridge.Message{Role: "user", Content: string(item)})
			case *lua.LTable:
				role := lua.LVAsString(item.RawGetString("role"))
				if role == "" {
					role = "user"
				}
				msgs = append(msgs, bridge.Message{
					Role:    role,
					Content: lua.LVAsString(item.RawGetString("content")),
				})
			default:
				L.ArgError(n, "messages must be strings or {role, content} tables")
			}
		}
		if len(msgs) == 0 {
			L.ArgError(n, "prompt must not be empty")
		}
		return msgs
	default:
		L.ArgError(n, "string or table expected")
		return nil
	}
}

// rlm_query(query [, context]) returns a string; rlm_query({...}) takes a
// list of queries (strings or {query=..., context=...}) and returns a list.
func (e *Env) luaRLMQuery(L *lua.LState) int {
	switch v := L.Get(1).(type) {
	case lua.LString:
		q := bridge.SubQuery{Query: string(v)}
		if L.GetTop() >= 2 {
			q.Context = toGo(L.Get(2))
		}
		resp := e.call(L, bridge.Request{Kind: bridge.KindRLMQuery, Queries: []bridge.SubQuery{q}})
		text := ""
		if len(resp.Texts) > 0 {
			text = resp.Texts[0]
		}
		L.Push(lua.LString(text))
		return 1
	case *lua.LTable:
		var queries []bridge.SubQuery
		for i := 1; i <= v.Len(); i++ {
			switch item := v.RawGetInt(i).(type) {
			case lua.LString:
				queries = append(queries, bridge.SubQuery{Query: string(item)})
			case *lua.LTable:
				queries = append(queries, bridge.SubQuery{
					Query:   lua.LVAsString(item.RawGetString("query")),
					Context: toGo(item.RawGetString("context")),
				})
			default:
				L.ArgError(1, "queries must be strings or {query, context} tables")
			}
		}
		out := L.CreateTable(len(queries), 0)
		if len(queries) > 0 {
			resp := e.call(L, bridge.Request{Kind: bridge.KindRLMQuery, Queries: queries})
			for _, text := range resp.Texts {
				out.Append(lua.LString(text))
			}
		}
		L.Push(out)
		return 1
	default:
		L.ArgError(1, "string or table expected")
		return 0
	}
}

// FINAL_VAR(name) returns the rendered value of a variable.
func (e *Env) luaFinalVar(L *lua.LState) int {
	name := strings.Trim(strings.TrimSpace(L.CheckString(1)), `"'`)
	scope := ""
	if f := e.current(); f != nil {
		scope = f.scope
	}
	v := e.lookup(name, scope)
	if v == lua.LNil {
		L.RaiseError("variable %q is not defined", name)
		return 0
	}
	L.Push(lua.LString(render(L, v)))
	return 1
}

func luaJSONEncode(L *lua.LState) int {
	s, err := encodeJSON(toGo(L.CheckAny(1)))
	if err != nil {
		L.RaiseError("json.encode: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(s))
	return 1
}

func luaJSONDecode(L *lua.LState) int {
	var v any
	if err := sonic.UnmarshalString(L.CheckString(1), &v); err != nil {
		L.RaiseError("json.decode: %s", err.Error())
		return 0
	}
	L.Push(fromGo(L, v))
	return 1
}
