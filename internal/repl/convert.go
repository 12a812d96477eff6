package repl

import (
	"math"
	"sort"
	"strconv"

	"github.com/bytedance/sonic"
	lua "github.com/yuin/gopher-lua"
)

const maxConvertDepth = 64

// toGo converts a Lua value to plain Go data suitable for JSON encoding.
// Tables whose keys are exactly 1..n become slices, anything else a map
// keyed by the string form of each key.
func toGo(v lua.LValue) any {
	return toGoDepth(v, 0)
}

func toGoDepth(v lua.LValue, depth int) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if depth >= maxConvertDepth {
			return "<max depth>"
		}
		n := v.MaxN()
		count := 0
		v.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGoDepth(v.RawGetInt(i), depth+1))
			}
			return out
		}
		out := make(map[string]any, count)
		v.ForEach(func(k, val lua.LValue) {
			out[k.String()] = toGoDepth(val, depth+1)
		})
		return out
	default:
		return v.String()
	}
}

// fromGo converts decoded JSON-like Go data into Lua values. Types it does
// not know are round-tripped through JSON first.
func fromGo(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []string:
		t := L.CreateTable(len(v), 0)
		for _, s := range v {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.CreateTable(len(v), 0)
		for _, item := range v {
			t.Append(fromGo(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, item := range v {
			t.RawSetString(k, fromGo(L, item))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(v))
		for k, s := range v {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		return lua.LString(err.Error())
	}
	var generic any
	if err := sonic.Unmarshal(raw, &generic); err != nil {
		return lua.LString(string(raw))
	}
	return fromGo(L, generic)
}

// render formats a value for display: strings verbatim, tables as JSON,
// everything else via its Lua string form.
func render(L *lua.LState, v lua.LValue) string {
	switch v := v.(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return formatNumber(v)
	case *lua.LTable:
		if mt, ok := L.GetMetaField(v, "__tostring").(*lua.LFunction); ok && mt != nil {
			return L.ToStringMeta(v).String()
		}
		s, err := encodeJSON(toGo(v))
		if err != nil {
			return v.String()
		}
		return s
	default:
		return v.String()
	}
}

func formatNumber(n lua.LNumber) string {
	f := float64(n)
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

// encodeJSON marshals with sorted map keys so output is stable.
func encodeJSON(v any) (string, error) {
	return sonic.ConfigStd.MarshalToString(v)
}

func typeName(v lua.LValue) string {
	return v.Type().String()
}

func sortedKeys(m map[string]lua.LValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
