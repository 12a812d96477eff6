// Package repl hosts the embedded Lua interpreter that model-written code
// runs in. An Env keeps its globals across executions, captures print
// output, and exposes the llm_query/rlm_query bridge primitives.
//
// An Env is not safe for concurrent use. All calls, including the nested
// Executes issued while a bridge call is outstanding, must come from the
// same goroutine.
package repl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/ManuGH/rlmd/internal/bridge"
)

var (
	// ErrFault means the interpreter is in an unusable state.
	ErrFault = errors.New("interpreter fault")
	// ErrVariableNotFound is returned by GetVariable for unknown names.
	ErrVariableNotFound = errors.New("variable not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("interpreter closed")
)

// DefaultTimeout bounds interpreter time for one Execute.
const DefaultTimeout = 10 * time.Second

const (
	timeLimitMessage = "execution time limit exceeded"
	previewLimit     = 100
)

// Request is one unit of code to run.
type Request struct {
	Code     string         `json:"code"`
	Bindings map[string]any `json:"bindings,omitempty"`
	// Scope names a variable namespace layered over the globals. Empty means
	// the globals themselves.
	Scope string `json:"scope,omitempty"`
	// Fresh discards any previous contents of Scope first.
	Fresh bool `json:"fresh,omitempty"`
}

// Local describes one user variable visible after an execution.
type Local struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Preview string `json:"preview"`
}

// Result is the outcome of one execution. Code errors are reported in Error
// and Stderr; they are not Go errors.
type Result struct {
	Value    string        `json:"value,omitempty"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Error    string        `json:"error,omitempty"`
	Locals   []Local       `json:"locals,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Options configures an Env.
type Options struct {
	// Timeout is the interpreter time allowed per Execute. Time spent waiting
	// on bridge calls is not counted.
	Timeout time.Duration
}

// frame is the per-Execute state; nested executions push a new one.
type frame struct {
	caller bridge.Caller
	scope  string
	env    *lua.LTable
	stdout bytes.Buffer
	stderr bytes.Buffer
	budget *budget
}

// Env is one persistent interpreter.
type Env struct {
	L        *lua.LState
	timeout  time.Duration
	baseline map[string]struct{}
	scopes   map[string]*lua.LTable
	frames   []*frame
	closed   bool
}

// New creates an interpreter with the restricted standard library and the
// prelude installed.
func New(opts Options) (*Env, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     1024 * 20,
		RegistryMaxSize:  1024 * 1024,
		RegistryGrowStep: 64,
	})
	e := &Env{
		L:       L,
		timeout: opts.Timeout,
		scopes:  make(map[string]*lua.LTable),
	}
	if err := e.openLibs(); err != nil {
		L.Close()
		return nil, err
	}
	e.installPrelude()
	e.baseline = make(map[string]struct{})
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		e.baseline[k.String()] = struct{}{}
	})
	return e, nil
}

func (e *Env) openLibs() error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := e.L.CallByParam(lua.P{
			Fn:      e.L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "require", "module"} {
		e.L.SetGlobal(name, lua.LNil)
	}
	return nil
}

func (e *Env) current() *frame {
	if len(e.frames) == 0 {
		return nil
	}
	return e.frames[len(e.frames)-1]
}

// scopeTable returns the environment table for scope, creating it when
// needed. The empty scope is the globals table.
func (e *Env) scopeTable(scope string, fresh bool) *lua.LTable {
	if scope == "" {
		return e.L.G.Global
	}
	if t, ok := e.scopes[scope]; ok && !fresh {
		return t
	}
	t := e.L.NewTable()
	mt := e.L.NewTable()
	mt.RawSetString("__index", e.L.G.Global)
	e.L.SetMetatable(t, mt)
	e.scopes[scope] = t
	return t
}

// Execute runs req.Code. A leading expression is evaluated with an implicit
// return so that `x` or `1 + 2` yields a Value. Execute may be called again
// while a bridge call made by an outer Execute is outstanding.
func (e *Env) Execute(ctx context.Context, req Request, caller bridge.Caller) (res Result, err error) {
	if e.closed {
		return Result{}, ErrClosed
	}
	start := time.Now()

	f := &frame{
		caller: caller,
		scope:  req.Scope,
		env:    e.scopeTable(req.Scope, req.Fresh),
	}
	// A nested Execute only happens while the outer frame is parked in a
	// bridge call, which has already paused the outer budget.
	outer := e.current()
	f.budget = newBudget(ctx, e.timeout)
	e.frames = append(e.frames, f)
	e.L.SetContext(f.budget)

	defer func() {
		f.budget.release()
		e.frames = e.frames[:len(e.frames)-1]
		if outer != nil {
			e.L.SetContext(outer.budget)
		} else {
			e.L.RemoveContext()
		}
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrFault, rec)
		}
	}()

	for name, v := range req.Bindings {
		f.env.RawSetString(name, fromGo(e.L, v))
	}

	value, runErr := e.run(f, req.Code)
	if runErr != nil {
		var apiErr *lua.ApiError
		if errors.As(runErr, &apiErr) && apiErr.Type == lua.ApiErrorPanic {
			return Result{}, fmt.Errorf("%w: %s", ErrFault, apiErr.Object.String())
		}
		msg := errorMessage(runErr)
		if f.budget.expired() {
			msg = timeLimitMessage
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			msg = ctxErr.Error()
		}
		res.Error = msg
		f.stderr.WriteString(msg)
		if !strings.HasSuffix(msg, "\n") {
			f.stderr.WriteByte('\n')
		}
	} else {
		res.Value = value
	}

	res.Stdout = f.stdout.String()
	res.Stderr = f.stderr.String()
	f.env.RawSetString("_stdout", lua.LString(res.Stdout))
	f.env.RawSetString("_stderr", lua.LString(res.Stderr))
	res.Locals = e.locals(f)
	res.Duration = time.Since(start)
	return res, nil
}

// run compiles and calls code in f.env, returning the rendered first result.
func (e *Env) run(f *frame, code string) (string, error) {
	fn, err := e.L.LoadString("return " + code)
	if err != nil {
		fn, err = e.L.LoadString(code)
		if err != nil {
			return "", err
		}
	}
	fn.Env = f.env

	top := e.L.GetTop()
	defer e.L.SetTop(top)
	e.L.Push(fn)
	if err := e.L.PCall(0, lua.MultRet, nil); err != nil {
		return "", err
	}
	if e.L.GetTop() <= top {
		return "", nil
	}
	v := e.L.Get(top + 1)
	if v == lua.LNil {
		return "", nil
	}
	return render(e.L, v), nil
}

func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// locals lists user-defined variables in the frame's environment.
func (e *Env) locals(f *frame) []Local {
	vars := make(map[string]lua.LValue)
	f.env.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok || strings.HasPrefix(string(name), "_") {
			return
		}
		if f.scope == "" {
			if _, builtin := e.baseline[string(name)]; builtin {
				return
			}
		}
		vars[string(name)] = v
	})
	out := make([]Local, 0, len(vars))
	for _, name := range sortedKeys(vars) {
		v := vars[name]
		out = append(out, Local{
			Name:    name,
			Type:    typeName(v),
			Preview: truncate(render(e.L, v), previewLimit),
		})
	}
	return out
}

// GetVariable renders a variable. Named scopes fall back to the globals.
func (e *Env) GetVariable(name, scope string) (string, error) {
	if e.closed {
		return "", ErrClosed
	}
	name = strings.TrimSpace(name)
	v := e.lookup(name, scope)
	if v == lua.LNil {
		return "", fmt.Errorf("%w: %s", ErrVariableNotFound, name)
	}
	return render(e.L, v), nil
}

func (e *Env) lookup(name, scope string) lua.LValue {
	if scope != "" {
		if t, ok := e.scopes[scope]; ok {
			if v := t.RawGetString(name); v != lua.LNil {
				return v
			}
		}
	}
	return e.L.G.Global.RawGetString(name)
}

// Close releases the interpreter.
func (e *Env) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.L.Close()
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
