// Package rlm drives the recursive language model loop: a root model writes
// Lua that runs in a broker session, and code in that session calls back
// into sub-models through the bridge.
package rlm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/broker"
	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/llm"
	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/metrics"
	"github.com/ManuGH/rlmd/internal/sandbox"
	"github.com/ManuGH/rlmd/internal/telemetry"
)

// DefaultMaxOutputChars bounds the REPL output fed back to the model.
const DefaultMaxOutputChars = 100_000

// ErrNotAttached is returned when no runner was attached.
var ErrNotAttached = errors.New("rlm engine has no session runner attached")

// Runner executes commands in a session. *broker.Broker implements it.
type Runner interface {
	Run(ctx context.Context, id string, cmd broker.Command) (sandbox.Result, error)
}

// Options tunes the engine.
type Options struct {
	MaxIterations  int
	Depth          int
	SubcallRPS     float64
	SubcallBurst   int
	MaxOutputChars int
}

// OptionsFromConfig maps the llm config section.
func OptionsFromConfig(cfg config.LLMConfig) Options {
	return Options{
		MaxIterations: cfg.MaxIterations,
		Depth:         cfg.Depth,
		SubcallRPS:    cfg.SubcallRPS,
		SubcallBurst:  cfg.SubcallBurst,
	}
}

type sessionState struct {
	limiter *rate.Limiter
	system  *schema.Message
}

// Engine runs completions and serves bridge calls for every session.
type Engine struct {
	root   llm.Completer
	sub    llm.Completer
	opts   Options
	runner Runner
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	// running holds sessions with a top-level completion in progress.
	running map[string]struct{}
}

// New creates an engine. root answers the top-level loop; sub serves
// llm_query and recursive sub-sessions.
func New(root, sub llm.Completer, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.Depth < 0 {
		opts.Depth = 0
	}
	if opts.MaxOutputChars <= 0 {
		opts.MaxOutputChars = DefaultMaxOutputChars
	}
	if opts.SubcallBurst <= 0 {
		opts.SubcallBurst = 1
	}
	return &Engine{
		root:     root,
		sub:      sub,
		opts:     opts,
		log:      xglog.WithComponent("rlm"),
		sessions: make(map[string]*sessionState),
		running:  make(map[string]struct{}),
	}
}

// Attach sets the runner used to execute code. The broker needs the engine
// as its bridge handler and the engine needs the broker, so wiring is two
// step.
func (e *Engine) Attach(r Runner) { e.runner = r }

// Prepare implements bridge.Preparer.
func (e *Engine) Prepare(_ context.Context, sessionID string) error {
	e.state(sessionID)
	return nil
}

// Release implements bridge.Releaser.
func (e *Engine) Release(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

func (e *Engine) state(sessionID string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		limit := rate.Inf
		if e.opts.SubcallRPS > 0 {
			limit = rate.Limit(e.opts.SubcallRPS)
		}
		st = &sessionState{
			limiter: rate.NewLimiter(limit, e.opts.SubcallBurst),
			system:  schema.SystemMessage(SystemPrompt(e.opts.Depth > 0)),
		}
		e.sessions[sessionID] = st
	}
	return st
}

// Completion answers query over contextData in sessionID. The context and
// query are bound as globals, so follow-up completions on the same session
// see the previous variables. Only one completion runs per session; a second
// one fails fast with broker.ErrSessionBusy.
func (e *Engine) Completion(ctx context.Context, sessionID, query string, contextData any) (string, error) {
	if e.runner == nil {
		return "", ErrNotAttached
	}
	if !e.claim(sessionID) {
		metrics.RecordReject(broker.ReasonSessionBusy)
		return "", fmt.Errorf("%w: %s: completion in progress", broker.ErrSessionBusy, sessionID)
	}
	defer e.unclaim(sessionID)
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	ctx, span := telemetry.Tracer("rlmd/rlm").Start(ctx, "rlm.completion")
	defer span.End()
	span.SetAttributes(telemetry.SessionAttributes(sessionID, false)...)

	if _, err := e.runner.Run(ctx, sessionID, broker.Command{
		Kind:     broker.KindExecute,
		Bindings: map[string]any{"context": NormalizeContext(contextData), "query": query},
	}); err != nil {
		return "", fmt.Errorf("bind context: %w", err)
	}
	return e.loop(ctx, sessionID, "", query, e.root, 0)
}

func (e *Engine) claim(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[sessionID]; busy {
		return false
	}
	e.running[sessionID] = struct{}{}
	return true
}

func (e *Engine) unclaim(sessionID string) {
	e.mu.Lock()
	delete(e.running, sessionID)
	e.mu.Unlock()
}

// loop is the iterate-until-final cycle shared by top-level completions and
// rlm_query sub-sessions.
func (e *Engine) loop(ctx context.Context, sessionID, scope, query string, model llm.Completer, depth int) (string, error) {
	logger := e.log.With().
		Str(xglog.FieldSessionID, sessionID).
		Int(xglog.FieldDepth, depth).
		Logger()
	msgs := []*schema.Message{e.state(sessionID).system}

	for i := 0; i < e.opts.MaxIterations; i++ {
		prompt := NextActionPrompt(query, i, false)
		resp, err := model.Complete(ctx, append(msgs[:len(msgs):len(msgs)], prompt))
		if err != nil {
			finish(ctx, depth, "error", i+1)
			return "", err
		}

		blocks := FindCodeBlocks(resp)
		logger.Debug().
			Str(xglog.FieldEvent, "rlm.model_response").
			Int(xglog.FieldIteration, i).
			Int("code_blocks", len(blocks)).
			Msg("model responded")
		if len(blocks) == 0 {
			msgs = append(msgs, schema.AssistantMessage("You responded with:\n"+resp, nil))
		}
		for _, code := range blocks {
			res, err := e.runner.Run(ctx, sessionID, broker.Command{Kind: broker.KindExecute, Code: code, Scope: scope})
			if err != nil {
				finish(ctx, depth, "error", i+1)
				return "", fmt.Errorf("execute code: %w", err)
			}
			msgs = append(msgs, schema.UserMessage(executionMessage(code, FormatResult(res), e.opts.MaxOutputChars)))
		}

		kind, content := FindFinalAnswer(resp)
		switch kind {
		case FinalText:
			finish(ctx, depth, "final", i+1)
			return content, nil
		case FinalVar:
			name := variableName(content)
			res, err := e.runner.Run(ctx, sessionID, broker.Command{Kind: broker.KindGetVariable, Name: name, Scope: scope})
			switch {
			case err == nil:
				finish(ctx, depth, "final_var", i+1)
				return res.Value, nil
			case errors.Is(err, sandbox.ErrVariableNotFound):
				logger.Info().Str(xglog.FieldEvent, "rlm.final_var_missing").Str("variable", name).Msg("FINAL_VAR names an undefined variable")
			default:
				finish(ctx, depth, "error", i+1)
				return "", fmt.Errorf("read final variable %q: %w", name, err)
			}
		}
	}

	logger.Info().Str(xglog.FieldEvent, "rlm.forced_final").Msg("no final answer within the iteration limit")
	answer, err := model.Complete(ctx, append(msgs, NextActionPrompt(query, e.opts.MaxIterations, true)))
	if err != nil {
		finish(ctx, depth, "error", e.opts.MaxIterations)
		return "", err
	}
	finish(ctx, depth, "forced", e.opts.MaxIterations)
	return answer, nil
}

func finish(ctx context.Context, depth int, how string, iterations int) {
	metrics.RecordCompletion(depth, how, iterations)
	trace.SpanFromContext(ctx).SetAttributes(telemetry.CompletionAttributes(depth, iterations, how)...)
}

// HandleBridge implements bridge.Handler.
func (e *Engine) HandleBridge(ctx context.Context, sessionID string, req bridge.Request) (bridge.Response, error) {
	start := time.Now()
	var resp bridge.Response
	var err error
	switch req.Kind {
	case bridge.KindLLMQuery:
		resp, err = e.llmQuery(ctx, sessionID, req)
	case bridge.KindRLMQuery:
		resp, err = e.rlmQuery(ctx, sessionID, req)
	default:
		err = fmt.Errorf("%w: unknown kind %q", bridge.ErrInvalidRequest, req.Kind)
	}
	metrics.RecordBridgeCall(string(req.Kind), err)
	e.log.Debug().
		Str(xglog.FieldEvent, "rlm.bridge_call").
		Str(xglog.FieldSessionID, sessionID).
		Str(xglog.FieldKind, string(req.Kind)).
		Int64(xglog.FieldDurationMS, time.Since(start).Milliseconds()).
		AnErr("error", err).
		Msg("bridge call served")
	return resp, err
}

func (e *Engine) llmQuery(ctx context.Context, sessionID string, req bridge.Request) (bridge.Response, error) {
	msgs := llm.FromBridge(req.Messages)
	if err := llm.ValidateSubcall(msgs); err != nil {
		return bridge.Response{}, err
	}
	if err := e.state(sessionID).limiter.Wait(ctx); err != nil {
		return bridge.Response{}, fmt.Errorf("llm_query rate limit: %w", err)
	}
	text, err := e.sub.Complete(ctx, msgs)
	if err != nil {
		return bridge.Response{}, err
	}
	return bridge.Response{Text: text}, nil
}

// scopeDepth recovers the recursion depth from a scope name.
func scopeDepth(scope string) int {
	if n, ok := strings.CutPrefix(scope, "rlm:"); ok {
		if d, err := strconv.Atoi(n); err == nil {
			return d
		}
	}
	return 0
}

func (e *Engine) rlmQuery(ctx context.Context, sessionID string, req bridge.Request) (bridge.Response, error) {
	if e.opts.Depth == 0 {
		return bridge.Response{}, errors.New("rlm_query disabled at depth 0; increase depth to enable")
	}
	next := scopeDepth(req.Scope) + 1
	if next > e.opts.Depth {
		return bridge.Response{}, fmt.Errorf("rlm_query depth limit %d reached; use llm_query instead", e.opts.Depth)
	}
	scope := "rlm:" + strconv.Itoa(next)

	texts := make([]string, 0, len(req.Queries))
	for _, q := range req.Queries {
		if err := ctx.Err(); err != nil {
			return bridge.Response{}, err
		}
		answer, err := e.subCompletion(ctx, sessionID, scope, q, next)
		if err != nil {
			answer = "Error running rlm_query: " + err.Error()
		}
		texts = append(texts, answer)
	}
	return bridge.Response{Texts: texts}, nil
}

// subCompletion runs a nested loop in a fresh scope of the calling session.
// ctx carries the bridge token, so its commands run on the blocked worker.
func (e *Engine) subCompletion(ctx context.Context, sessionID, scope string, q bridge.SubQuery, depth int) (string, error) {
	query := q.Query
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	if _, err := e.runner.Run(ctx, sessionID, broker.Command{
		Kind:     broker.KindExecute,
		Bindings: map[string]any{"context": NormalizeContext(q.Context), "query": query},
		Scope:    scope,
		Fresh:    true,
	}); err != nil {
		return "", fmt.Errorf("bind sub-context: %w", err)
	}
	return e.loop(ctx, sessionID, scope, query, e.sub, depth)
}
