package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/rlmd/internal/broker"
	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/health"
	"github.com/ManuGH/rlmd/internal/llm"
	"github.com/ManuGH/rlmd/internal/problem"
	"github.com/ManuGH/rlmd/internal/rlm"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testModel = "gpt-test"

// model answers every call with fn(messages).
type model struct {
	mu    sync.Mutex
	fn    func(msgs []*schema.Message) string
	calls int
}

func (m *model) Complete(_ context.Context, msgs []*schema.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.fn(msgs), nil
}

func newServer(t *testing.T, reply string) (*Server, *broker.Broker) {
	t.Helper()
	pool, err := sandbox.NewPool(context.Background(), sandbox.NewInProcessLauncher(2*time.Second), 0)
	require.NoError(t, err)
	m := &model{fn: func([]*schema.Message) string { return reply }}
	engine := rlm.New(m, m, rlm.Options{})
	b := broker.New(config.BrokerConfig{MaxSessions: 4, MaxQueueDepth: 2}, pool, engine)
	engine.Attach(b)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Shutdown(ctx))
		require.NoError(t, pool.Close())
	})
	srv := New(config.ServerConfig{RequestTimeout: 5 * time.Second}, Deps{Sessions: b, Engine: engine, Model: testModel})
	return srv, b
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func userChat(content string) map[string]any {
	return map[string]any{"messages": []map[string]any{{"role": "user", "content": content}}}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func problemCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	assert.Equal(t, problem.ContentType, rec.Header().Get("Content-Type"))
	return decode[map[string]any](t, rec)["code"].(string)
}

func TestChatCompletions(t *testing.T) {
	srv, _ := newServer(t, "FINAL(hello back)")

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", userChat("hello"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[chatResponse](t, rec)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, testModel, resp.Model)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Len(t, resp.ID, len("chatcmpl-")+32)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "hello back", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	sid := rec.Header().Get(HeaderSessionID)
	_, err := uuid.Parse(sid)
	require.NoError(t, err, "a new session id is generated")
	assert.Equal(t, "rlm_session="+sid+"; Path=/; HttpOnly; SameSite=Lax", rec.Header().Get("Set-Cookie"))
}

func TestChatCompletions_SessionStateAndReset(t *testing.T) {
	srv, _ := newServer(t, "```repl\ncount = (count or 0) + 1\n```\nFINAL_VAR(count)")
	sid := uuid.NewString()
	ask := func(headers map[string]string) string {
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", userChat("count"), headers)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, sid, rec.Header().Get(HeaderSessionID))
		return decode[chatResponse](t, rec).Choices[0].Message.Content
	}

	assert.Equal(t, "1", ask(map[string]string{HeaderSessionID: sid}))
	assert.Equal(t, "2", ask(map[string]string{HeaderSessionID: sid}))
	assert.Equal(t, "3", ask(map[string]string{"Cookie": SessionCookie + "=" + sid}), "cookie selects the same session")
	assert.Equal(t, "1", ask(map[string]string{HeaderSessionID: sid, HeaderReset: "yes"}))
	assert.Equal(t, "2", ask(map[string]string{HeaderSessionID: sid, HeaderReset: "off"}))
}

func TestChatCompletions_Validation(t *testing.T) {
	srv, _ := newServer(t, "FINAL(x)")
	huge := strings.Repeat("a", maxContentBytes+1)

	tests := []struct {
		name    string
		body    any
		headers map[string]string
		status  int
		code    string
	}{
		{"stream", map[string]any{"stream": true, "messages": []map[string]any{{"role": "user", "content": "q"}}}, nil, 400, "STREAM_UNSUPPORTED"},
		{"no messages", map[string]any{"messages": []any{}}, nil, 400, "MESSAGES_REQUIRED"},
		{"empty role", map[string]any{"messages": []map[string]any{{"role": " ", "content": "q"}}}, nil, 400, "ROLE_REQUIRED"},
		{"model override", map[string]any{"model": "other", "messages": []map[string]any{{"role": "user", "content": "q"}}}, nil, 400, "MODEL_OVERRIDE"},
		{"bad json", "{", nil, 400, "INVALID_BODY"},
		{"empty body", nil, nil, 400, "INVALID_BODY"},
		{"bad session header", userChat("q"), map[string]string{HeaderSessionID: "not-a-uuid"}, 400, "INVALID_SESSION_ID"},
		{"bad reset header", userChat("q"), map[string]string{HeaderReset: "maybe"}, 400, "INVALID_HEADER"},
		{"content too large", userChat(huge), nil, 413, "CONTENT_TOO_LARGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, problemCode(t, rec))
		})
	}

	t.Run("matching model is accepted", func(t *testing.T) {
		body := map[string]any{"model": testModel, "messages": []map[string]any{{"role": "user", "content": "q"}}}
		rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", body, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestChatCompletions_InvalidCookieIsIgnored(t *testing.T) {
	srv, _ := newServer(t, "FINAL(ok)")
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", userChat("q"),
		map[string]string{"Cookie": SessionCookie + "=garbage"})
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(HeaderSessionID)
	assert.NotEqual(t, "garbage", sid)
	_, err := uuid.Parse(sid)
	assert.NoError(t, err)
}

func TestQueryFrom(t *testing.T) {
	tests := []struct {
		name string
		msgs []chatMessage
		want string
	}{
		{"last user", []chatMessage{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}, {Role: "user", Content: "c"}}, "c"},
		{"skips empty user", []chatMessage{{Role: "user", Content: "a"}, {Role: "user", Content: ""}}, "a"},
		{"falls back to last", []chatMessage{{Role: "system", Content: "sys"}}, "sys"},
		{"structured content", []chatMessage{{Role: "user", Content: []any{map[string]any{"type": "text"}}}}, `[{"type":"text"}]`},
		{"default", []chatMessage{{Role: "system", Content: nil}}, rlm.DefaultQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, queryFrom(tt.msgs))
		})
	}
}

func TestValidSessionID(t *testing.T) {
	id := uuid.NewString()
	got, ok := validSessionID(` "` + id + `" `)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	for _, bad := range []string{"", "abc", strings.Repeat("a", 65), "ü" + id[2:]} {
		_, ok := validSessionID(bad)
		assert.False(t, ok, bad)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv, _ := newServer(t, "FINAL(x)")
	h := srv.Handler()
	sid := uuid.NewString()
	base := "/v1/sessions/" + sid

	rec := do(t, h, http.MethodPost, base+"/execute", map[string]any{"code": "x = 5\nprint('hi')"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	exec := decode[executeResponse](t, rec)
	assert.Equal(t, sid, exec.SessionID)
	assert.Equal(t, "hi\n", exec.Stdout)
	assert.Empty(t, exec.Error)

	rec = do(t, h, http.MethodPost, base+"/execute", map[string]any{"code": "error('boom')"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "code errors are results, not failures")
	assert.Contains(t, decode[executeResponse](t, rec).Error, "boom")

	rec = do(t, h, http.MethodGet, base+"/variables/x", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", decode[variableResponse](t, rec).Value)

	rec = do(t, h, http.MethodGet, base+"/variables/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "VARIABLE_NOT_FOUND", problemCode(t, rec))

	rec = do(t, h, http.MethodGet, "/v1/sessions/"+uuid.NewString()+"/variables/x", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no binding leaks between sessions")

	rec = do(t, h, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode[broker.SessionInfo](t, rec).State)

	rec = do(t, h, http.MethodGet, "/v1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[sessionsResponse](t, rec)
	assert.Equal(t, 2, list.Stats.Live)
	assert.Equal(t, 4, list.Stats.MaxSessions)

	rec = do(t, h, http.MethodDelete, base, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, base, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "close is idempotent")

	rec = do(t, h, http.MethodGet, base, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", problemCode(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/sessions/bad/execute", map[string]any{"code": "x = 1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/execute", map[string]any{"code": " "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CODE_REQUIRED", problemCode(t, rec))
}

func TestProbesAndMetrics(t *testing.T) {
	srv, _ := newServer(t, "FINAL(x)")
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := do(t, srv.Handler(), http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := do(t, srv.Handler(), http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", problemCode(t, rec))
}

// stubSessions fails every call with err.
type stubSessions struct{ err error }

func (s stubSessions) Run(context.Context, string, broker.Command) (sandbox.Result, error) {
	return sandbox.Result{}, s.err
}
func (s stubSessions) Close(context.Context, string) error { return s.err }
func (s stubSessions) Lookup(context.Context, string) (broker.SessionInfo, bool, error) {
	return broker.SessionInfo{}, false, s.err
}
func (s stubSessions) Sessions(context.Context) ([]broker.SessionInfo, error) { return nil, s.err }
func (s stubSessions) Stats(context.Context) (broker.Stats, error) { return broker.Stats{}, s.err }

type completerFunc func(ctx context.Context, sessionID, query string, contextData any) (string, error)

func (f completerFunc) Completion(ctx context.Context, sessionID, query string, contextData any) (string, error) {
	return f(ctx, sessionID, query, contextData)
}

func TestChatCompletions_BrokerErrors(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{broker.ErrCapacityExceeded, 503, "BROKER_CAPACITY", "1"},
		{fmt.Errorf("execute code: %w", broker.ErrSessionBusy), 429, "SESSION_BUSY", "1"},
		{broker.ErrSessionClosed, 409, "SESSION_CLOSED", ""},
		{fmt.Errorf("%w: worker crashed", broker.ErrSandboxFault), 502, "SANDBOX_FAULT", ""},
		{broker.ErrBrokerClosed, 503, "BROKER_CLOSED", ""},
		{fmt.Errorf("gpt completion: %w", llm.ErrCircuitOpen), 503, "MODEL_UNAVAILABLE", "30"},
		{errors.New("boom"), 500, "INTERNAL", ""},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := New(config.ServerConfig{}, Deps{
				Sessions: stubSessions{},
				Engine: completerFunc(func(context.Context, string, string, any) (string, error) {
					return "", tt.err
				}),
				Model:  testModel,
				Health: health.NewManager("test"),
			})
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", userChat("q"), nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, problemCode(t, rec))
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			assert.NotEmpty(t, rec.Header().Get(HeaderSessionID), "the session id is returned even on failure")
		})
	}
}

func TestChatCompletions_Timeout(t *testing.T) {
	srv := New(config.ServerConfig{RequestTimeout: 20 * time.Millisecond}, Deps{
		Sessions: stubSessions{},
		Engine: completerFunc(func(ctx context.Context, _ string, _ string, _ any) (string, error) {
			<-ctx.Done()
			return "", fmt.Errorf("execute code: %w", ctx.Err())
		}),
		Model: testModel,
	})
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/chat/completions", userChat("q"), nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "TIMEOUT", problemCode(t, rec))
}

func TestSessionEndpoints_BrokerErrors(t *testing.T) {
	sid := uuid.NewString()
	srv := New(config.ServerConfig{}, Deps{Sessions: stubSessions{err: broker.ErrCrossSession}, Model: testModel})
	rec := do(t, srv.Handler(), http.MethodPost, "/v1/sessions/"+sid+"/execute", map[string]any{"code": "x = 1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_COMMAND", problemCode(t, rec))

	srv = New(config.ServerConfig{}, Deps{Sessions: stubSessions{err: broker.ErrBrokerClosed}, Model: testModel})
	rec = do(t, srv.Handler(), http.MethodGet, "/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
