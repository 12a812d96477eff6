package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/rlmd/internal/bridge"
)

type fakeModel struct {
	reply *schema.Message
	err   error
	calls int
	last  []*schema.Message
}

func (f *fakeModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.calls++
	f.last = in
	return f.reply, f.err
}

func (f *fakeModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

type msg struct {
	Role    schema.RoleType
	Content string
}

func flatten(msgs []*schema.Message) []msg {
	out := make([]msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, msg{m.Role, m.Content})
	}
	return out
}

func TestParsePrompt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []msg
	}{
		{"plain text", "what is 2+2?", []msg{{schema.User, "what is 2+2?"}}},
		{"json string", `"hello"`, []msg{{schema.User, "hello"}}},
		{"list of strings", `["a","b"]`, []msg{{schema.User, "a"}, {schema.User, "b"}}},
		{
			"role objects",
			`[{"role":"system","content":"be brief"},{"content":"hi"}]`,
			[]msg{{schema.System, "be brief"}, {schema.User, "hi"}},
		},
		{
			"messages wrapper",
			`{"messages":[{"role":"assistant","content":"x"}]}`,
			[]msg{{schema.Assistant, "x"}},
		},
		{"single object", `{"role":"user","content":"q"}`, []msg{{schema.User, "q"}}},
		{"non-string content", `{"content":{"k":1}}`, []msg{{schema.User, `{"k":1}`}}},
		{"number stays verbatim", `42`, []msg{{schema.User, "42"}}},
		{"mixed list stays verbatim", `["a", 1]`, []msg{{schema.User, `["a", 1]`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, flatten(ParsePrompt(tt.in))); diff != "" {
				t.Errorf("ParsePrompt(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestFromBridge(t *testing.T) {
	got := FromBridge([]bridge.Message{{Role: "system", Content: "s"}, {Role: "", Content: "u"}})
	assert.Equal(t, []msg{{schema.System, "s"}, {schema.User, "u"}}, flatten(got))

	got = FromBridge([]bridge.Message{{Role: "user", Content: `["a","b"]`}})
	assert.Len(t, got, 2, "a lone user message may carry a JSON conversation")
}

func TestValidateSubcall(t *testing.T) {
	small := []*schema.Message{schema.UserMessage("hello")}
	require.NoError(t, ValidateSubcall(small))

	oneHuge := []*schema.Message{schema.UserMessage(strings.Repeat("x", MaxSubcallMessageChars+1))}
	err := ValidateSubcall(oneHuge)
	require.ErrorIs(t, err, ErrSubcallTooLarge)
	assert.Contains(t, err.Error(), "single")
	assert.Contains(t, err.Error(), "Chunk the context")

	half := strings.Repeat("x", MaxSubcallTotalChars/2+1)
	err = ValidateSubcall([]*schema.Message{schema.UserMessage(half), schema.UserMessage(half)})
	require.ErrorIs(t, err, ErrSubcallTooLarge)
	assert.NotContains(t, err.Error(), "single")

	assert.Equal(t, 1, EstimateTokens(1))
	assert.Equal(t, 1, EstimateTokens(4))
	assert.Equal(t, 2, EstimateTokens(5))
}

func TestClientComplete(t *testing.T) {
	fm := &fakeModel{reply: schema.AssistantMessage("four", nil)}
	c := newClient(fm, Options{Model: "m", Role: RoleRecursive})

	out, err := c.Complete(context.Background(), []*schema.Message{schema.UserMessage("2+2")})
	require.NoError(t, err)
	assert.Equal(t, "four", out)
	assert.Equal(t, "2+2", fm.last[0].Content)

	fm.reply = nil
	_, err = c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestClientBreakerOpens(t *testing.T) {
	fm := &fakeModel{err: errors.New("502 bad gateway")}
	c := newClient(fm, Options{Model: "m", BreakerThreshold: 2, BreakerReset: time.Hour})

	for range 2 {
		_, err := c.Complete(context.Background(), nil)
		require.Error(t, err)
	}
	_, err := c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, fm.calls, "open circuit does not reach the provider")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker("test", 1, time.Minute)
	now := time.Unix(0, 0)
	b.now = func() time.Time { return now }
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Do(func() error { return boom }, nil), boom)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Do(func() error { return nil }, nil), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Do(func() error { return nil }, nil))
	assert.Equal(t, BreakerClosed, b.State())

	ignored := errors.New("canceled")
	_ = b.Do(func() error { return ignored }, func(error) bool { return false })
	assert.Equal(t, BreakerClosed, b.State(), "uncounted errors leave the breaker alone")
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Options{Model: "m"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestClient_OpenAICompatibleServer(t *testing.T) {
	var gotPath, gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPath, gotBody, gotAuth = r.URL.Path, string(b), r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"test-model",`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],`+
			`"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	c, err := New(context.Background(), Options{
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "test-model", c.Model())

	out, err := c.Complete(context.Background(), []*schema.Message{schema.UserMessage("ping")})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Contains(t, gotBody, `"test-model"`)
	assert.Contains(t, gotBody, "ping")
}
