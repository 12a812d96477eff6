package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/rlmd/internal/bridge"
	"github.com/ManuGH/rlmd/internal/repl"
)

type callerFunc func(req bridge.Request) (bridge.Response, error)

func (f callerFunc) Call(req bridge.Request) (bridge.Response, error) { return f(req) }

type wire struct {
	handle   *streamHandle
	toClient *io.PipeWriter
	served   chan error
}

// startWire connects a streamHandle to an in-memory Server.
func startWire(t *testing.T) *wire {
	t.Helper()
	env, err := repl.New(repl.Options{})
	require.NoError(t, err)

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	srv := NewServer(env, c2sR, s2cW, zerolog.Nop())

	w := &wire{toClient: s2cW, served: make(chan error, 1)}
	go func() {
		err := srv.Serve(context.Background())
		_ = s2cW.Close()
		_ = env.Close()
		w.served <- err
	}()

	abort := func() {
		_ = c2sW.Close()
		_ = s2cR.Close()
	}
	w.handle = newStreamHandle("test", s2cR, c2sW, abort, nil)
	require.NoError(t, w.handle.handshake())

	t.Cleanup(func() {
		_ = c2sW.Close()
		_ = s2cR.Close()
		<-w.served
	})
	return w
}

func TestStream_ExecuteAndGetVariable(t *testing.T) {
	w := startWire(t)
	ctx := context.Background()

	res, err := w.handle.Execute(ctx, Request{Code: "x = 5"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	require.Len(t, res.Locals, 1)
	assert.Equal(t, "x", res.Locals[0].Name)

	v, err := w.handle.GetVariable(ctx, "x", "")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	_, err = w.handle.GetVariable(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrVariableNotFound)

	res, err = w.handle.Execute(ctx, Request{Code: `error("bad")`}, nil)
	require.NoError(t, err, "code errors are results, not faults")
	assert.Contains(t, res.Error, "bad")
}

func TestStream_BridgeWithNestedExecute(t *testing.T) {
	w := startWire(t)
	ctx := context.Background()

	var nested Result
	caller := callerFunc(func(req bridge.Request) (bridge.Response, error) {
		require.Equal(t, bridge.KindRLMQuery, req.Kind)
		var err error
		// Re-enters the same handle while the outer execute is parked.
		nested, err = w.handle.Execute(ctx, Request{Code: `inner = "from nested"; return inner`, Scope: "rlm:1", Fresh: true}, nil)
		if err != nil {
			return bridge.Response{}, err
		}
		return bridge.Response{Texts: []string{strings.ToUpper(req.Queries[0].Query)}}, nil
	})

	res, err := w.handle.Execute(ctx, Request{Code: `answer = rlm_query("hello"); return answer`}, caller)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, "HELLO", res.Value)
	assert.Equal(t, "from nested", nested.Value)

	v, err := w.handle.GetVariable(ctx, "inner", "rlm:1")
	require.NoError(t, err)
	assert.Equal(t, "from nested", v)
}

func TestStream_BridgeErrorReachesCode(t *testing.T) {
	w := startWire(t)
	caller := callerFunc(func(bridge.Request) (bridge.Response, error) {
		return bridge.Response{}, assert.AnError
	})
	res, err := w.handle.Execute(context.Background(), Request{Code: `local ok, e = pcall(llm_query, "x"); return tostring(ok)`}, caller)
	require.NoError(t, err)
	assert.Equal(t, "false", res.Value)
}

func TestStream_TransportLossIsFault(t *testing.T) {
	w := startWire(t)
	// Kill the server's output: the next read fails.
	_ = w.toClient.CloseWithError(io.ErrClosedPipe)

	_, err := w.handle.Execute(context.Background(), Request{Code: "1"}, nil)
	require.ErrorIs(t, err, ErrFault)

	_, err = w.handle.GetVariable(context.Background(), "x", "")
	assert.ErrorIs(t, err, ErrFault, "handle stays broken")
}

func TestStream_ShutdownAcks(t *testing.T) {
	w := startWire(t)
	assert.True(t, w.handle.shutdown())
	assert.NoError(t, <-w.served)
	w.served <- nil
}

func TestServer_MalformedFrameIsReportedAndSkipped(t *testing.T) {
	env, err := repl.New(repl.Options{})
	require.NoError(t, err)
	defer env.Close()

	in := strings.NewReader("this is not json\n\n" + `{"kind":"ping","version":1}` + "\n")
	var out strings.Builder
	srv := NewServer(env, in, &out, zerolog.Nop())
	require.NoError(t, srv.Serve(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"error"`)
	assert.Contains(t, lines[0], `"code":"invalid"`)
	assert.Contains(t, lines[1], `"kind":"pong"`)
}
