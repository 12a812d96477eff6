package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func llmRequest(text string) Request {
	return Request{Kind: KindLLMQuery, Messages: []Message{{Role: "user", Content: text}}}
}

func TestCall_ReturnsHandlerResult(t *testing.T) {
	b := New(context.Background(), "s1", HandlerFunc(func(ctx context.Context, sid string, req Request) (Response, error) {
		assert.Equal(t, "s1", sid)
		tok, ok := TokenFrom(ctx)
		require.True(t, ok)
		assert.Equal(t, "s1", tok.SessionID())
		assert.Equal(t, 1, tok.Depth())
		return Response{Text: "echo:" + req.Messages[0].Content}, nil
	}))

	resp, err := b.Call(llmRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", resp.Text)
	assert.Equal(t, 0, b.Pending())
}

func TestCall_HandlerErrorIsReturned(t *testing.T) {
	boom := errors.New("model unavailable")
	b := New(context.Background(), "s1", HandlerFunc(func(context.Context, string, Request) (Response, error) {
		return Response{}, boom
	}))
	_, err := b.Call(llmRequest("hi"))
	assert.ErrorIs(t, err, boom)
}

func TestCall_HandlerPanicBecomesError(t *testing.T) {
	b := New(context.Background(), "s1", HandlerFunc(func(context.Context, string, Request) (Response, error) {
		panic("kaboom")
	}))
	_, err := b.Call(llmRequest("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCall_RunsNestedOnCallingGoroutine(t *testing.T) {
	var nestedRan atomic.Int32
	callerDone := make(chan struct{})

	b := New(context.Background(), "s1", HandlerFunc(func(ctx context.Context, _ string, _ Request) (Response, error) {
		tok, _ := TokenFrom(ctx)
		ran := make(chan struct{})
		err := tok.Submit(ctx, func() {
			// Runs on the goroutine blocked in Call.
			select {
			case <-callerDone:
				t.Error("nested ran after Call returned")
			default:
			}
			nestedRan.Add(1)
			close(ran)
		})
		if err != nil {
			return Response{}, err
		}
		<-ran
		return Response{Text: "done"}, nil
	}))

	resp, err := b.Call(llmRequest("x"))
	close(callerDone)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, int32(1), nestedRan.Load())
}

func TestTokenSubmit_AfterCallFinished(t *testing.T) {
	var leaked *Token
	b := New(context.Background(), "s1", HandlerFunc(func(ctx context.Context, _ string, _ Request) (Response, error) {
		leaked, _ = TokenFrom(ctx)
		return Response{}, nil
	}))
	_, err := b.Call(llmRequest("x"))
	require.NoError(t, err)

	err = leaked.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrCallFinished)
}

func TestTokenSubmit_ContextCancelled(t *testing.T) {
	// Nobody is receiving on nested: the worker is busy elsewhere.
	tok := &Token{sessionID: "s1", depth: 1, nested: make(chan func()), done: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tok.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_AfterClose(t *testing.T) {
	b := New(context.Background(), "s1", HandlerFunc(func(context.Context, string, Request) (Response, error) {
		return Response{}, nil
	}))
	b.Close()
	_, err := b.Call(llmRequest("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCall_InvalidRequest(t *testing.T) {
	b := New(context.Background(), "s1", HandlerFunc(func(context.Context, string, Request) (Response, error) {
		return Response{}, nil
	}))
	_, err := b.Call(Request{Kind: KindLLMQuery})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = b.Call(Request{Kind: "shell"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	nb := New(context.Background(), "s1", nil)
	_, err = nb.Call(llmRequest("x"))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestTokenFrom_Absent(t *testing.T) {
	_, ok := TokenFrom(context.Background())
	assert.False(t, ok)
}
