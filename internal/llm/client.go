// Package llm talks to OpenAI-compatible chat completion APIs through eino
// and prepares the messages interpreter code sends to sub-models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/codes"

	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/metrics"
	"github.com/ManuGH/rlmd/internal/telemetry"
)

var (
	// ErrMissingAPIKey is returned by New without an API key.
	ErrMissingAPIKey = errors.New("missing api key (set OPENAI_API_KEY)")
	// ErrInvalidResponse means the provider answered without a message.
	ErrInvalidResponse = errors.New("invalid model response")
)

// Roles label the two clients an engine uses.
const (
	RoleRoot      = "root"
	RoleRecursive = "sub"
)

// Completer produces one assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, msgs []*schema.Message) (string, error)
}

// Options configures one Client.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	// Role labels metrics and spans.
	Role string
	// BreakerThreshold consecutive failures open the circuit for
	// BreakerReset. Zero disables the breaker.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client is a Completer backed by an eino chat model.
type Client struct {
	model   model.BaseChatModel
	name    string
	role    string
	breaker *Breaker
}

// New creates a client for opts.Model.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := &openai.ChatModelConfig{
		APIKey:  opts.APIKey,
		BaseURL: opts.BaseURL,
		Model:   opts.Model,
		Timeout: opts.Timeout,
	}
	if opts.MaxTokens > 0 {
		maxTokens := opts.MaxTokens
		cfg.MaxTokens = &maxTokens
	}
	m, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model %s: %w", opts.Model, err)
	}
	return newClient(m, opts), nil
}

func newClient(m model.BaseChatModel, opts Options) *Client {
	role := opts.Role
	if role == "" {
		role = RoleRoot
	}
	return &Client{
		model:   m,
		name:    opts.Model,
		role:    role,
		breaker: NewBreaker("llm_"+role, opts.BreakerThreshold, opts.BreakerReset),
	}
}

// NewPair builds the root and recursive clients from configuration.
func NewPair(ctx context.Context, cfg config.LLMConfig) (root, recursive *Client, err error) {
	base := Options{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		MaxTokens:        cfg.MaxTokens,
		Timeout:          cfg.Timeout,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
	rootOpts := base
	rootOpts.Model, rootOpts.Role = cfg.Model, RoleRoot
	if root, err = New(ctx, rootOpts); err != nil {
		return nil, nil, err
	}
	subOpts := base
	subOpts.Model, subOpts.Role = cfg.RecursiveModel, RoleRecursive
	if subOpts.Model == "" {
		subOpts.Model = cfg.Model
	}
	if recursive, err = New(ctx, subOpts); err != nil {
		return nil, nil, err
	}
	return root, recursive, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.name }

// BreakerState reports the circuit breaker state as "closed", "open" or
// "half-open".
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Complete sends msgs and returns the assistant's text.
func (c *Client) Complete(ctx context.Context, msgs []*schema.Message) (string, error) {
	ctx, span := telemetry.Tracer("rlmd/llm").Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(telemetry.ModelAttributes(c.name, c.role, len(msgs))...)

	start := time.Now()
	var text string
	err := c.breaker.Do(func() error {
		out, err := c.model.Generate(ctx, msgs)
		if err != nil {
			return err
		}
		if out == nil {
			return ErrInvalidResponse
		}
		text = out.Content
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil
	})
	metrics.ObserveModelCall(c.role, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%s completion: %w", c.name, err)
	}
	return text, nil
}
