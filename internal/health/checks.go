// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"

	"github.com/ManuGH/rlmd/internal/broker"
)

// BrokerChecker reports session capacity.
type BrokerChecker struct {
	stats func(ctx context.Context) (broker.Stats, error)
}

// NewBrokerChecker creates a checker over a stats source, normally
// (*broker.Broker).Stats.
func NewBrokerChecker(stats func(ctx context.Context) (broker.Stats, error)) *BrokerChecker {
	return &BrokerChecker{stats: stats}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	st, err := c.stats(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	details := map[string]any{
		"live":         st.Live,
		"max_sessions": st.MaxSessions,
		"queued":       st.Queued,
	}
	if st.Live >= st.MaxSessions {
		return CheckResult{Status: StatusDegraded, Message: "at session capacity", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d/%d sessions", st.Live, st.MaxSessions), Details: details}
}

// PoolChecker reports whether prewarmed sandboxes are available.
type PoolChecker struct {
	idle   func() int
	target int
}

// NewPoolChecker creates a checker for a sandbox pool with the given target size.
func NewPoolChecker(idle func() int, target int) *PoolChecker {
	return &PoolChecker{idle: idle, target: target}
}

func (c *PoolChecker) Name() string { return "sandbox_pool" }

func (c *PoolChecker) Check(context.Context) CheckResult {
	if c.target <= 0 {
		return CheckResult{Status: StatusHealthy, Message: "prewarming disabled"}
	}
	idle := c.idle()
	if idle == 0 {
		return CheckResult{Status: StatusDegraded, Message: "no idle sandboxes; sessions start cold"}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d/%d idle", idle, c.target)}
}

// ModelChecker reports the model client circuit breaker.
type ModelChecker struct {
	name  string
	state func() string
}

// NewModelChecker creates a checker; state returns "closed", "open" or "half-open".
func NewModelChecker(name string, state func() string) *ModelChecker {
	return &ModelChecker{name: name, state: state}
}

func (c *ModelChecker) Name() string { return c.name }

func (c *ModelChecker) Check(context.Context) CheckResult {
	switch s := c.state(); s {
	case "open":
		return CheckResult{Status: StatusDegraded, Message: "model provider failing, circuit open"}
	case "half-open":
		return CheckResult{Status: StatusDegraded, Message: "probing model provider"}
	default:
		return CheckResult{Status: StatusHealthy, Message: "circuit " + s}
	}
}
