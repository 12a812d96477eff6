// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// Task is a background loop owned by the Manager. Run must return once ctx
// is cancelled.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// APIHandler is the HTTP handler for the gateway
	APIHandler http.Handler

	// Tasks run alongside the server and are stopped before shutdown hooks.
	Tasks []Task
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	return nil
}
