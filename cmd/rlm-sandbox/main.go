// Command rlm-sandbox hosts one Lua interpreter and serves it to rlmd over
// newline-delimited JSON frames on stdin/stdout. It is started by the
// process and docker sandbox launchers; it is not meant to be run by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	xglog "github.com/ManuGH/rlmd/internal/log"
	"github.com/ManuGH/rlmd/internal/repl"
	"github.com/ManuGH/rlmd/internal/sandbox"
)

var version = "dev"

var (
	execTimeout time.Duration
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:           "rlm-sandbox",
	Short:         "Serve a Lua interpreter over stdio for rlmd",
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// stdout carries frames; logs go to stderr, which the daemon relays.
		xglog.Configure(xglog.Config{
			Level:   logLevel,
			Output:  os.Stderr,
			Service: "rlm-sandbox",
			Version: version,
		})
		logger := xglog.WithComponent("sandbox_server")

		env, err := repl.New(repl.Options{Timeout: execTimeout})
		if err != nil {
			return fmt.Errorf("create interpreter: %w", err)
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return sandbox.NewServer(env, os.Stdin, os.Stdout, logger).Serve(ctx)
	},
}

func init() {
	rootCmd.Flags().DurationVar(&execTimeout, "exec-timeout", repl.DefaultTimeout, "interpreter time allowed per execute")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "rlm-sandbox:", err)
		os.Exit(1)
	}
}
