package main

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/rlmd/internal/config"
	"github.com/ManuGH/rlmd/internal/version"
)

func newHealthcheckCmd() *cobra.Command {
	var (
		mode    string
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running daemon (for container health checks)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/readyz"
			switch mode {
			case "ready":
			case "live":
				path = "/healthz"
			default:
				return fmt.Errorf("unknown mode %q (use ready or live)", mode)
			}

			if addr == "" {
				cfg, err := config.NewLoader(resolveConfigPath(), version.Version).Load()
				if err != nil {
					return err
				}
				addr = cfg.Server.ListenAddr
			}

			client := http.Client{Timeout: timeout}
			resp, err := client.Get(probeURL(addr, path))
			if err != nil {
				return fmt.Errorf("healthcheck failed (network): %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck failed (status): %s", resp.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthcheck successful (%s)\n", mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "ready", "ready or live")
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address; defaults to server.listen")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

// probeURL turns a listen address into a loopback URL. An empty or
// wildcard host becomes localhost.
func probeURL(listen, path string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimSuffix(listen, "/") + path
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}
