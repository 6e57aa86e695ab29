package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/collabsync/internal/errors"
	"github.com/vango-dev/collabsync/pkg/relay"
)

func relayCmd() *cobra.Command {
	var (
		addr    string
		path    string
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay server",
		Long: `Run a relay that forwards collaboration messages between
connected clients. The relay keeps no document state.

Endpoints:
  <path>     WebSocket endpoint (default /ws)
  /healthz   liveness and peer counts
  /metrics   Prometheus metrics

Examples:
  collabsync relay
  collabsync relay --addr :9000 --origin app.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Relay.Address = addr
			}
			if path != "" {
				cfg.Relay.Path = path
			}
			if len(origins) > 0 {
				cfg.Relay.AllowedOrigins = origins
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := cfg.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			srv, err := relay.New(cfg.RelayConfig(), relay.WithLogger(logger))
			if err != nil {
				return errors.New("E111").Wrap(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Run(ctx); err != nil {
				return errors.New("E301").Wrap(err).
					WithDetailf("Could not serve on %s", cfg.Relay.Address)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config, :8080)")
	cmd.Flags().StringVar(&path, "path", "", "WebSocket path (default from config, /ws)")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "Extra allowed Origin host; repeatable, * allows all")

	return cmd
}
