package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/demomastra2025-eng/chatsync/internal/config"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long:  "Loads conversations, follows the push stream and serves the HTTP API until interrupted. SIGHUP forces a conversation resync.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			d, err := newDaemon(cfg, daemonOptions{withAPI: true})
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, unix.SIGHUP)
			defer signal.Stop(hup)
			return d.run(ctx, hup, nil)
		},
	}
	flags := cmd.Flags()
	flags.String("http.addr", "", "HTTP API listen address (empty disables the API)")
	flags.String("http.jwt_secret", "", "HS256 secret for API bearer tokens")
	flags.Duration("sync.refresh_interval", 0, "periodic conversation resync interval")
	flags.Float64("sync.refresh_jitter", 0, "resync interval jitter ratio (0.0-1.0)")
	bindFlags(v, flags, "http.addr", "http.jwt_secret", "sync.refresh_interval", "sync.refresh_jitter")
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, unix.SIGTERM)
}
