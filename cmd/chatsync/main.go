package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/demomastra2025-eng/chatsync/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string
	var envFiles []string

	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Realtime conversation sync daemon",
		Long:          "Keeps a local working set of messaging conversations in sync with a gateway's history API and push stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFiles...); err != nil {
				return err
			}
			if err := config.ReadFile(v, configFile); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(os.Stderr, "Using config file: %s\n", used)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./chatsync.yaml or /etc/chatsync/chatsync.yaml)")
	flags.StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	flags.String("gateway.url", "", "gateway REST base URL")
	flags.String("gateway.token", "", "gateway bearer token")
	flags.Duration("gateway.timeout", 0, "per-request gateway timeout")
	flags.Float64("gateway.rate_limit", 0, "gateway requests per second (0 disables)")
	flags.StringSlice("connectors", nil, "connector ids to sync")
	flags.String("events.dsn", "", "push stream source (ws://, wss://, redis://, file://)")
	flags.String("history.dsn", "", "postgres message archive DSN")
	flags.Int("sync.page_size", 0, "history page size")
	flags.String("log.level", "", "log level (debug, info, warn, error)")
	flags.String("log.format", "", "log format (text, json)")
	bindFlags(v, flags, "gateway.url", "gateway.token", "gateway.timeout", "gateway.rate_limit",
		"connectors", "events.dsn", "history.dsn", "sync.page_size", "log.level", "log.format")

	root.AddCommand(newRunCmd(v), newTailCmd(v))
	return root
}

// bindFlags ties flags to viper keys. Flags left unset fall back to env,
// config file and defaults, in that order.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys ...string) {
	for _, key := range keys {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}
}
