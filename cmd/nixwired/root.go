package main

import (
	"context"
	"fmt"

	"github.com/danmuck/nixwire/internal/config"
	"github.com/danmuck/nixwire/internal/daemon"
	"github.com/danmuck/nixwire/internal/logging"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/store"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "nixwired",
		Short:         "Nix worker protocol daemon",
		Version:       protocol.NixVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "daemon config file (.toml or .yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStdioCmd(opts))
	cmd.AddCommand(newNarCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

// load resolves the daemon config and applies its log level.
func (o *rootOptions) load() (config.DaemonConfig, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.DaemonConfig{}, err
		}
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	if level != "" && !logging.SetLevel(level) {
		return config.DaemonConfig{}, fmt.Errorf("unknown log level %q", level)
	}
	return cfg, nil
}

// openStore returns the backing store: an in-memory store, or a client
// of another daemon when upstream is set.
func openStore(ctx context.Context, cfg config.DaemonConfig, upstream string) (store.Store, func() error, error) {
	if upstream == "" {
		return store.NewMemory(cfg.StoreDir), func() error { return nil }, nil
	}
	c, err := daemon.Dial(ctx, "unix", upstream, daemon.ClientConfig{StoreDir: cfg.StoreDir})
	if err != nil {
		return nil, nil, fmt.Errorf("connect upstream %s: %w", upstream, err)
	}
	return c, c.Close, nil
}
