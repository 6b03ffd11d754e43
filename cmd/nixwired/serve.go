package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/config"
	"github.com/danmuck/nixwire/internal/daemon"
	"github.com/danmuck/nixwire/internal/logging"
	"github.com/danmuck/nixwire/internal/observability"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		socket   string
		upstream string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker protocol on a Unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if socket != "" {
				cfg.Socket = socket
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, upstream)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "listen on this socket instead of the configured one")
	cmd.Flags().StringVar(&upstream, "upstream", "", "forward every operation to the daemon on this socket")
	return cmd
}

func serve(ctx context.Context, cfg config.DaemonConfig, upstream string) error {
	log := logging.Component("nixwired")

	st, closeStore, err := openStore(ctx, cfg, upstream)
	if err != nil {
		return err
	}
	defer closeStore()

	scfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	if cfg.ActivityLog != "" {
		f, err := os.OpenFile(cfg.ActivityLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open activity log: %w", err)
		}
		defer f.Close()
		scfg.Observer = activity.NewCBORSink(f)
	}
	srv := daemon.NewServer(st, scfg)

	ln, err := listenUnix(cfg.Socket)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.Socket)

	errc := make(chan error, 2)
	if cfg.AdminAddr != "" {
		router := observability.NewAdminRouter(logging.Component("admin"), observability.Status{
			Started:     time.Now(),
			Version:     protocol.NixVersion,
			StoreDir:    cfg.StoreDir,
			Connections: srv.Active,
		})
		go func() {
			if err := observability.ServeAdmin(ctx, cfg.AdminAddr, router); err != nil {
				errc <- fmt.Errorf("admin server: %w", err)
			}
		}()
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin endpoint enabled")
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { errc <- srv.Serve(serveCtx, ln) }()

	select {
	case err := <-errc:
		cancel()
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	}
}

// listenUnix binds path, replacing a stale socket left by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}
