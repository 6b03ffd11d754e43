package main

import (
	"io"
	"os"

	"github.com/danmuck/nixwire/internal/daemon"
	"github.com/danmuck/nixwire/internal/store"
	"github.com/spf13/cobra"
)

func newStdioCmd(root *rootOptions) *cobra.Command {
	var (
		upstream string
		trusted  bool
	)
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve one connection on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg, upstream)
			if err != nil {
				return err
			}
			defer closeStore()

			scfg, err := cfg.ServerConfig()
			if err != nil {
				return err
			}
			trust := store.NotTrusted
			if trusted {
				trust = store.Trusted
			}
			srv := daemon.NewServer(st, scfg)
			return srv.ServeConn(cmd.Context(), stdio{Reader: os.Stdin, Writer: os.Stdout}, trust)
		},
	}
	cmd.Flags().StringVar(&upstream, "upstream", "", "forward every operation to the daemon on this socket")
	cmd.Flags().BoolVar(&trusted, "trusted", false, "treat the peer as a trusted user")
	return cmd
}

// stdio joins stdin and stdout into one transport.
type stdio struct {
	io.Reader
	io.Writer
}
