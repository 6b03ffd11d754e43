package main

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/nixwire/internal/archive"
	"github.com/danmuck/nixwire/internal/store"
	"github.com/spf13/cobra"
)

func newNarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nar",
		Short: "Work with Nix archives",
	}
	cmd.AddCommand(newNarDumpCmd(), newNarRestoreCmd(), newNarHashCmd())
	return cmd
}

// compression picks the explicit flag, else guesses from the file name.
func compression(flag, file string) (archive.Compression, error) {
	if flag != "" {
		return archive.ParseCompression(flag)
	}
	return archive.CompressionForFile(file), nil
}

func newNarDumpCmd() *cobra.Command {
	var output, compress string
	cmd := &cobra.Command{
		Use:   "dump PATH",
		Short: "Serialize a file system tree as an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := compression(compress, output)
			if err != nil {
				return err
			}
			var out io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return dumpTo(out, args[0], c)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&compress, "compress", "", "none, xz or zstd (default: from the output name)")
	return cmd
}

func dumpTo(out io.Writer, path string, c archive.Compression) error {
	w, err := archive.Compress(out, c)
	if err != nil {
		return err
	}
	if err := archive.Dump(w, path); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func newNarRestoreCmd() *cobra.Command {
	var input, compress string
	cmd := &cobra.Command{
		Use:   "restore DEST",
		Short: "Materialize an archive at DEST",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := compression(compress, input)
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if input != "" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return restoreFrom(in, args[0], c)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "read from this file instead of stdin")
	cmd.Flags().StringVar(&compress, "compress", "", "none, xz or zstd (default: from the input name)")
	return cmd
}

func restoreFrom(in io.Reader, dst string, c archive.Compression) error {
	r, err := archive.Decompress(in, c)
	if err != nil {
		return err
	}
	defer r.Close()
	return archive.Restore(r, dst)
}

func newNarHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash PATH",
		Short: "Print the archive hash and size of a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, size, err := hashTree(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", sum, size)
			return nil
		},
	}
}

func hashTree(path string) (store.NarHash, int64, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Dump(pw, path))
	}()
	sum, size, err := archive.Hash(pr)
	_ = pr.Close()
	if err != nil {
		return store.NarHash{}, 0, err
	}
	return store.NarHash(sum), size, nil
}
