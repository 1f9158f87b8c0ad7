package ls

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcusync/cmd/util"
	"github.com/sidkik/mcusync/pkg/config"
	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync"
)

// New creates a new `ls` command.
func New() *cobra.Command {
	var flags util.BoardFlags
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "Recursively list the files on the board",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			root := "/"
			if len(args) == 1 {
				root = args[0]
			}

			cfg, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			board, err := util.ConnectBoard(ctx, afero.NewOsFs(), flags.Options(cmd, cfg), log.StandardLogger())
			if err != nil {
				util.HandleFatalError(err)
			}
			defer board.Close()

			if err := run(ctx, board, root, os.Stdout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	flags.Register(cmd)
	return cmd
}

func run(ctx context.Context, remote sync.Remote, root string, out io.Writer) error {
	entries, err := sync.ListTree(ctx, remote, root)
	if err != nil {
		return errors.WithContext(err, "list")
	}

	var files int
	var total int64
	for _, entry := range entries {
		if entry.Kind == sync.Directory {
			fmt.Fprintf(out, "%10s  %s/\n", "-", entry.Path)
			continue
		}

		fmt.Fprintf(out, "%10d  %s\n", entry.Size, entry.Path)
		files++
		total += entry.Size
	}
	fmt.Fprintf(out, "%d files, %d bytes\n", files, total)
	return nil
}
