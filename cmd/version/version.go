package version

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcusync/cmd/util"
	"github.com/sidkik/mcusync/pkg/config"
	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync/client"
	"github.com/sidkik/mcusync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	var flags util.BoardFlags
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of mcusync and of the board's firmware.",
		Long: "Print the local version of mcusync, and the MicroPython version\n" +
			"running on the board.",
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("local version:    %s\n", version.String())
			if localOnly {
				return
			}

			cfg, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			board, err := util.ConnectBoard(context.Background(), afero.NewOsFs(),
				flags.Options(cmd, cfg), log.StandardLogger())
			if err != nil {
				util.HandleFatalError(err)
			}
			defer board.Close()

			if err := printFirmware(context.Background(), board, os.Stdout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	flags.Register(cmd)
	cmd.Flags().BoolVar(&localOnly, "local", false, "don't connect to the board")
	return cmd
}

func printFirmware(ctx context.Context, board client.Client, out io.Writer) error {
	firmware, err := board.FirmwareVersion(ctx)
	if err != nil {
		return errors.WithContext(err, "get firmware version")
	}

	fmt.Fprintf(out, "firmware version: %s\n", firmware)
	if firmware.LessThan(client.MinimumFirmware) {
		fmt.Fprintf(out, "Firmware older than %s isn't supported.\n", client.MinimumFirmware)
	}
	return nil
}
