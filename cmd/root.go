package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcusync/cmd/ls"
	"github.com/sidkik/mcusync/cmd/syncer"
	"github.com/sidkik/mcusync/cmd/util"
	"github.com/sidkik/mcusync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "MCUSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func newRootCommand() *cobra.Command {
	var verbose, traceBytes bool
	rootCmd := &cobra.Command{
		Use:          "mcusync",
		Short:        "Mirror a MicroPython board's filesystem over its serial port",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(verbose || os.Getenv(verboseLogKey) == "true", traceBytes)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	rootCmd.PersistentFlags().BoolVar(&traceBytes, "trace-bytes", false,
		"log every byte exchanged with the board")

	rootCmd.AddCommand(
		ls.New(),
		syncer.New(),
		version.New(),
	)
	return rootCmd
}

func setupLogging(verbose, traceBytes bool) {
	switch {
	case traceBytes:
		log.SetLevel(log.TraceLevel)
	case verbose:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
