package util

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcusync/pkg/config"
	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync/client"
	"github.com/sidkik/mcusync/pkg/sync/server"
	"github.com/sidkik/mcusync/pkg/transport"
)

// BoardOptions describe how to reach the board.
type BoardOptions struct {
	Port string
	Baud int

	// Emulate is a host directory to serve as the filesystem of an emulated
	// board. Port is ignored if it's set.
	Emulate string

	Timeout    time.Duration
	Retries    int
	TraceBytes bool

	SoftReset    bool
	RebootOnExit bool
}

// BoardOptionsFromConfig returns the options for reaching the board
// configured in `cfg`.
func BoardOptionsFromConfig(cfg config.User) BoardOptions {
	return BoardOptions{
		Port:         cfg.Port,
		Baud:         cfg.Baud,
		Timeout:      cfg.Timeout.Duration,
		Retries:      cfg.Retries,
		RebootOnExit: cfg.ShouldRebootOnExit(),
	}
}

// BoardFlags are the command line flags that pick the board. They override
// the user config.
type BoardFlags struct {
	Port    string
	Baud    int
	Emulate string
}

// Register adds the flags to `cmd`.
func (f *BoardFlags) Register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.Port, "port", "p", "", "serial device of the board")
	flags.IntVar(&f.Baud, "baud", config.DefaultBaud, "baud rate of the serial port")
	flags.StringVar(&f.Emulate, "emulate", "",
		"use an emulated board whose filesystem is this directory")
}

// Options returns the options for reaching the board configured in `cfg`,
// with the flags set on `cmd` taking precedence.
func (f BoardFlags) Options(cmd *cobra.Command, cfg config.User) BoardOptions {
	if cmd.Flags().Changed("port") {
		cfg.Port = f.Port
	}
	if cmd.Flags().Changed("baud") {
		cfg.Baud = f.Baud
	}

	opts := BoardOptionsFromConfig(cfg)
	opts.Emulate = f.Emulate
	opts.TraceBytes, _ = cmd.Flags().GetBool("trace-bytes")
	return opts
}

// ConnectBoard opens the board's serial port and connects to its
// filesystem. A progress message is printed while connecting.
func ConnectBoard(ctx context.Context, fs afero.Fs, opts BoardOptions,
	log logrus.FieldLogger) (client.Client, error) {
	port, err := openPort(fs, opts, log)
	if err != nil {
		return nil, err
	}

	tc := transport.DefaultConfig()
	if opts.Timeout > 0 {
		tc.Timeout = opts.Timeout
	}
	if opts.Retries > 0 {
		tc.MaxAttempts = opts.Retries
	}
	tc.TraceBytes = opts.TraceBytes
	serial, err := transport.New(port, transport.RawREPL{}, tc, log)
	if err != nil {
		port.Close()
		return nil, errors.WithContext(err, "create transport")
	}

	pp := NewProgressPrinter(os.Stderr, "Connecting to the board..")
	go pp.Run()
	board, err := client.Connect(ctx, serial, client.Options{
		SoftReset:    opts.SoftReset,
		RebootOnExit: opts.RebootOnExit,
	}, log)
	pp.Stop()
	if err != nil {
		serial.Close()
		return nil, errors.WithContext(err, "connect to board")
	}
	return board, nil
}

func openPort(fs afero.Fs, opts BoardOptions, log logrus.FieldLogger) (transport.Port, error) {
	if opts.Emulate != "" {
		log.WithField("dir", opts.Emulate).Info("Using an emulated board")
		board, err := server.New(fs, opts.Emulate, log)
		if err != nil {
			return nil, errors.WithContext(err, "create emulated board")
		}
		return board, nil
	}

	if opts.Port == "" {
		return nil, errors.NewFriendlyError("No serial port is configured.\n" +
			"Pass --port, or set `port` in " + config.UserConfigPath + ".")
	}

	port, err := transport.OpenSerial(opts.Port, opts.Baud)
	if err != nil {
		return nil, errors.NewFriendlyError("Failed to open serial port %q: %s\n\n"+
			"Is the board plugged in?", opts.Port, err)
	}
	return port, nil
}
