package syncer

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcusync/cmd/util"
	"github.com/sidkik/mcusync/pkg/config"
	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/fswatch"
	"github.com/sidkik/mcusync/pkg/metrics"
	"github.com/sidkik/mcusync/pkg/mirror"
	"github.com/sidkik/mcusync/pkg/sync"
)

// options are the flags of `mcusync sync`. Flags that are also in the user
// config override it when they're set.
type options struct {
	port         string
	baud         int
	mirrorRoot   string
	settleWindow time.Duration
	timeout      time.Duration
	retries      int
	noReboot     bool

	keep        bool
	emulate     string
	editor      string
	metricsAddr string
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the board's filesystem locally and push local edits to it",
		Long: "Pull every file on the board into the mirror directory, and then\n" +
			"push changes made in the mirror directory to the board as they happen.\n\n" +
			"Send SIGHUP to retry paths that failed to sync.",
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := config.ParseUser()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}
			applyFlags(cmd, &cfg, opts)

			traceBytes, _ := cmd.Flags().GetBool("trace-bytes")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s := syncer{
				cfg:        cfg,
				opts:       opts,
				fs:         afero.NewOsFs(),
				traceBytes: traceBytes,
				log:        log.StandardLogger(),
			}
			if err := s.run(ctx); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.port, "port", "p", "", "serial device of the board")
	flags.IntVar(&opts.baud, "baud", config.DefaultBaud, "baud rate of the serial port")
	flags.StringVarP(&opts.mirrorRoot, "mirror", "m", "",
		"directory to mirror the board into (default: a temporary directory)")
	flags.DurationVar(&opts.settleWindow, "settle", config.DefaultSettleWindow,
		"how long a file must be unchanged before it's pushed")
	flags.DurationVar(&opts.timeout, "timeout", config.DefaultTimeout,
		"how long to wait for the board to answer a request")
	flags.IntVar(&opts.retries, "retries", config.DefaultRetries,
		"total number of attempts for a request that times out")
	flags.BoolVar(&opts.noReboot, "no-reboot", false, "don't soft reboot the board on exit")
	flags.BoolVar(&opts.keep, "keep", false, "keep the temporary mirror directory on exit")
	flags.StringVar(&opts.emulate, "emulate", "",
		"sync with an emulated board whose filesystem is this directory")
	flags.StringVar(&opts.editor, "editor", "", "editor to open on the mirror directory")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "",
		"address to serve Prometheus metrics on, e.g. localhost:9100")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.User, opts options) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("baud") {
		cfg.Baud = opts.baud
	}
	if flags.Changed("mirror") {
		cfg.MirrorRoot = opts.mirrorRoot
	}
	if flags.Changed("settle") {
		cfg.SettleWindow.Duration = opts.settleWindow
	}
	if flags.Changed("timeout") {
		cfg.Timeout.Duration = opts.timeout
	}
	if flags.Changed("retries") {
		cfg.Retries = opts.retries
	}
	if flags.Changed("editor") {
		cfg.Editor = opts.editor
	}
	if opts.noReboot {
		reboot := false
		cfg.RebootOnExit = &reboot
	}
}

type syncer struct {
	cfg        config.User
	opts       options
	fs         afero.Fs
	traceBytes bool
	log        log.FieldLogger

	// ready is closed once local changes are being watched. It's used by
	// tests.
	ready chan struct{}
}

func (s syncer) run(ctx context.Context) error {
	boardOpts := util.BoardOptionsFromConfig(s.cfg)
	boardOpts.Emulate = s.opts.emulate
	boardOpts.TraceBytes = s.traceBytes
	boardOpts.SoftReset = true
	board, err := util.ConnectBoard(ctx, s.fs, boardOpts, s.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := board.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close serial port")
		}
	}()

	root, cleanup, err := s.mirrorRoot()
	if err != nil {
		return err
	}
	defer cleanup()

	ignore, err := fswatch.NewIgnore(append(append([]string{}, fswatch.DefaultIgnore...), s.cfg.Ignore...))
	if err != nil {
		return errors.NewFriendlyError("Invalid ignore pattern: %s", err)
	}

	store, err := mirror.New(s.fs, root)
	if err != nil {
		return errors.WithContext(err, "create mirror")
	}
	store.SetIgnore(ignore.Match)

	engine := sync.New(board, store, s.log)
	pp := util.NewProgressPrinter(os.Stderr, "Pulling files from the board..")
	go pp.Run()
	err = engine.InitialPull(ctx)
	pp.Stop()
	if err != nil {
		return errors.WithContext(err, "initial pull")
	}
	s.log.WithField("mirror", root).Info("Mirrored the board. Edits in the mirror directory are pushed to the board.")
	if s.cfg.Editor != "" {
		s.openEditor(root)
	}

	if s.opts.metricsAddr != "" {
		stop := s.serveMetrics()
		defer stop()
	}

	triggers := make(chan sync.Trigger, 1)
	var events <-chan sync.ChangeEvent
	var rescans <-chan struct{}

	watcher, err := fswatch.Watch(s.fs, store, fswatch.Options{
		SettleWindow: s.cfg.SettleWindow.Duration,
		Ignore:       ignore,
	}, s.log)
	switch {
	case err == nil:
		events = watcher.Events()
		rescans = watcher.Rescans()
		go func() {
			defer util.HandlePanic()
			if err := watcher.Run(ctx); err != nil {
				s.log.WithError(err).Error("File watcher stopped")
			}
		}()
	case tooManyWatches(err):
		s.log.Warnf("Too many files to automatically watch for changes. "+
			"mcusync will poll for changes (%s) instead.", s.cfg.PollInterval)
		stop, err := s.schedulePolls(triggers)
		if err != nil {
			return err
		}
		defer stop()
	default:
		return errors.WithContext(err, "watch files")
	}

	go func() {
		defer util.HandlePanic()
		forwardTriggers(ctx, rescans, triggers)
	}()

	if s.ready != nil {
		close(s.ready)
	}
	err = engine.Run(ctx, events, triggers)
	for _, failure := range engine.Failures() {
		s.log.WithField("path", failure.Path).WithField("kind", failure.Kind).
			WithError(failure.Err).Warn("Path isn't synced")
	}
	if err != nil {
		return errors.WithContext(err, "sync")
	}
	return nil
}

// mirrorRoot returns the configured mirror directory, or creates a
// temporary one. The returned function removes the temporary directory.
func (s syncer) mirrorRoot() (string, func(), error) {
	if s.cfg.MirrorRoot != "" {
		return s.cfg.MirrorRoot, func() {}, nil
	}

	root, err := afero.TempDir(s.fs, "", "mcusync")
	if err != nil {
		return "", nil, errors.WithContext(err, "create temporary mirror directory")
	}

	cleanup := func() {
		if s.opts.keep {
			s.log.WithField("mirror", root).Info("Kept the mirror directory")
			return
		}
		if err := s.fs.RemoveAll(root); err != nil {
			s.log.WithError(err).WithField("mirror", root).Warn("Failed to remove mirror directory")
		}
	}
	return root, cleanup, nil
}

func (s syncer) openEditor(root string) {
	editor := exec.Command(s.cfg.Editor, root)
	if err := editor.Start(); err != nil {
		s.log.WithError(err).WithField("editor", s.cfg.Editor).Warn("Failed to start editor")
		return
	}

	go func() {
		if err := editor.Wait(); err != nil {
			s.log.WithError(err).Debug("Editor exited with an error")
		}
	}()
}

func (s syncer) serveMetrics() func() {
	server := &http.Server{Addr: s.opts.metricsAddr, Handler: metrics.Handler()}
	go func() {
		defer util.HandlePanic()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Failed to serve metrics")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.log.WithError(err).Debug("Failed to stop metrics server")
		}
	}
}

// schedulePolls triggers a rescan on the configured schedule. It returns a
// function that stops the schedule.
func (s syncer) schedulePolls(triggers chan<- sync.Trigger) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.PollInterval, func() {
		select {
		case triggers <- sync.TriggerRescan:
		default:
		}
	})
	if err != nil {
		return nil, errors.WithContext(err, "schedule polls")
	}

	c.Start()
	return func() { c.Stop() }, nil
}

// forwardTriggers turns SIGHUP into a resync, and dropped file notifications
// into a rescan.
func forwardTriggers(ctx context.Context, rescans <-chan struct{}, triggers chan<- sync.Trigger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		var trigger sync.Trigger
		select {
		case <-ctx.Done():
			return
		case <-hup:
			trigger = sync.TriggerResync
		case <-rescans:
			trigger = sync.TriggerRescan
		}

		select {
		case triggers <- trigger:
		case <-ctx.Done():
			return
		}
	}
}

// tooManyWatches returns whether `err` means that the host ran out of
// file watches.
func tooManyWatches(err error) bool {
	msg := errors.RootCause(err).Error()
	return strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "no space left on device")
}
