package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	goSync "sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mcusync/pkg/errors"
)

// Exit codes returned by mcusync.
const (
	ExitFailure      = 1
	ExitDisconnected = 2
	ExitTimeout      = 3
)

// osExit is overridden in tests.
var osExit = os.Exit

// HandleFatalError logs `err` and exits. Friendly errors are printed
// without their chain of contexts.
func HandleFatalError(err error) {
	log.WithField("kind", errors.KindOf(err)).Debug(err.Error())
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	osExit(ExitCode(err))
}

// ExitCode returns the exit code for the fatal error `err`.
func ExitCode(err error) int {
	switch {
	case errors.Is(err, errors.ErrTransportDisconnected):
		return ExitDisconnected
	case errors.Is(err, errors.ErrTransportTimeout):
		return ExitTimeout
	default:
		return ExitFailure
	}
}

// HandlePanic logs the panic and its stack trace, and exits. It should be
// deferred at the top of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		osExit(ExitFailure)
	}
}

// ProgressPrinter prints a message followed by dots until it's stopped.
type ProgressPrinter struct {
	out     io.Writer
	msg     string
	stop    chan struct{}
	stopped chan struct{}
	once    goSync.Once
}

// NewProgressPrinter returns a ProgressPrinter for `msg`. Call Run in a
// goroutine to start printing.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:     out,
		msg:     msg,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run prints until Stop is called.
func (pp *ProgressPrinter) Run() {
	defer close(pp.stopped)

	fmt.Fprint(pp.out, pp.msg)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-pp.stop:
			return
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		}
	}
}

// Stop stops printing and ends the line.
func (pp *ProgressPrinter) Stop() {
	pp.StopWithPrint("\n")
}

// StopWithPrint stops printing and then prints `s`.
func (pp *ProgressPrinter) StopWithPrint(s string) {
	pp.once.Do(func() {
		close(pp.stop)
		<-pp.stopped
		fmt.Fprint(pp.out, s)
	})
}
