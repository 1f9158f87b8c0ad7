package util

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/mcusync/pkg/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  int
	}{
		{
			name: "Disconnected",
			err:  errors.WithContext(errors.ErrTransportDisconnected, "apply batch"),
			exp:  ExitDisconnected,
		},
		{
			name: "Timeout",
			err:  errors.WithContext(errors.ErrTransportTimeout, "enter raw REPL"),
			exp:  ExitTimeout,
		},
		{
			name: "Other",
			err:  errors.NewFriendlyError("Invalid baud rate"),
			exp:  ExitFailure,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, ExitCode(test.err))
		})
	}
}

func TestHandleFatalError(t *testing.T) {
	var code int
	osExit = func(c int) { code = c }
	defer func() { osExit = os.Exit }()

	HandleFatalError(errors.WithContext(errors.ErrTransportDisconnected, "list"))
	assert.Equal(t, ExitDisconnected, code)
}

func TestHandlePanic(t *testing.T) {
	var code int
	osExit = func(c int) { code = c }
	defer func() { osExit = os.Exit }()

	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, ExitFailure, code)
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	pp := NewProgressPrinter(&out, "Pulling files from the board..")
	go pp.Run()
	pp.Stop()

	// Stopping twice is harmless.
	pp.StopWithPrint("ignored")
	assert.Equal(t, "Pulling files from the board..\n", out.String())
}
