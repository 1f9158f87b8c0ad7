package transport

import (
	"bytes"
	"context"

	"github.com/sidkik/mcusync/pkg/errors"
)

// Control characters understood by the MicroPython REPL.
const (
	CtrlA = 0x01 // enter raw REPL
	CtrlB = 0x02 // leave raw REPL
	CtrlC = 0x03 // interrupt
	CtrlD = 0x04 // end of request in raw REPL, soft reboot otherwise
)

var (
	okMarker     = []byte("OK")
	rawPrompt    = []byte("raw REPL; CTRL-B to exit\r\n>")
	softRebooted = []byte("soft reboot\r\n")
)

// RawREPL is the Framer for MicroPython's raw REPL. A request is Python
// source terminated by Ctrl-D. The device answers
//
//	OK<stdout>\x04<stderr>\x04>
//
// where the trailing `>` is the prompt for the next request.
type RawREPL struct{}

// Frame appends the end-of-request marker.
func (RawREPL) Frame(req []byte) []byte {
	framed := make([]byte, 0, len(req)+1)
	framed = append(framed, req...)
	return append(framed, CtrlD)
}

// Parse extracts `<stdout>\x04<stderr>` from a complete response.
func (RawREPL) Parse(buf []byte) ([]byte, int, error) {
	if len(buf) < len(okMarker) {
		if !bytes.HasPrefix(okMarker, buf) {
			return nil, 0, errors.FramingError{Reason: "response doesn't start with OK", Data: buf}
		}
		return nil, 0, nil
	}

	if !bytes.HasPrefix(buf, okMarker) {
		return nil, 0, errors.FramingError{Reason: "response doesn't start with OK", Data: buf}
	}

	body := buf[len(okMarker):]
	stdoutEnd := bytes.IndexByte(body, CtrlD)
	if stdoutEnd < 0 {
		return nil, 0, nil
	}

	stderrEnd := bytes.IndexByte(body[stdoutEnd+1:], CtrlD)
	if stderrEnd < 0 {
		return nil, 0, nil
	}
	stderrEnd += stdoutEnd + 1

	if len(body) < stderrEnd+2 {
		return nil, 0, nil
	}
	if body[stderrEnd+1] != '>' {
		return nil, 0, errors.FramingError{Reason: "missing prompt after response", Data: buf}
	}

	resp := make([]byte, stderrEnd)
	copy(resp, body[:stderrEnd])
	return resp, len(okMarker) + stderrEnd + 2, nil
}

// Interrupt aborts the running command.
func (RawREPL) Interrupt() []byte {
	return []byte{CtrlC}
}

// SplitOutput splits a response returned by the RawREPL framer into the
// program's stdout and stderr.
func SplitOutput(resp []byte) (stdout, stderr []byte) {
	idx := bytes.IndexByte(resp, CtrlD)
	if idx < 0 {
		return resp, nil
	}
	return resp[:idx], resp[idx+1:]
}

// EnterRawREPL interrupts whatever the device is running and switches its
// REPL into raw mode. When `softReset` is set, the interpreter is restarted
// first so that no state from earlier sessions survives.
func EnterRawREPL(ctx context.Context, s *Serial, softReset bool) error {
	if err := s.Send([]byte{'\r', CtrlC, CtrlC}); err != nil {
		return errors.WithContext(err, "interrupt")
	}
	if err := s.Drain(); err != nil {
		return errors.WithContext(err, "drain")
	}

	if err := s.Await(ctx, []byte{'\r', CtrlA}, rawPrompt); err != nil {
		return errors.WithContext(err, "await raw prompt")
	}

	if softReset {
		if err := s.Await(ctx, []byte{CtrlD}, softRebooted); err != nil {
			return errors.WithContext(err, "soft reboot")
		}
		if err := s.Await(ctx, nil, rawPrompt); err != nil {
			return errors.WithContext(err, "await raw prompt after reboot")
		}
	}
	return nil
}

// ExitRawREPL returns the device to the friendly REPL. When `reboot` is set
// the device is soft rebooted afterwards so that it runs its boot scripts
// with the newly synced files.
func ExitRawREPL(s *Serial, reboot bool) error {
	data := []byte{'\r', CtrlB}
	if reboot {
		data = append(data, CtrlD)
	}
	return s.Send(data)
}
