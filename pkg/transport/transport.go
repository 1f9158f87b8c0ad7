// Package transport turns the byte-oriented serial channel to the device into
// request/response exchanges. The channel is half-duplex and the device can
// only process one command at a time, so a Serial transport is an
// exclusively-owned resource: every exchange holds the transport's lock from
// the first byte written until the response sentinel is read.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/metrics"
)

// readPollInterval bounds how long a single Read on the port may block, so
// that exchange timeouts and context cancellation are noticed promptly.
const readPollInterval = 20 * time.Millisecond

// Port is the raw byte channel to the device. A `serial.Port` from
// go.bug.st/serial satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Framer describes the sentinel grammar of the device's command
// interpreter. It's pluggable because the exact bytes are firmware-specific.
type Framer interface {
	// Frame wraps a request so that the device knows where it ends.
	Frame(req []byte) []byte

	// Parse looks for one complete response at the start of buf. It returns
	// the number of bytes consumed, or 0 if more bytes are needed.
	Parse(buf []byte) (resp []byte, n int, err error)

	// Interrupt returns the bytes that abort whatever the device is
	// executing.
	Interrupt() []byte
}

// Transport sends a request to the device and returns its response.
type Transport interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
}

// Config controls timeouts and retries of exchanges.
type Config struct {
	// Timeout is how long to wait for the response sentinel.
	Timeout time.Duration

	// MaxAttempts is the total number of times an exchange is attempted.
	// Only timeouts are retried.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. It doubles after
	// every retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// WriteChunk and WriteDelay pace long writes, so that the device's
	// input buffer doesn't overflow. Writes aren't split if WriteChunk is 0.
	WriteChunk int
	WriteDelay time.Duration

	// TraceBytes logs every byte sent and received at Trace level.
	TraceBytes bool
}

// DefaultConfig returns the default exchange policy.
func DefaultConfig() Config {
	return Config{
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		WriteChunk:     256,
		WriteDelay:     10 * time.Millisecond,
	}
}

// Serial is a Transport over a Port.
type Serial struct {
	port   Port
	framer Framer
	config Config
	clock  clockwork.Clock
	log    logrus.FieldLogger

	lock goSync.Mutex

	// buf holds bytes read from the port that haven't been parsed yet.
	buf []byte
}

// New creates a Serial transport. It takes ownership of `port`.
func New(port Port, framer Framer, config Config, log logrus.FieldLogger) (*Serial, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	pollInterval := readPollInterval
	if config.Timeout > 0 && config.Timeout < pollInterval {
		pollInterval = config.Timeout
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		return nil, errors.WithContext(err, "set read timeout")
	}

	return &Serial{
		port:   port,
		framer: framer,
		config: config,
		clock:  clockwork.NewRealClock(),
		log:    log,
	}, nil
}

// Exchange sends `req` and waits for the framed response. Timeouts are
// retried with exponential backoff up to Config.MaxAttempts. Disconnection
// and framing errors are returned immediately.
func (s *Serial) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	backoff := s.config.InitialBackoff
	for attempt := 1; ; attempt++ {
		resp, err := s.exchangeOnce(ctx, req)
		if err == nil {
			metrics.RecordExchange("success")
			return resp, nil
		}

		metrics.RecordExchange(errors.KindOf(err))
		if !errors.Is(err, errors.ErrTransportTimeout) || attempt >= s.config.MaxAttempts {
			return nil, err
		}

		metrics.RecordRetry()
		s.log.WithError(err).WithField("attempt", attempt).Debug("Exchange timed out. Retrying..")

		// The device may still be executing the request. Abort it so that
		// its output doesn't leak into the retried exchange.
		if err := s.interrupt(); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(backoff):
		}

		backoff *= 2
		if backoff > s.config.MaxBackoff {
			backoff = s.config.MaxBackoff
		}
	}
}

// Await writes `data` and then discards input until `sentinel` is read. It's
// used for handshakes that don't follow the request/response grammar.
func (s *Serial) Await(ctx context.Context, data, sentinel []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(data) > 0 {
		if err := s.write(data); err != nil {
			return err
		}
	}

	_, err := s.readFrame(ctx, func(buf []byte) ([]byte, int, error) {
		idx := bytes.Index(buf, sentinel)
		if idx < 0 {
			return nil, 0, nil
		}
		return nil, idx + len(sentinel), nil
	})
	return err
}

// Send writes `data` without waiting for a response.
func (s *Serial) Send(data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.write(data)
}

// Drain discards any input that's pending on the port.
func (s *Serial) Drain() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.drain()
}

// Close closes the underlying port.
func (s *Serial) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.port.Close()
}

func (s *Serial) exchangeOnce(ctx context.Context, req []byte) ([]byte, error) {
	// Bytes left over from an earlier exchange can't belong to this one.
	s.buf = s.buf[:0]
	if err := s.write(s.framer.Frame(req)); err != nil {
		return nil, err
	}
	return s.readFrame(ctx, s.framer.Parse)
}

func (s *Serial) readFrame(ctx context.Context,
	parse func([]byte) ([]byte, int, error)) ([]byte, error) {

	deadline := s.clock.Now().Add(s.config.Timeout)
	chunk := make([]byte, 512)
	for {
		resp, n, err := parse(s.buf)
		if err != nil {
			s.buf = s.buf[:0]
			return nil, err
		}
		if n > 0 {
			s.buf = append(s.buf[:0], s.buf[n:]...)
			return resp, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.clock.Now().Before(deadline) {
			return nil, errors.WithContext(errors.ErrTransportTimeout,
				fmt.Sprintf("no response after %s", s.config.Timeout))
		}

		read, err := s.port.Read(chunk)
		if err != nil {
			return nil, disconnected(err)
		}
		if read > 0 {
			s.trace("rx", chunk[:read])
			s.buf = append(s.buf, chunk[:read]...)
		}
	}
}

func (s *Serial) write(data []byte) error {
	s.trace("tx", data)
	for len(data) > 0 {
		n := len(data)
		if s.config.WriteChunk > 0 && n > s.config.WriteChunk {
			n = s.config.WriteChunk
		}

		if _, err := s.port.Write(data[:n]); err != nil {
			return disconnected(err)
		}
		metrics.RecordBytesWritten(n)

		data = data[n:]
		if len(data) > 0 && s.config.WriteDelay > 0 {
			s.clock.Sleep(s.config.WriteDelay)
		}
	}
	return nil
}

func (s *Serial) interrupt() error {
	if err := s.write(s.framer.Interrupt()); err != nil {
		return err
	}
	return s.drain()
}

func (s *Serial) drain() error {
	s.buf = s.buf[:0]
	chunk := make([]byte, 512)
	deadline := s.clock.Now().Add(s.config.Timeout)
	for s.clock.Now().Before(deadline) {
		n, err := s.port.Read(chunk)
		if err != nil {
			return disconnected(err)
		}
		if n == 0 {
			return nil
		}
		s.trace("drain", chunk[:n])
	}
	return nil
}

func (s *Serial) trace(direction string, data []byte) {
	if !s.config.TraceBytes {
		return
	}
	s.log.WithField("bytes", fmt.Sprintf("%q", data)).Trace(direction)
}

func disconnected(err error) error {
	return fmt.Errorf("%w: %v", errors.ErrTransportDisconnected, err)
}
