package client

//go:generate mockery -name Client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/mcusync/pkg/errors"
	"github.com/sidkik/mcusync/pkg/sync"
	"github.com/sidkik/mcusync/pkg/transport"
)

// DefaultChunkSize is the number of file bytes moved per exchange. Each byte
// takes two characters in hex, so a chunk request stays around half a
// kilobyte.
const DefaultChunkSize = 256

// MinimumFirmware is the oldest MicroPython release that the helpers are
// known to work on.
var MinimumFirmware = version.Must(version.NewVersion("1.12.0"))

var errnoPattern = regexp.MustCompile(`OSError: (?:\[Errno )?(\d+)`)

// Client is the filesystem of a MicroPython board.
type Client interface {
	sync.Remote

	// FreeSpace returns the number of bytes available on the filesystem
	// containing `path`.
	FreeSpace(ctx context.Context, path string) (int64, error)

	// FirmwareVersion returns the MicroPython version running on the board.
	FirmwareVersion(ctx context.Context) (*version.Version, error)

	Close() error
}

// Options configure a Client.
type Options struct {
	// SoftReset restarts the board's interpreter before the helpers are
	// defined.
	SoftReset bool

	// RebootOnExit soft reboots the board when the Client is closed, so
	// that it runs the synced code.
	RebootOnExit bool

	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
}

type client struct {
	transport transport.Transport

	// serial is used to leave the raw REPL on Close. It's nil if the
	// client wasn't created by Connect.
	serial *transport.Serial

	opts Options
	log  logrus.FieldLogger
}

// Connect puts the board into raw REPL mode and defines the helper
// functions used by the Client.
func Connect(ctx context.Context, serial *transport.Serial, opts Options,
	log logrus.FieldLogger) (Client, error) {

	if err := transport.EnterRawREPL(ctx, serial, opts.SoftReset); err != nil {
		return nil, errors.WithContext(err, "enter raw REPL")
	}

	c := newClient(serial, opts, log)
	c.serial = serial
	if err := c.defineHelpers(ctx); err != nil {
		return nil, err
	}

	fwVersion, err := c.FirmwareVersion(ctx)
	switch {
	case err != nil:
		log.WithError(err).Warn("Failed to get firmware version")
	case fwVersion.LessThan(MinimumFirmware):
		log.WithField("version", fwVersion).WithField("minimum", MinimumFirmware).
			Warn("Board is running an old MicroPython release. Syncing may not work.")
	default:
		log.WithField("version", fwVersion).Debug("Connected to board")
	}
	return c, nil
}

func newClient(t transport.Transport, opts Options, log logrus.FieldLogger) *client {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &client{transport: t, opts: opts, log: log}
}

func (c *client) defineHelpers(ctx context.Context) error {
	for _, helper := range helpers {
		if _, err := c.exec(ctx, "define helpers", "", helper); err != nil {
			return errors.WithContext(err, "define helpers")
		}
	}
	return nil
}

func (c *client) List(ctx context.Context, dir string) (*sync.EntryIterator, error) {
	dir = sync.Clean(dir)
	stdout, err := c.exec(ctx, "list", dir, call("_ls", dir))
	if err != nil {
		return nil, err
	}

	// The board's answer is complete, but the entries are only parsed as
	// they're consumed.
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	return sync.NewEntryIterator(func() (sync.RemoteEntry, bool, error) {
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" {
				continue
			}

			entry, err := parseListing(dir, line)
			if err != nil {
				return sync.RemoteEntry{}, false, err
			}
			return entry, true, nil
		}
		return sync.RemoteEntry{}, false, scanner.Err()
	}), nil
}

func parseListing(dir, line string) (sync.RemoteEntry, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return sync.RemoteEntry{}, badResponse("list", dir, line)
	}

	entry, err := parseStat(dir, fields[0], fields[1])
	if err != nil {
		return sync.RemoteEntry{}, err
	}
	entry.Path = path.Join(dir, fields[2])
	return entry, nil
}

func parseStat(p, kind, size string) (sync.RemoteEntry, error) {
	entry := sync.RemoteEntry{Path: p}
	switch kind {
	case "d":
		entry.Kind = sync.Directory
	case "f":
		entry.Kind = sync.File
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return sync.RemoteEntry{}, badResponse("stat", p, size)
		}
		entry.Size = n
	default:
		return sync.RemoteEntry{}, badResponse("stat", p, kind)
	}
	return entry, nil
}

func (c *client) Stat(ctx context.Context, p string) (sync.RemoteEntry, error) {
	p = sync.Clean(p)
	stdout, err := c.exec(ctx, "stat", p, call("_st", p))
	if err != nil {
		return sync.RemoteEntry{}, err
	}

	fields := strings.Fields(string(stdout))
	if len(fields) != 2 {
		return sync.RemoteEntry{}, badResponse("stat", p, string(stdout))
	}
	return parseStat(p, fields[0], fields[1])
}

func (c *client) ReadFile(ctx context.Context, p string) ([]byte, error) {
	p = sync.Clean(p)
	entry, err := c.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if entry.Kind != sync.File {
		return nil, errors.RemoteError{Kind: errors.RemoteReadError, Op: "read", Path: p,
			Detail: "is a directory"}
	}

	contents := make([]byte, 0, entry.Size)
	for int64(len(contents)) < entry.Size {
		stdout, err := c.exec(ctx, "read", p, call("_rd", p, len(contents), c.opts.ChunkSize))
		if err != nil {
			return nil, err
		}

		chunk, err := hex.DecodeString(strings.TrimSpace(string(stdout)))
		if err != nil {
			return nil, errors.RemoteError{Kind: errors.RemoteReadError, Op: "read", Path: p,
				Detail: "malformed chunk"}
		}

		// The file shrank after it was stat'd.
		if len(chunk) == 0 {
			return nil, errors.RemoteError{Kind: errors.RemoteReadError, Op: "read", Path: p,
				Detail: fmt.Sprintf("expected %d bytes, got %d", entry.Size, len(contents))}
		}
		contents = append(contents, chunk...)
	}
	return contents, nil
}

// WriteFile writes `data` to a temporary file next to `p`, and then renames
// it over `p`. If any step fails, `p` keeps its previous contents.
func (c *client) WriteFile(ctx context.Context, p string, data []byte) error {
	p = sync.Clean(p)
	free, err := c.FreeSpace(ctx, sync.Parent(p))
	if err != nil {
		return err
	}
	if free < int64(len(data)) {
		return errors.RemoteError{Kind: errors.RemoteOutOfSpace, Op: "write", Path: p,
			Detail: fmt.Sprintf("%d bytes free, need %d", free, len(data))}
	}

	tmp := sync.TempName(p)
	if err := c.writeTemp(ctx, p, tmp, data); err != nil {
		c.abortWrite(ctx, tmp, err)
		return err
	}
	return nil
}

func (c *client) writeTemp(ctx context.Context, p, tmp string, data []byte) error {
	if _, err := c.exec(ctx, "write", p, call("_wo", tmp)); err != nil {
		return err
	}

	for start := 0; start < len(data); start += c.opts.ChunkSize {
		end := start + c.opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}

		req := call("_wc", hex.EncodeToString(data[start:end]))
		if _, err := c.exec(ctx, "write", p, req); err != nil {
			return err
		}
	}

	_, err := c.exec(ctx, "write", p, call("_wx", tmp, p, len(data)))
	return err
}

// abortWrite closes the temporary file and tries to remove it. Anything left
// behind is removed by the next resync.
func (c *client) abortWrite(ctx context.Context, tmp string, cause error) {
	if errors.Is(cause, errors.ErrTransportDisconnected) || ctx.Err() != nil {
		return
	}

	log := c.log.WithField("path", tmp)
	if _, err := c.exec(ctx, "write", tmp, call("_wa")); err != nil {
		log.WithError(err).Debug("Failed to close temporary file")
	}
	if _, err := c.exec(ctx, "delete", tmp, call("_rm", tmp)); err != nil {
		log.WithError(err).Debug("Failed to remove temporary file")
	}
}

func (c *client) Delete(ctx context.Context, p string) error {
	p = sync.Clean(p)
	_, err := c.exec(ctx, "delete", p, call("_rm", p))
	return err
}

func (c *client) MakeDir(ctx context.Context, p string) error {
	p = sync.Clean(p)
	_, err := c.exec(ctx, "mkdir", p, call("_mk", p))
	return err
}

func (c *client) RemoveDir(ctx context.Context, p string, recursive bool) error {
	p = sync.Clean(p)
	r := 0
	if recursive {
		r = 1
	}

	_, err := c.exec(ctx, "rmdir", p, call("_rmd", p, r))
	if errors.IsRemote(err, errors.RemotePathNotFound) {
		return nil
	}
	return err
}

func (c *client) FreeSpace(ctx context.Context, p string) (int64, error) {
	p = sync.Clean(p)
	stdout, err := c.exec(ctx, "statvfs", p, call("_df", p))
	if err != nil {
		return 0, err
	}

	free, err := strconv.ParseInt(strings.TrimSpace(string(stdout)), 10, 64)
	if err != nil {
		return 0, badResponse("statvfs", p, string(stdout))
	}
	return free, nil
}

func (c *client) FirmwareVersion(ctx context.Context) (*version.Version, error) {
	stdout, err := c.exec(ctx, "version", "", call("_ver"))
	if err != nil {
		return nil, err
	}

	v, err := version.NewVersion(strings.TrimSpace(string(stdout)))
	if err != nil {
		return nil, errors.WithContext(err, "parse firmware version")
	}
	return v, nil
}

// Close leaves the raw REPL and closes the serial port.
func (c *client) Close() error {
	if c.serial == nil {
		return nil
	}

	if err := transport.ExitRawREPL(c.serial, c.opts.RebootOnExit); err != nil {
		c.log.WithError(err).Warn("Failed to leave raw REPL")
	}
	return c.serial.Close()
}

// exec runs `req` on the board and returns its stdout. Output on stderr is
// converted into a RemoteError.
func (c *client) exec(ctx context.Context, op, p, req string) ([]byte, error) {
	resp, err := c.transport.Exchange(ctx, []byte(req))
	if err != nil {
		return nil, err
	}

	stdout, stderr := transport.SplitOutput(resp)
	if len(bytes.TrimSpace(stderr)) > 0 {
		return nil, parseRemoteError(op, p, string(stderr))
	}
	return stdout, nil
}

// parseRemoteError converts a traceback into a RemoteError.
func parseRemoteError(op, p, stderr string) error {
	err := errors.RemoteError{Op: op, Path: p, Detail: lastLine(stderr)}
	if match := errnoPattern.FindStringSubmatch(stderr); match != nil {
		err.Errno, _ = strconv.Atoi(match[1])
	}

	switch {
	case err.Errno == 2:
		err.Kind = errors.RemotePathNotFound
	case err.Errno == 28:
		err.Kind = errors.RemoteOutOfSpace
	case err.Errno == 39:
		err.Kind = errors.RemoteDirNotEmpty
	case op == "read":
		err.Kind = errors.RemoteReadError
	case op == "write" || op == "mkdir":
		err.Kind = errors.RemoteWriteError
	default:
		err.Kind = errors.RemoteFailure
	}
	return err
}

func badResponse(op, p, got string) error {
	return errors.RemoteError{Kind: errors.RemoteFailure, Op: op, Path: p,
		Detail: fmt.Sprintf("unexpected response %q", got)}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// call formats a call to a helper. Go's quoted strings are valid Python
// string literals.
func call(fn string, args ...interface{}) string {
	formatted := make([]string, len(args))
	for i, arg := range args {
		switch arg := arg.(type) {
		case string:
			formatted[i] = strconv.Quote(arg)
		default:
			formatted[i] = fmt.Sprint(arg)
		}
	}
	return fmt.Sprintf("%s(%s)", fn, strings.Join(formatted, ", "))
}
