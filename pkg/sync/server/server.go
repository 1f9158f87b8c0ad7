// Package server emulates the board side of mcusync: a MicroPython raw REPL
// that runs the helpers defined by the sync client against an afero
// filesystem. It's used by tests and by `mcusync sync --emulate`.
package server

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	goSync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mcusync/pkg/errors"
)

// Errno values raised by the emulated helpers.
const (
	ENOENT    = 2
	EIO       = 5
	EEXIST    = 17
	ENOTDIR   = 20
	EISDIR    = 21
	ENOSPC    = 28
	ENOTEMPTY = 39
)

var errnoNames = map[int]string{
	ENOENT:    "ENOENT",
	EIO:       "EIO",
	EEXIST:    "EEXIST",
	ENOTDIR:   "ENOTDIR",
	EISDIR:    "EISDIR",
	ENOSPC:    "ENOSPC",
	ENOTEMPTY: "ENOTEMPTY",
}

const (
	rawPrompt      = "raw REPL; CTRL-B to exit\r\n>"
	friendlyPrompt = ">>> "
)

var (
	callPattern = regexp.MustCompile(`(?s)^(_\w+)\((.*)\)$`)
	defPattern  = regexp.MustCompile(`(?m)^def (_\w+)\(`)
)

// DefaultCapacity is the size of the emulated filesystem.
const DefaultCapacity = 1 << 20

// Board is an emulated MicroPython board. It implements transport.Port.
type Board struct {
	fs   afero.Fs
	root string
	log  logrus.FieldLogger

	// Version is reported as sys.implementation.version.
	Version string

	lock        goSync.Mutex
	capacity    int64
	out         bytes.Buffer
	in          []byte
	raw         bool
	defined     map[string]bool
	writing     afero.File
	hangs       map[string]int
	lostReplies map[string]int
	requests    []string
	readTimeout time.Duration
	closed      bool
}

// New returns a Board whose filesystem is the directory `root` in `fs`.
func New(fs afero.Fs, root string, log logrus.FieldLogger) (*Board, error) {
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, errors.WithContext(err, "create board root")
	}

	return &Board{
		fs:          fs,
		root:        filepath.Clean(root),
		log:         log,
		Version:     "1.22.0",
		capacity:    DefaultCapacity,
		defined:     map[string]bool{},
		hangs:       map[string]int{},
		lostReplies: map[string]int{},
		readTimeout: 10 * time.Millisecond,
	}, nil
}

// SetCapacity sets the size of the filesystem in bytes.
func (b *Board) SetCapacity(capacity int64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.capacity = capacity
}

// HangNext makes the next `n` calls to `helper` hang without running or
// answering, until they're interrupted.
func (b *Board) HangNext(helper string, n int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.hangs[helper] += n
}

// LoseReplyNext makes the next `n` calls to `helper` run but never answer,
// as if the reply was lost on the wire.
func (b *Board) LoseReplyNext(helper string, n int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.lostReplies[helper] += n
}

// Disconnect simulates the board being unplugged.
func (b *Board) Disconnect() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
}

// Requests returns the source of every request the board received.
func (b *Board) Requests() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]string{}, b.requests...)
}

// Write feeds bytes into the board's REPL.
func (b *Board) Write(data []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}

	for _, c := range data {
		b.handleByte(c)
	}
	return len(data), nil
}

// Read returns the board's output. Like a serial port, it returns no bytes
// if nothing arrives before the read timeout.
func (b *Board) Read(p []byte) (int, error) {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return 0, io.EOF
	}
	if b.out.Len() > 0 {
		defer b.lock.Unlock()
		return b.out.Read(p)
	}
	timeout := b.readTimeout
	b.lock.Unlock()

	time.Sleep(timeout)
	return 0, nil
}

// SetReadTimeout sets how long Read waits for output.
func (b *Board) SetReadTimeout(t time.Duration) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.readTimeout = t
	return nil
}

// Close releases the board's open file, if any. The board can still be
// reopened by writing to it.
func (b *Board) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closeWriting()
	return nil
}

func (b *Board) handleByte(c byte) {
	switch c {
	case 0x01:
		b.raw = true
		b.in = nil
		b.out.WriteString("\r\n" + rawPrompt)
	case 0x02:
		if b.raw {
			b.raw = false
			b.out.WriteString(fmt.Sprintf("\r\nMicroPython v%s on emulated board\r\n%s",
				b.Version, friendlyPrompt))
		}
	case 0x03:
		b.in = nil
		if !b.raw {
			b.out.WriteString("\r\n" + friendlyPrompt)
		}
	case 0x04:
		if !b.raw {
			b.softReboot()
			b.out.WriteString("MPY: soft reboot\r\n" + friendlyPrompt)
		} else if len(b.in) == 0 {
			b.softReboot()
			b.out.WriteString("OK\r\nMPY: soft reboot\r\n" + rawPrompt)
		} else {
			src := string(b.in)
			b.in = nil
			b.run(src)
		}
	default:
		if b.raw {
			b.in = append(b.in, c)
		}
	}
}

func (b *Board) softReboot() {
	b.closeWriting()
	b.defined = map[string]bool{}
}

func (b *Board) run(src string) {
	b.requests = append(b.requests, src)

	if match := callPattern.FindStringSubmatch(strings.TrimSpace(src)); match != nil {
		if b.hangs[match[1]] > 0 {
			b.hangs[match[1]]--
			b.log.WithField("helper", match[1]).Debug("Emulated board hanging")
			return
		}
		if b.lostReplies[match[1]] > 0 {
			b.lostReplies[match[1]]--
			b.log.WithField("helper", match[1]).Debug("Emulated board dropping reply")
			b.exec(src)
			return
		}
	}

	stdout, stderr := b.exec(src)
	b.out.WriteString("OK" + stdout + "\x04" + stderr + "\x04>")
}

// exec runs a request and returns its stdout and stderr.
func (b *Board) exec(src string) (string, string) {
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "import ") || strings.HasPrefix(src, "def ") {
		for _, match := range defPattern.FindAllStringSubmatch(src, -1) {
			b.defined[match[1]] = true
		}
		return "", ""
	}

	match := callPattern.FindStringSubmatch(src)
	if match == nil {
		return "", traceback("SyntaxError: invalid syntax")
	}

	name := match[1]
	if !b.defined[name] {
		return "", traceback(fmt.Sprintf("NameError: name '%s' isn't defined", name))
	}

	args, err := parseArgs(match[2])
	if err != nil {
		return "", traceback("SyntaxError: " + err.Error())
	}

	stdout, err := b.call(name, args)
	if err != nil {
		return "", traceback(err.Error())
	}
	return stdout, ""
}

// oserror is an OSError raised on the board.
type oserror int

func (err oserror) Error() string {
	if name, ok := errnoNames[int(err)]; ok {
		return fmt.Sprintf("OSError: [Errno %d] %s", int(err), name)
	}
	return fmt.Sprintf("OSError: %d", int(err))
}

// pyError is any other Python exception.
type pyError string

func (err pyError) Error() string {
	return string(err)
}

func traceback(last string) string {
	return "Traceback (most recent call last):\r\n" +
		"  File \"<stdin>\", line 1, in <module>\r\n" +
		last + "\r\n"
}

func (b *Board) call(name string, args []interface{}) (string, error) {
	b.log.WithField("helper", name).WithField("args", args).Trace("Emulated call")

	switch name {
	case "_st":
		return b.stat(stringArg(args, 0))
	case "_ls":
		return b.list(stringArg(args, 0))
	case "_rd":
		return b.read(stringArg(args, 0), intArg(args, 1), intArg(args, 2))
	case "_wo":
		return "", b.openWrite(stringArg(args, 0))
	case "_wc":
		return "", b.writeChunk(stringArg(args, 0))
	case "_wx":
		return "", b.finishWrite(stringArg(args, 0), stringArg(args, 1), intArg(args, 2))
	case "_wa":
		b.closeWriting()
		return "", nil
	case "_rm":
		return "", b.remove(stringArg(args, 0))
	case "_mk":
		return "", b.mkdir(stringArg(args, 0))
	case "_rmd":
		return "", b.rmdir(stringArg(args, 0), intArg(args, 1) != 0)
	case "_df":
		return b.free()
	case "_ver":
		return b.Version + "\r\n", nil
	}
	return "", pyError(fmt.Sprintf("NameError: name '%s' isn't defined", name))
}

func (b *Board) local(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (b *Board) stat(p string) (string, error) {
	info, err := b.fs.Stat(b.local(p))
	if err != nil {
		return "", toOSError(err)
	}
	return statLine(info) + "\r\n", nil
}

func (b *Board) list(dir string) (string, error) {
	info, err := b.fs.Stat(b.local(dir))
	if err != nil {
		return "", toOSError(err)
	}
	if !info.IsDir() {
		return "", oserror(ENOTDIR)
	}

	infos, err := afero.ReadDir(b.fs, b.local(dir))
	if err != nil {
		return "", toOSError(err)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name() < infos[j].Name()
	})

	var out strings.Builder
	for _, info := range infos {
		out.WriteString(statLine(info) + " " + info.Name() + "\r\n")
	}
	return out.String(), nil
}

func statLine(info os.FileInfo) string {
	if info.IsDir() {
		return "d 0"
	}
	return fmt.Sprintf("f %d", info.Size())
}

func (b *Board) read(p string, offset, n int64) (string, error) {
	f, err := b.fs.Open(b.local(p))
	if err != nil {
		return "", toOSError(err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return "", oserror(EISDIR)
	}

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return "", oserror(EIO)
	}
	return hex.EncodeToString(buf[:read]) + "\r\n", nil
}

func (b *Board) openWrite(p string) error {
	b.closeWriting()
	f, err := b.fs.OpenFile(b.local(p), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return toOSError(err)
	}
	b.writing = f
	return nil
}

func (b *Board) writeChunk(h string) error {
	if b.writing == nil {
		return pyError("AttributeError: 'NoneType' object has no attribute 'write'")
	}

	data, err := hex.DecodeString(h)
	if err != nil {
		return pyError("ValueError: invalid hex")
	}

	used, err := b.used()
	if err != nil {
		return err
	}
	if used+int64(len(data)) > b.capacity {
		return oserror(ENOSPC)
	}

	if _, err := b.writing.Write(data); err != nil {
		return oserror(EIO)
	}
	return nil
}

func (b *Board) finishWrite(tmp, dst string, size int64) error {
	if b.writing == nil {
		return b.checkFinished(tmp, dst, size)
	}
	b.closeWriting()

	info, err := b.fs.Stat(b.local(tmp))
	if err != nil {
		return toOSError(err)
	}
	if info.Size() != size {
		b.fs.Remove(b.local(tmp))
		return oserror(EIO)
	}

	// Like FAT, the emulated filesystem can't rename over an existing file.
	if err := b.remove(dst); err != nil {
		return err
	}
	if err := b.fs.Rename(b.local(tmp), b.local(dst)); err != nil {
		return toOSError(err)
	}
	return nil
}

// checkFinished handles a repeated finishWrite whose first attempt already
// moved the temporary file into place.
func (b *Board) checkFinished(tmp, dst string, size int64) error {
	if _, err := b.fs.Stat(b.local(tmp)); err == nil {
		return oserror(EIO)
	}
	info, err := b.fs.Stat(b.local(dst))
	if err != nil || info.Size() != size {
		return oserror(EIO)
	}
	return nil
}

func (b *Board) closeWriting() {
	if b.writing != nil {
		b.writing.Close()
		b.writing = nil
	}
}

func (b *Board) remove(p string) error {
	info, err := b.fs.Stat(b.local(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return toOSError(err)
	}
	if info.IsDir() {
		return oserror(EISDIR)
	}
	return toOSError(b.fs.Remove(b.local(p)))
}

func (b *Board) mkdir(p string) error {
	curr := "/"
	for _, elem := range strings.Split(p, "/") {
		if elem == "" {
			continue
		}
		curr = path.Join(curr, elem)

		info, err := b.fs.Stat(b.local(curr))
		switch {
		case err == nil && !info.IsDir():
			return oserror(EEXIST)
		case err == nil:
			continue
		case !os.IsNotExist(err):
			return toOSError(err)
		}

		if err := b.fs.Mkdir(b.local(curr), 0755); err != nil {
			return toOSError(err)
		}
	}
	return nil
}

func (b *Board) rmdir(p string, recursive bool) error {
	info, err := b.fs.Stat(b.local(p))
	if err != nil {
		return toOSError(err)
	}
	if !info.IsDir() {
		return oserror(ENOTDIR)
	}

	children, err := afero.ReadDir(b.fs, b.local(p))
	if err != nil {
		return toOSError(err)
	}
	if len(children) > 0 && !recursive {
		return oserror(ENOTEMPTY)
	}
	return toOSError(b.fs.RemoveAll(b.local(p)))
}

func (b *Board) free() (string, error) {
	used, err := b.used()
	if err != nil {
		return "", err
	}

	free := b.capacity - used
	if free < 0 {
		free = 0
	}
	return fmt.Sprintf("%d\r\n", free), nil
}

func (b *Board) used() (int64, error) {
	var used int64
	err := afero.Walk(b.fs, b.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, toOSError(err)
	}
	return used, nil
}

func toOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return oserror(ENOENT)
	case os.IsExist(err):
		return oserror(EEXIST)
	default:
		return oserror(EIO)
	}
}

// parseArgs parses the arguments of a helper call. The client only passes
// string and integer literals.
func parseArgs(s string) ([]interface{}, error) {
	var args []interface{}
	s = strings.TrimSpace(s)
	for s != "" {
		if s[0] == '"' {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("bad string literal")
			}
			unquoted, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, fmt.Errorf("bad string literal")
			}
			args = append(args, unquoted)
			s = s[len(quoted):]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			n, err := strconv.ParseInt(strings.TrimSpace(s[:end]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad argument %q", s[:end])
			}
			args = append(args, n)
			s = s[end:]
		}

		s = strings.TrimSpace(s)
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("expected ','")
		}
		s = strings.TrimSpace(s[1:])
	}
	return args, nil
}

func stringArg(args []interface{}, i int) string {
	if i < len(args) {
		if s, ok := args[i].(string); ok {
			return s
		}
	}
	return ""
}

func intArg(args []interface{}, i int) int64 {
	if i < len(args) {
		if n, ok := args[i].(int64); ok {
			return n
		}
	}
	return 0
}
