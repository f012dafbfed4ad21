package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/telebroad/remotefs/remote"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrOverlap is returned when two calls are in flight on one Conn at the same time
	ErrOverlap = errors.New("overlapping calls on one connection")
	// ErrDead is returned by every call on a killed Conn
	ErrDead = errors.New("connection closed by remote host")
)

var _ remote.Service = &Service{}

// Service is an in-memory remote.Service
type Service struct {
	FS *MemFS
	// Users maps username to password, nil accepts any credentials
	Users map[string]string
	// Greeting is returned by Authenticate
	Greeting string
	// DialErr makes Authenticate fail at the transport level
	DialErr error
	// Delay is applied to every call of the connections handed out, to widen race windows
	Delay time.Duration

	mu    sync.Mutex
	conns []*Conn
}

// NewService returns a Service over an empty tree
func NewService() *Service {
	return &Service{FS: NewMemFS(), Greeting: "220 remotetest ready"}
}

// Authenticate implements remote.Service
func (s *Service) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Conn, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	if s.DialErr != nil {
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, s.DialErr)
	}
	if s.Users != nil {
		if pass, ok := s.Users[creds.Username]; !ok || pass != creds.Password {
			return nil, "", fmt.Errorf("%w: 530 Login incorrect", remote.ErrAuthentication)
		}
	}
	c := &Conn{
		fs:    s.FS,
		cwd:   "/",
		mode:  remote.ModeASCII,
		Delay: s.Delay,
		fail:  map[string]error{},
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, s.Greeting, nil
}

// Conns returns the connections handed out so far
func (s *Service) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Last returns the last connection handed out
func (s *Service) Last() *Conn {
	conns := s.Conns()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

var _ remote.Conn = &Conn{}

// Conn is an in-memory remote.Conn that detects overlapping calls
type Conn struct {
	fs    *MemFS
	cwd   string
	mode  remote.TransferMode
	Delay time.Duration
	// UniqueAck renders the acknowledgement of WriteUnique, the default is "150 FILE: <name>"
	UniqueAck func(name string) string

	inFlight atomic.Int32
	overlaps atomic.Int32
	dead     atomic.Bool
	closed   atomic.Bool

	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

// Kill makes every later call fail like a connection dropped by the server
func (c *Conn) Kill() { c.dead.Store(true) }

// Closed reports whether Close was called
func (c *Conn) Closed() bool { return c.closed.Load() }

// Overlaps returns the number of calls that found another call in flight
func (c *Conn) Overlaps() int { return int(c.overlaps.Load()) }

// Cwd returns the working directory without issuing a call
func (c *Conn) Cwd() string { return c.cwd }

// Mode returns the transfer mode without issuing a call
func (c *Conn) Mode() remote.TransferMode { return c.mode }

// FailOn makes the named operation fail with err, for the given path or for any path when name is ""
func (c *Conn) FailOn(op, name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[op+" "+name] = err
}

// Calls returns the recorded "op path" lines
func (c *Conn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CountCalls counts the recorded calls for op
func (c *Conn) CountCalls(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call == op || strings.HasPrefix(call, op+" ") {
			n++
		}
	}
	return n
}

func (c *Conn) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(c.cwd, name)
}

// begin marks a call in flight for the caller to end
func (c *Conn) begin(op, name string) (end func(), err error) {
	end = func() { c.inFlight.Add(-1) }
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
		return end, ErrOverlap
	}
	c.mu.Lock()
	if name == "" {
		c.calls = append(c.calls, op)
	} else {
		c.calls = append(c.calls, op+" "+name)
	}
	injected := c.fail[op+" "+name]
	if injected == nil {
		injected = c.fail[op+" "]
	}
	c.mu.Unlock()

	if c.Delay > 0 {
		time.Sleep(c.Delay)
	}
	if c.dead.Load() {
		return end, ErrDead
	}
	return end, injected
}

func (c *Conn) Close() error {
	end, _ := c.begin("close", "")
	defer end()
	c.closed.Store(true)
	if c.dead.Load() {
		return ErrDead
	}
	return nil
}

func (c *Conn) ProbeAlive() error {
	end, err := c.begin("noop", "")
	defer end()
	return err
}

func (c *Conn) ChangeDir(dir string) error {
	end, err := c.begin("cwd", dir)
	defer end()
	if err != nil {
		return err
	}
	target := c.abs(dir)
	if !c.fs.isDir(target) {
		return pathErr("cwd", target, errors.New("550 not a directory"))
	}
	c.cwd = target
	return nil
}

func (c *Conn) CurrentDir() (string, error) {
	end, err := c.begin("pwd", "")
	defer end()
	if err != nil {
		return "", err
	}
	return c.cwd, nil
}

func (c *Conn) ListNames() ([]string, error) {
	end, err := c.begin("nlst", c.cwd)
	defer end()
	if err != nil {
		return nil, err
	}
	names, _, err := c.fs.list(c.cwd)
	return names, err
}

func (c *Conn) ListDetailed() ([]string, error) {
	end, err := c.begin("list", c.cwd)
	defer end()
	if err != nil {
		return nil, err
	}
	names, isDir, err := c.fs.list(c.cwd)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(names))
	for _, n := range names {
		mode := "-rw-r--r--"
		if isDir[n] {
			mode = "drwxr-xr-x"
		}
		lines = append(lines, fmt.Sprintf("%s 1 owner group 0 Jan 01 00:00 %s", mode, n))
	}
	return lines, nil
}

func (c *Conn) ListMachine() ([]remote.Entry, error) {
	end, err := c.begin("mlsd", c.cwd)
	defer end()
	if err != nil {
		return nil, err
	}
	names, isDir, err := c.fs.list(c.cwd)
	if err != nil {
		return nil, err
	}
	entries := make([]remote.Entry, 0, len(names))
	for _, n := range names {
		t := "file"
		switch {
		case n == ".":
			t = "cdir"
		case n == "..":
			t = "pdir"
		case isDir[n]:
			t = "dir"
		}
		entries = append(entries, remote.Entry{Name: n, Attributes: map[string]string{"type": t}})
	}
	return entries, nil
}

func (c *Conn) ReadFile(name string, w io.Writer) (int64, error) {
	end, err := c.begin("retr", name)
	defer end()
	if err != nil {
		return 0, err
	}
	b, err := c.fs.read(c.abs(name))
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (c *Conn) WriteFile(name string, r io.Reader) error {
	end, err := c.begin("stor", name)
	defer end()
	if err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.fs.write(c.abs(name), b, false)
}

func (c *Conn) WriteUnique(suggested string, r io.Reader) (string, error) {
	end, err := c.begin("stou", suggested)
	defer end()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	base := path.Base(c.abs(suggested))
	name := base
	for i := 1; ; i++ {
		err = c.fs.write(c.abs(name), b, true)
		if err == nil {
			break
		}
		if !remote.IsExist(err) {
			return "", err
		}
		name = fmt.Sprintf("%s.%d", base, i)
	}
	if c.UniqueAck != nil {
		return c.UniqueAck(name), nil
	}
	return "150 FILE: " + name, nil
}

func (c *Conn) DeleteFile(name string) error {
	end, err := c.begin("dele", name)
	defer end()
	if err != nil {
		return err
	}
	return c.fs.remove(c.abs(name))
}

func (c *Conn) MakeDir(dir string) error {
	end, err := c.begin("mkd", dir)
	defer end()
	if err != nil {
		return err
	}
	return c.fs.mkdir(c.abs(dir))
}

func (c *Conn) RemoveDir(dir string) error {
	end, err := c.begin("rmd", dir)
	defer end()
	if err != nil {
		return err
	}
	return c.fs.rmdir(c.abs(dir))
}

func (c *Conn) Rename(from, to string) error {
	end, err := c.begin("rnfr", from)
	defer end()
	if err != nil {
		return err
	}
	return c.fs.rename(c.abs(from), c.abs(to))
}

func (c *Conn) Size(name string) (int64, error) {
	end, err := c.begin("size", name)
	defer end()
	if err != nil {
		return 0, err
	}
	if c.mode != remote.ModeBinary {
		return 0, errors.New("550 SIZE not allowed in ASCII mode")
	}
	return c.fs.size(c.abs(name))
}

func (c *Conn) TransferMode() remote.TransferMode {
	return c.mode
}

func (c *Conn) SetTransferMode(mode remote.TransferMode) error {
	end, err := c.begin("type", string(mode))
	defer end()
	if err != nil {
		return err
	}
	if mode != remote.ModeASCII && mode != remote.ModeBinary {
		return fmt.Errorf("504 unsupported type %q", mode)
	}
	c.mode = mode
	return nil
}

func (c *Conn) RawCommand(text string) (string, error) {
	end, err := c.begin("quote", text)
	defer end()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "500 Syntax error, command unrecognized.", nil
	}
	switch strings.ToUpper(fields[0]) {
	case "NOOP":
		return "200 NOOP ok.", nil
	case "SYST":
		return "215 UNIX Type: L8", nil
	case "PWD":
		return fmt.Sprintf("257 \"%s\" is current directory", c.cwd), nil
	}
	return "500 Unknown command.", nil
}

func (c *Conn) Abort() error {
	end, err := c.begin("abor", "")
	defer end()
	return err
}

// Snapshot returns a copy of the file content, used to compare trees
func Snapshot(m *MemFS, root string) map[string]string {
	out := map[string]string{}
	for _, p := range m.Tree(root) {
		if strings.HasSuffix(p, "/") {
			out[p] = ""
			continue
		}
		b, _ := m.Content(path.Join(root, p))
		out[p] = string(bytes.Clone(b))
	}
	return out
}
