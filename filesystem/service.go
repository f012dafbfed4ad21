package filesystem

import (
	"context"
	"errors"
	"fmt"
	"github.com/telebroad/remotefs/remote"
	"github.com/telebroad/remotefs/users"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
)

const Greeting = "220 remotefs local ready"

var errClosed = errors.New("connection closed")

var _ remote.Service = &Service{}

// Service serves a local directory, it is the "local" protocol.
// Credentials are checked against Users, the host is ignored.
type Service struct {
	Root   string
	Users  users.Users
	logger *slog.Logger
}

func NewService(root string, u users.Users) *Service {
	return &Service{Root: root, Users: u}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the logger for the service.
func (s *Service) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger.With("module", "local-fs")
}

func (s *Service) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Conn, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	if s.Users != nil {
		if _, err := s.Users.Find(creds.Username, creds.Password, ""); err != nil {
			s.Logger().Debug("login rejected", "user", creds.Username, "error", err)
			return nil, "", fmt.Errorf("%w: %w", remote.ErrAuthentication, err)
		}
	}
	lfs := NewLocalFS(s.Root)
	if err := lfs.CheckDir("/"); err != nil {
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	return &Conn{fs: lfs, cwd: "/", mode: remote.ModeBinary}, Greeting, nil
}

var _ remote.Conn = &Conn{}

// Conn is a session on a LocalFS with its own working directory
type Conn struct {
	fs     FS
	cwd    string
	mode   remote.TransferMode
	closed bool
}

// abs resolves name against the working directory
func (c *Conn) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(c.cwd, name)
}

func (c *Conn) Close() error {
	if c.closed {
		return errClosed
	}
	c.closed = true
	return nil
}

func (c *Conn) ProbeAlive() error {
	if c.closed {
		return errClosed
	}
	return c.fs.CheckDir(c.fs.RootDir())
}

func (c *Conn) ChangeDir(dir string) error {
	target := c.abs(dir)
	if err := c.fs.CheckDir(target); err != nil {
		return err
	}
	c.cwd = target
	return nil
}

func (c *Conn) CurrentDir() (string, error) {
	return c.cwd, nil
}

func (c *Conn) ListNames() ([]string, error) {
	infos, err := c.fs.Dir(c.cwd)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (c *Conn) ListDetailed() ([]string, error) {
	infos, err := c.fs.Dir(c.cwd)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(infos))
	for _, info := range infos {
		lines = append(lines, Line(info))
	}
	return lines, nil
}

func (c *Conn) ListMachine() ([]remote.Entry, error) {
	infos, err := c.fs.Dir(c.cwd)
	if err != nil {
		return nil, err
	}
	entries := make([]remote.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, remote.Entry{Name: info.Name(), Attributes: Facts(info)})
	}
	return entries, nil
}

func (c *Conn) ReadFile(name string, w io.Writer) (int64, error) {
	return c.fs.ReadFile(c.abs(name), w)
}

func (c *Conn) WriteFile(name string, r io.Reader) error {
	return c.fs.WriteFile(c.abs(name), r, string(c.mode), false)
}

func (c *Conn) WriteUnique(suggested string, r io.Reader) (string, error) {
	target := c.abs(suggested)
	name := target
	for i := 1; ; i++ {
		if _, err := c.fs.Stat(name); errors.Is(err, fs.ErrNotExist) {
			break
		} else if err != nil {
			return "", err
		}
		if i > 1000 {
			return "", fmt.Errorf("no free name for '%s': %w", suggested, fs.ErrExist)
		}
		name = fmt.Sprintf("%s.%d", target, i)
	}
	if err := c.fs.WriteFile(name, r, string(c.mode), false); err != nil {
		return "", err
	}
	if !path.IsAbs(suggested) {
		prefix := strings.TrimSuffix(c.cwd, "/") + "/"
		if strings.HasPrefix(name, prefix) {
			name = name[len(prefix):]
		}
	}
	return fmt.Sprintf("150 FILE: %s", name), nil
}

func (c *Conn) DeleteFile(name string) error {
	name = c.abs(name)
	info, err := c.fs.Stat(name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("error removing file: %s is a directory", name)
	}
	return c.fs.Remove(name)
}

func (c *Conn) MakeDir(dir string) error {
	return c.fs.MakeDir(c.abs(dir))
}

func (c *Conn) RemoveDir(dir string) error {
	dir = c.abs(dir)
	if err := c.fs.CheckDir(dir); err != nil {
		return err
	}
	return c.fs.Remove(dir)
}

func (c *Conn) Rename(from, to string) error {
	return c.fs.Rename(c.abs(from), c.abs(to))
}

func (c *Conn) Size(name string) (int64, error) {
	info, err := c.fs.Stat(c.abs(name))
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is not a plain file", name)
	}
	return info.Size(), nil
}

func (c *Conn) TransferMode() remote.TransferMode {
	return c.mode
}

func (c *Conn) SetTransferMode(mode remote.TransferMode) error {
	switch mode {
	case remote.ModeASCII, remote.ModeBinary:
		c.mode = mode
		return nil
	}
	return fmt.Errorf("unsupported transfer type: %s", mode)
}

// RawCommand answers the commands that make sense without a wire protocol
func (c *Conn) RawCommand(text string) (string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "500 Syntax error, command unrecognized.", nil
	}
	switch strings.ToUpper(fields[0]) {
	case "NOOP":
		return "200 NOOP ok.", nil
	case "PWD", "XPWD":
		return fmt.Sprintf("257 \"%s\" is current directory", c.cwd), nil
	case "SYST":
		return "215 UNIX Type: L8", nil
	case "TYPE":
		if len(fields) < 2 {
			return "501 Syntax error in parameters or arguments.", nil
		}
		mode := remote.TransferMode(strings.ToUpper(fields[1]))
		if err := c.SetTransferMode(mode); err != nil {
			return "504 Command not implemented for that parameter.", nil
		}
		return fmt.Sprintf("200 Type set to %s", mode), nil
	}
	return "502 Command not implemented.", nil
}

// Abort has nothing to abort, transfers are synchronous
func (c *Conn) Abort() error {
	return nil
}
