package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	goftp "github.com/gonzalop/ftp"
	"github.com/telebroad/remotefs/remote"
	"github.com/telebroad/remotefs/tools"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is used when the credentials carry no port
const DefaultPort = 21

// maxUnique bounds the names tried by WriteUnique
const maxUnique = 1000

var _ remote.Service = &Service{}

// Service dials FTP servers
type Service struct {
	// Timeout is the per command timeout, 30 seconds when zero
	Timeout time.Duration
	// TLSConfig enables explicit TLS (AUTH TLS) when set
	TLSConfig *tls.Config
	// ImplicitTLS uses TLSConfig for implicit TLS instead
	ImplicitTLS bool
	logger      *slog.Logger
}

func NewService() *Service {
	return &Service{Timeout: 30 * time.Second}
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
	return s.logger.With("module", "ftp-client")
}

func (s *Service) options() []goftp.Option {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []goftp.Option{goftp.WithTimeout(timeout), goftp.WithLogger(s.Logger())}
	if s.TLSConfig != nil {
		if s.ImplicitTLS {
			opts = append(opts, goftp.WithImplicitTLS(s.TLSConfig))
		} else {
			opts = append(opts, goftp.WithExplicitTLS(s.TLSConfig))
		}
	}
	return opts
}

// Authenticate dials and logs in, then selects binary mode.
// The client library does not expose the greeting line, so the greeting is empty.
func (s *Service) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Conn, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	port := creds.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(port))

	c, err := goftp.Dial(addr, s.options()...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", remote.ErrConnection, addr, err)
	}
	if err := c.Login(creds.Username, creds.Password); err != nil {
		_ = c.Quit()
		return nil, "", fmt.Errorf("%w: %w", remote.ErrAuthentication, err)
	}

	conn := &Conn{client: c, mode: remote.ModeASCII, logger: s.Logger().With("host", addr)}
	if err := conn.SetTransferMode(remote.ModeBinary); err != nil {
		_ = c.Quit()
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	conn.logger.Debug("logged in", "user", creds.Username)
	return conn, "", nil
}

var _ remote.Conn = &Conn{}

// Conn is one FTP control connection
type Conn struct {
	client *goftp.Client
	mode   remote.TransferMode
	logger *slog.Logger
}

func (c *Conn) Close() error {
	return c.client.Quit()
}

func (c *Conn) ProbeAlive() error {
	return c.client.Noop()
}

func (c *Conn) ChangeDir(dir string) error {
	return c.client.ChangeDir(dir)
}

func (c *Conn) CurrentDir() (string, error) {
	return c.client.CurrentDir()
}

func (c *Conn) ListNames() ([]string, error) {
	return c.client.NameList(".")
}

// ListDetailed renders the parsed LIST entries back into lines, the client does not keep the raw ones
func (c *Conn) ListDetailed() ([]string, error) {
	entries, err := c.client.List(".")
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		mode := "-rw-r--r--"
		if e.Type == "dir" {
			mode = "drwxr-xr-x"
		}
		lines = append(lines, fmt.Sprintf("%s 1 ftp ftp %12d %s", mode, e.Size, e.Name))
	}
	return lines, nil
}

func (c *Conn) ListMachine() ([]remote.Entry, error) {
	entries, err := c.client.MLList(".")
	if err != nil {
		return nil, err
	}
	out := make([]remote.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, remote.Entry{
			Name: e.Name,
			Attributes: map[string]string{
				"type": e.Type,
				"size": strconv.FormatInt(e.Size, 10),
			},
		})
	}
	return out, nil
}

func (c *Conn) ReadFile(name string, w io.Writer) (int64, error) {
	cw := tools.NewLogWriter(w, name, nil)
	if err := c.client.Retrieve(name, cw); err != nil {
		return cw.Count(), c.notFound(name, err)
	}
	return cw.Count(), nil
}

func (c *Conn) WriteFile(name string, r io.Reader) error {
	return c.client.Store(name, r)
}

// WriteUnique emulates STOU: it picks a name free in the target directory, stores to it
// and acknowledges the way RFC 1123 servers do, "150 FILE: <name>"
func (c *Conn) WriteUnique(suggested string, r io.Reader) (string, error) {
	dir, base := path.Split(suggested)
	if dir == "" {
		dir = "."
	}
	names, err := c.client.NameList(dir)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[path.Base(n)] = true
	}

	name := base
	for i := 1; taken[name]; i++ {
		if i > maxUnique {
			return "", fmt.Errorf("no free name for '%s': %w", suggested, fs.ErrExist)
		}
		name = fmt.Sprintf("%s.%d", base, i)
	}
	target := name
	if dir != "." {
		target = path.Join(dir, name)
	}
	if err := c.client.Store(target, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d FILE: %s", StatusFileStatusOK, target), nil
}

func (c *Conn) DeleteFile(name string) error {
	return c.notFound(name, c.client.Delete(name))
}

func (c *Conn) MakeDir(dir string) error {
	err := c.client.MakeDir(dir)
	if err == nil {
		return nil
	}
	switch ReplyCode(err) {
	case StatusDirectoryAlreadyExists:
		return fmt.Errorf("%w: %w", fs.ErrExist, err)
	case StatusFileUnavailable:
		if c.exists(dir) {
			return fmt.Errorf("%w: %w", fs.ErrExist, err)
		}
	}
	return err
}

func (c *Conn) RemoveDir(dir string) error {
	return c.notFound(dir, c.client.RemoveDir(dir))
}

func (c *Conn) Rename(from, to string) error {
	return c.notFound(from, c.client.Rename(from, to))
}

func (c *Conn) Size(name string) (int64, error) {
	n, err := c.client.Size(name)
	if err != nil {
		return 0, c.notFound(name, err)
	}
	return n, nil
}

func (c *Conn) TransferMode() remote.TransferMode {
	return c.mode
}

func (c *Conn) SetTransferMode(mode remote.TransferMode) error {
	resp, err := c.client.Quote(TYPE, string(mode))
	if err != nil {
		return err
	}
	if resp == nil || !positive(resp.Code) {
		code := 0
		if resp != nil {
			code = resp.Code
		}
		return fmt.Errorf("TYPE %s rejected: %d %s", mode, code, StatusText(code))
	}
	c.mode = mode
	return nil
}

// RawCommand sends the command line as is. A negative reply is returned as text, not as an error,
// only transport failures are errors.
func (c *Conn) RawCommand(text string) (string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", errors.New("empty command")
	}
	cmd := strings.ToUpper(fields[0])
	resp, err := c.client.Quote(cmd, fields[1:]...)
	if resp == nil {
		var pe *goftp.ProtocolError
		if errors.As(err, &pe) {
			return replyText(pe.Code, fmt.Sprint(pe.Response)), nil
		}
		if err == nil {
			err = errors.New("no reply")
		}
		return "", err
	}
	if cmd == TYPE && len(fields) > 1 && positive(resp.Code) {
		c.mode = remote.TransferMode(strings.ToUpper(fields[1]))
	}
	return replyText(resp.Code, resp.Message), nil
}

func (c *Conn) Abort() error {
	resp, err := c.client.Quote(ABOR)
	if resp == nil && err != nil {
		return err
	}
	return nil
}

// exists reports whether name shows up in the listing of its parent
func (c *Conn) exists(name string) bool {
	dir, base := path.Split(strings.TrimSuffix(name, "/"))
	if dir == "" {
		dir = "."
	}
	names, err := c.client.NameList(dir)
	if err != nil {
		return false
	}
	for _, n := range names {
		if path.Base(n) == base {
			return true
		}
	}
	return false
}

// notFound marks a 550 reply about a path that is not there as fs.ErrNotExist
func (c *Conn) notFound(name string, err error) error {
	if err == nil {
		return nil
	}
	if ReplyCode(err) == StatusFileUnavailable && !c.exists(name) {
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	return err
}
