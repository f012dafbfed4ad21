// Description: sftp package
// This package contains the SFTP backend of remote.Service, pkg/sftp over golang.org/x/crypto/ssh,
// and a small SFTP server serving a filesystem.FSWithFile

package sftp

import (
	"context"
	"errors"
	"fmt"
	"github.com/pkg/sftp"
	"github.com/telebroad/remotefs/filesystem"
	"github.com/telebroad/remotefs/remote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
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
const DefaultPort = 22

var _ remote.Service = &Service{}

// Service dials SFTP servers
type Service struct {
	// Timeout bounds the dial and the ssh handshake, 30 seconds when zero
	Timeout time.Duration
	// KnownHostsFile enables host key checking when set
	KnownHostsFile string
	// HostKeyCallback takes precedence over KnownHostsFile
	HostKeyCallback ssh.HostKeyCallback
	// Signer adds public key auth, tried before the password
	Signer ssh.Signer
	logger *slog.Logger
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
	return s.logger.With("module", "sftp-client")
}

func (s *Service) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.HostKeyCallback != nil {
		return s.HostKeyCallback, nil
	}
	if s.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("error loading known hosts: %w", err)
		}
		return cb, nil
	}
	s.Logger().Warn("host key checking is disabled, set a known hosts file")
	return ssh.InsecureIgnoreHostKey(), nil
}

// Authenticate dials, runs the ssh handshake and opens the sftp subsystem.
// The greeting is the server version string.
func (s *Service) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Conn, string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	port := creds.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(port))

	hostKeys, err := s.hostKeyCallback()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	config := &ssh.ClientConfig{
		User:            creds.Username,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}
	if s.Signer != nil {
		config.Auth = append(config.Auth, ssh.PublicKeys(s.Signer))
	}
	if creds.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(creds.Password))
	}

	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", remote.ErrConnection, addr, err)
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = nc.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		_ = nc.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, "", fmt.Errorf("%w: %w", remote.ErrAuthentication, err)
		}
		return nil, "", fmt.Errorf("%w: %s: %w", remote.ErrConnection, addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, "", fmt.Errorf("%w: sftp subsystem: %w", remote.ErrConnection, err)
	}
	cwd, err := client.Getwd()
	if err != nil {
		_ = client.Close()
		_ = sshClient.Close()
		return nil, "", fmt.Errorf("%w: %w", remote.ErrConnection, err)
	}
	_ = nc.SetDeadline(time.Time{})

	conn := &Conn{ssh: sshClient, client: client, cwd: cwd, mode: remote.ModeBinary}
	s.Logger().Debug("logged in", "host", addr, "user", creds.Username, "cwd", cwd)
	return conn, string(c.ServerVersion()), nil
}

var _ remote.Conn = &Conn{}

// Conn is an sftp session, the working directory is kept client side
type Conn struct {
	ssh    *ssh.Client
	client *sftp.Client
	cwd    string
	mode   remote.TransferMode
}

func (c *Conn) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(c.cwd, name)
}

func (c *Conn) Close() error {
	err := c.client.Close()
	if cerr := c.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// ProbeAlive sends an OpenSSH keepalive, the reply value does not matter, getting one does
func (c *Conn) ProbeAlive() error {
	_, _, err := c.ssh.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *Conn) ChangeDir(dir string) error {
	target := c.abs(dir)
	info, err := c.client.Stat(target)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", target)
	}
	c.cwd = target
	return nil
}

func (c *Conn) CurrentDir() (string, error) {
	return c.cwd, nil
}

func (c *Conn) ListNames() ([]string, error) {
	infos, err := c.client.ReadDir(c.cwd)
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
	infos, err := c.client.ReadDir(c.cwd)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(infos))
	for _, info := range infos {
		lines = append(lines, filesystem.Line(info))
	}
	return lines, nil
}

func (c *Conn) ListMachine() ([]remote.Entry, error) {
	infos, err := c.client.ReadDir(c.cwd)
	if err != nil {
		return nil, err
	}
	entries := make([]remote.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, remote.Entry{Name: info.Name(), Attributes: filesystem.Facts(info)})
	}
	return entries, nil
}

func (c *Conn) ReadFile(name string, w io.Writer) (int64, error) {
	f, err := c.client.Open(c.abs(name))
	if err != nil {
		return 0, c.notFound(name, err)
	}
	defer f.Close()
	return f.WriteTo(w)
}

func (c *Conn) WriteFile(name string, r io.Reader) error {
	f, err := c.client.Create(c.abs(name))
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteUnique picks the first free name of suggested, suggested.1, suggested.2, ...
func (c *Conn) WriteUnique(suggested string, r io.Reader) (string, error) {
	name := suggested
	for i := 1; ; i++ {
		if _, err := c.client.Stat(c.abs(name)); errors.Is(err, fs.ErrNotExist) {
			break
		} else if err != nil {
			return "", err
		}
		if i > 1000 {
			return "", fmt.Errorf("no free name for '%s': %w", suggested, fs.ErrExist)
		}
		name = fmt.Sprintf("%s.%d", suggested, i)
	}
	if err := c.WriteFile(name, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("150 FILE: %s", name), nil
}

func (c *Conn) DeleteFile(name string) error {
	p := c.abs(name)
	info, err := c.client.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", p)
	}
	return c.notFound(name, c.client.Remove(p))
}

func (c *Conn) MakeDir(dir string) error {
	p := c.abs(dir)
	err := c.client.Mkdir(p)
	if err == nil {
		return nil
	}
	if info, serr := c.client.Stat(p); serr == nil && info.IsDir() {
		return fmt.Errorf("%w: %w", fs.ErrExist, err)
	}
	return err
}

func (c *Conn) RemoveDir(dir string) error {
	return c.notFound(dir, c.client.RemoveDirectory(c.abs(dir)))
}

func (c *Conn) Rename(from, to string) error {
	return c.notFound(from, c.client.Rename(c.abs(from), c.abs(to)))
}

func (c *Conn) Size(name string) (int64, error) {
	info, err := c.client.Stat(c.abs(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// TransferMode is tracked only, sftp transfers are always binary
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

func (c *Conn) RawCommand(text string) (string, error) {
	return "", fmt.Errorf("sftp: raw command %q: %w", text, errors.ErrUnsupported)
}

func (c *Conn) Abort() error {
	return nil
}

// notFound marks a failure on a path that is not there as fs.ErrNotExist
func (c *Conn) notFound(name string, err error) error {
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, serr := c.client.Stat(c.abs(name)); errors.Is(serr, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	return err
}
