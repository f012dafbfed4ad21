package sftp

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/pkg/sftp"
	"github.com/telebroad/remotefs/filesystem"
	"github.com/telebroad/remotefs/keys"
	"github.com/telebroad/remotefs/users"
	"golang.org/x/crypto/ssh"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Server is a small SFTP server over a filesystem.FSWithFile.
// It is what the backend is tested against, and it can serve a local directory on its own.
type Server struct {
	Addr       string
	PrivateKey []byte
	// HostKeyType is the type of the host key generated when PrivateKey is not set, see keys.GenerateKeys
	HostKeyType string
	// AuthorizedKeys are accepted for public key auth, for any user known to users
	AuthorizedKeys []ssh.PublicKey
	logger         *slog.Logger
	fsFileRoot     filesystem.FSWithFile
	sshConfig      *ssh.ServerConfig
	hostKey        ssh.Signer
	listener       net.Listener
	users          users.Users

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewSFTPServer(addr string, fsys filesystem.FSWithFile, u users.Users) *Server {
	return &Server{
		Addr:       addr,
		fsFileRoot: fsys,
		users:      u,
		conns:      make(map[net.Conn]struct{}),
	}
}

// SetPrivateKey sets the private key for the server.
// if not called the server will generate a new key
func (s *Server) SetPrivateKey(pk []byte) {
	s.PrivateKey = pk
}

func (s *Server) SetPrivateKeyFile(pk string) error {
	file, err := os.ReadFile(pk)
	if err != nil {
		return fmt.Errorf("error reading private key file: %w", err)
	}
	s.PrivateKey = file
	return nil
}

// HostKey returns the public host key, it is set once Listen returned
func (s *Server) HostKey() ssh.PublicKey {
	if s.hostKey == nil {
		return nil
	}
	return s.hostKey.PublicKey()
}

// ListenAddr returns the address the server listens on
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return s.Addr
	}
	return s.listener.Addr().String()
}

// Listen prepares the ssh config and opens the listener
func (s *Server) Listen() error {
	if s.PrivateKey == nil {
		pk, _, err := keys.GenerateKeys(s.HostKeyType)
		if err != nil {
			return fmt.Errorf("error generating host key: %w", err)
		}
		s.PrivateKey = pk
	}

	hostKey, err := keys.ParseSigner(s.PrivateKey, "")
	if err != nil {
		s.Logger().Error("Error parsing private key", "error", err)
		return err
	}
	s.hostKey = hostKey

	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback:  s.AuthHandler,
		PublicKeyCallback: s.PublicKeyHandler,
	}
	s.sshConfig.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger().Error("Failed to listen", "error", err)
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.Logger().Info("Listening on " + listener.Addr().String())
	return nil
}

// Serve accepts connections until the server is closed
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Logger().Error("Failed to accept incoming connection", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.sshHandler(conn)
		}()
	}
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// TryListenAndServe tries to start the SFTP server if there isn't an error after a certain time it returns nil
func (s *Server) TryListenAndServe(d time.Duration) (err error) {
	errC := make(chan error, 1)

	go func() {
		if err := s.ListenAndServe(); err != nil {
			errC <- err
		}
	}()

	select {
	case err = <-errC:
		return err
	case <-time.After(d):
		return nil
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops accepting, drops every connection and waits for the handlers to return
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger.With("module", "sftp-server")
}

// AuthHandler is called by the SSH server when a client attempts to authenticate.
func (s *Server) AuthHandler(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	s.Logger().Debug("Login attempt", "user", c.User())
	if _, err := s.users.Find(c.User(), string(pass), c.RemoteAddr().String()); err == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

// PublicKeyHandler accepts the AuthorizedKeys for known users
func (s *Server) PublicKeyHandler(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if _, err := s.users.Get(c.User()); err != nil {
		return nil, fmt.Errorf("unknown user %q", c.User())
	}
	for _, k := range s.AuthorizedKeys {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("public key rejected for %q", c.User())
}

func (s *Server) sshHandler(conn net.Conn) {
	defer conn.Close()

	// Upgrade the connection to an SSH connection.
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.Logger().Debug("Failed to handshake", "error", err)
		return
	}
	defer sshConn.Close()

	s.Logger().Info(
		"New SSH connection",
		"RemoteAddr", sshConn.RemoteAddr().String(),
		"ClientVersion", string(sshConn.ClientVersion()),
		"ssh-User", sshConn.User(),
	)
	// The incoming Request channel must be serviced.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		// The SFTP server operates over a single "session" channel.
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.Logger().Error("Could not accept channel", "error", err)
			return
		}

		go s.filterHandler(requests)

		sftpServer := sftp.NewRequestServer(channel, NewFileSys(s.fsFileRoot, s.Logger().With("user", sshConn.User())))
		go func() {
			if err := sftpServer.Serve(); err == io.EOF {
				s.Logger().Info("sftp client exited session.", "user", sshConn.User())
			} else if err != nil {
				s.Logger().Debug("sftp server completed with error", "error", err)
			}
			_ = sftpServer.Close()
		}()
	}
}

// filterHandler accepts only the sftp subsystem request
func (s *Server) filterHandler(in <-chan *ssh.Request) {
	for req := range in {
		s.Logger().Debug("Request", "type", req.Type)

		ok := false
		switch req.Type {
		case "subsystem":
			if len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
				ok = true
			}
		}
		if err := req.Reply(ok, nil); err != nil {
			s.Logger().Error("Failed to reply", "error", err)
			return
		}
	}
}
