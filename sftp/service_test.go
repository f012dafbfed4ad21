package sftp

import (
	"bytes"
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/remotefs/filesystem"
	"github.com/telebroad/remotefs/keys"
	"github.com/telebroad/remotefs/remote"
	"github.com/telebroad/remotefs/session"
	"github.com/telebroad/remotefs/tree"
	"github.com/telebroad/remotefs/users"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// startServer runs an in-process SFTP server over a temp dir
func startServer(t *testing.T, opts ...func(*Server)) (*Server, remote.Credentials, string) {
	t.Helper()
	root := t.TempDir()
	u := users.NewLocalUsers()
	u.Add("user", "pass", 0)

	s := NewSFTPServer("127.0.0.1:0", filesystem.NewLocalFS(root), u)
	for _, opt := range opts {
		opt(s)
	}
	require.NoError(t, s.Listen())
	go func() { _ = s.Serve() }()
	t.Cleanup(func() { _ = s.Close() })

	host, port, err := net.SplitHostPort(s.ListenAddr())
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	return s, remote.Credentials{Protocol: "sftp", Host: host, Port: p, Username: "user", Password: "pass"}, root
}

func newService() *Service {
	svc := NewService()
	svc.Timeout = 5 * time.Second
	return svc
}

func dial(t *testing.T, svc *Service, creds remote.Credentials) *Conn {
	t.Helper()
	conn, greeting, err := svc.Authenticate(context.Background(), creds)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(greeting, "SSH-2.0-"), greeting)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Conn)
}

func TestService_AuthenticateFailures(t *testing.T) {
	_, creds, _ := startServer(t)
	svc := newService()

	bad := creds
	bad.Password = "wrong"
	_, _, err := svc.Authenticate(context.Background(), bad)
	assert.ErrorIs(t, err, remote.ErrAuthentication)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	unreachable := creds
	unreachable.Port = closed.Port
	_, _, err = svc.Authenticate(context.Background(), unreachable)
	assert.ErrorIs(t, err, remote.ErrConnection)
}

func TestService_PublicKeyAuth(t *testing.T) {
	pk, _, err := keys.GeneratesED25519Keys()
	require.NoError(t, err)
	signer, err := keys.ParseSigner(pk, "")
	require.NoError(t, err)
	_, creds, _ := startServer(t, func(s *Server) {
		s.AuthorizedKeys = []ssh.PublicKey{signer.PublicKey()}
	})

	svc := newService()
	svc.Signer = signer
	creds.Password = ""
	conn := dial(t, svc, creds)
	require.NoError(t, conn.ProbeAlive())
}

func TestService_KnownHosts(t *testing.T) {
	s, creds, _ := startServer(t)
	file := filepath.Join(t.TempDir(), "known_hosts")

	line := knownhosts.Line([]string{s.ListenAddr()}, s.HostKey())
	require.NoError(t, os.WriteFile(file, []byte(line+"\n"), 0o600))
	svc := newService()
	svc.KnownHostsFile = file
	dial(t, svc, creds)

	other, _, err := keys.GeneratesED25519Keys()
	require.NoError(t, err)
	otherSigner, err := keys.ParseSigner(other, "")
	require.NoError(t, err)
	line = knownhosts.Line([]string{s.ListenAddr()}, otherSigner.PublicKey())
	require.NoError(t, os.WriteFile(file, []byte(line+"\n"), 0o600))

	_, _, err = svc.Authenticate(context.Background(), creds)
	assert.ErrorIs(t, err, remote.ErrConnection)
	assert.NotErrorIs(t, err, remote.ErrAuthentication)

	svc.KnownHostsFile = filepath.Join(t.TempDir(), "missing")
	_, _, err = svc.Authenticate(context.Background(), creds)
	assert.ErrorIs(t, err, remote.ErrConnection)
}

func TestServer_HostKeyType(t *testing.T) {
	s, _, _ := startServer(t)
	assert.Equal(t, "ssh-ed25519", s.HostKey().Type())

	s, creds, _ := startServer(t, func(s *Server) { s.HostKeyType = keys.KeyTypeRSA })
	assert.Equal(t, "ssh-rsa", s.HostKey().Type())
	dial(t, newService(), creds)

	bad := NewSFTPServer("127.0.0.1:0", nil, users.NewLocalUsers())
	bad.HostKeyType = "dsa"
	assert.ErrorContains(t, bad.Listen(), "unsupported key type")
}

func TestConn_Primitives(t *testing.T) {
	_, creds, root := startServer(t)
	conn := dial(t, newService(), creds)

	require.NoError(t, conn.ProbeAlive())
	cwd, err := conn.CurrentDir()
	require.NoError(t, err)
	assert.Equal(t, "/", cwd)

	require.NoError(t, conn.MakeDir("docs"))
	assert.ErrorIs(t, conn.MakeDir("docs"), fs.ErrExist)

	require.NoError(t, conn.WriteFile("docs/a.txt", strings.NewReader("hello")))
	got, err := os.ReadFile(filepath.Join(root, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, conn.ChangeDir("docs"))
	cwd, _ = conn.CurrentDir()
	assert.Equal(t, "/docs", cwd)
	assert.Error(t, conn.ChangeDir("a.txt"))

	names, err := conn.ListNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	lines, err := conn.ListDetailed()
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "a.txt")

	entries, err := conn.ListMachine()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "5", entries[0].Attributes["size"])
	assert.Equal(t, "file", entries[0].Attributes["type"])

	var buf bytes.Buffer
	n, err := conn.ReadFile("a.txt", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, "hello", buf.String())

	_, err = conn.ReadFile("missing.txt", &buf)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	size, err := conn.Size("/docs/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	require.NoError(t, conn.Rename("a.txt", "b.txt"))
	require.NoError(t, conn.DeleteFile("b.txt"))
	assert.ErrorIs(t, conn.DeleteFile("b.txt"), fs.ErrNotExist)

	require.NoError(t, conn.ChangeDir(".."))
	require.NoError(t, conn.RemoveDir("docs"))
	assert.ErrorIs(t, conn.RemoveDir("docs"), fs.ErrNotExist)

	_, err = conn.RawCommand("NOOP")
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
	assert.NoError(t, conn.Abort())
}

func TestConn_WithEngine(t *testing.T) {
	_, creds, root := startServer(t)
	conn := dial(t, newService(), creds)
	e := tree.NewEngine()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "f1.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "sub", "f2.txt"), []byte("two"), 0o644))

	require.NoError(t, e.CopyTree(conn, "/a", "/b"))
	b2, err := os.ReadFile(filepath.Join(root, "b", "sub", "f2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(b2))

	var paths []string
	require.NoError(t, e.Walk(conn, "/b", func(p string, isDir bool) error {
		paths = append(paths, p)
		return nil
	}))
	assert.Equal(t, []string{"/b/f1.txt", "/b/sub", "/b/sub/f2.txt"}, paths)

	require.NoError(t, e.DeleteTree(conn, "/b"))
	_, err = os.Stat(filepath.Join(root, "b"))
	assert.True(t, os.IsNotExist(err))

	name, err := e.StoreUnique(conn, "/a/f1.txt", strings.NewReader("again"))
	require.NoError(t, err)
	assert.Equal(t, "/a/f1.txt.1", name)

	require.NoError(t, conn.SetTransferMode(remote.ModeASCII))
	n, err := e.Size(conn, "/a/f1.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, remote.ModeASCII, conn.TransferMode())
}

func TestRegistry_EvictsClosedServer(t *testing.T) {
	s, creds, _ := startServer(t)
	reg := session.NewRegistry()
	reg.Register("sftp", newService())
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	id, _, err := reg.Connect(context.Background(), creds)
	require.NoError(t, err)
	require.NoError(t, reg.Do(context.Background(), id, func(*session.Session) error { return nil }))

	require.NoError(t, s.Close())
	_, err = reg.Resolve(context.Background(), id)
	assert.True(t, remote.IsKind(err, remote.KindSessionNotFound))
	assert.Equal(t, 0, reg.Len())
}
