// Description: ops package
// Operations is the calling surface: one method per named operation, each taking a session id.
// Every call resolves the session through the registry, so it holds the connection exclusively
// for its whole duration, recursive walks included.

package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/telebroad/remotefs/remote"
	"github.com/telebroad/remotefs/session"
	"github.com/telebroad/remotefs/tools"
	"github.com/telebroad/remotefs/tree"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

type Operations struct {
	Registry *session.Registry
	Engine   *tree.Engine
	logger   *slog.Logger
}

func New(registry *session.Registry, engine *tree.Engine) *Operations {
	if engine == nil {
		engine = tree.NewEngine()
	}
	return &Operations{Registry: registry, Engine: engine}
}

// SetLogger sets the logger for the operations.
func (o *Operations) SetLogger(l *slog.Logger) {
	o.logger = l
}

// Logger returns the logger for the operations.
func (o *Operations) Logger() *slog.Logger {
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o.logger.With("module", "ops")
}

// wrap turns a primitive failure into a remote.Error, an error that already is one is kept
func wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	return remote.NewError(remote.KindRemote, op, p, err)
}

func (o *Operations) do(ctx context.Context, id, op, p string, fn func(conn remote.Conn) error) error {
	err := o.Registry.Do(ctx, id, func(s *session.Session) error {
		return wrap(op, p, fn(s.Conn()))
	})
	if err != nil {
		o.Logger().Error("operation failed", "op", op, "path", p, "session", id, "error", err)
		return err
	}
	o.Logger().Info("operation done", "op", op, "path", p, "session", id)
	return nil
}

func dirOrCurrent(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// Connect opens a session and returns its id and the server greeting
func (o *Operations) Connect(ctx context.Context, creds remote.Credentials) (string, string, error) {
	return o.Registry.Connect(ctx, creds)
}

// Disconnect closes the session, an unknown id is not an error
func (o *Operations) Disconnect(ctx context.Context, id string) error {
	return o.Registry.Disconnect(ctx, id)
}

// Sessions describes the open sessions
func (o *Operations) Sessions() []session.Info {
	return o.Registry.List()
}

// NameList lists the names in dir
func (o *Operations) NameList(ctx context.Context, id, dir string) (names []string, err error) {
	dir = dirOrCurrent(dir)
	err = o.do(ctx, id, "nlst", dir, func(conn remote.Conn) error {
		return o.Engine.InDir(conn, dir, func() (err error) {
			names, err = conn.ListNames()
			return err
		})
	})
	return names, err
}

// List lists dir as the raw lines the server sent
func (o *Operations) List(ctx context.Context, id, dir string) (lines []string, err error) {
	dir = dirOrCurrent(dir)
	err = o.do(ctx, id, "list", dir, func(conn remote.Conn) error {
		return o.Engine.InDir(conn, dir, func() (err error) {
			lines, err = conn.ListDetailed()
			return err
		})
	})
	return lines, err
}

// MachineList lists dir as entries with their facts
func (o *Operations) MachineList(ctx context.Context, id, dir string) (entries []remote.Entry, err error) {
	dir = dirOrCurrent(dir)
	err = o.do(ctx, id, "mlsd", dir, func(conn remote.Conn) error {
		return o.Engine.InDir(conn, dir, func() (err error) {
			entries, err = conn.ListMachine()
			return err
		})
	})
	return entries, err
}

// Retrieve returns the content of a remote file
func (o *Operations) Retrieve(ctx context.Context, id, name string) ([]byte, error) {
	var buf bytes.Buffer
	err := o.do(ctx, id, "retr", name, func(conn remote.Conn) error {
		return o.Engine.WithMode(conn, remote.ModeBinary, func() error {
			w := tools.NewLogWriter(&buf, name, o.Logger())
			if _, err := conn.ReadFile(name, w); err != nil {
				return err
			}
			w.Done("retrieved")
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Download writes a remote file to a local path and returns the bytes written
func (o *Operations) Download(ctx context.Context, id, name, local string) (int64, error) {
	var n int64
	err := o.do(ctx, id, "download", name, func(conn remote.Conn) error {
		f, err := os.Create(local)
		if err != nil {
			return remote.NewError(remote.KindLocalResource, "download", local, err)
		}
		err = o.Engine.WithMode(conn, remote.ModeBinary, func() (err error) {
			n, err = conn.ReadFile(name, f)
			return err
		})
		if cerr := f.Close(); err == nil && cerr != nil {
			err = remote.NewError(remote.KindLocalResource, "download", local, cerr)
		}
		return err
	})
	return n, err
}

func openLocal(op, local string) (*os.File, error) {
	f, err := os.Open(local)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &remote.Error{
				Kind: remote.KindLocalResource,
				Op:   op,
				Path: local,
				Msg:  fmt.Sprintf("local file not found: %s", local),
				Err:  err,
			}
		}
		return nil, remote.NewError(remote.KindLocalResource, op, local, err)
	}
	return f, nil
}

// Store uploads a local file, the remote name defaults to the local base name.
// It returns the remote name.
func (o *Operations) Store(ctx context.Context, id, local, remoteName string) (string, error) {
	if remoteName == "" {
		remoteName = filepath.Base(local)
	}
	f, err := openLocal("stor", local)
	if err != nil {
		o.Logger().Error("operation failed", "op", "stor", "path", local, "session", id, "error", err)
		return "", err
	}
	defer f.Close()

	err = o.do(ctx, id, "stor", remoteName, func(conn remote.Conn) error {
		return o.Engine.WithMode(conn, remote.ModeBinary, func() error {
			r := tools.NewLogReader(f, remoteName, o.Logger())
			if err := conn.WriteFile(remoteName, r); err != nil {
				return err
			}
			r.Done("stored")
			return nil
		})
	})
	return remoteName, err
}

// StoreUnique uploads a local file under a name the server picks and returns that name
func (o *Operations) StoreUnique(ctx context.Context, id, local string) (string, error) {
	f, err := openLocal("stou", local)
	if err != nil {
		o.Logger().Error("operation failed", "op", "stou", "path", local, "session", id, "error", err)
		return "", err
	}
	defer f.Close()

	var name string
	err = o.do(ctx, id, "stou", local, func(conn remote.Conn) (err error) {
		name, err = o.Engine.StoreUnique(conn, filepath.Base(local), f)
		return err
	})
	return name, err
}

// Rename renames a file or directory
func (o *Operations) Rename(ctx context.Context, id, from, to string) error {
	return o.do(ctx, id, "rename", from, func(conn remote.Conn) error {
		return conn.Rename(from, to)
	})
}

// Move moves src to dst, into dst when dst is an existing directory.
// It returns the final path.
func (o *Operations) Move(ctx context.Context, id, src, dst string) (string, error) {
	target := dst
	err := o.do(ctx, id, "move", src, func(conn remote.Conn) error {
		if o.Engine.IsDirectory(conn, dst) {
			target = path.Join(dst, path.Base(src))
		}
		return conn.Rename(src, target)
	})
	return target, err
}

// ChangeDir changes the working directory and returns the new one
func (o *Operations) ChangeDir(ctx context.Context, id, dir string) (cwd string, err error) {
	err = o.do(ctx, id, "cwd", dir, func(conn remote.Conn) error {
		if err := conn.ChangeDir(dir); err != nil {
			return err
		}
		cwd, err = conn.CurrentDir()
		return err
	})
	return cwd, err
}

// ChangeDirUp moves to the parent directory and returns the new working directory
func (o *Operations) ChangeDirUp(ctx context.Context, id string) (string, error) {
	return o.ChangeDir(ctx, id, "..")
}

// CurrentDir returns the working directory
func (o *Operations) CurrentDir(ctx context.Context, id string) (cwd string, err error) {
	err = o.do(ctx, id, "pwd", "", func(conn remote.Conn) (err error) {
		cwd, err = conn.CurrentDir()
		return err
	})
	return cwd, err
}

// MakeDir creates a directory
func (o *Operations) MakeDir(ctx context.Context, id, dir string) error {
	return o.do(ctx, id, "mkd", dir, func(conn remote.Conn) error {
		return conn.MakeDir(dir)
	})
}

// RemoveDir removes an empty directory
func (o *Operations) RemoveDir(ctx context.Context, id, dir string) error {
	return o.do(ctx, id, "rmd", dir, func(conn remote.Conn) error {
		return conn.RemoveDir(dir)
	})
}

// Delete removes a single file
func (o *Operations) Delete(ctx context.Context, id, name string) error {
	return o.do(ctx, id, "dele", name, func(conn remote.Conn) error {
		return conn.DeleteFile(name)
	})
}

// Abort aborts the in-flight transfer.
// It waits for the session like every operation, so it only reaches the server between primitives.
func (o *Operations) Abort(ctx context.Context, id string) error {
	return o.do(ctx, id, "abor", "", func(conn remote.Conn) error {
		return conn.Abort()
	})
}

// Size returns the size of a file in bytes
func (o *Operations) Size(ctx context.Context, id, name string) (size int64, err error) {
	err = o.do(ctx, id, "size", name, func(conn remote.Conn) (err error) {
		size, err = o.Engine.Size(conn, name)
		return err
	})
	return size, err
}

// SendCommand sends a raw command and returns the server response
func (o *Operations) SendCommand(ctx context.Context, id, command string) (resp string, err error) {
	err = o.do(ctx, id, "quote", command, func(conn remote.Conn) (err error) {
		resp, err = conn.RawCommand(command)
		if err == nil {
			o.Logger().Debug("raw response", "command", command, "response", tools.Shorten(resp, 200))
		}
		return err
	})
	return resp, err
}

// VoidCommand sends a raw command that must be answered with a 2xx reply
func (o *Operations) VoidCommand(ctx context.Context, id, command string) error {
	return o.do(ctx, id, "quote", command, func(conn remote.Conn) error {
		resp, err := conn.RawCommand(command)
		if err != nil {
			return err
		}
		if !IsPositiveCompletion(resp) {
			return &remote.Error{
				Kind: remote.KindProtocolResponse,
				Op:   "quote",
				Path: command,
				Msg:  fmt.Sprintf("unexpected reply to '%s': %s", command, tools.Shorten(resp, 200)),
			}
		}
		return nil
	})
}

// IsPositiveCompletion reports whether the reply starts with a 2xx code
func IsPositiveCompletion(resp string) bool {
	resp = strings.TrimSpace(resp)
	if len(resp) < 3 {
		return false
	}
	code, err := strconv.Atoi(resp[:3])
	return err == nil && code >= 200 && code < 300
}

// DeleteRecursive deletes a file, or a directory with everything in it
func (o *Operations) DeleteRecursive(ctx context.Context, id, p string) error {
	return o.do(ctx, id, "delete recursive", p, func(conn remote.Conn) error {
		return o.Engine.DeleteTree(conn, p)
	})
}

// CopyRecursive copies a file, or a directory with everything in it
func (o *Operations) CopyRecursive(ctx context.Context, id, src, dst string) error {
	return o.do(ctx, id, "copy recursive", src, func(conn remote.Conn) error {
		return o.Engine.CopyTree(conn, src, dst)
	})
}

// Tree lists every path under root depth-first, directories end with "/"
func (o *Operations) Tree(ctx context.Context, id, root string) (paths []string, err error) {
	root = dirOrCurrent(root)
	err = o.do(ctx, id, "tree", root, func(conn remote.Conn) error {
		return o.Engine.Walk(conn, root, func(p string, isDir bool) error {
			if isDir {
				p += "/"
			}
			paths = append(paths, p)
			return nil
		})
	})
	return paths, err
}
