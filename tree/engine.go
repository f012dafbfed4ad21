// Description: tree package
// The Engine implements the recursive operations a remote server does not offer natively
// (recursive delete, recursive copy, tree walk) by composing the primitives of a remote.Conn
// depth-first. It also carries the scoped helpers the other operations need:
// a working directory change that is always undone, and a transfer mode switch that is always undone.

package tree

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/telebroad/remotefs/remote"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
)

// DefaultMaxDepth bounds the recursion against circular directory structures
const DefaultMaxDepth = 256

type Engine struct {
	// MaxDepth is the deepest directory level a walk descends into, zero means DefaultMaxDepth
	MaxDepth int
	logger   *slog.Logger
}

func NewEngine() *Engine {
	return &Engine{MaxDepth: DefaultMaxDepth}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.logger = l
}

// Logger returns the logger for the engine.
func (e *Engine) Logger() *slog.Logger {
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e.logger.With("module", "tree-engine")
}

func (e *Engine) maxDepth() int {
	if e.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return e.MaxDepth
}

// treeErr wraps a primitive failure with the path being processed.
// A failure that already carries a path deeper in the tree is returned as is.
func treeErr(op, p string, err error) error {
	var re *remote.Error
	if errors.As(err, &re) && re.Kind == remote.KindTreeOperation {
		return err
	}
	return &remote.Error{Kind: remote.KindTreeOperation, Op: op, Path: p, Err: err}
}

// IsDirectory reports whether the path is a directory by changing into it.
// The previous working directory is restored before returning.
// A path that cannot be entered, for any reason, is reported as a file, and so is one
// the previous directory cannot be restored from.
func (e *Engine) IsDirectory(conn remote.Conn, p string) bool {
	prev, err := conn.CurrentDir()
	if err != nil {
		e.Logger().Debug("is directory: current dir", "path", p, "error", err)
		return false
	}
	if err := conn.ChangeDir(p); err != nil {
		return false
	}
	if err := conn.ChangeDir(prev); err != nil {
		// stuck inside p, relative paths would resolve against the wrong directory
		e.Logger().Warn("is directory: could not restore working directory", "path", prev, "error", err)
		return false
	}
	return true
}

// InDir runs fn with dir as the working directory and restores the previous one afterward,
// whether fn succeeds or not.
func (e *Engine) InDir(conn remote.Conn, dir string, fn func() error) (err error) {
	prev, err := conn.CurrentDir()
	if err != nil {
		return fmt.Errorf("current dir: %w", err)
	}
	if err = conn.ChangeDir(dir); err != nil {
		return fmt.Errorf("change dir '%s': %w", dir, err)
	}
	defer func() {
		if rerr := conn.ChangeDir(prev); rerr != nil {
			e.Logger().Warn("could not restore working directory", "path", prev, "error", rerr)
			if err == nil {
				err = fmt.Errorf("restore dir '%s': %w", prev, rerr)
			}
		}
	}()
	return fn()
}

// Entries lists the names in dir, without the "." and ".." pseudo entries
func (e *Engine) Entries(conn remote.Conn, dir string) ([]string, error) {
	var names []string
	err := e.InDir(conn, dir, func() error {
		raw, err := conn.ListNames()
		if err != nil {
			return err
		}
		names = make([]string, 0, len(raw))
		for _, n := range raw {
			n = path.Base(strings.TrimRight(n, "\r\n"))
			if n == "." || n == ".." || n == "/" || n == "" {
				continue
			}
			names = append(names, n)
		}
		return nil
	})
	return names, err
}

// DeleteTree deletes a file, or a directory and everything in it, children first.
// The first failing primitive aborts the walk, what was deleted until then stays deleted.
func (e *Engine) DeleteTree(conn remote.Conn, p string) error {
	return e.deleteTree(conn, p, 0)
}

func (e *Engine) deleteTree(conn remote.Conn, p string, depth int) error {
	if depth > e.maxDepth() {
		return treeErr("delete", p, remote.ErrTooDeep)
	}

	if !e.IsDirectory(conn, p) {
		if err := conn.DeleteFile(p); err != nil {
			return treeErr("delete", p, err)
		}
		e.Logger().Debug("deleted file", "path", p)
		return nil
	}

	names, err := e.Entries(conn, p)
	if err != nil {
		return treeErr("list", p, err)
	}
	for _, name := range names {
		if err := e.deleteTree(conn, path.Join(p, name), depth+1); err != nil {
			return err
		}
	}
	if err := conn.RemoveDir(p); err != nil {
		return treeErr("rmdir", p, err)
	}
	e.Logger().Debug("deleted directory", "path", p, "entries", len(names))
	return nil
}

// CopyTree copies a file, or a directory and everything in it, from src to dst.
// Files are relayed through memory in binary mode, one at a time.
// An existing destination directory is reused, so a failed copy can be retried.
func (e *Engine) CopyTree(conn remote.Conn, src, dst string) error {
	return e.WithMode(conn, remote.ModeBinary, func() error {
		return e.copyTree(conn, src, dst, 0)
	})
}

func (e *Engine) copyTree(conn remote.Conn, src, dst string, depth int) error {
	if depth > e.maxDepth() {
		return treeErr("copy", src, remote.ErrTooDeep)
	}

	if !e.IsDirectory(conn, src) {
		return e.relay(conn, src, dst)
	}

	// listed before the destination exists, so a dst directly inside src is not copied into itself.
	// A dst deeper inside src still feeds the walk until the depth bound stops it.
	names, err := e.Entries(conn, src)
	if err != nil {
		return treeErr("list", src, err)
	}
	if err := conn.MakeDir(dst); err != nil && !remote.IsExist(err) {
		return treeErr("mkdir", dst, err)
	}
	for _, name := range names {
		if err := e.copyTree(conn, path.Join(src, name), path.Join(dst, name), depth+1); err != nil {
			return err
		}
	}
	e.Logger().Debug("copied directory", "src", src, "dst", dst, "entries", len(names))
	return nil
}

func (e *Engine) relay(conn remote.Conn, src, dst string) error {
	var buf bytes.Buffer
	n, err := conn.ReadFile(src, &buf)
	if err != nil {
		return treeErr("read", src, err)
	}
	if err := conn.WriteFile(dst, &buf); err != nil {
		return treeErr("write", dst, err)
	}
	e.Logger().Debug("copied file", "src", src, "dst", dst, "bytes", n)
	return nil
}

// Walk calls fn for every entry under root, depth-first, a directory before its children.
// Paths handed to fn are joined to root.
func (e *Engine) Walk(conn remote.Conn, root string, fn func(p string, isDir bool) error) error {
	if !e.IsDirectory(conn, root) {
		return treeErr("walk", root, fmt.Errorf("not a directory"))
	}
	return e.walk(conn, root, fn, 0)
}

func (e *Engine) walk(conn remote.Conn, dir string, fn func(p string, isDir bool) error, depth int) error {
	if depth > e.maxDepth() {
		return treeErr("walk", dir, remote.ErrTooDeep)
	}
	names, err := e.Entries(conn, dir)
	if err != nil {
		return treeErr("list", dir, err)
	}
	for _, name := range names {
		p := path.Join(dir, name)
		isDir := e.IsDirectory(conn, p)
		if err := fn(p, isDir); err != nil {
			return err
		}
		if isDir {
			if err := e.walk(conn, p, fn, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

var uniqueAck = regexp.MustCompile(`FILE: ([^\r\n]+)`)

// ErrUniqueAck is wrapped when the unique store acknowledgement carries no name
var ErrUniqueAck = errors.New("acknowledgement does not match 'FILE: <name>'")

// ParseUniqueName extracts the assigned name from a unique store acknowledgement such as
// "150 FILE: upload.txt.1"
func ParseUniqueName(ack string) (string, error) {
	m := uniqueAck.FindStringSubmatch(ack)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrUniqueAck, ack)
	}
	name := strings.TrimSpace(m[1])
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrUniqueAck, ack)
	}
	return name, nil
}

// StoreUnique stores the content under a server assigned name and returns that name
func (e *Engine) StoreUnique(conn remote.Conn, suggested string, r io.Reader) (string, error) {
	var name string
	err := e.WithMode(conn, remote.ModeBinary, func() error {
		ack, err := conn.WriteUnique(suggested, r)
		if err != nil {
			return remote.NewError(remote.KindRemote, "store unique", suggested, err)
		}
		name, err = ParseUniqueName(ack)
		if err != nil {
			return remote.NewError(remote.KindProtocolResponse, "store unique", suggested, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.Logger().Debug("stored unique", "suggested", suggested, "name", name)
	return name, nil
}

// Size returns the size of the file, queried in binary mode.
// The prior transfer mode is restored whether the query succeeds or not.
func (e *Engine) Size(conn remote.Conn, p string) (int64, error) {
	var size int64
	err := e.WithMode(conn, remote.ModeBinary, func() (err error) {
		size, err = conn.Size(p)
		if err != nil {
			return remote.NewError(remote.KindRemote, "size", p, err)
		}
		return nil
	})
	return size, err
}

// WithMode runs fn with the connection in the given transfer mode and switches back to the prior
// mode afterward. The error of fn wins over a failure to switch back.
func (e *Engine) WithMode(conn remote.Conn, mode remote.TransferMode, fn func() error) (err error) {
	prev := conn.TransferMode()
	if prev == mode {
		return fn()
	}
	if err := conn.SetTransferMode(mode); err != nil {
		return remote.NewError(remote.KindRemote, "type", string(mode), err)
	}
	defer func() {
		if rerr := conn.SetTransferMode(prev); rerr != nil {
			e.Logger().Warn("could not restore transfer mode", "mode", prev, "error", rerr)
			if err == nil {
				err = remote.NewError(remote.KindRemote, "type", string(prev), rerr)
			}
		}
	}()
	return fn()
}
