// Package remotetest provides an in-memory remote.Service for tests.
// Every connection served by a Service shares one MemFS, like clients of one server.
package remotetest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemFS is an in-memory directory tree rooted at "/"
type MemFS struct {
	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
}

// NewMemFS returns a tree holding only the root directory
func NewMemFS() *MemFS {
	return &MemFS{
		dirs:  map[string]bool{"/": true},
		files: map[string][]byte{},
	}
}

// MkdirAll creates the directory and all its parents
func (m *MemFS) MkdirAll(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = path.Clean("/" + dir)
	for dir != "/" {
		m.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

// Put writes a file, creating the parent directories
func (m *MemFS) Put(name string, content []byte) {
	name = path.Clean("/" + name)
	m.MkdirAll(path.Dir(name))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), content...)
}

// Content returns the content of a file
func (m *MemFS) Content(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path.Clean("/"+name)]
	return b, ok
}

// Exists reports whether the path is a file or a directory
func (m *MemFS) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean("/" + name)
	_, isFile := m.files[name]
	return isFile || m.dirs[name]
}

// Tree returns every path under root relative to it, directories end with "/"
func (m *MemFS) Tree(root string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	root = path.Clean("/" + root)
	prefix := strings.TrimSuffix(root, "/") + "/"
	var out []string
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			out = append(out, strings.TrimPrefix(d, prefix)+"/")
		}
	}
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			out = append(out, strings.TrimPrefix(f, prefix))
		}
	}
	sort.Strings(out)
	return out
}

func pathErr(op, name string, err error) error {
	return &fs.PathError{Op: op, Path: name, Err: err}
}

func (m *MemFS) isDir(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[name]
}

func (m *MemFS) mkdir(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; ok || m.dirs[name] {
		return pathErr("mkdir", name, fs.ErrExist)
	}
	if !m.dirs[path.Dir(name)] {
		return pathErr("mkdir", name, fs.ErrNotExist)
	}
	m.dirs[name] = true
	return nil
}

func (m *MemFS) rmdir(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[name] {
		return pathErr("rmdir", name, fs.ErrNotExist)
	}
	if name == "/" {
		return pathErr("rmdir", name, fs.ErrPermission)
	}
	prefix := name + "/"
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			return pathErr("rmdir", name, errors.New("directory not empty"))
		}
	}
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			return pathErr("rmdir", name, errors.New("directory not empty"))
		}
	}
	delete(m.dirs, name)
	return nil
}

func (m *MemFS) remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[name] {
		return pathErr("delete", name, errors.New("is a directory"))
	}
	if _, ok := m.files[name]; !ok {
		return pathErr("delete", name, fs.ErrNotExist)
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) read(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	if !ok {
		return nil, pathErr("read", name, fs.ErrNotExist)
	}
	return b, nil
}

func (m *MemFS) write(name string, content []byte, exclusive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[name] {
		return pathErr("write", name, errors.New("is a directory"))
	}
	if _, ok := m.files[name]; ok && exclusive {
		return pathErr("write", name, fs.ErrExist)
	}
	if !m.dirs[path.Dir(name)] {
		return pathErr("write", name, fs.ErrNotExist)
	}
	m.files[name] = bytes.Clone(content)
	return nil
}

func (m *MemFS) rename(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[path.Dir(to)] {
		return pathErr("rename", to, fs.ErrNotExist)
	}
	if b, ok := m.files[from]; ok {
		delete(m.files, from)
		m.files[to] = b
		return nil
	}
	if !m.dirs[from] {
		return pathErr("rename", from, fs.ErrNotExist)
	}
	if to == from || strings.HasPrefix(to, from+"/") {
		return pathErr("rename", to, fs.ErrInvalid)
	}
	prefix := from + "/"
	var dirs []string
	for d := range m.dirs {
		if d == from || strings.HasPrefix(d, prefix) {
			dirs = append(dirs, d)
		}
	}
	for _, d := range dirs {
		delete(m.dirs, d)
		m.dirs[to+strings.TrimPrefix(d, from)] = true
	}
	moved := map[string][]byte{}
	for f, b := range m.files {
		if strings.HasPrefix(f, prefix) {
			moved[to+strings.TrimPrefix(f, from)] = b
			delete(m.files, f)
		}
	}
	for f, b := range moved {
		m.files[f] = b
	}
	return nil
}

// list returns the immediate children of dir, with the "." and ".." pseudo entries first
func (m *MemFS) list(dir string) ([]string, map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[dir] {
		return nil, nil, pathErr("list", dir, fs.ErrNotExist)
	}
	isDir := map[string]bool{".": true, "..": true}
	var names []string
	for d := range m.dirs {
		if d != dir && path.Dir(d) == dir {
			names = append(names, path.Base(d))
			isDir[path.Base(d)] = true
		}
	}
	for f := range m.files {
		if path.Dir(f) == dir {
			names = append(names, path.Base(f))
		}
	}
	sort.Strings(names)
	return append([]string{".", ".."}, names...), isDir, nil
}

func (m *MemFS) size(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	if !ok {
		return 0, pathErr("size", name, fs.ErrNotExist)
	}
	return int64(len(b)), nil
}

func (m *MemFS) String() string {
	return fmt.Sprint(m.Tree("/"))
}
