package filesystem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrAccessDenied = errors.New("access denied: path is outside the virtualRoot directory")

// FS is the file system a local backend serves.
// Every name is a slash separated virtual path, absolute names start at RootDir.
type FS interface {
	// RootDir returns the Root directory of the file system
	RootDir() string
	// Dir returns the entries of the given directory
	Dir(folderName string) ([]os.FileInfo, error)
	// CheckDir checks if the given directory exists
	CheckDir(string) error
	// MakeDir creates a new directory with the given name, an existing one wraps fs.ErrExist
	MakeDir(folderName string) error
	// ReadFile reads the file and writes it to the given writer
	ReadFile(string, io.Writer) (int64, error)
	// WriteFile creates a new file with the given name and writes the data from the reader
	// transferType is the transfer type "A" for ASCII or "I" for binary
	// appendOnly is true if the file should be opened in append mode not rewrite mode
	WriteFile(fileName string, r io.Reader, transferType string, appendOnly bool) error
	// Remove removes the file or empty directory
	Remove(fileName string) error
	// Rename renames the file/folder or moves it to a different directory
	Rename(original string, target string) error
	// Stat returns the file info
	Stat(fileName string) (fs.FileInfo, error)
	// Lstat returns the file info without following the link
	Lstat(fileName string) (fs.FileInfo, error)
	// SetStat changes the file permissions
	SetStat(fileName string, newPermissions uint32) error
}

// FSWithFile adds direct file access, the SFTP request handlers need io.ReaderAt and io.WriterAt
type FSWithFile interface {
	FS
	// File opens the file with the given os.OpenFile flags
	File(fileName string, flag int) (*os.File, error)
}

var _ FSWithFile = &LocalFS{}

// LocalFS serves a local directory as the virtual root "/"
type LocalFS struct {
	FS          fs.FS
	localDir    string // local directory to serve as the virtualRoot
	virtualRoot string
}

func NewLocalFS(localDir string) *LocalFS {
	return &LocalFS{
		localDir:    localDir,
		virtualRoot: "/",
		FS:          os.DirFS(localDir),
	}
}

// RootDir returns the Root directory of the file system
func (FS *LocalFS) RootDir() string {
	return FS.virtualRoot
}

// LocalDir returns the directory on disk that is served
func (FS *LocalFS) LocalDir() string {
	return FS.localDir
}

// securePath resolves the name against the virtualRoot, ".." never climbs above it
func (FS *LocalFS) securePath(pathName string) (string, error) {
	if strings.ContainsRune(pathName, 0) {
		return "", fmt.Errorf("invalid path %q", pathName)
	}
	cleaned := path.Join(FS.virtualRoot, pathName)
	if cleaned != FS.virtualRoot && !strings.HasPrefix(cleaned, strings.TrimSuffix(FS.virtualRoot, "/")+"/") {
		return "", ErrAccessDenied
	}
	return cleaned, nil
}

// cleanPath call securePath and returns the fs.FS name of it
func (FS *LocalFS) cleanPath(pathName string) (string, error) {
	pathName, err := FS.securePath(pathName)
	if err != nil {
		return "", err
	}
	pathName = strings.TrimPrefix(pathName, "/")
	if pathName == "" {
		pathName = "."
	}
	return pathName, nil
}

// osPath returns the name on disk
func (FS *LocalFS) osPath(pathName string) (string, error) {
	pathName, err := FS.cleanPath(pathName)
	if err != nil {
		return "", err
	}
	return filepath.Join(FS.localDir, filepath.FromSlash(pathName)), nil
}

// CheckDir checks if the given directory exists
func (FS *LocalFS) CheckDir(dirName string) error {
	dirName, err := FS.cleanPath(dirName)
	if err != nil {
		return err
	}
	info, err := fs.Stat(FS.FS, dirName)
	if err != nil {
		return fmt.Errorf("error checking directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("error checking directory: %s is not a directory", dirName)
	}
	return nil
}

func (FS *LocalFS) Dir(dirName string) ([]os.FileInfo, error) {
	dirName, err := FS.cleanPath(dirName)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(FS.FS, dirName)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}

	fileList := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("error getting file info: %w", err)
		}
		fileList = append(fileList, info)
	}
	return fileList, nil
}

func (FS *LocalFS) MakeDir(folderName string) error {
	folderName, err := FS.osPath(folderName)
	if err != nil {
		return err
	}
	if err := os.Mkdir(folderName, 0o777); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	return nil
}

func (FS *LocalFS) File(fileName string, flag int) (*os.File, error) {
	fileName, err := FS.osPath(fileName)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(fileName, flag, 0o666)
	if err != nil {
		return nil, fmt.Errorf("opening file error: %w", err)
	}
	return file, nil
}

func (FS *LocalFS) ReadFile(name string, w io.Writer) (int64, error) {
	name, err := FS.cleanPath(name)
	if err != nil {
		return 0, err
	}
	open, err := FS.FS.Open(name)
	if err != nil {
		return 0, fmt.Errorf("error opening file: %w", err)
	}
	defer open.Close()
	n, err := io.Copy(w, open)
	if err != nil {
		return n, fmt.Errorf("error reading file: %w", err)
	}
	return n, nil
}

func (FS *LocalFS) WriteFile(fileName string, r io.Reader, transferType string, appendOnly bool) error {
	if transferType != "I" && transferType != "A" {
		return fmt.Errorf("unsupported transfer type: %s, only type 'A' (text) or type 'I' (binary)", transferType)
	}
	access := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	if appendOnly {
		access = os.O_RDWR | os.O_CREATE | os.O_APPEND
	}
	file, err := FS.File(fileName, access)
	if err != nil {
		return err
	}
	defer file.Close()

	if transferType == "I" {
		_, err = io.Copy(file, r)
	} else {
		// ASCII mode stores lines with the local line ending
		scanner := bufio.NewScanner(r)
		for scanner.Scan() && err == nil {
			_, err = fmt.Fprintln(file, strings.TrimSuffix(scanner.Text(), "\r"))
		}
		if err == nil {
			err = scanner.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("writing file error: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing and saving file error: %w", err)
	}
	return nil
}

func (FS *LocalFS) Remove(fileName string) error {
	fileName, err := FS.osPath(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(fileName); err != nil {
		return fmt.Errorf("error removing file: %w", err)
	}
	return nil
}

func (FS *LocalFS) Rename(fileName, newName string) error {
	fileName, err := FS.osPath(fileName)
	if err != nil {
		return err
	}
	newName, err = FS.osPath(newName)
	if err != nil {
		return err
	}
	if err := os.Rename(fileName, newName); err != nil {
		return fmt.Errorf("error renaming file: %w", err)
	}
	return nil
}

func (FS *LocalFS) Stat(fileName string) (fs.FileInfo, error) {
	fileName, err := FS.cleanPath(fileName)
	if err != nil {
		return nil, err
	}
	info, err := fs.Stat(FS.FS, fileName)
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	return info, nil
}

func (FS *LocalFS) Lstat(fileName string) (fs.FileInfo, error) {
	fileName, err := FS.osPath(fileName)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(fileName)
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	return info, nil
}

func (FS *LocalFS) SetStat(fileName string, newPermissions uint32) error {
	fileName, err := FS.osPath(fileName)
	if err != nil {
		return err
	}
	if newPermissions == 0 {
		return errors.New("invalid permissions")
	}
	if err := os.Chmod(fileName, os.FileMode(newPermissions)); err != nil {
		return fmt.Errorf("error changing file permissions: %w", err)
	}
	return nil
}

// Facts returns the machine listing facts of a file
func Facts(info fs.FileInfo) map[string]string {
	fileType := "file"
	if info.IsDir() {
		fileType = "dir"
	}
	return map[string]string{
		"type":   fileType,
		"size":   fmt.Sprintf("%d", info.Size()),
		"modify": info.ModTime().UTC().Format("20060102150405"),
		"perm":   info.Mode().String(),
	}
}

// Line renders a file the way ls -l does
func Line(info fs.FileInfo) string {
	return fmt.Sprintf("%s 1 owner group %12d %s %s",
		info.Mode().String(), info.Size(), info.ModTime().Format("Jan _2 15:04"), info.Name())
}
