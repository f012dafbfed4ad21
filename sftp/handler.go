package sftp

import (
	"errors"
	"fmt"
	"github.com/pkg/sftp"
	"github.com/telebroad/remotefs/filesystem"
	"io"
	"io/fs"
	"log/slog"
	"os"
)

// fileSys serves the sftp requests of one ssh connection from a filesystem.FSWithFile
type fileSys struct {
	fs     filesystem.FSWithFile
	logger *slog.Logger
}

func NewFileSys(fsys filesystem.FSWithFile, logger *slog.Logger) sftp.Handlers {
	v := &fileSys{fs: fsys, logger: logger}
	return sftp.Handlers{
		FileGet:  v,
		FilePut:  v,
		FileCmd:  v,
		FileList: v,
	}
}

// status maps errors onto the ones the request server turns into sftp status codes
func status(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return os.ErrNotExist
	case errors.Is(err, fs.ErrPermission), errors.Is(err, filesystem.ErrAccessDenied):
		return os.ErrPermission
	}
	return err
}

func (s *fileSys) debug(msg string, request *sftp.Request) {
	s.logger.Debug(msg,
		"method", request.Method,
		"path", request.Filepath,
		"flags", request.Flags,
		"target", request.Target,
	)
}

func (s *fileSys) Fileread(request *sftp.Request) (io.ReaderAt, error) {
	s.debug("Fileread", request)
	file, err := s.fs.File(request.Filepath, os.O_RDONLY)
	if err != nil {
		s.logger.Error("error opening file", "error", err)
		return nil, status(err)
	}
	return file, nil
}

func (s *fileSys) Filewrite(request *sftp.Request) (io.WriterAt, error) {
	s.debug("Filewrite", request)
	file, err := s.fs.File(request.Filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		s.logger.Error("error opening file", "error", err)
		return nil, status(err)
	}
	return file, nil
}

func (s *fileSys) Filecmd(request *sftp.Request) error {
	s.debug("Filecmd", request)
	switch request.Method {
	case "Setstat":
		mode := request.Attributes().FileMode()
		if mode == 0 {
			return nil
		}
		return status(s.fs.SetStat(request.Filepath, uint32(mode)))

	case "Rename":
		// SFTP-v2: "It is an error if there already exists a file with the name specified by newpath."
		if _, err := s.fs.Stat(request.Target); err == nil {
			return fs.ErrExist
		}
		return status(s.fs.Rename(request.Filepath, request.Target))

	case "Rmdir":
		if err := s.fs.CheckDir(request.Filepath); err != nil {
			return status(err)
		}
		return status(s.fs.Remove(request.Filepath))

	case "Remove":
		return status(s.fs.Remove(request.Filepath))

	case "Mkdir":
		return status(s.fs.MakeDir(request.Filepath))
	}

	return fmt.Errorf("unsupported method %q", request.Method)
}

type ListerAt []os.FileInfo

// ListAt Modeled after strings.Reader's ReadAt() implementation
func (f ListerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(f)) {
		return 0, io.EOF
	}
	n := copy(ls, f[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

func (s *fileSys) Filelist(request *sftp.Request) (sftp.ListerAt, error) {
	s.debug("Filelist", request)

	switch request.Method {
	case "List":
		entries, err := s.fs.Dir(request.Filepath)
		if err != nil {
			return nil, status(err)
		}
		return ListerAt(entries), nil
	case "Stat":
		entry, err := s.fs.Stat(request.Filepath)
		if err != nil {
			return nil, status(err)
		}
		return ListerAt{entry}, nil
	case "Lstat":
		entry, err := s.fs.Lstat(request.Filepath)
		if err != nil {
			return nil, status(err)
		}
		return ListerAt{entry}, nil
	}
	return nil, fmt.Errorf("unsupported method %q", request.Method)
}
