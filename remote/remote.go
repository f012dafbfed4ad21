// Description: remote package
// This package defines the capability a remote file server has to offer:
// a Service that authenticates and hands out a Conn, and a Conn that exposes
// one synchronous primitive per remote call (list, get, put, delete, mkdir, rmdir, rename, size)
// Recursive work is never done here, it is composed on top of these primitives by the tree package

package remote

import (
	"context"
	"io"
)

// TransferMode is the data representation used for transfers
type TransferMode string

const (
	// ModeASCII is the text transfer mode "A"
	ModeASCII TransferMode = "A"
	// ModeBinary is the image transfer mode "I"
	ModeBinary TransferMode = "I"
)

// Credentials is everything needed to open a connection
// Protocol selects the Service, when empty the registry default is used
type Credentials struct {
	Protocol string `json:"protocol,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Entry is a machine readable listing entry, Name plus the facts the server reported
type Entry struct {
	Name       string            `json:"filename"`
	Attributes map[string]string `json:"attributes"`
}

// Service establishes authenticated connections
type Service interface {
	// Authenticate connects to the host and logs in.
	// It returns the connection and the server greeting if there is one.
	// Transport failures wrap ErrConnection, rejected credentials wrap ErrAuthentication.
	Authenticate(ctx context.Context, creds Credentials) (Conn, string, error)
}

// Conn is a single live connection to a remote server.
// A Conn is not safe for concurrent use, the protocol is request/response over one channel.
type Conn interface {
	// Close gracefully closes the connection
	Close() error
	// ProbeAlive issues a no-op round-trip
	ProbeAlive() error

	// ChangeDir changes the working directory
	ChangeDir(dir string) error
	// CurrentDir returns the working directory
	CurrentDir() (string, error)

	// ListNames lists the names in the working directory
	ListNames() ([]string, error)
	// ListDetailed lists the working directory as raw server lines
	ListDetailed() ([]string, error)
	// ListMachine lists the working directory in machine readable form
	ListMachine() ([]Entry, error)

	// ReadFile streams the file content into w
	ReadFile(name string, w io.Writer) (int64, error)
	// WriteFile creates or truncates the file and writes the content of r
	WriteFile(name string, r io.Reader) error
	// WriteUnique stores r under a name chosen by the server and returns the server acknowledgement
	WriteUnique(suggested string, r io.Reader) (string, error)

	// DeleteFile removes a file, a missing file wraps fs.ErrNotExist
	DeleteFile(name string) error
	// MakeDir creates a directory, an existing directory wraps fs.ErrExist
	MakeDir(dir string) error
	// RemoveDir removes an empty directory
	RemoveDir(dir string) error
	// Rename renames or moves a file or directory
	Rename(from, to string) error
	// Size returns the size of the file in bytes
	Size(name string) (int64, error)

	// TransferMode returns the transfer mode last set on the connection
	TransferMode() TransferMode
	// SetTransferMode switches the transfer mode
	SetTransferMode(mode TransferMode) error

	// RawCommand sends a command as is and returns the server response text
	RawCommand(text string) (string, error)
	// Abort aborts the in-flight transfer if there is one.
	// Callers serialize it with the other methods, so it only interrupts a transfer the
	// implementation leaves open between calls.
	Abort() error
}
