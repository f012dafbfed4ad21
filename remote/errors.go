package remote

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrConnection is wrapped when the transport cannot be established
	ErrConnection = errors.New("connection failed")
	// ErrAuthentication is wrapped when the server rejects the credentials
	ErrAuthentication = errors.New("authentication failed")
	// ErrUnknownProtocol is wrapped when no Service is registered for the protocol
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrTooDeep is wrapped when a tree walk goes deeper than the engine allows
	ErrTooDeep = errors.New("directory tree too deep")
)

// Kind distinguishes the failure classes a caller can branch on
type Kind int

const (
	KindUnknown Kind = iota
	// KindSessionNotFound the session id is absent or was evicted
	KindSessionNotFound
	// KindConnect transport or authentication failure at connect time
	KindConnect
	// KindTreeOperation a primitive failed during a recursive walk
	KindTreeOperation
	// KindProtocolResponse a server acknowledgement did not match the expected text
	KindProtocolResponse
	// KindLocalResource a local file referenced by an upload does not exist
	KindLocalResource
	// KindRemote a single primitive failed outside a recursive walk
	KindRemote
)

var kindText = map[Kind]string{
	KindUnknown:          "UnknownError",
	KindSessionNotFound:  "SessionNotFound",
	KindConnect:          "ConnectError",
	KindTreeOperation:    "TreeOperationError",
	KindProtocolResponse: "ProtocolResponseError",
	KindLocalResource:    "LocalResourceError",
	KindRemote:           "RemoteOperationError",
}

func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText makes the kind readable in json payloads
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is the structured failure returned by every operation
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "delete" or "connect"
	Op string
	// Path is the remote path being processed, if any
	Path string
	// Msg replaces the default message when set
	Msg string
	Err error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Op
		if e.Path != "" {
			msg = fmt.Sprintf("%s '%s'", e.Op, e.Path)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind
func NewError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the Kind of the first Error in the chain, KindUnknown if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotExist reports whether err says the remote entry does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsExist reports whether err says the remote entry already exists
func IsExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}
