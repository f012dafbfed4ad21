// Description: FTP package
// This package contains the FTP backend of remote.Service, built on the gonzalop/ftp client
// It also contains the FTP reply codes and commands the backend relies on
// and the mapping of negative replies onto the errors the tree engine branches on

package ftp

import (
	"errors"
	"fmt"
	goftp "github.com/gonzalop/ftp"
	"strconv"
	"strings"
)

// StatusCode is a type for FTP status codes
type StatusCode = int

const (
	// Informational codes (1xx)
	StatusFileStatusOK StatusCode = 150 // File status okay; about to open data connection

	// Success codes (2xx)
	StatusCommandOK             StatusCode = 200 // Command okay
	StatusNameSystemType        StatusCode = 215 // NAME system type
	StatusClosingDataConnection StatusCode = 226 // Closing data connection; requested file action successful
	StatusFileActionOK          StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated       StatusCode = 257 // "PATHNAME" created

	// Transient Negative Completion codes (4xx)
	StatusServiceNotAvailable         StatusCode = 421 // Service not available, closing control connection
	StatusRequestedFileActionNotTaken StatusCode = 450 // Requested file action not taken

	// Permanent Negative Completion codes (5xx)
	StatusCommandNotImplementedForParam StatusCode = 504 // Command not implemented for that parameter
	StatusDirectoryAlreadyExists        StatusCode = 521 // Directory already exists (RFC 959 implementations)
	StatusNotLoggedIn                   StatusCode = 530 // Not logged in
	StatusFileUnavailable               StatusCode = 550 // Requested action not taken; File unavailable
)

var statusText = map[StatusCode]string{
	150: "StatusFileStatusOK",
	200: "StatusCommandOK",
	215: "StatusNameSystemType",
	226: "StatusClosingDataConnection",
	250: "StatusFileActionOK",
	257: "StatusPathnameCreated",
	421: "StatusServiceNotAvailable",
	450: "StatusRequestedFileActionNotTaken",
	504: "StatusCommandNotImplementedForParam",
	521: "StatusDirectoryAlreadyExists",
	530: "StatusNotLoggedIn",
	550: "StatusFileUnavailable",
}

func StatusText(code int) string {
	return statusText[code]
}

type Command = string

const (
	TYPE Command = "TYPE" // Set data transfer type (ASCII/Binary)
	ABOR Command = "ABOR" // Abort an active transfer
	NOOP Command = "NOOP" // No operation
)

// ReplyCode returns the reply code carried by a client error, 0 when there is none
func ReplyCode(err error) int {
	var pe *goftp.ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// replyText renders a reply as the server sent it, code first
func replyText(code int, msg string) string {
	msg = strings.TrimSpace(msg)
	prefix := strconv.Itoa(code)
	if strings.HasPrefix(msg, prefix) {
		return msg
	}
	if msg == "" {
		return prefix
	}
	return fmt.Sprintf("%s %s", prefix, msg)
}

// positive reports whether the code is a 1xx, 2xx or 3xx reply
func positive(code int) bool {
	return code >= 100 && code < 400
}
