package tools

import (
	"bufio"
	"github.com/dustin/go-humanize"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// LogReader counts the bytes read through it and logs the transfer when done
type LogReader struct {
	Reader io.Reader
	logger *slog.Logger
	name   string
	start  time.Time
	n      atomic.Int64
}

func (rw *LogReader) Read(b []byte) (int, error) {
	n, err := rw.Reader.Read(b)
	if n > 0 { // count only the read portion
		rw.n.Add(int64(n))
	}
	return n, err
}

// Count returns the bytes read so far
func (rw *LogReader) Count() int64 {
	return rw.n.Load()
}

// Done logs the size and duration of the transfer
func (rw *LogReader) Done(msg string) {
	logTransfer(rw.logger, msg, rw.name, rw.Count(), rw.start)
}

func NewLogReader(r io.Reader, name string, logger *slog.Logger) *LogReader {
	return &LogReader{Reader: r, name: name, logger: logger, start: time.Now()}
}

// LogWriter counts the bytes written through it and logs the transfer when done
type LogWriter struct {
	Writer io.Writer
	logger *slog.Logger
	name   string
	start  time.Time
	n      atomic.Int64
}

func (rw *LogWriter) Write(b []byte) (int, error) {
	n, err := rw.Writer.Write(b)
	rw.n.Add(int64(n))
	return n, err
}

// Count returns the bytes written so far
func (rw *LogWriter) Count() int64 {
	return rw.n.Load()
}

// Done logs the size and duration of the transfer
func (rw *LogWriter) Done(msg string) {
	logTransfer(rw.logger, msg, rw.name, rw.Count(), rw.start)
}

func NewLogWriter(w io.Writer, name string, logger *slog.Logger) *LogWriter {
	return &LogWriter{Writer: w, name: name, logger: logger, start: time.Now()}
}

func logTransfer(logger *slog.Logger, msg, name string, n int64, start time.Time) {
	if logger == nil {
		return
	}
	logger.Info(msg,
		"path", name,
		"bytes", n,
		"size", humanize.Bytes(uint64(n)),
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

// HttpResponseWriter records the status code and the body size of a response
type HttpResponseWriter struct {
	http.ResponseWriter
	logger *slog.Logger
	Status int
	Bytes  int64
}

func (rw *HttpResponseWriter) WriteHeader(code int) {
	rw.Status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *HttpResponseWriter) Write(b []byte) (int, error) {
	if rw.Status == 0 {
		rw.Status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *HttpResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection over, the websocket upgrade needs it
func (rw *HttpResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.Status = http.StatusSwitchingProtocols
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Log logs the request line with the recorded status and size
func (rw *HttpResponseWriter) Log(r *http.Request, start time.Time) {
	if rw.logger == nil {
		return
	}
	rw.logger.Debug("Respond",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rw.Status,
		"size", humanize.Bytes(uint64(rw.Bytes)),
		"duration", time.Since(start).Round(time.Microsecond),
	)
}

func NewHttpResponseWriter(w http.ResponseWriter, logger *slog.Logger) *HttpResponseWriter {
	return &HttpResponseWriter{ResponseWriter: w, logger: logger}
}
