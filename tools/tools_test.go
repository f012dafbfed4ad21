package tools

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIsPrintable(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "200 NOOP ok.", "200 NOOP ok."},
		{"crlf", "220 ready\r\n", "220 ready"},
		{"control", "a\x00b\x07c", "abc"},
		{"unicode", "257 \"/תיקייה\"", "257 \"/תיקייה\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrintable(tt.in))
			assert.Equal(t, tt.want, IsPrintable([]byte(tt.in)))
			assert.Equal(t, tt.want, IsPrintable([]rune(tt.in)))
		})
	}
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", Shorten("abc", 10))
	assert.Equal(t, "ab...", Shorten("abcdef", 2))
	assert.Equal(t, "abcdef", Shorten("abc\ndef", 0))
}

func TestLogReaderWriter(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	r := NewLogReader(strings.NewReader(strings.Repeat("x", 2048)), "/in.txt", logger)
	var out bytes.Buffer
	w := NewLogWriter(&out, "/out.txt", logger)

	n, err := io.Copy(w, r)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, n)
	assert.EqualValues(t, 2048, r.Count())
	assert.EqualValues(t, 2048, w.Count())

	r.Done("read")
	w.Done("written")
	assert.Contains(t, logs.String(), "path=/in.txt")
	assert.Contains(t, logs.String(), `size="2.0 kB"`)
}

func TestHttpResponseWriter(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rec := httptest.NewRecorder()
	rw := NewHttpResponseWriter(rec, logger)
	rw.WriteHeader(http.StatusTeapot)
	_, _ = rw.Write([]byte("short and stout"))

	assert.Equal(t, http.StatusTeapot, rw.Status)
	assert.EqualValues(t, 15, rw.Bytes)
	assert.Equal(t, rec, rw.Unwrap())

	rw.Log(httptest.NewRequest(http.MethodGet, "/v1/sessions", nil), time.Now())
	assert.Contains(t, logs.String(), "status=418")
}
