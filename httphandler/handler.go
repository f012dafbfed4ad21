// http-handler: JSON over HTTP and websocket dispatch of the remote file operations

package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/telebroad/remotefs/ops"
	"github.com/telebroad/remotefs/remote"
	"github.com/telebroad/remotefs/tools"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// maxBody bounds a request envelope
const maxBody = 1 << 20

// Request is the envelope of every call, each operation reads the fields it needs
type Request struct {
	// ID is echoed back in the response, websocket callers use it to match replies
	ID      string `json:"id,omitempty"`
	Op      string `json:"op,omitempty"`
	Session string `json:"session_id,omitempty"`

	remote.Credentials

	Path    string `json:"path,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Local   string `json:"local,omitempty"`
	Remote  string `json:"remote,omitempty"`
	Command string `json:"command,omitempty"`
}

type Response struct {
	ID     string     `json:"id,omitempty"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrUnknownOperation is returned for an op no handler serves
var ErrUnknownOperation = errors.New("unknown operation")

type operation func(ctx context.Context, o *ops.Operations, req *Request) (any, error)

var operations = map[string]operation{
	"connect": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		id, greeting, err := o.Connect(ctx, req.Credentials)
		return map[string]string{"session_id": id, "greeting": greeting}, err
	},
	"disconnect": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.Disconnect(ctx, req.Session)
	},
	"nlst": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return o.NameList(ctx, req.Session, req.Path)
	},
	"list": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return o.List(ctx, req.Session, req.Path)
	},
	"mlsd": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return o.MachineList(ctx, req.Session, req.Path)
	},
	"retrieve": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		b, err := o.Retrieve(ctx, req.Session, req.Path)
		return map[string][]byte{"content": b}, err
	},
	"download": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		n, err := o.Download(ctx, req.Session, req.Remote, req.Local)
		return map[string]int64{"bytes": n}, err
	},
	"store": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		name, err := o.Store(ctx, req.Session, req.Local, req.Remote)
		return map[string]string{"name": name}, err
	},
	"store_unique": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		name, err := o.StoreUnique(ctx, req.Session, req.Local)
		return map[string]string{"name": name}, err
	},
	"rename": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.Rename(ctx, req.Session, req.From, req.To)
	},
	"move": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		p, err := o.Move(ctx, req.Session, req.From, req.To)
		return map[string]string{"path": p}, err
	},
	"cwd": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		cwd, err := o.ChangeDir(ctx, req.Session, req.Path)
		return map[string]string{"cwd": cwd}, err
	},
	"cdup": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		cwd, err := o.ChangeDirUp(ctx, req.Session)
		return map[string]string{"cwd": cwd}, err
	},
	"pwd": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		cwd, err := o.CurrentDir(ctx, req.Session)
		return map[string]string{"cwd": cwd}, err
	},
	"mkd": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.MakeDir(ctx, req.Session, req.Path)
	},
	"rmd": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.RemoveDir(ctx, req.Session, req.Path)
	},
	"delete": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.Delete(ctx, req.Session, req.Path)
	},
	"abort": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.Abort(ctx, req.Session)
	},
	"size": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		n, err := o.Size(ctx, req.Session, req.Path)
		return map[string]int64{"size": n}, err
	},
	"quote": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		resp, err := o.SendCommand(ctx, req.Session, req.Command)
		return map[string]string{"response": resp}, err
	},
	"void": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.VoidCommand(ctx, req.Session, req.Command)
	},
	"delete_recursive": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.DeleteRecursive(ctx, req.Session, req.Path)
	},
	"copy_recursive": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return map[string]bool{"ok": true}, o.CopyRecursive(ctx, req.Session, req.From, req.To)
	},
	"tree": func(ctx context.Context, o *ops.Operations, req *Request) (any, error) {
		return o.Tree(ctx, req.Session, req.Path)
	},
}

// Operations lists the op names the handler dispatches
func Operations() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler serves the operations under /v1
type Handler struct {
	ops    *ops.Operations
	mux    *http.ServeMux
	logger *slog.Logger
}

func NewHandler(o *ops.Operations) *Handler {
	h := &Handler{ops: o, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /v1/sessions", h.sessions)
	h.mux.HandleFunc("GET /v1/operations", h.operationList)
	h.mux.HandleFunc("GET /v1/ws", h.serveWS)
	h.mux.HandleFunc("POST /v1/{op}", h.call)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	return h
}

func (h *Handler) SetLogger(l *slog.Logger) {
	h.logger = l
}

func (h *Handler) Logger() *slog.Logger {
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h.logger.With("module", "http-server-handler")
}

// ServeHTTP serves the request implementing the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := tools.NewHttpResponseWriter(w, h.Logger())
	defer lw.Log(r, start)

	switch r.Method {
	case http.MethodGet, http.MethodPost:
		h.mux.ServeHTTP(lw, r)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, POST")
		lw.WriteHeader(http.StatusOK)
	default:
		writeError(lw, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	}
}

// dispatch runs one request and builds its response
func (h *Handler) dispatch(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{ID: req.ID}
	op, ok := operations[req.Op]
	if !ok {
		return resp, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Op)
	}
	result, err := op(ctx, h.ops, req)
	if err != nil {
		return resp, err
	}
	resp.Result = result
	return resp, nil
}

func (h *Handler) call(w http.ResponseWriter, r *http.Request) {
	var req Request
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "invalid request body: "+err.Error())
			return
		}
	}
	req.Op = r.PathValue("op")

	resp, err := h.dispatch(r.Context(), &req)
	if err != nil {
		status, body := errorBody(err)
		resp.Error = body
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Result: h.ops.Sessions()})
}

func (h *Handler) operationList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Result: Operations()})
}

// errorBody maps an error onto the http status and the error payload
func errorBody(err error) (int, *ErrorBody) {
	if errors.Is(err, ErrUnknownOperation) {
		return http.StatusNotFound, &ErrorBody{Kind: "UnknownOperation", Message: err.Error()}
	}
	kind := remote.KindOf(err)
	status := http.StatusBadGateway
	switch kind {
	case remote.KindSessionNotFound:
		status = http.StatusNotFound
	case remote.KindLocalResource:
		status = http.StatusBadRequest
	case remote.KindUnknown:
		status = http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
	}
	return status, &ErrorBody{Kind: kind.String(), Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, Response{Error: &ErrorBody{Kind: kind, Message: msg}})
}
