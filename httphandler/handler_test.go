package httphandler

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/remotefs/ops"
	"github.com/telebroad/remotefs/remote/remotetest"
	"github.com/telebroad/remotefs/session"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type envelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorBody      `json:"error"`
}

func newTestServer(t *testing.T) (*httptest.Server, *remotetest.Service) {
	t.Helper()
	svc := remotetest.NewService()
	svc.Users = map[string]string{"user": "pass"}
	reg := session.NewRegistry()
	reg.Register("mem", svc)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	srv := httptest.NewServer(NewHandler(ops.New(reg, nil)))
	t.Cleanup(srv.Close)
	return srv, svc
}

func post(t *testing.T, srv *httptest.Server, op string, body any) (int, envelope) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/"+op, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func connect(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	status, env := post(t, srv, "connect", map[string]any{"host": "mem", "username": "user", "password": "pass"})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, env.Error)
	var res map[string]string
	require.NoError(t, json.Unmarshal(env.Result, &res))
	require.NotEmpty(t, res["session_id"])
	assert.Equal(t, "220 remotetest ready", res["greeting"])
	return res["session_id"]
}

func TestHandler_Operations(t *testing.T) {
	srv, svc := newTestServer(t)
	id := connect(t, srv)
	svc.FS.Put("/pub/a.txt", []byte("hello"))

	status, env := post(t, srv, "nlst", map[string]string{"session_id": id, "path": "/pub"})
	require.Equal(t, http.StatusOK, status)
	var names []string
	require.NoError(t, json.Unmarshal(env.Result, &names))
	assert.Contains(t, names, "a.txt")

	status, env = post(t, srv, "retrieve", map[string]string{"session_id": id, "path": "/pub/a.txt"})
	require.Equal(t, http.StatusOK, status)
	var content map[string][]byte
	require.NoError(t, json.Unmarshal(env.Result, &content))
	assert.Equal(t, "hello", string(content["content"]))

	status, _ = post(t, srv, "copy_recursive", map[string]string{"session_id": id, "from": "/pub", "to": "/copy"})
	require.Equal(t, http.StatusOK, status)

	status, env = post(t, srv, "tree", map[string]string{"session_id": id, "path": "/copy"})
	require.Equal(t, http.StatusOK, status)
	var paths []string
	require.NoError(t, json.Unmarshal(env.Result, &paths))
	assert.Equal(t, []string{"/copy/a.txt"}, paths)

	status, env = post(t, srv, "quote", map[string]string{"session_id": id, "command": "SYST"})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"response":"215 UNIX Type: L8"}`, string(env.Result))

	local := filepath.Join(t.TempDir(), "up.txt")
	require.NoError(t, os.WriteFile(local, []byte("up"), 0o644))
	status, env = post(t, srv, "store", map[string]string{"session_id": id, "local": local, "remote": "/up.txt"})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"name":"/up.txt"}`, string(env.Result))

	status, _ = post(t, srv, "disconnect", map[string]string{"session_id": id})
	require.Equal(t, http.StatusOK, status)
}

func TestHandler_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	status, env := post(t, srv, "pwd", map[string]string{"session_id": "nope"})
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SessionNotFound", env.Error.Kind)
	assert.Contains(t, env.Error.Message, "nope")

	status, env = post(t, srv, "connect", map[string]any{"host": "mem", "username": "user", "password": "bad"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "ConnectError", env.Error.Kind)

	status, env = post(t, srv, "frobnicate", map[string]string{})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UnknownOperation", env.Error.Kind)

	id := connect(t, srv)
	status, env = post(t, srv, "store", map[string]string{"session_id": id, "local": filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "LocalResourceError", env.Error.Kind)

	status, env = post(t, srv, "delete_recursive", map[string]string{"session_id": id, "path": "/missing"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "TreeOperationError", env.Error.Kind)

	resp, err := http.Post(srv.URL+"/v1/pwd", "application/json", strings.NewReader(`{"bogus":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/pwd", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandler_Sessions(t *testing.T) {
	srv, _ := newTestServer(t)
	id := connect(t, srv)

	resp, err := http.Get(srv.URL + "/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env struct {
		Result []session.Info `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Len(t, env.Result, 1)
	assert.Equal(t, id, env.Result[0].ID)
	assert.Equal(t, "user", env.Result[0].Username)
}

func TestHandler_OperationList(t *testing.T) {
	names := Operations()
	assert.Contains(t, names, "connect")
	assert.Contains(t, names, "copy_recursive")
	assert.Len(t, names, len(operations))
}

func TestHandler_Websocket(t *testing.T) {
	srv, svc := newTestServer(t)
	svc.FS.MkdirAll("/a/b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"id": "1", "op": "connect", "host": "mem", "username": "user", "password": "pass"}))
	var env envelope
	require.NoError(t, wsjson.Read(ctx, c, &env))
	assert.Equal(t, "1", env.ID)
	require.Nil(t, env.Error)
	var res map[string]string
	require.NoError(t, json.Unmarshal(env.Result, &res))
	id := res["session_id"]

	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"id": "2", "op": "cwd", "session_id": id, "path": "/a/b"}))
	env = envelope{}
	require.NoError(t, wsjson.Read(ctx, c, &env))
	assert.Equal(t, "2", env.ID)
	assert.JSONEq(t, `{"cwd":"/a/b"}`, string(env.Result))

	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"id": "3", "op": "nope"}))
	env = envelope{}
	require.NoError(t, wsjson.Read(ctx, c, &env))
	assert.Equal(t, "3", env.ID)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UnknownOperation", env.Error.Kind)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
}
