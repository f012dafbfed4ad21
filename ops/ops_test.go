package ops

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/remotefs/remote"
	"github.com/telebroad/remotefs/remote/remotetest"
	"github.com/telebroad/remotefs/session"
	"github.com/telebroad/remotefs/tree"
	"golang.org/x/sync/errgroup"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setup(t *testing.T) (*Operations, *remotetest.Service, string) {
	t.Helper()
	svc := remotetest.NewService()
	svc.Users = map[string]string{"user": "pass"}
	reg := session.NewRegistry()
	reg.Register("mem", svc)
	o := New(reg, tree.NewEngine())

	id, greeting, err := o.Connect(context.Background(), remote.Credentials{Host: "mem", Username: "user", Password: "pass"})
	require.NoError(t, err)
	require.NotEmpty(t, greeting)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return o, svc, id
}

func TestOperations_ConnectResolveDisconnect(t *testing.T) {
	o, _, id := setup(t)
	ctx := context.Background()

	_, err := o.CurrentDir(ctx, id)
	require.NoError(t, err)

	require.NoError(t, o.Disconnect(ctx, id))
	_, err = o.CurrentDir(ctx, id)
	assert.True(t, remote.IsKind(err, remote.KindSessionNotFound))

	assert.NoError(t, o.Disconnect(ctx, "unknown"))
}

func TestOperations_Listings(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	svc.FS.Put("/pub/a.txt", []byte("a"))
	svc.FS.MkdirAll("/pub/dir")

	names, err := o.NameList(ctx, id, "/pub")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "a.txt", "dir"}, names)

	lines, err := o.List(ctx, id, "/pub")
	require.NoError(t, err)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[3], "drwxr-xr-x")

	entries, err := o.MachineList(ctx, id, "/pub")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "a.txt", entries[2].Name)
	assert.Equal(t, "file", entries[2].Attributes["type"])

	cwd, err := o.CurrentDir(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/", cwd, "listing must not move the working directory")

	_, err = o.NameList(ctx, id, "/missing")
	assert.True(t, remote.IsKind(err, remote.KindRemote))
}

func TestOperations_Navigation(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	svc.FS.MkdirAll("/a/b")

	cwd, err := o.ChangeDir(ctx, id, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", cwd)

	cwd, err = o.ChangeDirUp(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/a", cwd)

	require.NoError(t, o.MakeDir(ctx, id, "new"))
	assert.True(t, svc.FS.Exists("/a/new"))

	err = o.MakeDir(ctx, id, "new")
	assert.True(t, remote.IsExist(err))

	require.NoError(t, o.RemoveDir(ctx, id, "/a/new"))
	assert.False(t, svc.FS.Exists("/a/new"))
}

func TestOperations_StoreRetrieveDownload(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	dir := t.TempDir()
	local := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(local, []byte("a,b\n1,2\n"), 0o644))

	name, err := o.Store(ctx, id, local, "")
	require.NoError(t, err)
	assert.Equal(t, "report.csv", name)

	b, ok := svc.FS.Content("/report.csv")
	require.True(t, ok)
	assert.Equal(t, "a,b\n1,2\n", string(b))

	content, err := o.Retrieve(ctx, id, "report.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))
	assert.Equal(t, remote.ModeASCII, svc.Last().Mode())

	out := filepath.Join(dir, "copy.csv")
	n, err := o.Download(ctx, id, "/report.csv", out)
	require.NoError(t, err)
	assert.EqualValues(t, 8, n)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))

	_, err = o.Store(ctx, id, local, "renamed.csv")
	require.NoError(t, err)
	assert.True(t, svc.FS.Exists("/renamed.csv"))
}

func TestOperations_StoreMissingLocalFile(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	missing := filepath.Join(t.TempDir(), "nope.txt")

	_, err := o.Store(ctx, id, missing, "")
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindLocalResource))
	assert.Contains(t, err.Error(), "local file not found")

	_, err = o.StoreUnique(ctx, id, missing)
	assert.True(t, remote.IsKind(err, remote.KindLocalResource))

	assert.Equal(t, 0, svc.Last().CountCalls("stor"))
}

func TestOperations_StoreUnique(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0o644))
	svc.FS.Put("/upload.txt", []byte("taken"))

	name, err := o.StoreUnique(ctx, id, local)
	require.NoError(t, err)
	assert.Equal(t, "upload.txt.1", name)

	names, err := o.NameList(ctx, id, "/")
	require.NoError(t, err)
	assert.Contains(t, names, name)
}

func TestOperations_RenameMoveDelete(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	svc.FS.Put("/in/a.txt", []byte("a"))
	svc.FS.MkdirAll("/archive")

	require.NoError(t, o.Rename(ctx, id, "/in/a.txt", "/in/b.txt"))
	assert.True(t, svc.FS.Exists("/in/b.txt"))

	target, err := o.Move(ctx, id, "/in/b.txt", "/archive")
	require.NoError(t, err)
	assert.Equal(t, "/archive/b.txt", target)
	assert.True(t, svc.FS.Exists("/archive/b.txt"))

	target, err = o.Move(ctx, id, "/archive/b.txt", "/in/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "/in/c.txt", target)

	require.NoError(t, o.Delete(ctx, id, "/in/c.txt"))
	err = o.Delete(ctx, id, "/in/c.txt")
	assert.True(t, remote.IsNotExist(err))
}

func TestOperations_Size(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	svc.FS.Put("/f.bin", make([]byte, 1234))

	n, err := o.Size(ctx, id, "/f.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 1234, n)
	assert.Equal(t, remote.ModeASCII, svc.Last().Mode())

	_, err = o.Size(ctx, id, "/none")
	assert.Error(t, err)
	assert.Equal(t, remote.ModeASCII, svc.Last().Mode())
}

func TestOperations_Commands(t *testing.T) {
	o, _, id := setup(t)
	ctx := context.Background()

	resp, err := o.SendCommand(ctx, id, "SYST")
	require.NoError(t, err)
	assert.Equal(t, "215 UNIX Type: L8", resp)

	require.NoError(t, o.VoidCommand(ctx, id, "NOOP"))

	err = o.VoidCommand(ctx, id, "XYZZY")
	require.Error(t, err)
	assert.True(t, remote.IsKind(err, remote.KindProtocolResponse))

	require.NoError(t, o.Abort(ctx, id))
}

func TestIsPositiveCompletion(t *testing.T) {
	assert.True(t, IsPositiveCompletion("200 NOOP ok."))
	assert.True(t, IsPositiveCompletion(" 250 done"))
	assert.False(t, IsPositiveCompletion("550 no"))
	assert.False(t, IsPositiveCompletion("150 FILE: x"))
	assert.False(t, IsPositiveCompletion("ok"))
	assert.False(t, IsPositiveCompletion(""))
}

func TestOperations_RecursiveAndTree(t *testing.T) {
	o, svc, id := setup(t)
	ctx := context.Background()
	svc.FS.Put("/a/f1.txt", []byte("one"))
	svc.FS.Put("/a/sub/f2.txt", []byte("two"))

	require.NoError(t, o.CopyRecursive(ctx, id, "/a", "/b"))
	paths, err := o.Tree(ctx, id, "/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"/b/f1.txt", "/b/sub/", "/b/sub/f2.txt"}, paths)

	require.NoError(t, o.DeleteRecursive(ctx, id, "/b"))
	assert.False(t, svc.FS.Exists("/b"))

	err = o.DeleteRecursive(ctx, id, "/b")
	assert.True(t, remote.IsKind(err, remote.KindTreeOperation))
	assert.True(t, remote.IsNotExist(err))
}

func TestOperations_AbortWaitsForSession(t *testing.T) {
	o, svc, id := setup(t)
	svc.Delay = 200 * time.Microsecond
	svc.FS.Put("/a/f1.txt", []byte("one"))
	svc.FS.Put("/a/sub/f2.txt", []byte("two"))
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error { return o.CopyRecursive(ctx, id, "/a", "/b") })
	g.Go(func() error { return o.Abort(ctx, id) })
	require.NoError(t, g.Wait())

	assert.Equal(t, 0, svc.Last().Overlaps())
	assert.Equal(t, remotetest.Snapshot(svc.FS, "/a"), remotetest.Snapshot(svc.FS, "/b"))
}

func TestOperations_ConcurrentCallersAreSerialized(t *testing.T) {
	svc := remotetest.NewService()
	svc.Delay = 200 * time.Microsecond
	reg := session.NewRegistry()
	reg.Register("mem", svc)
	o := New(reg, nil)
	ctx := context.Background()

	id, _, err := o.Connect(ctx, remote.Credentials{Username: "user"})
	require.NoError(t, err)
	svc.FS.Put("/a/f1.txt", []byte("one"))
	svc.FS.Put("/a/sub/f2.txt", []byte("two"))

	var g errgroup.Group
	g.Go(func() error { return o.CopyRecursive(ctx, id, "/a", "/b") })
	g.Go(func() error { return o.CopyRecursive(ctx, id, "/a", "/c") })
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := o.NameList(ctx, id, "/a")
			return err
		})
		g.Go(func() error {
			_, err := o.Size(ctx, id, "/a/f1.txt")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, svc.Last().Overlaps())
	assert.Equal(t, remotetest.Snapshot(svc.FS, "/a"), remotetest.Snapshot(svc.FS, "/c"))

	sessions := o.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
}
