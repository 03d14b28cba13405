package edge

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servehq/serve-sdk-go/internal/client/config"
	"github.com/servehq/serve-sdk-go/internal/client/serve"
	"github.com/servehq/serve-sdk-go/internal/client/store"
	"github.com/servehq/serve-sdk-go/internal/client/transport"
	"github.com/servehq/serve-sdk-go/internal/logging"
)

// stubPassword routes the no-echo prompt to a fixed password.
func stubPassword(t *testing.T, pw string) {
	t.Helper()
	old := readPassword
	readPassword = func(int) ([]byte, error) { return []byte(pw), nil }
	t.Cleanup(func() { readPassword = old })
}

// newTestApp builds an App against the in-process server, reading
// prompts from input and writing to the returned buffer.
func newTestApp(t *testing.T, srv *transport.Memory, input string) (*App, *bytes.Buffer) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	out := &bytes.Buffer{}
	app := &App{
		config: &config.Config{},
		store:  st,
		log:    logging.NewNop(),
		reader: bufio.NewReader(strings.NewReader(input)),
		out:    out,
	}
	app.client = serve.New(srv.Client(), serve.WithApplyFunc(app.applyChunk))
	return app, out
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	srv := transport.NewMemory()
	app, out := newTestApp(t, srv, "")
	require.NoError(t, app.Run(context.Background(), nil))
	assert.Contains(t, out.String(), "usage:")
}

func TestRun_SignupThenTeams(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	stubPassword(t, "pw")

	app, out := newTestApp(t, srv, "alice@example.com\n")
	require.NoError(t, app.Run(ctx, []string{"signup"}))
	assert.Contains(t, out.String(), "account created")

	app, out = newTestApp(t, srv, "alice@example.com\n")
	require.NoError(t, app.Run(ctx, []string{"create-team", "docs", "shared", "notes"}))
	assert.Contains(t, out.String(), "created team")

	app, out = newTestApp(t, srv, "alice@example.com\n")
	require.NoError(t, app.Run(ctx, []string{"teams"}))
	assert.Contains(t, out.String(), "docs")
	assert.Contains(t, out.String(), "shared notes")
}

func TestRun_SyncPersistsWatermark(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	stubPassword(t, "pw")

	// Server-side fixture: a team with one MEMBER who has uploaded.
	admin := serve.New(srv.Client())
	require.NoError(t, admin.Signup(ctx, "admin@example.com", []byte("pw")))
	require.NoError(t, admin.Login(ctx, "admin@example.com", []byte("pw")))
	member := serve.New(srv.Client())
	require.NoError(t, member.Signup(ctx, "bob@example.com", []byte("pw")))
	require.NoError(t, member.Login(ctx, "bob@example.com", []byte("pw")))

	teamID, err := admin.CreateTeam(ctx, "t", "")
	require.NoError(t, err)
	require.NoError(t, admin.InviteMember(ctx, teamID, "bob@example.com"))
	require.NoError(t, member.UploadChunks(ctx, teamID, "d.json", "application/json", []serve.PlainChunk{
		{Index: 0, Data: []byte("hello")},
	}))

	app, out := newTestApp(t, srv, "bob@example.com\n")
	require.NoError(t, app.Run(ctx, []string{"sync", teamID}))
	assert.Contains(t, out.String(), "1 chunk(s), watermark 0")

	v, err := app.store.Watermarks.Get(ctx, teamID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	// A later run on the same store resumes past the stored watermark.
	require.NoError(t, member.UploadChunks(ctx, teamID, "d.json", "application/json", []serve.PlainChunk{
		{Index: 0, Data: []byte("hello v2")},
	}))
	app.reader = bufio.NewReader(strings.NewReader("bob@example.com\n"))
	out.Reset()
	require.NoError(t, app.Run(ctx, []string{"sync", teamID}))
	assert.Contains(t, out.String(), "1 chunk(s), watermark 1")
}

func TestRun_WatchSyncsAtInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := transport.NewMemory()
	stubPassword(t, "pw")

	admin := serve.New(srv.Client())
	require.NoError(t, admin.Signup(ctx, "admin@example.com", []byte("pw")))
	require.NoError(t, admin.Login(ctx, "admin@example.com", []byte("pw")))
	member := serve.New(srv.Client())
	require.NoError(t, member.Signup(ctx, "bob@example.com", []byte("pw")))
	require.NoError(t, member.Login(ctx, "bob@example.com", []byte("pw")))

	teamID, err := admin.CreateTeam(ctx, "w", "")
	require.NoError(t, err)
	require.NoError(t, admin.InviteMember(ctx, teamID, "bob@example.com"))
	require.NoError(t, member.UploadChunks(ctx, teamID, "d.json", "application/json", []serve.PlainChunk{
		{Index: 0, Data: []byte("hello")},
	}))

	app, out := newTestApp(t, srv, "bob@example.com\n")
	app.config.SyncInterval = time.Hour

	// Cancel as soon as the first pass reports, so the loop exits at the
	// following interval wait instead of ticking for an hour.
	app.out = writerFunc(func(p []byte) (int, error) {
		n, err := out.Write(p)
		if strings.Contains(out.String(), "watermark") {
			cancel()
		}
		return n, err
	})

	require.NoError(t, app.Run(ctx, []string{"watch"}))
	assert.Contains(t, out.String(), "1 chunk(s), watermark 0")

	v, err := app.store.Watermarks.Get(context.Background(), teamID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

// writerFunc adapts a function to io.Writer.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestRun_UnknownCommand(t *testing.T) {
	ctx := context.Background()
	srv := transport.NewMemory()
	stubPassword(t, "pw")

	app, _ := newTestApp(t, srv, "alice@example.com\n")
	require.NoError(t, app.Run(ctx, []string{"signup"}))

	app, _ = newTestApp(t, srv, "alice@example.com\n")
	err := app.Run(ctx, []string{"frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, "application/json", detectType("d.json"))
	assert.Equal(t, "text/plain", detectType("README.md"))
	assert.Equal(t, "application/octet-stream", detectType("blob.bin"))
}
