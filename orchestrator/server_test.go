package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/guseggert/claudeorchestra/orchestrator/hub"
	"github.com/guseggert/claudeorchestra/orchestrator/session"
	"github.com/guseggert/claudeorchestra/orchestrator/store"
)

// fakeClaude replies to every input line and prints a prompt sentinel, so
// tests exercise real pipes without the claude binary.
const fakeClaude = `while read line; do echo "claude says: $line"; printf '> '; done`

type testEnv struct {
	server *Server
	client *Client
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	sessionCfg := session.Config{
		Command:       "/bin/sh",
		Args:          []string{"-c", fakeClaude},
		WorkspaceRoot: t.TempDir(),
		GraceTimeout:  100 * time.Millisecond,
	}
	channelCfg := session.ChannelConfig{
		Sentinels:   []string{"> "},
		IdleQuiet:   2 * time.Second,
		MinResponse: 500,
		HardTimeout: 10 * time.Second,
	}

	base := []Option{
		WithListenAddr("127.0.0.1:0"),
		WithLogger(zaptest.NewLogger(t)),
		WithSessionConfig(sessionCfg),
		WithChannelConfig(channelCfg),
		WithSnapshotPath(""),
	}
	server, err := New(append(base, opts...)...)
	require.NoError(t, err)

	go server.Run()
	select {
	case <-server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never started listening")
	}
	t.Cleanup(func() { server.Stop() })

	client := NewClient(zaptest.NewLogger(t).Sugar(), "http://"+server.Addr().String(),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.RetryMax = 2
			// Retry only transport failures so error statuses reach assertions.
			r.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
				return err != nil, nil
			}
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))

	return &testEnv{server: server, client: client}
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	workdir := filepath.Join(t.TempDir(), "abc")
	st, err := env.client.StartProcess(ctx, "abc", workdir)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, workdir, st.Workdir)
	firstPID := st.PID

	// Starting again while alive is a no-op.
	st, err = env.client.StartProcess(ctx, "abc", "")
	require.NoError(t, err)
	assert.Equal(t, firstPID, st.PID)

	resp, err := env.client.SendCommand(ctx, "abc", "hello")
	require.NoError(t, err)
	assert.Contains(t, resp, "claude says: hello")

	require.NoError(t, env.client.StopProcess(ctx, "abc"))
	require.Eventually(t, func() bool {
		st, err := env.client.ProcessStatus(ctx, "abc")
		return err == nil && !st.Running
	}, 5*time.Second, 20*time.Millisecond)

	// A stopped session restarts with a fresh process.
	st, err = env.client.StartProcess(ctx, "abc", "")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.NotEqual(t, firstPID, st.PID)
}

func TestCommandToUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.SendCommand(context.Background(), "ghost", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestStatusOfUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.ProcessStatus(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	err = env.client.StopProcess(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCreateProcessValidation(t *testing.T) {
	env := newTestEnv(t)

	body, err := json.Marshal(map[string]string{"workdir": "/tmp/x"})
	require.NoError(t, err)
	resp, err := http.Post("http://"+env.server.Addr().String()+"/claude/processes",
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSpawnFailureIs500(t *testing.T) {
	env := newTestEnv(t, WithSessionConfig(session.Config{
		Command:       "/definitely/not/a/binary",
		WorkspaceRoot: t.TempDir(),
		GraceTimeout:  100 * time.Millisecond,
	}))

	_, err := env.client.StartProcess(context.Background(), "abc", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestListProcesses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.StartProcess(ctx, "one", "")
	require.NoError(t, err)
	_, err = env.client.StartProcess(ctx, "two", "")
	require.NoError(t, err)

	all, err := env.client.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all["one"].Running)
	assert.True(t, all["two"].Running)
}

func TestWebSocketCommandFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rt, err := env.client.Realtime(ctx)
	require.NoError(t, err)
	defer rt.Close()

	msg, err := rt.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeWelcome, msg.Type)

	require.NoError(t, rt.Auth(ctx, "wsess"))
	msg, err = rt.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeAuthSuccess, msg.Type)
	assert.Equal(t, "wsess", msg.SessionID)

	// The command handler starts the session process on demand.
	require.NoError(t, rt.Command(ctx, "wsess", "ping"))
	msg, err = rt.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeClaudeOutput, msg.Type)
	assert.Equal(t, "wsess", msg.SessionID)
	assert.Contains(t, msg.Content, "claude says: ping")
}

func TestWebSocketCommandFailureIsErrorEvent(t *testing.T) {
	env := newTestEnv(t, WithSessionConfig(session.Config{
		Command:       "/definitely/not/a/binary",
		WorkspaceRoot: t.TempDir(),
		GraceTimeout:  100 * time.Millisecond,
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rt, err := env.client.Realtime(ctx)
	require.NoError(t, err)
	defer rt.Close()

	msg, err := rt.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeWelcome, msg.Type)

	require.NoError(t, rt.Auth(ctx, "wsess"))
	_, err = rt.Read(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.Command(ctx, "wsess", "ping"))
	msg, err = rt.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, hub.TypeError, msg.Type)
	assert.NotEmpty(t, msg.Message)
}

func TestSnapshotWrittenOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	env := newTestEnv(t, WithSnapshotPath(path), WithSnapshotInterval(time.Hour))
	ctx := context.Background()

	_, err := env.client.StartProcess(ctx, "abc", "")
	require.NoError(t, err)
	_, err = env.client.SendCommand(ctx, "abc", "hello")
	require.NoError(t, err)

	require.NoError(t, env.server.Stop())

	restored := store.New(zaptest.NewLogger(t).Sugar(), path)
	restored.Load()
	msgs := restored.Messages("abc")
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "claude", msgs[1].Role)

	// Business records ride along in the snapshot.
	sessions := restored.Sessions()
	require.Contains(t, sessions, "abc")
	require.NotEmpty(t, sessions["abc"].ProjectID)
	assert.Contains(t, restored.Projects(), sessions["abc"].ProjectID)
}
