package hub

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/guseggert/claudeorchestra/orchestrator/session"
)

func statusFixture(sessionID string) session.Status {
	exitCode := 0
	now := time.Now()
	return session.Status{
		SessionID: sessionID,
		Running:   false,
		PID:       1234,
		StartTime: now.Add(-time.Minute),
		ExitTime:  &now,
		ExitCode:  &exitCode,
		Workdir:   "/tmp/" + sessionID,
	}
}

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(zaptest.NewLogger(t).Sugar())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, srv
}

// dialAndWelcome connects a client and consumes the welcome frame.
func dialAndWelcome(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	msg := readFrame(t, conn)
	require.Equal(t, TypeWelcome, msg.Type)
	assert.NotEmpty(t, msg.Message)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func authenticate(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	writeFrame(t, conn, Message{Type: TypeAuth, SessionID: sessionID})
	msg := readFrame(t, conn)
	require.Equal(t, TypeAuthSuccess, msg.Type)
	require.Equal(t, sessionID, msg.SessionID)
}

func TestAuthSubscribes(t *testing.T) {
	h, srv := testHub(t)
	conn := dialAndWelcome(t, srv)

	authenticate(t, conn, "abc")
	assert.Equal(t, 1, h.SubscriberCount("abc"))
}

func TestAuthWithoutSessionID(t *testing.T) {
	_, srv := testHub(t)
	conn := dialAndWelcome(t, srv)

	writeFrame(t, conn, Message{Type: TypeAuth})
	msg := readFrame(t, conn)
	assert.Equal(t, TypeError, msg.Type)
}

func TestReauthMovesSubscription(t *testing.T) {
	h, srv := testHub(t)
	conn := dialAndWelcome(t, srv)

	authenticate(t, conn, "abc")
	authenticate(t, conn, "xyz")

	assert.Equal(t, 0, h.SubscriberCount("abc"))
	assert.Equal(t, 1, h.SubscriberCount("xyz"))
}

func TestBroadcastIsolatedPerSession(t *testing.T) {
	h, srv := testHub(t)

	connS := dialAndWelcome(t, srv)
	connT := dialAndWelcome(t, srv)
	authenticate(t, connS, "sess-s")
	authenticate(t, connT, "sess-t")

	h.Broadcast("sess-s", Message{Type: TypeClaudeOutput, SessionID: "sess-s", Content: "for S"})
	h.Broadcast("sess-t", Message{Type: TypeClaudeOutput, SessionID: "sess-t", Content: "for T"})

	msgS := readFrame(t, connS)
	assert.Equal(t, "for S", msgS.Content)

	// T's first frame after auth must be T's own event; S's event never
	// reached it.
	msgT := readFrame(t, connT)
	assert.Equal(t, "for T", msgT.Content)
	assert.Equal(t, "sess-t", msgT.SessionID)
}

func TestCommandFlow(t *testing.T) {
	h, srv := testHub(t)
	h.SetCommandHandler(func(ctx context.Context, sessionID, content string) (string, error) {
		return "reply to " + content, nil
	})

	conn := dialAndWelcome(t, srv)
	authenticate(t, conn, "abc")

	writeFrame(t, conn, Message{Type: TypeCommand, SessionID: "abc", Content: "hello"})

	msg := readFrame(t, conn)
	require.Equal(t, TypeClaudeOutput, msg.Type)
	assert.Equal(t, "abc", msg.SessionID)
	assert.Equal(t, "reply to hello", msg.Content)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestCommandRepliesKeepCompletionOrder(t *testing.T) {
	h, srv := testHub(t)
	h.SetCommandHandler(func(ctx context.Context, sessionID, content string) (string, error) {
		// A slow first command must not let a fast second one overtake it.
		if content == "first" {
			time.Sleep(150 * time.Millisecond)
		}
		return "reply to " + content, nil
	})

	conn := dialAndWelcome(t, srv)
	authenticate(t, conn, "abc")

	writeFrame(t, conn, Message{Type: TypeCommand, SessionID: "abc", Content: "first"})
	writeFrame(t, conn, Message{Type: TypeCommand, SessionID: "abc", Content: "second"})

	msg := readFrame(t, conn)
	assert.Equal(t, "reply to first", msg.Content)
	msg = readFrame(t, conn)
	assert.Equal(t, "reply to second", msg.Content)
}

func TestCommandHandlerErrorBecomesErrorEvent(t *testing.T) {
	h, srv := testHub(t)
	h.SetCommandHandler(func(ctx context.Context, sessionID, content string) (string, error) {
		return "", fmt.Errorf("session process exploded")
	})

	conn := dialAndWelcome(t, srv)
	authenticate(t, conn, "abc")

	writeFrame(t, conn, Message{Type: TypeCommand, SessionID: "abc", Content: "hello"})

	msg := readFrame(t, conn)
	require.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Message, "exploded")
	assert.Equal(t, "abc", msg.SessionID)
}

func TestProcessStatusBroadcast(t *testing.T) {
	h, srv := testHub(t)
	conn := dialAndWelcome(t, srv)
	authenticate(t, conn, "abc")

	h.BroadcastStatus("abc", statusFixture("abc"))

	msg := readFrame(t, conn)
	require.Equal(t, TypeProcessStatus, msg.Type)
	require.NotNil(t, msg.Status)
	assert.Equal(t, "abc", msg.Status.SessionID)
	assert.False(t, msg.Status.Running)
}

func TestCloseRemovesSubscriptions(t *testing.T) {
	h, srv := testHub(t)
	conn := dialAndWelcome(t, srv)
	authenticate(t, conn, "abc")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return h.SubscriberCount("abc") == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Broadcasting to a session whose last subscriber left must not error.
	h.Broadcast("abc", Message{Type: TypeClaudeOutput, SessionID: "abc", Content: "nobody home"})
}

func TestBroadcastSkipsDeadSockets(t *testing.T) {
	h, srv := testHub(t)

	dead := dialAndWelcome(t, srv)
	authenticate(t, dead, "abc")
	live := dialAndWelcome(t, srv)
	authenticate(t, live, "abc")

	require.NoError(t, dead.Close(websocket.StatusNormalClosure, ""))

	// The live subscriber still gets the event even while the hub may not
	// yet have reaped the dead one.
	h.Broadcast("abc", Message{Type: TypeClaudeOutput, SessionID: "abc", Content: "still here"})

	msg := readFrame(t, live)
	assert.Equal(t, "still here", msg.Content)
}
