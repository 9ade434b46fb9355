// Package hub fans session process output, errors, and status changes out to
// WebSocket clients, and accepts inbound command requests from them.
//
// A freshly accepted connection is inert until it authenticates with a
// session ID. Authenticated connections receive every event for their session
// and nothing for any other; re-authenticating simply moves the connection to
// the new session. Closing a connection removes it from every subscriber set.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/guseggert/claudeorchestra/orchestrator/session"
)

const writeTimeout = 10 * time.Second

// CommandHandler executes one command against a session and returns the
// reply. The registered handler is expected to ensure the session's process
// exists (starting or restarting it if dead) before sending.
type CommandHandler func(ctx context.Context, sessionID, content string) (string, error)

// Hub maps session IDs to subscribed client connections.
type Hub struct {
	log *zap.SugaredLogger

	mu          sync.Mutex
	conns       map[string]*conn
	subscribers map[string]map[string]*conn // sessionID -> connID -> conn

	handlerMu sync.Mutex
	handler   CommandHandler

	// queues holds one buffered command queue per session, each drained by a
	// single worker so replies broadcast in completion order.
	queueMu sync.Mutex
	queues  map[string]chan string
	closed  bool
}

type conn struct {
	id        string
	ws        *websocket.Conn
	ctx       context.Context
	cancel    func()
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func New(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:         log,
		conns:       make(map[string]*conn),
		subscribers: make(map[string]map[string]*conn),
		queues:      make(map[string]chan string),
	}
}

// SetCommandHandler registers the glue that runs inbound commands. Without a
// handler, command frames produce error events.
func (h *Hub) SetCommandHandler(f CommandHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = f
}

func (h *Hub) commandHandler() CommandHandler {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	return h.handler
}

// ServeHTTP accepts a WebSocket connection and pumps its messages until it
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		// Mobile clients connect cross-origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.log.Infof("client %s connected", c.id)

	c.write(h.log, Message{
		Type:    TypeWelcome,
		Message: "connected; authenticate with a session ID",
	})

	defer h.removeConn(c)
	h.readMessages(c)
}

func (h *Hub) readMessages(c *conn) {
	for {
		var msg Message
		err := wsjson.Read(c.ctx, c.ws, &msg)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.log.Debugf("client %s read error: %s", c.id, err)
			}
			return
		}
		switch msg.Type {
		case TypeAuth:
			h.authenticate(c, msg.SessionID)
		case TypeCommand:
			h.runCommand(msg.SessionID, msg.Content)
		default:
			h.log.Debugf("client %s sent unknown message type %q", c.id, msg.Type)
		}
	}
}

// authenticate subscribes a connection to a session's events. A connection
// holds one subscription at a time; authenticating again moves it.
func (h *Hub) authenticate(c *conn, sessionID string) {
	if sessionID == "" {
		c.write(h.log, Message{
			Type:      TypeError,
			Message:   "auth requires a sessionId",
			Timestamp: now(),
		})
		return
	}

	h.mu.Lock()
	for id, set := range h.subscribers {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subscribers, id)
		}
	}
	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[string]*conn)
		h.subscribers[sessionID] = set
	}
	set[c.id] = c
	h.mu.Unlock()

	h.log.Infof("client %s authenticated for session %s", c.id, sessionID)
	c.write(h.log, Message{
		Type:      TypeAuthSuccess,
		SessionID: sessionID,
		Message:   "subscribed to session " + sessionID,
	})
}

// runCommand enqueues a command on its session's worker. Enqueueing happens
// on the connection's read loop, so commands from one client keep their
// submission order; the worker runs them one at a time and pushes each
// outcome, reply or error, to the session's subscribers, so per-session
// replies are emitted in completion order. Handler failures become error
// events rather than propagating to the transport.
func (h *Hub) runCommand(sessionID, content string) {
	if sessionID == "" || content == "" {
		return
	}

	h.queueMu.Lock()
	if h.closed {
		h.queueMu.Unlock()
		return
	}
	q, ok := h.queues[sessionID]
	if !ok {
		q = make(chan string, 64)
		h.queues[sessionID] = q
		go h.commandWorker(sessionID, q)
	}
	h.queueMu.Unlock()

	select {
	case q <- content:
	default:
		h.BroadcastError(sessionID, "command queue is full")
	}
}

func (h *Hub) commandWorker(sessionID string, q <-chan string) {
	for content := range q {
		handler := h.commandHandler()
		if handler == nil {
			h.BroadcastError(sessionID, "no command handler registered")
			continue
		}
		text, err := handler(context.Background(), sessionID, content)
		if err != nil {
			h.log.Warnf("session %s: command failed: %s", sessionID, err)
			h.BroadcastError(sessionID, err.Error())
			continue
		}
		h.Broadcast(sessionID, Message{
			Type:      TypeClaudeOutput,
			SessionID: sessionID,
			Content:   text,
			Timestamp: now(),
		})
	}
}

// Broadcast fans an event out to every live subscriber of a session. Sockets
// that fail to take the write are skipped, never failing the broadcast.
func (h *Hub) Broadcast(sessionID string, msg Message) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.subscribers[sessionID]))
	for _, c := range h.subscribers[sessionID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.write(h.log, msg); err != nil {
			h.log.Debugf("client %s dropped broadcast for session %s: %s", c.id, sessionID, err)
		}
	}
}

// BroadcastStatus pushes an unsolicited process status change to a session's
// subscribers. Wired as the Controller's status listener.
func (h *Hub) BroadcastStatus(sessionID string, status session.Status) {
	h.Broadcast(sessionID, Message{
		Type:      TypeProcessStatus,
		SessionID: sessionID,
		Status:    &status,
		Timestamp: now(),
	})
}

func (h *Hub) BroadcastError(sessionID, message string) {
	h.Broadcast(sessionID, Message{
		Type:      TypeError,
		SessionID: sessionID,
		Message:   message,
		Timestamp: now(),
	})
}

// SubscriberCount reports the live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for id, set := range h.subscribers {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subscribers, id)
		}
	}
	h.mu.Unlock()

	c.cancel()
	c.closeOnce.Do(func() {
		c.ws.Close(websocket.StatusNormalClosure, "")
	})
	h.log.Infof("client %s disconnected", c.id)
}

// Close tears down every client connection and stops the command workers.
func (h *Hub) Close() {
	h.queueMu.Lock()
	if !h.closed {
		h.closed = true
		for _, q := range h.queues {
			close(q)
		}
		h.queues = nil
	}
	h.queueMu.Unlock()

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.removeConn(c)
	}
}

func (c *conn) write(log *zap.SugaredLogger, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(ctx, c.ws, msg)
	if err != nil {
		log.Debugf("client %s write error: %s", c.id, err)
	}
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
