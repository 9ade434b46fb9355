package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/guseggert/claudeorchestra/orchestrator/hub"
	"github.com/guseggert/claudeorchestra/orchestrator/session"
)

// Client talks to an orchestrator server over its HTTP API and WebSocket.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsURL                    string
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.waitInterval = d }
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) { c.customizeRetryableClient = f }
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the server at baseURL (e.g.
// "http://127.0.0.1:3000").
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		Logger:       log.Named("orchestra_client"),
		baseURL:      baseURL,
		wsURL:        "ws" + strings.TrimPrefix(baseURL, "http") + "/ws",
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	return c
}

// WaitForServer polls the health endpoint until the server answers or the
// context expires.
func (c *Client) WaitForServer(ctx context.Context) error {
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.do(reqCtx, http.MethodGet, "/health", nil, nil, http.StatusOK)
		cancel()
		if err == nil {
			return nil
		}
		c.Logger.Debugf("server not up yet: %s", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for server: %w", ctx.Err())
		case <-time.After(c.waitInterval):
		}
	}
}

// StartProcess ensures a session process exists and returns its status view.
func (c *Client) StartProcess(ctx context.Context, sessionID, workdir string) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodPost, "/claude/processes",
		createProcessRequest{SessionID: sessionID, Workdir: workdir}, &st, http.StatusCreated)
	return st, err
}

// SendCommand sends one command line and returns the detected reply.
func (c *Client) SendCommand(ctx context.Context, sessionID, command string) (string, error) {
	var resp commandResponse
	err := c.do(ctx, http.MethodPost, "/claude/processes/"+sessionID+"/command",
		commandRequest{Command: command}, &resp, http.StatusOK)
	return resp.Response, err
}

// ProcessStatus fetches the status view for one session.
func (c *Client) ProcessStatus(ctx context.Context, sessionID string) (session.Status, error) {
	var st session.Status
	err := c.do(ctx, http.MethodGet, "/claude/processes/"+sessionID, nil, &st, http.StatusOK)
	return st, err
}

// ListProcesses fetches status views for all known sessions.
func (c *Client) ListProcesses(ctx context.Context) (map[string]session.Status, error) {
	out := map[string]session.Status{}
	err := c.do(ctx, http.MethodGet, "/claude/processes", nil, &out, http.StatusOK)
	return out, err
}

// StopProcess stops a session's process.
func (c *Client) StopProcess(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/claude/processes/"+sessionID, nil, nil, http.StatusOK)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, errBody.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Realtime is a WebSocket connection to the hub.
type Realtime struct {
	conn *websocket.Conn
}

// Realtime dials the hub endpoint. The caller should read the welcome frame,
// authenticate, and then pump Read.
func (c *Client) Realtime(ctx context.Context) (*Realtime, error) {
	c.Logger.Debugf("dialing WebSocket %s", c.wsURL)
	conn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	return &Realtime{conn: conn}, nil
}

// Read returns the next server frame.
func (r *Realtime) Read(ctx context.Context) (hub.Message, error) {
	var msg hub.Message
	err := wsjson.Read(ctx, r.conn, &msg)
	return msg, err
}

// Auth subscribes this connection to a session's events.
func (r *Realtime) Auth(ctx context.Context, sessionID string) error {
	return wsjson.Write(ctx, r.conn, hub.Message{Type: hub.TypeAuth, SessionID: sessionID})
}

// Command asks the server to run a command; the reply arrives asynchronously
// as a claude_output (or error) frame on every subscriber of the session.
func (r *Realtime) Command(ctx context.Context, sessionID, content string) error {
	return wsjson.Write(ctx, r.conn, hub.Message{Type: hub.TypeCommand, SessionID: sessionID, Content: content})
}

func (r *Realtime) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}
