// Package orchestrator wires the session controller, command channel,
// realtime hub, and snapshot store behind one HTTP server, and provides a Go
// client for that server.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guseggert/claudeorchestra/orchestrator/hub"
	"github.com/guseggert/claudeorchestra/orchestrator/session"
	"github.com/guseggert/claudeorchestra/orchestrator/store"
)

// Server exposes the session orchestrator over HTTP and WebSocket.
type Server struct {
	log *zap.SugaredLogger

	listenAddr       string
	snapshotPath     string
	snapshotInterval time.Duration
	sessionCfg       session.Config
	channelCfg       session.ChannelConfig

	registry   *session.Registry
	controller *session.Controller
	channel    *session.Channel
	hub        *hub.Hub
	store      *store.Store

	httpServer *http.Server
	bgCancel   context.CancelFunc
	bgDone     chan struct{}

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l.Named("orchestrator").Sugar() }
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) { s.log = s.log.WithOptions(zap.IncreaseLevel(l)) }
}

func WithSessionConfig(cfg session.Config) Option {
	return func(s *Server) { s.sessionCfg = cfg }
}

func WithChannelConfig(cfg session.ChannelConfig) Option {
	return func(s *Server) { s.channelCfg = cfg }
}

// WithSnapshotPath sets the state snapshot file. An empty path disables
// persistence.
func WithSnapshotPath(path string) Option {
	return func(s *Server) { s.snapshotPath = path }
}

func WithSnapshotInterval(d time.Duration) Option {
	return func(s *Server) { s.snapshotInterval = d }
}

// New constructs a Server. The server does not listen until Run is called.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:              logger.Named("orchestrator").Sugar(),
		listenAddr:       "0.0.0.0:3000",
		snapshotPath:     "data/sessions.json",
		snapshotInterval: 5 * time.Minute,
		sessionCfg:       session.DefaultConfig(),
		channelCfg:       session.DefaultChannelConfig(),
		ready:            make(chan struct{}),
		bgDone:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.registry = session.NewRegistry()
	s.controller = session.NewController(s.log.Named("controller"), s.sessionCfg, s.registry)
	s.channel = session.NewChannel(s.log.Named("channel"), s.channelCfg, s.registry)
	s.hub = hub.New(s.log.Named("hub"))
	s.hub.SetCommandHandler(s.runHubCommand)
	s.controller.SetStatusListener(s.hub.BroadcastStatus)

	if s.snapshotPath != "" {
		s.store = store.New(s.log.Named("store"), s.snapshotPath)
		s.store.Load()
	}

	return s, nil
}

// Run listens on the configured address and serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	close(s.ready)
	s.mu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.bgCancel = cancel
		go func() {
			defer close(s.bgDone)
			s.store.Run(ctx, s.snapshotInterval, s.controller.AllStatuses)
		}()
	} else {
		close(s.bgDone)
	}

	router := httprouter.New()
	router.GET("/health", s.health)
	router.POST("/claude/processes", s.createProcess)
	router.GET("/claude/processes", s.listProcesses)
	router.GET("/claude/processes/:sessionId", s.getProcess)
	router.POST("/claude/processes/:sessionId/command", s.command)
	router.DELETE("/claude/processes/:sessionId", s.deleteProcess)
	router.Handler(http.MethodGet, "/ws", s.hub)

	server := http.Server{Handler: router}
	s.httpServer = &server

	s.log.Infof("listening on %s", listener.Addr())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Ready is closed once the listener is bound; Addr is valid after that.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts everything down: the snapshot loop (which saves once more), all
// session processes, all WebSocket clients, then the HTTP server.
func (s *Server) Stop() error {
	if s.bgCancel != nil {
		s.bgCancel()
		<-s.bgDone
	}
	s.controller.CleanupAll()
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// runHubCommand is the glue behind WebSocket command frames: make sure the
// session has a live process, starting or restarting one if not, then send.
func (s *Server) runHubCommand(ctx context.Context, sessionID, content string) (string, error) {
	st, ok := s.controller.Status(sessionID)
	if !ok || !st.Running {
		if _, err := s.controller.Start(sessionID, ""); err != nil {
			return "", err
		}
	}
	text, err := s.channel.Send(ctx, sessionID, content)
	if err != nil {
		return "", err
	}
	s.recordExchange(sessionID, content, text)
	return text, nil
}

func (s *Server) recordExchange(sessionID, command, response string) {
	if s.store == nil {
		return
	}
	if st, ok := s.controller.Status(sessionID); ok {
		s.store.TouchSession(sessionID, st.Workdir)
	}
	s.store.AppendMessage(sessionID, "user", command)
	s.store.AppendMessage(sessionID, "claude", response)
}

type createProcessRequest struct {
	SessionID string `json:"sessionId"`
	Workdir   string `json:"workdir"`
}

func (s *Server) createProcess(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	rec, err := s.controller.Start(req.SessionID, req.Workdir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.store != nil {
		s.store.TouchSession(req.SessionID, rec.Workdir())
	}
	writeJSON(w, http.StatusCreated, rec.Status())
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessionID := params.ByName("sessionId")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	text, err := s.channel.Send(r.Context(), sessionID, req.Command)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordExchange(sessionID, req.Command, text)

	writeJSON(w, http.StatusOK, commandResponse{
		SessionID: sessionID,
		Response:  text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st, ok := s.controller.Status(params.ByName("sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.controller.AllStatuses())
}

type deleteProcessResponse struct {
	SessionID string `json:"sessionId"`
	Stopped   bool   `json:"stopped"`
}

func (s *Server) deleteProcess(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessionID := params.ByName("sessionId")
	if !s.controller.Stop(sessionID) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, deleteProcessResponse{SessionID: sessionID, Stopped: true})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
