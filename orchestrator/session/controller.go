package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the child-process settings shared by all sessions.
type Config struct {
	// Command is the executable to spawn for each session.
	Command string
	// Args are passed to every spawned process.
	Args []string
	// Env entries are appended to the parent environment.
	Env []string
	// WorkspaceRoot is the directory under which per-session workdirs are
	// created when the caller does not supply one.
	WorkspaceRoot string
	// GraceTimeout is how long Stop waits after the graceful exit line
	// before force-killing the process.
	GraceTimeout time.Duration
}

// DefaultConfig returns the settings used for the real claude CLI.
func DefaultConfig() Config {
	return Config{
		Command:       "claude",
		WorkspaceRoot: "claude_workspaces",
		GraceTimeout:  time.Second,
	}
}

// StatusListener receives a status view whenever a session's process changes
// lifecycle state in the background (currently: on exit).
type StatusListener func(sessionID string, status Status)

// Controller owns the mapping from session IDs to running child processes.
type Controller struct {
	log *zap.SugaredLogger
	cfg Config
	reg *Registry

	// startMu serializes Start bookkeeping so concurrent starts for the
	// same session cannot spawn twice. It is not held while commands run.
	startMu sync.Mutex

	notifyMu sync.Mutex
	notify   StatusListener
}

func NewController(log *zap.SugaredLogger, cfg Config, reg *Registry) *Controller {
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = time.Second
	}
	return &Controller{
		log: log,
		cfg: cfg,
		reg: reg,
	}
}

// SetStatusListener registers the callback for background state changes.
func (c *Controller) SetStatusListener(f StatusListener) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify = f
}

func (c *Controller) notifyStatus(rec *Record) {
	c.notifyMu.Lock()
	f := c.notify
	c.notifyMu.Unlock()
	if f != nil {
		f(rec.sessionID, rec.Status())
	}
}

// Start ensures a running child process exists for sessionID and returns its
// record. It is idempotent while the process is alive: a second call returns
// the existing record without spawning. An exited record is replaced by a
// fresh process. If workdir is empty a per-session directory is created under
// the workspace root.
func (c *Controller) Start(sessionID, workdir string) (*Record, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if rec, ok := c.reg.Get(sessionID); ok && !rec.Exited() {
		c.log.Infof("session %s already has a live process (pid %d)", sessionID, rec.PID())
		return rec, nil
	}

	if workdir == "" {
		workdir = filepath.Join(c.cfg.WorkspaceRoot, fmt.Sprintf("%s_%d", sanitizeName(sessionID), time.Now().Unix()))
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session workdir: %w", err)
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-color")
	cmd.Env = append(cmd.Env, c.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	rec := newRecord(sessionID, workdir, cmd, stdin)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		c.log.Errorf("spawning %q for session %s: %s", c.cfg.Command, sessionID, err)
		return nil, fmt.Errorf("spawning session process: %w", err)
	}
	rec.markRunning()
	c.reg.put(rec)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.readStdout(rec, stdout)
	}()
	go func() {
		defer readers.Done()
		c.readStderr(rec, stderr)
	}()
	go c.watchExit(rec, &readers)

	c.log.Infof("session %s started pid %d in %s", sessionID, rec.PID(), workdir)
	return rec, nil
}

// readStdout is the single permanent reader for a process's stdout. It
// publishes every chunk through the record, which forwards to the in-flight
// send's tap if one is registered. No other component reads this pipe.
func (c *Controller) readStdout(rec *Record, pipe io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			c.log.Debugf("session %s stdout: %d bytes", rec.sessionID, n)
			rec.appendOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) readStderr(rec *Record, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		c.log.Warnf("session %s stderr: %s", rec.sessionID, scanner.Text())
	}
}

// watchExit is the sole authority for the Running -> Exited transition. Wait
// must not run until both pipe readers hit EOF: Wait closes the pipes and
// would discard any output still unread.
func (c *Controller) watchExit(rec *Record, readers *sync.WaitGroup) {
	readers.Wait()
	err := rec.cmd.Wait()
	code := 0
	if rec.cmd.ProcessState != nil {
		code = rec.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			c.log.Warnf("session %s: unexpected wait error: %s", rec.sessionID, err)
		}
	}
	rec.markExited(code)
	rec.stdin.Close()
	c.log.Infof("session %s process exited with code %d", rec.sessionID, code)
	c.notifyStatus(rec)
}

// Stop shuts a session's process down: a graceful exit line on stdin first,
// then a forced kill once the grace timeout expires. It returns false for an
// unknown session and for a process that died on its own; it returns true,
// idempotently, when a stop had already been requested and completed.
func (c *Controller) Stop(sessionID string) bool {
	rec, ok := c.reg.Get(sessionID)
	if !ok {
		c.log.Warnf("stop requested for unknown session %s", sessionID)
		return false
	}

	rec.mu.Lock()
	exited := rec.state == StateExited
	alreadyRequested := rec.stopRequested
	rec.mu.Unlock()
	if exited {
		return alreadyRequested
	}

	rec.markStopping()

	// Failure to write the exit line must not skip the kill path; the
	// stdin pipe may already be closed while the process lingers.
	if err := rec.writeStdin([]byte("exit\n")); err != nil {
		c.log.Debugf("session %s: graceful exit write failed: %s", sessionID, err)
	}

	go func() {
		select {
		case <-rec.exitCh:
		case <-time.After(c.cfg.GraceTimeout):
			c.log.Warnf("session %s did not exit within %s, killing", sessionID, c.cfg.GraceTimeout)
			rec.kill()
		}
	}()

	c.log.Infof("session %s stop requested", sessionID)
	return true
}

// Status returns the current view for one session, or false if the session
// was never started.
func (c *Controller) Status(sessionID string) (Status, bool) {
	rec, ok := c.reg.Get(sessionID)
	if !ok {
		return Status{}, false
	}
	return rec.Status(), true
}

// AllStatuses returns views for every known session, exited ones included.
func (c *Controller) AllStatuses() map[string]Status {
	out := make(map[string]Status)
	c.reg.Each(func(rec *Record) {
		out[rec.sessionID] = rec.Status()
	})
	return out
}

// CleanupAll stops every live session and waits, bounded per session, for the
// processes to go away. Called on shutdown signals.
func (c *Controller) CleanupAll() {
	c.log.Info("stopping all session processes")
	var wg sync.WaitGroup
	c.reg.Each(func(rec *Record) {
		if rec.Exited() {
			return
		}
		c.Stop(rec.sessionID)
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			select {
			case <-rec.exitCh:
			case <-time.After(c.cfg.GraceTimeout + 500*time.Millisecond):
				rec.kill()
			}
		}(rec)
	})
	wg.Wait()
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
