package session

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle state of a session's child process.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status is the external view of a session's process, served on status
// queries and written into snapshots.
type Status struct {
	SessionID string     `json:"sessionId"`
	Running   bool       `json:"running"`
	PID       int        `json:"pid"`
	StartTime time.Time  `json:"startTime"`
	ExitTime  *time.Time `json:"exitTime,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Workdir   string     `json:"workdir"`
}

// Record is the bookkeeping entry for one session's child process. The
// Controller owns all Records; other components hold them only through the
// Registry and never write to the process directly.
type Record struct {
	sessionID string
	workdir   string

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	pid           int
	startTime     time.Time
	exitTime      time.Time
	exitCode      int
	stopRequested bool

	// pending is the reply buffer: it accumulates every stdout byte while a
	// command's response is outstanding and is what the reply is read from.
	// Cleared when the send finishes.
	pending      bytes.Buffer
	lastActivity time.Time

	// tap receives copies of stdout chunks for the in-flight send, if any.
	tap chan<- []byte

	stdin *stdinWriter

	// exitCh is closed by the exit watcher once the process has exited.
	exitCh chan struct{}

	// sendMu serializes commands for this session.
	sendMu sync.Mutex
}

func newRecord(sessionID, workdir string, cmd *exec.Cmd, stdin io.WriteCloser) *Record {
	return &Record{
		sessionID: sessionID,
		workdir:   workdir,
		state:     StateStarting,
		cmd:       cmd,
		stdin:     &stdinWriter{w: stdin},
		exitCh:    make(chan struct{}),
	}
}

func (r *Record) SessionID() string { return r.sessionID }
func (r *Record) Workdir() string   { return r.workdir }

func (r *Record) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) Exited() bool {
	return r.State() == StateExited
}

func (r *Record) markRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRunning
	r.pid = r.cmd.Process.Pid
	r.startTime = time.Now()
}

func (r *Record) markStopping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning || r.state == StateStarting {
		r.state = StateStopping
	}
	r.stopRequested = true
}

func (r *Record) markExited(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateExited {
		return
	}
	r.state = StateExited
	r.exitCode = code
	r.exitTime = time.Now()
	close(r.exitCh)
}

// appendOutput is called by the permanent stdout reader for every chunk
// received. It stamps activity, accumulates the chunk in the reply buffer
// while a command is outstanding, and forwards a copy to wake the in-flight
// send.
func (r *Record) appendOutput(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
	if r.tap == nil {
		return
	}
	r.pending.Write(b)
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case r.tap <- cp:
	default:
		// Tap full; drop the wakeup rather than stall the reader. The
		// chunk is already in pending.
	}
}

func (r *Record) setTap(ch chan<- []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tap = ch
}

func (r *Record) clearTap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tap = nil
	r.pending.Reset()
}

// response returns everything the reply buffer accumulated for the in-flight
// send so far.
func (r *Record) response() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.String()
}

func (r *Record) responseLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len()
}

func (r *Record) writeStdin(b []byte) error {
	return r.stdin.Write(b)
}

func (r *Record) kill() {
	r.mu.Lock()
	cmd := r.cmd
	exited := r.state == StateExited
	r.mu.Unlock()
	if exited || cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
}

// running recomputes liveness rather than trusting cached state alone, so
// status queries self-heal if bookkeeping drifted. The exec.Cmd handle is not
// consulted: Wait mutates it outside r.mu. Caller must hold r.mu.
func (r *Record) running() bool {
	if r.state == StateExited {
		return false
	}
	if r.pid == 0 {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return syscall.Kill(r.pid, 0) == nil
}

// Status returns the external view of this record.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		SessionID: r.sessionID,
		Running:   r.running(),
		PID:       r.pid,
		StartTime: r.startTime,
		Workdir:   r.workdir,
	}
	if r.state == StateExited {
		t := r.exitTime
		c := r.exitCode
		st.ExitTime = &t
		st.ExitCode = &c
	}
	return st
}

// stdinWriter wraps the child's stdin pipe with mutex protection and a closed
// flag, so late writes after process exit fail cleanly instead of panicking.
type stdinWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(b []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.w.Write(b)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.w.Close()
		sw.closed = true
	}
}
