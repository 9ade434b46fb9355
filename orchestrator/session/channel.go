package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Errors surfaced by Channel.Send. Transport layers map these onto HTTP
// status codes and WebSocket error frames.
var (
	// ErrNotFound means the session was never started.
	ErrNotFound = errors.New("session not found")
	// ErrNotRunning means the session exists but its process is not running.
	ErrNotRunning = errors.New("session process is not running")
	// ErrProcessDied means the process exited before producing any reply.
	ErrProcessDied = errors.New("session process exited without responding")
	// ErrChannelClosed means the write to the process's stdin failed.
	ErrChannelClosed = errors.New("session process stdin is closed")
)

const (
	// timeoutNotice is appended to a reply that was cut off by the hard
	// timeout, so partial output is never passed off as a complete answer.
	timeoutNotice = "\n[response timed out, partial output shown]"
	// aliveNotice is returned when the hard timeout elapsed with no output
	// at all but the process is still alive.
	aliveNotice = "[no response yet, the session process is still running - try again]"
)

// trailingClock matches a trailing hh:mm:ss, which the claude CLI prints as
// part of its prompt line.
var trailingClock = regexp.MustCompile(`\d+:\d+:\d+\s*$`)

// ChannelConfig tunes the response-completion heuristic. The defaults were
// tuned empirically against the claude CLI; none of them are load-bearing
// precision.
type ChannelConfig struct {
	// Sentinels are substrings whose appearance in a fresh output chunk
	// marks the end of a reply.
	Sentinels []string
	// IdleQuiet is how long the stream must stay silent, once MinResponse
	// bytes have accumulated, for the reply to be considered complete.
	IdleQuiet time.Duration
	// MinResponse is the accumulated-byte threshold that arms the quiet
	// period check.
	MinResponse int
	// HardTimeout bounds the total wait for one reply.
	HardTimeout time.Duration
	// TapBuffer is the chunk capacity of the per-send output tap.
	TapBuffer int
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Sentinels:   []string{"▌", "> ", "$", "claude>", "user>"},
		IdleQuiet:   3 * time.Second,
		MinResponse: 500,
		HardTimeout: 120 * time.Second,
		TapBuffer:   256,
	}
}

// Channel pairs input lines with heuristically framed replies, one session
// process at a time.
type Channel struct {
	log *zap.SugaredLogger
	reg *Registry
	cfg ChannelConfig
}

func NewChannel(log *zap.SugaredLogger, cfg ChannelConfig, reg *Registry) *Channel {
	if cfg.IdleQuiet <= 0 {
		cfg.IdleQuiet = 3 * time.Second
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 120 * time.Second
	}
	if cfg.TapBuffer <= 0 {
		cfg.TapBuffer = 256
	}
	return &Channel{log: log, reg: reg, cfg: cfg}
}

// Send writes one input line to the session's process and returns the reply
// once the completion heuristic declares it finished. Sends for the same
// session are serialized in submission order; sends for different sessions
// proceed concurrently. A hard timeout never fails the session: partial
// output comes back annotated, and a silent-but-alive process yields a
// placeholder reply.
func (ch *Channel) Send(ctx context.Context, sessionID, input string) (string, error) {
	rec, ok := ch.reg.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	// One in-flight command per session; later callers queue here.
	rec.sendMu.Lock()
	defer rec.sendMu.Unlock()

	if rec.State() != StateRunning {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, sessionID, rec.State())
	}

	tap := make(chan []byte, ch.cfg.TapBuffer)
	rec.setTap(tap)
	defer rec.clearTap()

	if err := rec.writeStdin([]byte(input + "\n")); err != nil {
		// The exit watcher reconciles record state separately; a dead
		// stdin only fails this command.
		return "", fmt.Errorf("%w: %s", ErrChannelClosed, err)
	}
	ch.log.Infof("session %s: sent command (%d bytes)", sessionID, len(input))

	idle := time.NewTimer(ch.cfg.IdleQuiet)
	defer idle.Stop()
	hard := time.NewTimer(ch.cfg.HardTimeout)
	defer hard.Stop()

	for {
		select {
		case chunk := <-tap:
			if ch.sentinelIn(chunk) {
				ch.log.Debugf("session %s: completion sentinel after %d bytes", sessionID, rec.responseLen())
				return rec.response(), nil
			}
			resetTimer(idle, ch.cfg.IdleQuiet)

		case <-idle.C:
			if n := rec.responseLen(); n > 0 && n >= ch.cfg.MinResponse {
				ch.log.Debugf("session %s: stream quiet for %s after %d bytes", sessionID, ch.cfg.IdleQuiet, n)
				return rec.response(), nil
			}
			idle.Reset(ch.cfg.IdleQuiet)

		case <-rec.exitCh:
			// exitCh closes only after the stdout reader hit EOF, so the
			// reply buffer is complete by the time this fires. The process
			// ending the stream is itself a completion signal.
			resp := rec.response()
			if resp == "" {
				return "", fmt.Errorf("%w: %s", ErrProcessDied, sessionID)
			}
			ch.log.Infof("session %s: process exited mid-command, returning %d buffered bytes", sessionID, len(resp))
			return resp, nil

		case <-hard.C:
			return ch.finishAfterTimeout(sessionID, rec)

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (ch *Channel) finishAfterTimeout(sessionID string, rec *Record) (string, error) {
	if resp := rec.response(); resp != "" {
		ch.log.Warnf("session %s: hard timeout with %d bytes of partial output", sessionID, len(resp))
		return resp + timeoutNotice, nil
	}
	if st := rec.Status(); st.Running {
		ch.log.Warnf("session %s: hard timeout with no output, process alive", sessionID)
		return aliveNotice, nil
	}
	return "", fmt.Errorf("%w: %s", ErrProcessDied, sessionID)
}

// sentinelIn reports whether a fresh chunk looks like the end of a reply.
// This is inherently heuristic: the sentinels are prompt markers the claude
// CLI is known to print.
func (ch *Channel) sentinelIn(chunk []byte) bool {
	for _, s := range ch.cfg.Sentinels {
		if bytes.Contains(chunk, []byte(s)) {
			return true
		}
	}
	return trailingClock.Match(bytes.TrimSpace(chunk))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
