// Package store persists the orchestrator's in-memory state to a JSON
// snapshot file: the logical view of every session process, the per session
// message log, and the project/session business records. Snapshots are
// written atomically on a timer and on shutdown, and loaded best-effort at
// startup.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guseggert/claudeorchestra/orchestrator/session"
)

// Message is one entry of a session's conversation log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Project is the business record for one workspace directory.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionMeta is the business record for one session, as distinct from the
// live process view.
type SessionMeta struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

// Snapshot is the on-disk document.
type Snapshot struct {
	Processes map[string]session.Status `json:"processes"`
	Messages  map[string][]Message      `json:"messages"`
	Projects  map[string]Project        `json:"projects"`
	Sessions  map[string]SessionMeta    `json:"sessions"`
	SavedAt   time.Time                 `json:"savedAt"`
}

// Store holds the message log and business records in memory and owns the
// snapshot file.
type Store struct {
	log  *zap.SugaredLogger
	path string

	mu             sync.Mutex
	messages       map[string][]Message
	projects       map[string]Project
	projectsByPath map[string]string
	sessions       map[string]SessionMeta
}

func New(log *zap.SugaredLogger, path string) *Store {
	return &Store{
		log:            log,
		path:           path,
		messages:       make(map[string][]Message),
		projects:       make(map[string]Project),
		projectsByPath: make(map[string]string),
		sessions:       make(map[string]SessionMeta),
	}
}

// Load reads the snapshot file and repopulates the message log. A missing or
// corrupt file is not an error: it is logged and the store starts empty.
func (s *Store) Load() {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnf("reading snapshot %s: %s", s.path, err)
		}
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		s.log.Warnf("snapshot %s is corrupt, starting empty: %s", s.path, err)
		return
	}

	s.mu.Lock()
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	if snap.Projects != nil {
		s.projects = snap.Projects
		s.projectsByPath = make(map[string]string, len(snap.Projects))
		for id, p := range snap.Projects {
			s.projectsByPath[p.Path] = id
		}
	}
	if snap.Sessions != nil {
		s.sessions = snap.Sessions
	}
	s.mu.Unlock()
	s.log.Infof("loaded snapshot saved at %s (%d sessions with messages)", snap.SavedAt.Format(time.RFC3339), len(snap.Messages))
}

// AppendMessage records one conversation entry for a session.
func (s *Store) AppendMessage(sessionID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// TouchSession records the business view of a session: the project owning
// its workdir plus the session's activity stamps. Cheap enough to call on
// every command.
func (s *Store) TouchSession(sessionID, workdir string) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	var projID string
	if workdir != "" {
		var ok bool
		projID, ok = s.projectsByPath[workdir]
		if !ok {
			projID = uuid.NewString()
			s.projects[projID] = Project{
				ID:        projID,
				Name:      filepath.Base(workdir),
				Path:      workdir,
				CreatedAt: now,
			}
			s.projectsByPath[workdir] = projID
		}
	}

	meta, ok := s.sessions[sessionID]
	if !ok {
		meta = SessionMeta{ID: sessionID, CreatedAt: now}
	}
	if projID != "" {
		meta.ProjectID = projID
	}
	meta.LastActive = now
	s.sessions[sessionID] = meta
}

// Projects returns a copy of the project records, keyed by project ID.
func (s *Store) Projects() map[string]Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Project, len(s.projects))
	for id, p := range s.projects {
		out[id] = p
	}
	return out
}

// Sessions returns a copy of the session business records.
func (s *Store) Sessions() map[string]SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionMeta, len(s.sessions))
	for id, m := range s.sessions {
		out[id] = m
	}
	return out
}

// Messages returns a copy of a session's conversation log.
func (s *Store) Messages(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Save writes a snapshot atomically: temp file in the same directory, then
// rename. The message log is copied under a short lock so saving never
// blocks command processing.
func (s *Store) Save(processes map[string]session.Status) error {
	s.mu.Lock()
	msgs := make(map[string][]Message, len(s.messages))
	for id, list := range s.messages {
		cp := make([]Message, len(list))
		copy(cp, list)
		msgs[id] = cp
	}
	projects := make(map[string]Project, len(s.projects))
	for id, p := range s.projects {
		projects[id] = p
	}
	sessions := make(map[string]SessionMeta, len(s.sessions))
	for id, m := range s.sessions {
		sessions[id] = m
	}
	s.mu.Unlock()

	snap := Snapshot{
		Processes: processes,
		Messages:  msgs,
		Projects:  projects,
		Sessions:  sessions,
		SavedAt:   time.Now().UTC(),
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Run saves a snapshot every interval until the context is canceled, then
// saves once more on the way out. Save errors are logged and swallowed; the
// loop must never take the event path down with it.
func (s *Store) Run(ctx context.Context, interval time.Duration, statuses func() map[string]session.Status) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Save(statuses()); err != nil {
				s.log.Errorf("periodic snapshot failed: %s", err)
			}
		case <-ctx.Done():
			if err := s.Save(statuses()); err != nil {
				s.log.Errorf("final snapshot failed: %s", err)
			}
			return
		}
	}
}
