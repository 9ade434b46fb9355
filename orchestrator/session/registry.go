package session

import "sync"

// Registry is the shared table of sessionID -> Record. It is owned by the
// Controller and passed by reference to collaborators; all access goes
// through its methods so concurrent use stays safe.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

func (g *Registry) Get(sessionID string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[sessionID]
	return rec, ok
}

func (g *Registry) put(rec *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[rec.sessionID] = rec
}

// Each calls f with every record. The record list is snapshotted under the
// lock but f runs outside it, so f may call back into the registry.
func (g *Registry) Each(f func(rec *Record)) {
	g.mu.RLock()
	recs := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		recs = append(recs, rec)
	}
	g.mu.RUnlock()
	for _, rec := range recs {
		f(rec)
	}
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
