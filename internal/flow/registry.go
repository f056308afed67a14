package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LabLab/internal/store"
)

// Registry holds one live Controller per participant and experiment.
// Sessions are created on demand, and closed when they complete or are torn
// down explicitly.
type Registry struct {
	st   store.Store
	opts []Option

	mu       sync.Mutex
	sessions map[string]*Controller
	touched  map[string]time.Time
	loading  map[string]*pendingOpen
}

// pendingOpen is a load in progress. Concurrent opens of the same pair wait
// on done and share its outcome.
type pendingOpen struct {
	done chan struct{}
	c    *Controller
	err  error
}

// NewRegistry creates a registry whose controllers share st and opts.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	return &Registry{
		st:       st,
		opts:     opts,
		sessions: make(map[string]*Controller),
		touched:  make(map[string]time.Time),
		loading:  make(map[string]*pendingOpen),
	}
}

func sessionKey(participantID, experimentID string) string {
	return participantID + ":" + experimentID
}

// Open returns the live session for the pair, loading (and resuming) a new
// one if there is none. A failed load leaves nothing registered. Loads of
// different pairs run concurrently.
func (r *Registry) Open(ctx context.Context, participantID, experimentID string) (*Controller, error) {
	key := sessionKey(participantID, experimentID)

	r.mu.Lock()
	if c, ok := r.sessions[key]; ok {
		r.touched[key] = time.Now()
		r.mu.Unlock()
		return c, nil
	}
	if p, ok := r.loading[key]; ok {
		r.mu.Unlock()
		select {
		case <-p.done:
			return p.c, p.err
		case <-ctx.Done():
			return nil, &LoadError{Kind: LoadErrorUnreachable, ExperimentID: experimentID, Err: ctx.Err()}
		}
	}
	p := &pendingOpen{done: make(chan struct{})}
	r.loading[key] = p
	r.mu.Unlock()

	opts := append(append([]Option(nil), r.opts...), withOnDone(r.release))
	c := NewController(participantID, experimentID, r.st, opts...)
	err := c.Load(ctx)

	r.mu.Lock()
	delete(r.loading, key)
	if err == nil {
		r.sessions[key] = c
		r.touched[key] = time.Now()
		p.c = c
	} else {
		p.err = err
	}
	active := len(r.sessions)
	close(p.done)
	r.mu.Unlock()

	if err != nil {
		c.Close()
		return nil, err
	}
	slog.Debug("Registry.Open: session registered", "participantID", participantID, "experimentID", experimentID, "active", active)
	return c, nil
}

// Get returns the live session for the pair, if any.
func (r *Registry) Get(participantID, experimentID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[sessionKey(participantID, experimentID)]
	return c, ok
}

// Close tears down the session for the pair. It reports whether one existed.
func (r *Registry) Close(participantID, experimentID string) bool {
	key := sessionKey(participantID, experimentID)
	r.mu.Lock()
	c, ok := r.sessions[key]
	delete(r.sessions, key)
	delete(r.touched, key)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// CloseIdle tears down sessions not opened since cutoff and with nobody
// watching their snapshot stream. It returns how many were closed. A closed
// session resumes from stored progress the next time it is opened.
func (r *Registry) CloseIdle(cutoff time.Time) int {
	r.mu.Lock()
	var idle []*Controller
	for key, c := range r.sessions {
		if r.touched[key].Before(cutoff) && c.Subscribers() == 0 {
			idle = append(idle, c)
			delete(r.sessions, key)
			delete(r.touched, key)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	if len(idle) > 0 {
		slog.Info("Registry.CloseIdle: idle sessions closed", "count", len(idle), "cutoff", cutoff)
	}
	return len(idle)
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Controller)
	r.touched = make(map[string]time.Time)
	r.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
	slog.Info("Registry.CloseAll: sessions closed", "count", len(sessions))
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// release drops a completed session. Reopening it resumes into Done.
func (r *Registry) release(c *Controller) {
	key := sessionKey(c.participantID, c.experimentID)
	r.mu.Lock()
	if r.sessions[key] == c {
		delete(r.sessions, key)
		delete(r.touched, key)
	}
	r.mu.Unlock()
	c.Close()
}
