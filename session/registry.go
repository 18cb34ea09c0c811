package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/lenslink/audio"
	"github.com/c360/lenslink/metric"
)

// Registry maps device identity to its live session. At most one session
// exists per identity; a device reconnecting inside the grace period
// reattaches to the existing session with all state intact.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
	pipeline audio.Pipeline

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics wires session gauges and counters into the relay metrics.
func WithMetrics(m *metric.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a session registry backed by the given audio pipeline.
func NewRegistry(cfg Config, pipeline audio.Pipeline, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		logger:   slog.Default(),
		pipeline: pipeline,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrReattach binds a device sink to the identity's session, creating
// one if none exists. The second return reports whether this was a
// reconnection to a surviving session.
func (r *Registry) CreateOrReattach(identity string, device Sink) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok && s.Disposed() {
		// Disposal raced the lookup; treat as absent.
		delete(r.sessions, identity)
		ok = false
	}
	if !ok {
		s = newSession(identity, r.cfg, r.pipeline, r.logger, r.metrics, r.remove)
		r.sessions[identity] = s
	}
	r.mu.Unlock()

	s.AttachDevice(device)
	if r.metrics != nil {
		if ok {
			r.metrics.Reconnections.Inc()
		} else {
			r.metrics.SessionsActive.Inc()
		}
	}
	if ok {
		r.logger.Info("device reattached to existing session", "identity", identity)
	} else {
		r.logger.Info("session created", "identity", identity)
	}
	return s, ok
}

// Get returns the live session for an identity.
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if ok && s.Disposed() {
		return nil, false
	}
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Identities returns the identities with a live session, sorted.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DisposeAll tears down every session (shutdown path).
func (r *Registry) DisposeAll(reason string) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Dispose(reason)
	}
}

// remove drops a disposed session from the map. Invoked by Session.Dispose.
func (r *Registry) remove(identity string) {
	r.mu.Lock()
	delete(r.sessions, identity)
	r.mu.Unlock()
}
