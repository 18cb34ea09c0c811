package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/lenslink/metric"
)

// Tracker manages the keep-alive state machines for one session's streams.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	send      Sender
	onTimeout func(streamID string)
	logger    *slog.Logger
	metrics   *metric.Metrics

	streams map[string]*Stream
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeoutHandler registers a callback invoked (on its own goroutine)
// when a stream transitions to TIMEOUT.
func WithTimeoutHandler(fn func(streamID string)) Option {
	return func(t *Tracker) { t.onTimeout = fn }
}

// WithMetrics wires heartbeat counters into the relay metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker that sends heartbeats through send.
func NewTracker(cfg Config, send Sender, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		send:    send,
		logger:  slog.Default(),
		streams: make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track starts keep-alive monitoring for a new stream and returns its id.
func (t *Tracker) Track(streamID, pkg string) {
	now := time.Now()
	s := &Stream{
		ID:           streamID,
		Package:      pkg,
		status:       StatusInitializing,
		createdAt:    now,
		lastActivity: now,
		outstanding:  make(map[string]*time.Timer),
	}

	t.mu.Lock()
	if prev, ok := t.streams[streamID]; ok {
		// Re-tracking an id replaces the previous state machine.
		t.cancelTimersLocked(prev)
	}
	t.streams[streamID] = s
	s.hbTimer = time.AfterFunc(t.cfg.HeartbeatInterval, func() { t.heartbeatTick(streamID) })
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.StreamsActive.Inc()
	}
}

// Status returns the current status of a stream.
func (t *Tracker) Status(streamID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok {
		return StatusStopped, false
	}
	return s.status, true
}

// SetStatus applies a device-reported status change and refreshes activity.
func (t *Tracker) SetStatus(streamID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[streamID]
	if !ok || s.status.terminal() {
		return
	}
	s.status = status
	s.lastActivity = time.Now()
	if status.terminal() {
		t.cancelTimersLocked(s)
	}
}

// Activity records stream activity, deferring the inactivity ceiling.
func (t *Tracker) Activity(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[streamID]; ok {
		s.lastActivity = time.Now()
	}
}

// Ack processes a keep_alive_ack from the device. Unknown stream or
// heartbeat ids are ignored.
func (t *Tracker) Ack(streamID, heartbeatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[streamID]
	if !ok {
		return
	}
	timer, ok := s.outstanding[heartbeatID]
	if !ok {
		return
	}

	timer.Stop()
	delete(s.outstanding, heartbeatID)
	s.missed = 0
	s.lastActivity = time.Now()
	if s.status == StatusInitializing {
		s.status = StatusActive
	}

	if t.metrics != nil {
		t.metrics.HeartbeatsAcked.Inc()
	}
}

// Stop ends tracking for a stream, cancelling every timer. Idempotent and
// safe to race with an in-flight heartbeat tick.
func (t *Tracker) Stop(streamID string) {
	t.mu.Lock()
	s, ok := t.streams[streamID]
	if ok {
		if !s.status.terminal() {
			s.status = StatusStopped
		}
		t.cancelTimersLocked(s)
		delete(t.streams, streamID)
	}
	t.mu.Unlock()

	if ok && t.metrics != nil {
		t.metrics.StreamsActive.Dec()
	}
}

// StopAll ends tracking for every stream (session disposal).
func (t *Tracker) StopAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Stop(id)
	}
}

// Streams returns the ids currently tracked.
func (t *Tracker) Streams() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.streams))
	for id := range t.streams {
		ids = append(ids, id)
	}
	return ids
}

// Missed returns the consecutive-miss counter for a stream (tests,
// introspection).
func (t *Tracker) Missed(streamID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[streamID]; ok {
		return s.missed
	}
	return 0
}

// Outstanding returns the number of unacknowledged heartbeats for a stream.
func (t *Tracker) Outstanding(streamID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[streamID]; ok {
		return len(s.outstanding)
	}
	return 0
}

// heartbeatTick fires on the heartbeat interval for one stream.
func (t *Tracker) heartbeatTick(streamID string) {
	t.mu.Lock()

	s, ok := t.streams[streamID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if s.status != StatusInitializing && s.status != StatusActive {
		// Stream no longer sendable: cancel tracking.
		t.cancelTimersLocked(s)
		t.mu.Unlock()
		return
	}
	if t.cfg.InactivityCeiling > 0 && time.Since(s.lastActivity) > t.cfg.InactivityCeiling {
		t.timeoutLocked(s)
		t.mu.Unlock()
		return
	}

	heartbeatID := uuid.NewString()
	s.outstanding[heartbeatID] = time.AfterFunc(t.cfg.AckTimeout, func() {
		t.ackTimeout(streamID, heartbeatID)
	})
	s.hbTimer = time.AfterFunc(t.cfg.HeartbeatInterval, func() { t.heartbeatTick(streamID) })
	send := t.send
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.HeartbeatsSent.Inc()
	}
	if send != nil {
		send(streamID, heartbeatID)
	}
}

// ackTimeout fires when a heartbeat goes unacknowledged past the ack window.
func (t *Tracker) ackTimeout(streamID, heartbeatID string) {
	t.mu.Lock()

	s, ok := t.streams[streamID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, pending := s.outstanding[heartbeatID]; !pending {
		// Acked between timer fire and lock acquisition.
		t.mu.Unlock()
		return
	}
	delete(s.outstanding, heartbeatID)
	s.missed++
	missed := s.missed

	timedOut := missed >= t.cfg.MaxMissed && !s.status.terminal()
	if timedOut {
		t.timeoutLocked(s)
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.HeartbeatsMissed.Inc()
	}
	t.logger.Debug("heartbeat missed",
		"streamId", streamID, "package", s.Package, "missed", missed)
}

// timeoutLocked moves a stream to TIMEOUT, cancels its timers and removes
// it from tracking, so a dead stream never pins the active gauge or blocks
// its id from reuse. Caller holds the tracker lock.
func (t *Tracker) timeoutLocked(s *Stream) {
	s.status = StatusTimeout
	t.cancelTimersLocked(s)
	delete(t.streams, s.ID)

	if t.metrics != nil {
		t.metrics.StreamTimeouts.Inc()
		t.metrics.StreamsActive.Dec()
	}
	t.logger.Info("stream keep-alive timeout", "streamId", s.ID, "package", s.Package)

	if t.onTimeout != nil {
		go t.onTimeout(s.ID)
	}
}

// cancelTimersLocked stops the heartbeat timer and all outstanding ack
// timers. Caller holds the tracker lock.
func (t *Tracker) cancelTimersLocked(s *Stream) {
	if s.hbTimer != nil {
		s.hbTimer.Stop()
		s.hbTimer = nil
	}
	for id, timer := range s.outstanding {
		timer.Stop()
		delete(s.outstanding, id)
	}
}
