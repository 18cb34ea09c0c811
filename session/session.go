// Package session holds the per-device session aggregate and its registry.
// A session outlives any single WebSocket: the device socket may drop and
// reattach within the reconnection grace period, App sockets come and go,
// and all session state transitions are serialized under one mutex.
//
// Long external calls (audio pipeline control, webhooks) never run under
// the session lock: state is snapshotted, the lock released, then the call
// made.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/lenslink/audio"
	"github.com/c360/lenslink/errors"
	"github.com/c360/lenslink/metric"
	"github.com/c360/lenslink/protocol"
	"github.com/c360/lenslink/stream"
	"github.com/c360/lenslink/subscription"
)

// pipelineCallTimeout bounds audio pipeline control calls made off the
// session lock.
const pipelineCallTimeout = 10 * time.Second

// Config holds the per-session lifecycle parameters.
type Config struct {
	// GracePeriod is how long a session survives after its device socket
	// drops before it is disposed.
	GracePeriod time.Duration

	// DebounceWindow delays language reconciliation after subscription
	// churn, timed from the most recent update.
	DebounceWindow time.Duration

	// CleanupEnabled gates disposal on grace expiry. When false the timer
	// still fires but the session is kept (debug escape hatch).
	CleanupEnabled bool

	// DefaultLanguage is contributed by unparameterized transcription and
	// translation subscriptions.
	DefaultLanguage string

	// Stream holds the keep-alive timings for tracked media streams.
	Stream stream.Config
}

// DefaultConfig returns the production session parameters.
func DefaultConfig() Config {
	return Config{
		GracePeriod:     60 * time.Second,
		DebounceWindow:  500 * time.Millisecond,
		CleanupEnabled:  true,
		DefaultLanguage: "en-US",
		Stream:          stream.DefaultConfig(),
	}
}

// Session is the aggregate for one device identity: the device sink, every
// attached App sink, the subscription table, cached replayable values, the
// settings snapshot, running Apps, and the media stream tracker.
type Session struct {
	identity string
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
	pipeline audio.Pipeline

	// onDisposed removes the session from its registry. Set once at
	// construction, never under the lock.
	onDisposed func(identity string)

	tracker *stream.Tracker
	subs    *subscription.Table

	mu             sync.Mutex
	device         Sink
	apps           map[string]Sink
	running        map[string]struct{}
	settings       map[string]any
	cache          map[string]json.RawMessage
	streamOwners   map[string]string
	disconnectedAt time.Time
	cleanupTimer   *time.Timer
	debounce       *time.Timer
	debounceGen    uint64
	disposed       bool
	createdAt      time.Time
}

func newSession(identity string, cfg Config, pipeline audio.Pipeline, logger *slog.Logger, metrics *metric.Metrics, onDisposed func(string)) *Session {
	s := &Session{
		identity:     identity,
		cfg:          cfg,
		logger:       logger.With("identity", identity),
		metrics:      metrics,
		pipeline:     pipeline,
		onDisposed:   onDisposed,
		subs:         subscription.NewTable(),
		apps:         make(map[string]Sink),
		running:      make(map[string]struct{}),
		settings:     make(map[string]any),
		cache:        make(map[string]json.RawMessage),
		streamOwners: make(map[string]string),
		createdAt:    time.Now(),
	}
	s.tracker = stream.NewTracker(cfg.Stream, s.sendKeepAlive,
		stream.WithTimeoutHandler(s.onStreamTimeout),
		stream.WithLogger(s.logger),
		stream.WithMetrics(metrics),
	)
	return s
}

// Identity returns the session's device identity (user id).
func (s *Session) Identity() string { return s.identity }

// Disposed reports whether the session has been torn down.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Connected reports whether a device socket is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil
}

// AttachDevice installs the device sink, clearing any pending grace timer
// and the disconnect timestamp. A previously attached sink is closed.
func (s *Session) AttachDevice(sink Sink) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		sink.Close()
		return
	}
	old := s.device
	s.device = sink
	s.disconnectedAt = time.Time{}
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	s.mu.Unlock()

	if old != nil && old != sink {
		old.Close()
	}
}

// DetachDevice records the device disconnect and arms the grace timer. The
// disconnect timestamp is the sole cleanup signal; the sink argument only
// guards against a stale close racing a newer attach.
func (s *Session) DetachDevice(sink Sink) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if sink != nil && s.device != sink {
		// A replacement socket already attached; this close is stale.
		s.mu.Unlock()
		return
	}
	s.device = nil
	s.disconnectedAt = time.Now()
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
	}
	s.cleanupTimer = time.AfterFunc(s.cfg.GracePeriod, s.expireGrace)
	s.mu.Unlock()

	s.logger.Info("device disconnected, grace timer armed",
		"gracePeriod", s.cfg.GracePeriod)
}

// expireGrace fires when the reconnection grace period elapses.
func (s *Session) expireGrace() {
	s.mu.Lock()
	if s.disposed || s.disconnectedAt.IsZero() {
		// Reconnected (or already gone) before expiry.
		s.mu.Unlock()
		return
	}
	if !s.cfg.CleanupEnabled {
		s.mu.Unlock()
		s.logger.Warn("grace period expired but cleanup is disabled, keeping session")
		return
	}
	s.mu.Unlock()
	s.Dispose("grace period expired")
}

// AttachApp installs an App sink, replacing and closing any previous sink
// for the same package, and pushes an app state snapshot to the device.
func (s *Session) AttachApp(pkg string, sink Sink) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrSessionDisposed, "Session", "AttachApp",
			"attaching app connection")
	}
	old := s.apps[pkg]
	s.apps[pkg] = sink
	s.mu.Unlock()

	if old != nil {
		old.Close()
	} else if s.metrics != nil {
		s.metrics.AppConnectionsActive.Inc()
	}
	s.notifyAppState()
	return nil
}

// DetachApp removes an App sink on socket close. Subscriptions are kept so
// a reattaching App resumes where it left off; they go silent until then.
func (s *Session) DetachApp(pkg string, sink Sink) {
	s.mu.Lock()
	current, ok := s.apps[pkg]
	if !ok || (sink != nil && current != sink) {
		s.mu.Unlock()
		return
	}
	delete(s.apps, pkg)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AppConnectionsActive.Dec()
	}
	s.notifyAppState()
}

// App returns the sink attached for a package, if any.
func (s *Session) App(pkg string) (Sink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink, ok := s.apps[pkg]
	return sink, ok
}

// ActiveApps returns the packages with an attached App socket, sorted.
func (s *Session) ActiveApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAppsLocked()
}

func (s *Session) activeAppsLocked() []string {
	pkgs := make([]string, 0, len(s.apps))
	for pkg := range s.apps {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// RunningApps returns the packages currently marked running, sorted.
func (s *Session) RunningApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Session) runningLocked() []string {
	pkgs := make([]string, 0, len(s.running))
	for pkg := range s.running {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// MarkRunning records a package as started and pushes an app state snapshot
// to the device.
func (s *Session) MarkRunning(pkg string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.running[pkg] = struct{}{}
	s.mu.Unlock()
	s.notifyAppState()
}

// MarkStopped records a package as stopped, removes its subscriptions, and
// reconciles languages if the active set changed.
func (s *Session) MarkStopped(pkg string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	delete(s.running, pkg)
	before := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	s.subs.Remove(pkg)
	after := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	if !equalStrings(before, after) {
		s.scheduleReconcileLocked()
	}
	s.mu.Unlock()
	s.notifyAppState()
}

// SubscriptionsFor returns the current subscription set for a package.
func (s *Session) SubscriptionsFor(pkg string) []subscription.Entry {
	return s.subs.Get(pkg)
}

// UpdateSubscriptions atomically replaces an App's subscription set. Newly
// subscribed replayable stream types get the latest cached value replayed
// to that App only; a changed active language set schedules a debounced
// reconciliation; the device receives an app state snapshot.
func (s *Session) UpdateSubscriptions(pkg string, entries []subscription.Entry) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrSessionDisposed, "Session", "UpdateSubscriptions",
			"replacing subscription set")
	}

	before := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	prev := s.subs.Replace(pkg, entries)
	after := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	added := subscription.NewlySubscribed(prev, entries)

	if !equalStrings(before, after) {
		s.scheduleReconcileLocked()
	}

	target := s.apps[pkg]
	var replays []protocol.DataStream
	if target != nil {
		for _, st := range added {
			if !subscription.Replayable(st) {
				continue
			}
			if payload, ok := s.cache[st]; ok {
				replays = append(replays, protocol.NewDataStream(st, payload))
			}
		}
	}
	device := s.device
	state := protocol.NewAppStateChange(s.activeAppsLocked(), s.runningLocked())
	s.mu.Unlock()

	for _, frame := range replays {
		target.TrySend(frame)
	}
	if device != nil {
		device.TrySend(state)
	}
	return nil
}

// scheduleReconcileLocked (re)arms the debounce timer, timed from this
// update. The active language set is recomputed when the timer fires.
func (s *Session) scheduleReconcileLocked() {
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = time.AfterFunc(s.cfg.DebounceWindow, func() { s.reconcile(gen) })
}

// reconcile drives the audio pipeline to the currently needed language set.
// The generation guards against a fired callback that lost the race with a
// re-arm: only the current deadline may run and clear the timer reference,
// so Dispose always holds a cancellable handle to the armed timer.
func (s *Session) reconcile(gen uint64) {
	s.mu.Lock()
	if s.disposed || gen != s.debounceGen {
		s.mu.Unlock()
		return
	}
	s.debounce = nil
	langs := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), pipelineCallTimeout)
	defer cancel()
	if err := s.pipeline.EnsureStreams(ctx, s.identity, langs); err != nil {
		s.logger.Warn("stream reconciliation ensure failed", "error", err, "languages", langs)
	}
	if err := s.pipeline.TeardownIdle(ctx, s.identity, langs); err != nil {
		s.logger.Warn("stream reconciliation teardown failed", "error", err, "languages", langs)
	}
}

// Relay fans a device-originated message out to every subscribed App and
// returns the delivery count. Replayable stream types update the session
// cache regardless of subscriber count. A full App queue drops the frame
// for that App only.
func (s *Session) Relay(streamType, language string, payload json.RawMessage) int {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0
	}
	if subscription.Replayable(streamType) {
		s.cache[streamType] = payload
	}
	pkgs := s.subs.Subscribers(streamType, language)
	sinks := make([]Sink, 0, len(pkgs))
	for _, pkg := range pkgs {
		if sink, ok := s.apps[pkg]; ok {
			sinks = append(sinks, sink)
		}
	}
	s.mu.Unlock()

	frame := protocol.NewDataStream(streamType, payload)
	delivered := 0
	for _, sink := range sinks {
		if sink.TrySend(frame) {
			delivered++
		} else if s.metrics != nil {
			s.metrics.MessagesDropped.WithLabelValues("app_queue_full").Inc()
		}
	}
	if delivered > 0 && s.metrics != nil {
		s.metrics.MessagesRelayed.WithLabelValues(streamType).Add(float64(delivered))
	}
	return delivered
}

// RelayToDevice forwards an App-originated message unchanged to the device
// socket. Returns false when no device is attached or the frame was dropped.
func (s *Session) RelayToDevice(raw json.RawMessage) bool {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device == nil {
		return false
	}
	return device.TrySend(raw)
}

// UpdateSettings replaces the settings snapshot, returning the changed
// field names. Each changed field is pushed to Apps subscribed to that
// field's settings stream.
func (s *Session) UpdateSettings(settings map[string]any) []string {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}

	var changed []string
	for field, value := range settings {
		if old, ok := s.settings[field]; !ok || !reflect.DeepEqual(old, value) {
			changed = append(changed, field)
		}
	}
	for field := range s.settings {
		if _, ok := settings[field]; !ok {
			changed = append(changed, field)
		}
	}
	sort.Strings(changed)

	s.settings = make(map[string]any, len(settings))
	for field, value := range settings {
		s.settings[field] = value
	}

	type delivery struct {
		sink  Sink
		frame protocol.SettingsFrame
	}
	var deliveries []delivery
	for _, field := range changed {
		pkgs := s.subs.Subscribers(subscription.SettingsStream(field), "")
		if len(pkgs) == 0 {
			continue
		}
		frame := protocol.NewSettingsFrame(map[string]any{field: s.settings[field]})
		for _, pkg := range pkgs {
			if sink, ok := s.apps[pkg]; ok {
				deliveries = append(deliveries, delivery{sink, frame})
			}
		}
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d.sink.TrySend(d.frame)
	}
	return changed
}

// Settings returns a copy of the current settings snapshot.
func (s *Session) Settings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(s.settings))
	for field, value := range s.settings {
		cp[field] = value
	}
	return cp
}

// OnSpeechStart ensures transcription streams exist for the active language
// set. Called on a VAD speaking transition.
func (s *Session) OnSpeechStart(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	langs := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	s.mu.Unlock()

	if err := s.pipeline.EnsureStreams(ctx, s.identity, langs); err != nil {
		s.logger.Warn("speech start ensure failed", "error", err)
	}
}

// OnSpeechStop finalizes in-flight transcription before tearing down idle
// streams. The ordering matters: teardown first would drop trailing output.
func (s *Session) OnSpeechStop(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	langs := s.subs.ActiveLanguages(s.cfg.DefaultLanguage)
	s.mu.Unlock()

	if err := s.pipeline.FinalizeTranscription(ctx, s.identity); err != nil {
		s.logger.Warn("transcription finalize failed", "error", err)
	}
	if err := s.pipeline.TeardownIdle(ctx, s.identity, langs); err != nil {
		s.logger.Warn("speech stop teardown failed", "error", err)
	}
}

// WriteAudio hands a binary audio frame to the pipeline.
func (s *Session) WriteAudio(frame []byte) error {
	if s.Disposed() {
		return errors.WrapInvalid(errors.ErrSessionDisposed, "Session", "WriteAudio",
			"routing audio frame")
	}
	if s.metrics != nil {
		s.metrics.AudioBytes.Add(float64(len(frame)))
	}
	return s.pipeline.WriteFrame(s.identity, frame)
}

// StartStream begins keep-alive tracking for a new outbound media stream
// and instructs the device to start it. Returns the assigned stream id.
func (s *Session) StartStream(pkg, kind, targetURL string) (string, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", errors.WrapInvalid(errors.ErrSessionDisposed, "Session", "StartStream",
			"starting media stream")
	}
	streamID := uuid.NewString()
	s.streamOwners[streamID] = pkg
	device := s.device
	s.mu.Unlock()

	s.tracker.Track(streamID, pkg)
	if device != nil {
		device.TrySend(protocol.NewMediaStreamStart(streamID, kind, targetURL))
	}
	s.logger.Info("media stream started", "streamId", streamID, "package", pkg, "kind", kind)
	return streamID, nil
}

// StopStream ends tracking for a stream and instructs the device to stop
// it. Unknown ids are rejected.
func (s *Session) StopStream(streamID string) error {
	s.mu.Lock()
	_, ok := s.streamOwners[streamID]
	if ok {
		delete(s.streamOwners, streamID)
	}
	device := s.device
	s.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrStreamNotFound, "Session", "StopStream",
			"stopping media stream")
	}
	s.tracker.Stop(streamID)
	if device != nil {
		device.TrySend(protocol.NewMediaStreamStop(streamID))
	}
	return nil
}

// StreamStatusUpdate applies a device-reported media stream status change.
func (s *Session) StreamStatusUpdate(streamID string, status stream.Status) {
	s.tracker.SetStatus(streamID, status)
	if status == stream.StatusStopped {
		s.mu.Lock()
		owner, ok := s.streamOwners[streamID]
		delete(s.streamOwners, streamID)
		var sink Sink
		if ok {
			sink = s.apps[owner]
		}
		s.mu.Unlock()

		s.tracker.Stop(streamID)
		if sink != nil {
			sink.TrySend(protocol.NewStreamStatus(streamID, status.String()))
		}
	}
}

// KeepAliveAck processes a device keep_alive_ack.
func (s *Session) KeepAliveAck(streamID, heartbeatID string) {
	s.tracker.Ack(streamID, heartbeatID)
}

// Tracker exposes the keep-alive tracker (tests, introspection).
func (s *Session) Tracker() *stream.Tracker { return s.tracker }

// sendKeepAlive delivers a keep_alive frame through the current device
// sink. Best effort: no device means the heartbeat goes unacknowledged.
func (s *Session) sendKeepAlive(streamID, heartbeatID string) {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device != nil {
		device.TrySend(protocol.NewKeepAlive(streamID, heartbeatID))
	}
}

// onStreamTimeout runs on its own goroutine after a keep-alive timeout:
// notify the owning App, tell the device to stop the stream.
func (s *Session) onStreamTimeout(streamID string) {
	s.mu.Lock()
	owner, ok := s.streamOwners[streamID]
	delete(s.streamOwners, streamID)
	device := s.device
	var sink Sink
	if ok {
		sink = s.apps[owner]
	}
	s.mu.Unlock()

	if device != nil {
		device.TrySend(protocol.NewMediaStreamStop(streamID))
	}
	if sink != nil {
		sink.TrySend(protocol.NewStreamStatus(streamID, stream.StatusTimeout.String()))
	}
	s.logger.Warn("media stream timed out", "streamId", streamID, "package", owner)
}

// notifyAppState pushes the active/running snapshot to the device socket.
func (s *Session) notifyAppState() {
	s.mu.Lock()
	device := s.device
	if device == nil || s.disposed {
		s.mu.Unlock()
		return
	}
	state := protocol.NewAppStateChange(s.activeAppsLocked(), s.runningLocked())
	s.mu.Unlock()

	device.TrySend(state)
}

// Dispose tears the session down: cancels all timers, stops every tracked
// stream, closes every sink, releases audio resources, and removes the
// session from its registry. Idempotent.
func (s *Session) Dispose(reason string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	device := s.device
	s.device = nil
	apps := make([]Sink, 0, len(s.apps))
	for _, sink := range s.apps {
		apps = append(apps, sink)
	}
	appCount := len(s.apps)
	s.apps = make(map[string]Sink)
	s.streamOwners = make(map[string]string)
	s.mu.Unlock()

	s.tracker.StopAll()
	for _, sink := range apps {
		sink.Close()
	}
	if device != nil {
		device.Close()
	}
	s.pipeline.EndSession(s.identity)

	if s.metrics != nil {
		s.metrics.SessionsDisposed.Inc()
		s.metrics.SessionsActive.Dec()
		for i := 0; i < appCount; i++ {
			s.metrics.AppConnectionsActive.Dec()
		}
	}
	s.logger.Info("session disposed", "reason", reason, "age", time.Since(s.createdAt))

	if s.onDisposed != nil {
		s.onDisposed(s.identity)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
