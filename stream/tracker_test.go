package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns keep-alive timings fast enough for unit tests.
func testConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Millisecond,
		AckTimeout:        20 * time.Millisecond,
		MaxMissed:         3,
		InactivityCeiling: time.Second,
	}
}

// heartbeatRecorder collects sent heartbeats.
type heartbeatRecorder struct {
	mu    sync.Mutex
	beats []string // heartbeat ids in send order
	byID  map[string]string
}

func newHeartbeatRecorder() *heartbeatRecorder {
	return &heartbeatRecorder{byID: make(map[string]string)}
}

func (r *heartbeatRecorder) send(streamID, heartbeatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats = append(r.beats, heartbeatID)
	r.byID[heartbeatID] = streamID
}

func (r *heartbeatRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

func (r *heartbeatRecorder) last() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.beats) == 0 {
		return "", false
	}
	return r.beats[len(r.beats)-1], true
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}

func TestHeartbeatsSentAndAckedStaysActive(t *testing.T) {
	rec := newHeartbeatRecorder()
	tr := NewTracker(testConfig(), rec.send)
	defer tr.StopAll()

	tr.Track("s1", "pkg.a")

	// Acknowledge the first three heartbeats as they arrive.
	for i := 1; i <= 3; i++ {
		waitFor(t, func() bool { return rec.count() >= i }, "heartbeat sent")
		hb, ok := rec.last()
		require.True(t, ok)
		tr.Ack("s1", hb)
	}

	status, ok := tr.Status("s1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
}

func TestThreeMissesTransitionsToTimeout(t *testing.T) {
	rec := newHeartbeatRecorder()
	timedOut := make(chan string, 1)
	tr := NewTracker(testConfig(), rec.send,
		WithTimeoutHandler(func(id string) { timedOut <- id }))
	defer tr.StopAll()

	tr.Track("s1", "pkg.a")

	// Never ack: after MaxMissed consecutive ack timeouts the stream must
	// transition to TIMEOUT.
	select {
	case id := <-timedOut:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never timed out")
	}

	// Timeout removes the stream from tracking entirely: the id must be
	// absent, not parked in a terminal state.
	_, ok := tr.Status("s1")
	assert.False(t, ok)
	assert.Empty(t, tr.Streams())

	// No further heartbeats after timeout: the counter must stop moving.
	n := rec.count()
	time.Sleep(5 * testConfig().HeartbeatInterval)
	assert.Equal(t, n, rec.count(), "heartbeats sent after TIMEOUT")
	assert.Zero(t, tr.Outstanding("s1"))
}

func TestAckResetsMissedCounter(t *testing.T) {
	rec := newHeartbeatRecorder()
	cfg := testConfig()
	cfg.AckTimeout = 15 * time.Millisecond
	cfg.MaxMissed = 100 // keep the stream from timing out under test scheduling jitter
	tr := NewTracker(cfg, rec.send)
	defer tr.StopAll()

	tr.Track("s1", "pkg.a")

	// Let two heartbeats miss, then ack one to reset the counter.
	waitFor(t, func() bool { return tr.Missed("s1") >= 2 }, "two misses recorded")

	waitFor(t, func() bool {
		hb, ok := rec.last()
		if !ok {
			return false
		}
		tr.Ack("s1", hb)
		return tr.Missed("s1") == 0
	}, "missed counter reset by ack")

	status, ok := tr.Status("s1")
	require.True(t, ok)
	assert.NotEqual(t, StatusTimeout, status)
}

func TestInactivityCeilingTimesOut(t *testing.T) {
	rec := newHeartbeatRecorder()
	cfg := testConfig()
	cfg.InactivityCeiling = 30 * time.Millisecond
	cfg.AckTimeout = time.Second // acks never time out in this test
	timedOut := make(chan string, 1)
	tr := NewTracker(cfg, rec.send,
		WithTimeoutHandler(func(id string) { timedOut <- id }))
	defer tr.StopAll()

	tr.Track("s1", "pkg.a")

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("inactivity ceiling never fired")
	}

	_, ok := tr.Status("s1")
	assert.False(t, ok, "timed-out stream still tracked")
	assert.Empty(t, tr.Streams())
}

func TestStopCancelsTracking(t *testing.T) {
	rec := newHeartbeatRecorder()
	tr := NewTracker(testConfig(), rec.send)

	tr.Track("s1", "pkg.a")
	waitFor(t, func() bool { return rec.count() >= 1 }, "first heartbeat")

	tr.Stop("s1")
	_, ok := tr.Status("s1")
	assert.False(t, ok)

	n := rec.count()
	time.Sleep(5 * testConfig().HeartbeatInterval)
	assert.Equal(t, n, rec.count(), "heartbeats sent after Stop")

	// Idempotent
	tr.Stop("s1")
	tr.Stop("unknown")
}

func TestStopAll(t *testing.T) {
	rec := newHeartbeatRecorder()
	tr := NewTracker(testConfig(), rec.send)

	tr.Track("s1", "pkg.a")
	tr.Track("s2", "pkg.b")
	assert.Len(t, tr.Streams(), 2)

	tr.StopAll()
	assert.Empty(t, tr.Streams())
}

func TestAckUnknownIDsIgnored(t *testing.T) {
	rec := newHeartbeatRecorder()
	tr := NewTracker(testConfig(), rec.send)
	defer tr.StopAll()

	tr.Track("s1", "pkg.a")
	tr.Ack("s1", "never-sent")
	tr.Ack("absent", "hb")

	_, ok := tr.Status("s1")
	assert.True(t, ok)
}

func TestStopRacesWithHeartbeatTick(t *testing.T) {
	rec := newHeartbeatRecorder()
	cfg := testConfig()
	cfg.HeartbeatInterval = time.Millisecond
	tr := NewTracker(cfg, rec.send)

	for i := 0; i < 50; i++ {
		tr.Track("s1", "pkg.a")
		time.Sleep(time.Duration(i%3) * time.Millisecond)
		tr.Stop("s1")
	}
	assert.Empty(t, tr.Streams())
}

func TestDeviceReportedStopCancelsHeartbeats(t *testing.T) {
	rec := newHeartbeatRecorder()
	tr := NewTracker(testConfig(), rec.send)
	defer tr.StopAll()

	tr.Track("s1", "pkg.a")
	tr.SetStatus("s1", StatusStopping)

	// Next tick observes a non-sendable status and cancels tracking.
	time.Sleep(4 * testConfig().HeartbeatInterval)
	n := rec.count()
	time.Sleep(4 * testConfig().HeartbeatInterval)
	assert.Equal(t, n, rec.count())
}
