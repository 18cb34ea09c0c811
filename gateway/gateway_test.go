package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/lenslink/audio"
	"github.com/c360/lenslink/pkg/token"
	"github.com/c360/lenslink/profile"
	"github.com/c360/lenslink/protocol"
	"github.com/c360/lenslink/session"
	"github.com/c360/lenslink/stream"
	"github.com/c360/lenslink/webhook"
)

const testSecret = "test-secret"

type fixture struct {
	t        *testing.T
	server   *httptest.Server
	signer   *token.Signer
	registry *session.Registry
	profiles *profile.MemoryStore
	pipeline *audio.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := token.NewSigner([]byte(testSecret))
	require.NoError(t, err)

	sessCfg := session.DefaultConfig()
	sessCfg.GracePeriod = 200 * time.Millisecond
	sessCfg.DebounceWindow = 20 * time.Millisecond
	sessCfg.Stream = stream.Config{
		HeartbeatInterval: 20 * time.Millisecond,
		AckTimeout:        20 * time.Millisecond,
		MaxMissed:         3,
		InactivityCeiling: time.Second,
	}

	pipeline := audio.NewFake()
	registry := session.NewRegistry(sessCfg, pipeline)
	profiles := profile.NewMemoryStore()
	webhooks := webhook.NewDispatcher(slog.Default())

	router := NewRouter(DefaultConfig(), signer, registry, profiles, webhooks)
	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)

	return &fixture{
		t:        t,
		server:   server,
		signer:   signer,
		registry: registry,
		profiles: profiles,
		pipeline: pipeline,
	}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func (f *fixture) deviceToken(userID string) string {
	tok, err := f.signer.Sign(token.Claims{UserID: userID})
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) appToken(userID, pkg, apiKey string) string {
	tok, err := f.signer.Sign(token.Claims{UserID: userID, Package: pkg, APIKey: apiKey})
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) putManifest(pkg, apiKey string, perms ...string) {
	f.profiles.PutAppManifest(&profile.Manifest{
		Package:     pkg,
		Name:        pkg,
		APIKeyHash:  profile.HashAPIKey(apiKey),
		Permissions: perms,
	})
}

// connectDevice dials the device endpoint and completes the init handshake.
func (f *fixture) connectDevice(userID string) *websocket.Conn {
	f.t.Helper()
	header := http.Header{"Authorization": {"Bearer " + f.deviceToken(userID)}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/device"), header)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })

	require.NoError(f.t, conn.WriteJSON(map[string]any{
		"type": protocol.TypeConnectionInit, "timestamp": protocol.Now(),
	}))
	ack := readFrame(f.t, conn, "connection_ack")
	require.Equal(f.t, userID, ack["sessionId"])
	return conn
}

// connectApp dials the App endpoint with a credential header.
func (f *fixture) connectApp(userID, pkg, apiKey string) *websocket.Conn {
	f.t.Helper()
	header := http.Header{"Authorization": {"Bearer " + f.appToken(userID, pkg, apiKey)}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/app"), header)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })

	readFrame(f.t, conn, "connection_ack")
	return conn
}

// readFrame reads frames until one with the wanted type arrives. Frames of
// other types (app_state_change pushes and the like) are skipped.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q frame", wantType)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == wantType {
			require.NoError(t, conn.SetReadDeadline(time.Time{}))
			return frame
		}
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, streams ...string) {
	t.Helper()
	subs := make([]map[string]any, 0, len(streams))
	for _, s := range streams {
		subs = append(subs, map[string]any{"stream": s})
	}
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": protocol.TypeSubscriptionUpdate, "timestamp": protocol.Now(),
		"subscriptions": subs,
	}))
	readFrame(t, conn, "ack")
}

func TestDeviceRejectedWithoutCredential(t *testing.T) {
	f := newFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/device"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var frame map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	assert.Equal(t, "connection_error", frame["type"])
	assert.Equal(t, string(protocol.CodeInvalidCredential), frame["code"])
}

func TestDeviceRejectedWithBadSignature(t *testing.T) {
	f := newFixture(t)

	header := http.Header{"Authorization": {"Bearer " + f.deviceToken("user-1") + "x"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/device"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var frame map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	assert.Equal(t, string(protocol.CodeSignatureFailed), frame["code"])
}

func TestDeviceConnectAndAck(t *testing.T) {
	f := newFixture(t)
	f.connectDevice("user-1")

	sess, ok := f.registry.Get("user-1")
	require.True(t, ok)
	assert.True(t, sess.Connected())
}

func TestAppRejectedWhenNoSession(t *testing.T) {
	f := newFixture(t)
	f.putManifest("pkg.a", "key-a")

	header := http.Header{"Authorization": {"Bearer " + f.appToken("user-1", "pkg.a", "key-a")}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/app"), header)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn, "connection_error")
	assert.Equal(t, string(protocol.CodeSessionNotFound), frame["code"])

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, protocol.CloseSessionNotFound, closeErr.Code)
}

func TestAppRejectedWithWrongAPIKey(t *testing.T) {
	f := newFixture(t)
	f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a")

	header := http.Header{"Authorization": {"Bearer " + f.appToken("user-1", "pkg.a", "wrong")}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/app"), header)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn, "connection_error")
	assert.Equal(t, string(protocol.CodeInvalidCredential), frame["code"])
}

func TestAppRejectedForUnknownPackage(t *testing.T) {
	f := newFixture(t)
	f.connectDevice("user-1")

	header := http.Header{"Authorization": {"Bearer " + f.appToken("user-1", "pkg.ghost", "k")}}
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/app"), header)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn, "connection_error")
	assert.Equal(t, string(protocol.CodeUnknownPackage), frame["code"])
}

func TestLegacyInBandInit(t *testing.T) {
	f := newFixture(t)
	f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a")

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/app"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": protocol.TypeConnectionInit, "timestamp": protocol.Now(),
		"packageName": "pkg.a", "userId": "user-1", "apiKey": "key-a",
	}))
	readFrame(t, conn, "connection_ack")

	sess, ok := f.registry.Get("user-1")
	require.True(t, ok)
	_, attached := sess.App("pkg.a")
	assert.True(t, attached)
}

func TestLocationRelayAndReplay(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a", "LOCATION")
	f.putManifest("pkg.b", "key-b", "LOCATION")

	appA := f.connectApp("user-1", "pkg.a", "key-a")
	subscribe(t, appA, "location")

	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeLocationUpdate, "timestamp": protocol.Now(),
		"lat": 48.85, "lng": 2.35,
	}))

	frame := readFrame(t, appA, "data_stream")
	assert.Equal(t, "location", frame["streamType"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, 48.85, payload["lat"])

	// A later subscriber gets the cached value exactly once, replayed
	// before the subscription ack.
	appB := f.connectApp("user-1", "pkg.b", "key-b")
	require.NoError(t, appB.WriteJSON(map[string]any{
		"type": protocol.TypeSubscriptionUpdate, "timestamp": protocol.Now(),
		"subscriptions": []map[string]any{{"stream": "location"}},
	}))
	frame = readFrame(t, appB, "data_stream")
	payload = frame["payload"].(map[string]any)
	assert.Equal(t, 48.85, payload["lat"])
	readFrame(t, appB, "ack")
}

func TestSubscriptionPermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a") // no LOCATION permission

	app := f.connectApp("user-1", "pkg.a", "key-a")
	require.NoError(t, app.WriteJSON(map[string]any{
		"type": protocol.TypeSubscriptionUpdate, "timestamp": protocol.Now(),
		"subscriptions": []map[string]any{{"stream": "location"}},
	}))

	frame := readFrame(t, app, "connection_error")
	assert.Equal(t, string(protocol.CodePermissionDenied), frame["code"])

	sess, _ := f.registry.Get("user-1")
	assert.Empty(t, sess.SubscriptionsFor("pkg.a"))
}

func TestWildcardSubscriptionRequiresGatedPermissions(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a") // no permissions at all

	app := f.connectApp("user-1", "pkg.a", "key-a")
	require.NoError(t, app.WriteJSON(map[string]any{
		"type": protocol.TypeSubscriptionUpdate, "timestamp": protocol.Now(),
		"subscriptions": []map[string]any{{"stream": "*"}},
	}))

	frame := readFrame(t, app, "connection_error")
	assert.Equal(t, string(protocol.CodePermissionDenied), frame["code"])

	sess, _ := f.registry.Get("user-1")
	assert.Empty(t, sess.SubscriptionsFor("pkg.a"))

	// The wildcard matches gated streams, so without the permissions it
	// must not become a side door: device traffic stays away.
	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeLocationUpdate, "timestamp": protocol.Now(),
		"lat": 48.85, "lng": 2.35,
	}))
	assertNoFrame(t, app, "data_stream")
}

func TestWildcardSubscriptionWithAllPermissions(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a", "MICROPHONE", "CAMERA", "LOCATION", "CALENDAR")

	app := f.connectApp("user-1", "pkg.a", "key-a")
	subscribe(t, app, "*")

	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeLocationUpdate, "timestamp": protocol.Now(),
		"lat": 48.85, "lng": 2.35,
	}))
	frame := readFrame(t, app, "data_stream")
	assert.Equal(t, "location", frame["streamType"])
}

func TestMalformedMessageDoesNotKillConnection(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")

	require.NoError(t, device.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, device, "connection_error")
	assert.Equal(t, string(protocol.CodeMalformedMessage), frame["code"])

	// Connection survives: a valid request still gets an answer.
	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeRequestSettings, "timestamp": protocol.Now(),
	}))
	readFrame(t, device, "settings")
}

func TestBinaryFramesReachAudioPipeline(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")

	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}))
	waitFor(t, time.Second, func() bool { return f.pipeline.FrameCount("user-1") == 1 })
}

func TestDeviceReconnectKeepsSubscriptions(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a", "LOCATION")

	appA := f.connectApp("user-1", "pkg.a", "key-a")
	subscribe(t, appA, "location")

	sess, _ := f.registry.Get("user-1")
	device.Close()
	waitFor(t, time.Second, func() bool { return !sess.Connected() })

	// Reconnect inside the grace period: same session, subscriptions
	// intact, relay resumes without the App doing anything.
	device2 := f.connectDevice("user-1")
	sess2, ok := f.registry.Get("user-1")
	require.True(t, ok)
	assert.Same(t, sess, sess2)

	require.NoError(t, device2.WriteJSON(map[string]any{
		"type": protocol.TypeLocationUpdate, "timestamp": protocol.Now(),
		"lat": 1.0, "lng": 2.0,
	}))
	frame := readFrame(t, appA, "data_stream")
	assert.Equal(t, "location", frame["streamType"])
}

func TestSettingsDiffReachesFieldSubscriber(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a")

	app := f.connectApp("user-1", "pkg.a", "key-a")
	subscribe(t, app, "settings:brightness")

	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeSettingsUpdate, "timestamp": protocol.Now(),
		"settings": map[string]any{"brightness": 70, "theme": "dark"},
	}))
	frame := readFrame(t, app, "settings")
	settings := frame["settings"].(map[string]any)
	assert.Equal(t, 70.0, settings["brightness"])
	_, hasTheme := settings["theme"]
	assert.False(t, hasTheme)
}

func TestStreamRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a", "CAMERA")

	app := f.connectApp("user-1", "pkg.a", "key-a")
	require.NoError(t, app.WriteJSON(map[string]any{
		"type": protocol.TypeStreamRequest, "timestamp": protocol.Now(),
		"kind": "managed",
	}))

	started := readFrame(t, app, "stream_started")
	streamID := started["streamId"].(string)
	require.NotEmpty(t, streamID)

	start := readFrame(t, device, "start_media_stream")
	assert.Equal(t, streamID, start["streamId"])

	// Device acks heartbeats; the stream goes ACTIVE.
	ka := readFrame(t, device, "keep_alive")
	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeKeepAliveAck, "timestamp": protocol.Now(),
		"streamId": ka["streamId"], "heartbeatId": ka["heartbeatId"],
	}))

	sess, _ := f.registry.Get("user-1")
	waitFor(t, time.Second, func() bool {
		status, ok := sess.Tracker().Status(streamID)
		return ok && status == stream.StatusActive
	})

	require.NoError(t, app.WriteJSON(map[string]any{
		"type": protocol.TypeStreamStop, "timestamp": protocol.Now(),
		"streamId": streamID,
	}))
	readFrame(t, device, "stop_media_stream")
}

func TestStreamRequestDeniedWithoutCamera(t *testing.T) {
	f := newFixture(t)
	f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a")

	app := f.connectApp("user-1", "pkg.a", "key-a")
	require.NoError(t, app.WriteJSON(map[string]any{
		"type": protocol.TypeStreamRequest, "timestamp": protocol.Now(),
		"kind": "managed",
	}))
	frame := readFrame(t, app, "connection_error")
	assert.Equal(t, string(protocol.CodePermissionDenied), frame["code"])
}

func TestStartAppFiresWebhookPathAndState(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")
	f.putManifest("pkg.a", "key-a")

	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeStartApp, "timestamp": protocol.Now(),
		"packageName": "pkg.a",
	}))
	state := readFrame(t, device, "app_state_change")
	running := state["runningApps"].([]any)
	require.Len(t, running, 1)
	assert.Equal(t, "pkg.a", running[0])
	readFrame(t, device, "ack")

	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeStopApp, "timestamp": protocol.Now(),
		"packageName": "pkg.a",
	}))
	readFrame(t, device, "ack")
}

func TestStartAppUnknownPackageRejected(t *testing.T) {
	f := newFixture(t)
	device := f.connectDevice("user-1")

	require.NoError(t, device.WriteJSON(map[string]any{
		"type": protocol.TypeStartApp, "timestamp": protocol.Now(),
		"packageName": "pkg.ghost",
	}))
	frame := readFrame(t, device, "connection_error")
	assert.Equal(t, string(protocol.CodeUnknownPackage), frame["code"])
}

func TestDisconnectReleasesWriterGoroutine(t *testing.T) {
	f := newFixture(t)

	before := writeLoopGoroutines()
	for i := 0; i < 10; i++ {
		device := f.connectDevice("user-1")
		require.NoError(t, device.Close())
	}

	// The handler owns its sink: every writer goroutine (and its socket)
	// must drain once the read loop exits, without waiting for session
	// disposal.
	waitFor(t, 2*time.Second, func() bool { return writeLoopGoroutines() <= before })
}

func writeLoopGoroutines() int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Count(string(buf[:n]), "wsSink).writeLoop")
}

// assertNoFrame drains the connection for a short window and fails if a
// frame of the given type shows up.
func assertNoFrame(t *testing.T, conn *websocket.Conn, badType string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		require.NotEqual(t, badType, frame["type"])
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %v", timeout)
}
