package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/lenslink/errors"
	"github.com/c360/lenslink/profile"
	"github.com/c360/lenslink/protocol"
	"github.com/c360/lenslink/session"
	"github.com/c360/lenslink/stream"
	"github.com/c360/lenslink/subscription"
	"github.com/c360/lenslink/webhook"
)

// profileCallTimeout bounds profile store lookups made from a read loop.
const profileCallTimeout = 5 * time.Second

// handleDevice terminates a device WebSocket: authenticate, upgrade, wait
// for connection_init, bind the socket to the identity's session, then run
// the read loop until the socket drops.
func (r *Router) handleDevice(w http.ResponseWriter, req *http.Request) {
	identity, err := r.verifyDevice(req)
	if err != nil {
		r.rejectHTTP(w, "device", err)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("device upgrade failed", "identity", identity, "error", err)
		return
	}
	sink := newWSSink(conn, r.cfg.WriteQueueSize)
	// The sink owns the socket and its writer goroutine; release both no
	// matter how the handler exits.
	defer sink.Close()

	// AWAITING_INIT: the first text frame must be connection_init.
	if err := r.awaitDeviceInit(conn); err != nil {
		r.rejectWS(sink, "device", err)
		return
	}

	sess, reconnected := r.sessions.CreateOrReattach(identity, sink)
	sink.TrySend(protocol.NewConnectionAck(identity))
	logger := r.logger.With("identity", identity)
	logger.Info("device connected", "reconnected", reconnected)

	if !reconnected {
		// Fresh session: Apps the user had running resume via their
		// start webhooks.
		go r.startPreviousApps(sess)
	}

	h := &deviceHandler{
		router:  r,
		sess:    sess,
		sink:    sink,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.MalformedPerMinute/60), r.cfg.MalformedBurst),
	}
	h.readLoop(conn)

	sess.DetachDevice(sink)
	logger.Info("device disconnected")
}

// awaitDeviceInit reads the handshake frame with a deadline.
func (r *Router) awaitDeviceInit(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(initTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return errors.WrapInvalid(errors.ErrMalformedMessage, "Router",
				"awaitDeviceInit", "read handshake frame")
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseDeviceMessage(data)
		if err != nil {
			return err
		}
		if _, ok := msg.(*protocol.DeviceConnectionInit); !ok {
			return errors.WrapInvalid(errors.ErrMalformedMessage, "Router",
				"awaitDeviceInit", "expected connection_init")
		}
		return nil
	}
}

// startPreviousApps resumes the running-app set recorded on the user
// profile. Runs off the session lock; failures are logged and skipped.
func (r *Router) startPreviousApps(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), profileCallTimeout)
	defer cancel()

	user, err := r.profiles.GetUser(ctx, sess.Identity())
	if err != nil {
		r.logger.Warn("previous apps lookup failed", "identity", sess.Identity(), "error", err)
		return
	}
	for _, pkg := range user.RunningApps {
		r.startApp(sess, pkg)
	}
}

// startApp marks a package running and fires its start webhook.
func (r *Router) startApp(sess *session.Session, pkg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), profileCallTimeout)
	manifest, err := r.profiles.GetAppManifest(ctx, pkg)
	cancel()
	if err != nil {
		return err
	}

	sess.MarkRunning(pkg)
	go r.notifyWebhook(manifest, webhook.KindSessionStart, sess.Identity())
	return nil
}

// stopApp marks a package stopped and fires its stop webhook. A missing
// manifest still stops the App; only the webhook is skipped.
func (r *Router) stopApp(sess *session.Session, pkg string) {
	ctx, cancel := context.WithTimeout(context.Background(), profileCallTimeout)
	manifest, err := r.profiles.GetAppManifest(ctx, pkg)
	cancel()

	sess.MarkStopped(pkg)
	if err != nil {
		r.logger.Warn("stop webhook skipped", "package", pkg, "error", err)
		return
	}
	go r.notifyWebhook(manifest, webhook.KindSessionStop, sess.Identity())
}

func (r *Router) notifyWebhook(manifest *profile.Manifest, kind webhook.Kind, identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.webhooks.Notify(ctx, manifest.WebhookURL, kind, identity); err != nil {
		r.logger.Warn("webhook delivery failed",
			"package", manifest.Package, "kind", kind, "error", err)
	}
}

// deviceHandler runs the ACTIVE state of one device socket.
type deviceHandler struct {
	router  *Router
	sess    *session.Session
	sink    *wsSink
	logger  *slog.Logger
	limiter *rate.Limiter
}

// readLoop consumes frames until the socket errors. Binary frames are audio
// and bypass JSON decoding entirely.
func (h *deviceHandler) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := h.sess.WriteAudio(data); err != nil {
				h.logger.Warn("audio frame dropped", "error", err)
			}
		case websocket.TextMessage:
			if !h.handleText(data) {
				h.sink.CloseWith(protocol.ClosePolicyViolation, "too many malformed messages")
				return
			}
		}
	}
}

// handleText processes one JSON frame. Returns false when the connection
// should be closed (malformed rate exceeded). A panic in a handler is
// contained to the message that caused it.
func (h *deviceHandler) handleText(data []byte) (keep bool) {
	keep = true
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("device message handler panic",
				"panic", rec, "stack", string(debug.Stack()))
			h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeInternalError, "internal error"))
		}
	}()

	msg, err := protocol.ParseDeviceMessage(data)
	if err != nil {
		h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeMalformedMessage, errText(err)))
		return h.limiter.Allow()
	}
	h.dispatch(msg, data)
	return true
}

func (h *deviceHandler) dispatch(msg protocol.DeviceMessage, raw []byte) {
	if h.router.metrics != nil {
		h.router.metrics.MessagesReceived.WithLabelValues("device", typeOf(msg)).Inc()
	}

	switch m := msg.(type) {
	case *protocol.DeviceConnectionInit:
		// Idempotent re-init: just re-ack.
		h.sink.TrySend(protocol.NewConnectionAck(h.sess.Identity()))

	case *protocol.StartApp:
		if err := h.router.startApp(h.sess, m.Package); err != nil {
			h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeForError(err), errText(err)))
			return
		}
		h.sink.TrySend(protocol.NewAckFrame(protocol.TypeStartApp))

	case *protocol.StopApp:
		h.router.stopApp(h.sess, m.Package)
		h.sink.TrySend(protocol.NewAckFrame(protocol.TypeStopApp))

	case *protocol.ConnectionState:
		h.sess.Relay(protocol.TypeConnectionState, "", raw)

	case *protocol.VAD:
		ctx, cancel := context.WithTimeout(context.Background(), profileCallTimeout)
		if m.Speaking {
			h.sess.OnSpeechStart(ctx)
		} else {
			h.sess.OnSpeechStop(ctx)
		}
		cancel()
		h.sess.Relay(subscription.StreamVAD, "", raw)

	case *protocol.HeadPosition:
		h.sess.Relay(subscription.StreamHeadPosition, "", raw)

	case *protocol.LocationUpdate:
		h.sess.Relay(subscription.StreamLocation, "", raw)

	case *protocol.CalendarEvent:
		h.sess.Relay(subscription.StreamCalendarEvent, "", raw)

	case *protocol.RequestSettings:
		h.sink.TrySend(protocol.NewSettingsFrame(h.sess.Settings()))

	case *protocol.SettingsUpdate:
		changed := h.sess.UpdateSettings(m.Settings)
		h.logger.Debug("settings updated", "changedFields", changed)
		h.sink.TrySend(protocol.NewAckFrame(protocol.TypeSettingsUpdate))

	case *protocol.MediaStreamStatus:
		h.sess.StreamStatusUpdate(m.StreamID, parseStreamStatus(m.Status))

	case *protocol.KeepAliveAck:
		h.sess.KeepAliveAck(m.StreamID, m.HeartbeatID)

	case *protocol.DeviceRelayEvent:
		h.sess.Relay(m.Type, "", json.RawMessage(raw))
	}
}

// parseStreamStatus maps a device-reported status string to the tracker
// state. Unknown strings count as activity on an active stream.
func parseStreamStatus(status string) stream.Status {
	switch status {
	case "initializing":
		return stream.StatusInitializing
	case "active":
		return stream.StatusActive
	case "stopping":
		return stream.StatusStopping
	case "stopped":
		return stream.StatusStopped
	default:
		return stream.StatusActive
	}
}

func typeOf(msg protocol.DeviceMessage) string {
	switch m := msg.(type) {
	case *protocol.DeviceConnectionInit:
		return protocol.TypeConnectionInit
	case *protocol.StartApp:
		return protocol.TypeStartApp
	case *protocol.StopApp:
		return protocol.TypeStopApp
	case *protocol.ConnectionState:
		return protocol.TypeConnectionState
	case *protocol.VAD:
		return protocol.TypeVAD
	case *protocol.HeadPosition:
		return protocol.TypeHeadPosition
	case *protocol.LocationUpdate:
		return protocol.TypeLocationUpdate
	case *protocol.CalendarEvent:
		return protocol.TypeCalendarEvent
	case *protocol.RequestSettings:
		return protocol.TypeRequestSettings
	case *protocol.SettingsUpdate:
		return protocol.TypeSettingsUpdate
	case *protocol.MediaStreamStatus:
		return protocol.TypeMediaStreamStatus
	case *protocol.KeepAliveAck:
		return protocol.TypeKeepAliveAck
	case *protocol.DeviceRelayEvent:
		return m.Type
	default:
		return "unknown"
	}
}
