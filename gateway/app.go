package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/lenslink/errors"
	"github.com/c360/lenslink/pkg/token"
	"github.com/c360/lenslink/profile"
	"github.com/c360/lenslink/protocol"
	"github.com/c360/lenslink/session"
	"github.com/c360/lenslink/subscription"
)

// appIdentity is the resolved result of either App handshake path.
type appIdentity struct {
	userID string
	pkg    string
	apiKey string
}

// handleApp terminates an App WebSocket. Two handshake paths converge on
// the same attach logic: signed credential on the upgrade request, or a
// legacy in-band connection_init as the first frame (PENDING_INIT).
func (r *Router) handleApp(w http.ResponseWriter, req *http.Request) {
	var ident *appIdentity
	if cred := credential(req); cred != "" {
		claims, err := r.signer.Verify(cred)
		if err != nil {
			r.rejectHTTP(w, "app", err)
			return
		}
		ident = &appIdentity{userID: claims.UserID, pkg: claims.Package, apiKey: claims.APIKey}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("app upgrade failed", "error", err)
		return
	}
	sink := newWSSink(conn, r.cfg.WriteQueueSize)
	defer sink.Close()

	if ident == nil {
		ident, err = r.awaitAppInit(conn)
		if err != nil {
			r.rejectWS(sink, "app", err)
			return
		}
	}

	sess, manifest, err := r.attachApp(ident, sink)
	if err != nil {
		r.rejectWS(sink, "app", err)
		return
	}
	sink.TrySend(protocol.NewConnectionAck(ident.userID))

	logger := r.logger.With("identity", ident.userID, "package", ident.pkg)
	logger.Info("app attached")

	h := &appHandler{
		router:   r,
		sess:     sess,
		sink:     sink,
		pkg:      ident.pkg,
		manifest: manifest,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(r.cfg.MalformedPerMinute/60), r.cfg.MalformedBurst),
	}
	h.readLoop(conn)

	sess.DetachApp(ident.pkg, sink)
	logger.Info("app detached")
}

// awaitAppInit reads the legacy in-band handshake frame with a deadline.
func (r *Router) awaitAppInit(conn *websocket.Conn) (*appIdentity, error) {
	_ = conn.SetReadDeadline(time.Now().Add(initTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidCredential, "Router", "awaitAppInit",
			"read handshake frame")
	}
	msg, err := protocol.ParseAppMessage(data)
	if err != nil {
		return nil, err
	}
	init, ok := msg.(*protocol.AppConnectionInit)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidCredential, "Router", "awaitAppInit",
			"expected connection_init")
	}

	if init.Credential != "" {
		claims, err := r.signer.Verify(init.Credential)
		if err != nil {
			return nil, err
		}
		return r.identityFromClaims(claims, init)
	}

	// Oldest Apps send raw fields; the API key is checked against the
	// manifest hash at attach.
	if init.Package == "" || init.UserID == "" || init.APIKey == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidCredential, "Router", "awaitAppInit",
			"incomplete connection_init")
	}
	return &appIdentity{userID: init.UserID, pkg: init.Package, apiKey: init.APIKey}, nil
}

func (r *Router) identityFromClaims(claims token.Claims, init *protocol.AppConnectionInit) (*appIdentity, error) {
	if init.Package != "" && claims.Package != "" && init.Package != claims.Package {
		return nil, errors.WrapInvalid(errors.ErrInvalidCredential, "Router", "awaitAppInit",
			"package does not match credential")
	}
	ident := &appIdentity{userID: claims.UserID, pkg: claims.Package, apiKey: claims.APIKey}
	if ident.pkg == "" {
		ident.pkg = init.Package
	}
	if ident.apiKey == "" {
		ident.apiKey = init.APIKey
	}
	return ident, nil
}

// attachApp validates the resolved identity against the profile store and
// binds the sink to the session. Never leaves a partial attachment.
func (r *Router) attachApp(ident *appIdentity, sink session.Sink) (*session.Session, *profile.Manifest, error) {
	if ident.pkg == "" {
		return nil, nil, errors.WrapInvalid(errors.ErrInvalidCredential, "Router", "attachApp",
			"credential carries no package")
	}

	ctx, cancel := context.WithTimeout(context.Background(), profileCallTimeout)
	manifest, err := r.profiles.GetAppManifest(ctx, ident.pkg)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	if manifest.APIKeyHash != "" {
		hashed := profile.HashAPIKey(ident.apiKey)
		if subtle.ConstantTimeCompare([]byte(hashed), []byte(manifest.APIKeyHash)) != 1 {
			return nil, nil, errors.WrapInvalid(errors.ErrInvalidCredential, "Router",
				"attachApp", "api key mismatch")
		}
	}

	sess, ok := r.sessions.Get(ident.userID)
	if !ok {
		return nil, nil, errors.WrapInvalid(errors.ErrSessionNotFound, "Router", "attachApp",
			"no session for user")
	}
	if err := sess.AttachApp(ident.pkg, sink); err != nil {
		return nil, nil, err
	}
	return sess, manifest, nil
}

// appHandler runs the ATTACHED state of one App socket.
type appHandler struct {
	router   *Router
	sess     *session.Session
	sink     *wsSink
	pkg      string
	manifest *profile.Manifest
	logger   *slog.Logger
	limiter  *rate.Limiter
}

func (h *appHandler) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !h.handleText(data) {
			h.sink.CloseWith(protocol.ClosePolicyViolation, "too many malformed messages")
			return
		}
	}
}

func (h *appHandler) handleText(data []byte) (keep bool) {
	keep = true
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("app message handler panic",
				"panic", rec, "stack", string(debug.Stack()))
			h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeInternalError, "internal error"))
		}
	}()

	msg, err := protocol.ParseAppMessage(data)
	if err != nil {
		h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeMalformedMessage, errText(err)))
		return h.limiter.Allow()
	}
	h.dispatch(msg)
	return true
}

func (h *appHandler) dispatch(msg protocol.AppMessage) {
	if h.router.metrics != nil {
		h.router.metrics.MessagesReceived.WithLabelValues("app", appTypeOf(msg)).Inc()
	}

	switch m := msg.(type) {
	case *protocol.AppConnectionInit:
		// Already attached; re-ack.
		h.sink.TrySend(protocol.NewConnectionAck(h.sess.Identity()))

	case *protocol.SubscriptionUpdate:
		h.handleSubscriptionUpdate(m)

	case *protocol.StreamRequest:
		h.handleStreamRequest(m)

	case *protocol.StreamStop:
		if err := h.sess.StopStream(m.StreamID); err != nil {
			h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeForError(err), errText(err)))
		}

	case *protocol.AppRelayEvent:
		if !h.sess.RelayToDevice(m.Payload) {
			h.logger.Debug("relay to device dropped", "type", m.Type)
		}
	}
}

// handleSubscriptionUpdate gates the requested streams against the App's
// declared permissions, then swaps the subscription set. A single
// disallowed stream rejects the whole update; the previous set stands.
func (h *appHandler) handleSubscriptionUpdate(m *protocol.SubscriptionUpdate) {
	entries := make([]subscription.Entry, 0, len(m.Subscriptions))
	for _, spec := range m.Subscriptions {
		for _, perm := range subscription.RequiredPermissions(spec.Stream) {
			if !h.manifest.HasPermission(perm) {
				h.logger.Info("subscription denied", "stream", spec.Stream, "permission", perm)
				h.sink.TrySend(protocol.NewErrorFrame(protocol.CodePermissionDenied,
					"subscription to "+spec.Stream+" requires "+perm))
				return
			}
		}
		entries = append(entries, subscription.Entry{Stream: spec.Stream, Language: spec.Language})
	}

	if err := h.sess.UpdateSubscriptions(h.pkg, entries); err != nil {
		h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeForError(err), errText(err)))
		return
	}
	h.sink.TrySend(protocol.NewAckFrame(protocol.TypeSubscriptionUpdate))
}

// handleStreamRequest opens an outbound media stream. Media streams carry
// camera output, so the CAMERA permission gates them.
func (h *appHandler) handleStreamRequest(m *protocol.StreamRequest) {
	if !h.manifest.HasPermission(subscription.PermCamera) {
		h.sink.TrySend(protocol.NewErrorFrame(protocol.CodePermissionDenied,
			"media streams require "+subscription.PermCamera))
		return
	}
	streamID, err := h.sess.StartStream(h.pkg, m.Kind, m.TargetURL)
	if err != nil {
		h.sink.TrySend(protocol.NewErrorFrame(protocol.CodeForError(err), errText(err)))
		return
	}
	h.sink.TrySend(protocol.NewStreamStarted(streamID))
}

func appTypeOf(msg protocol.AppMessage) string {
	switch m := msg.(type) {
	case *protocol.AppConnectionInit:
		return protocol.TypeConnectionInit
	case *protocol.SubscriptionUpdate:
		return protocol.TypeSubscriptionUpdate
	case *protocol.StreamRequest:
		return protocol.TypeStreamRequest
	case *protocol.StreamStop:
		return protocol.TypeStreamStop
	case *protocol.AppRelayEvent:
		return m.Type
	default:
		return "unknown"
	}
}
