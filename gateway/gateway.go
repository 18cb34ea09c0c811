// Package gateway is the relay's connection router: it upgrades device and
// App WebSocket connections, resolves identity from signed credentials, and
// hands each accepted socket to its protocol handler. Rejections before the
// upgrade are structured JSON over HTTP 401; after the upgrade they are a
// typed connection_error frame followed by a protocol close code.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/lenslink/errors"
	"github.com/c360/lenslink/metric"
	"github.com/c360/lenslink/pkg/token"
	"github.com/c360/lenslink/profile"
	"github.com/c360/lenslink/protocol"
	"github.com/c360/lenslink/session"
	"github.com/c360/lenslink/webhook"
)

// initTimeout bounds how long a freshly upgraded socket may sit without
// completing its handshake.
const initTimeout = 10 * time.Second

// Config holds the router's listener and tolerance parameters.
type Config struct {
	DevicePath      string
	AppPath         string
	ReadBufferSize  int
	WriteBufferSize int

	// WriteQueueSize bounds each socket's outbound queue.
	WriteQueueSize int

	// MalformedPerMinute and MalformedBurst bound how many malformed
	// messages a connection may send before it is closed.
	MalformedPerMinute float64
	MalformedBurst     int
}

// DefaultConfig returns the production router parameters.
func DefaultConfig() Config {
	return Config{
		DevicePath:         "/ws/device",
		AppPath:            "/ws/app",
		ReadBufferSize:     4096,
		WriteBufferSize:    4096,
		WriteQueueSize:     256,
		MalformedPerMinute: 30,
		MalformedBurst:     10,
	}
}

// Router terminates WebSocket connections for devices and Apps.
type Router struct {
	cfg      Config
	signer   *token.Signer
	sessions *session.Registry
	profiles profile.Store
	webhooks *webhook.Dispatcher
	logger   *slog.Logger
	metrics  *metric.Metrics
	upgrader websocket.Upgrader
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics wires gateway counters into the relay metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates the connection router.
func NewRouter(cfg Config, signer *token.Signer, sessions *session.Registry,
	profiles profile.Store, webhooks *webhook.Dispatcher, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		signer:   signer,
		sessions: sessions,
		profiles: profiles,
		webhooks: webhooks,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(_ *http.Request) bool {
				// Devices and App backends are not browsers; origin
				// checks do not apply.
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns the HTTP handler serving both upgrade endpoints.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.DevicePath, r.handleDevice)
	mux.HandleFunc(r.cfg.AppPath, r.handleApp)
	return mux
}

// credential extracts the signed credential from an upgrade request:
// Authorization bearer header first, then the token query parameter.
func credential(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return req.URL.Query().Get("token")
}

// rejectHTTP sends a structured JSON rejection before any upgrade happened.
func (r *Router) rejectHTTP(w http.ResponseWriter, endpoint string, err error) {
	code := protocol.CodeForError(err)
	if r.metrics != nil {
		r.metrics.AuthFailures.WithLabelValues(endpoint, string(code)).Inc()
	}
	r.logger.Info("connection rejected", "endpoint", endpoint, "code", code, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(protocol.NewErrorFrame(code, errText(err)))
}

// rejectWS sends a typed error frame and the matching close code after the
// upgrade already happened.
func (r *Router) rejectWS(sink *wsSink, endpoint string, err error) {
	code := protocol.CodeForError(err)
	if r.metrics != nil {
		r.metrics.AuthFailures.WithLabelValues(endpoint, string(code)).Inc()
	}
	r.logger.Info("connection rejected", "endpoint", endpoint, "code", code, "error", err)

	sink.Reject(protocol.NewErrorFrame(code, errText(err)), closeCodeFor(code), string(code))
}

// closeCodeFor maps a protocol error code to its WebSocket close code.
func closeCodeFor(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeSessionNotFound:
		return protocol.CloseSessionNotFound
	case protocol.CodePermissionDenied:
		return protocol.ClosePermission
	case protocol.CodeMalformedMessage:
		return protocol.ClosePolicyViolation
	default:
		return protocol.CloseUnauthorized
	}
}

// errText returns the message carried on a wire error frame. Classified
// errors keep their text; nil collapses to a generic message.
func errText(err error) string {
	if err == nil {
		return "rejected"
	}
	return err.Error()
}

// verifyDevice resolves a device credential to an identity.
func (r *Router) verifyDevice(req *http.Request) (string, error) {
	cred := credential(req)
	if cred == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidCredential, "Router", "verifyDevice",
			"missing credential")
	}
	claims, err := r.signer.Verify(cred)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
