// Package protocol defines the JSON wire protocol spoken on device and App
// WebSocket connections: the message envelope, the closed set of message
// kinds per direction, and the shared error frame.
//
// Binary WebSocket frames carry audio only and never pass through this
// package; they are routed positionally to the audio pipeline.
package protocol

import (
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/c360/lenslink/errors"
)

// ErrorCode enumerates the fixed set of rejection reasons carried by
// connection_error frames.
type ErrorCode string

const (
	CodeInvalidCredential ErrorCode = "INVALID_CREDENTIAL"
	CodeSignatureFailed   ErrorCode = "SIGNATURE_FAILED"
	CodeUnknownPackage    ErrorCode = "UNKNOWN_PACKAGE"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// CodeForError maps a classified error to its wire code.
func CodeForError(err error) ErrorCode {
	switch {
	case errors.IsFatal(err):
		return CodeInternalError
	case errIs(err, errors.ErrSignatureFailed):
		return CodeSignatureFailed
	case errIs(err, errors.ErrInvalidCredential), errIs(err, errors.ErrCredentialExpired):
		return CodeInvalidCredential
	case errIs(err, errors.ErrUnknownPackage):
		return CodeUnknownPackage
	case errIs(err, errors.ErrSessionNotFound):
		return CodeSessionNotFound
	case errIs(err, errors.ErrPermissionDenied):
		return CodePermissionDenied
	case errIs(err, errors.ErrMalformedMessage), errIs(err, errors.ErrUnknownType):
		return CodeMalformedMessage
	default:
		return CodeInternalError
	}
}

func errIs(err, target error) bool {
	return err != nil && stderrors.Is(err, target)
}

// Close codes used when an attachment attempt is rejected at the protocol
// level rather than with a generic disconnect.
const (
	CloseUnauthorized    = 4401
	ClosePermission      = 4403
	CloseSessionNotFound = 4404
	ClosePolicyViolation = 4429
)

// Envelope is the common outer shape of every JSON frame in either
// direction.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Now returns the current envelope timestamp in Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ErrorFrame is the shared error shape sent before closing or as a
// per-message rejection.
type ErrorFrame struct {
	Type      string    `json:"type"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorFrame builds a connection_error frame for the given code.
func NewErrorFrame(code ErrorCode, message string) ErrorFrame {
	return ErrorFrame{
		Type:      "connection_error",
		Code:      code,
		Message:   message,
		Timestamp: Now(),
	}
}

// AckFrame acknowledges a device request (settings update, app start/stop).
type AckFrame struct {
	Type      string `json:"type"`
	For       string `json:"for"`
	Timestamp int64  `json:"timestamp"`
}

// NewAckFrame builds an ack for the named request type.
func NewAckFrame(forType string) AckFrame {
	return AckFrame{Type: "ack", For: forType, Timestamp: Now()}
}

// ConnectionAck confirms a completed init handshake.
type ConnectionAck struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// NewConnectionAck builds a connection_ack frame.
func NewConnectionAck(sessionID string) ConnectionAck {
	return ConnectionAck{Type: "connection_ack", SessionID: sessionID, Timestamp: Now()}
}

// KeepAlive is the heartbeat frame sent to the device for an outbound media
// stream. The device answers with a keep_alive_ack carrying the same ids.
type KeepAlive struct {
	Type        string `json:"type"`
	StreamID    string `json:"streamId"`
	HeartbeatID string `json:"heartbeatId"`
	Timestamp   int64  `json:"timestamp"`
}

// NewKeepAlive builds a keep_alive frame.
func NewKeepAlive(streamID, heartbeatID string) KeepAlive {
	return KeepAlive{Type: "keep_alive", StreamID: streamID, HeartbeatID: heartbeatID, Timestamp: Now()}
}

// DataStream delivers a relayed device event to a subscribed App.
type DataStream struct {
	Type       string          `json:"type"`
	StreamType string          `json:"streamType"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp"`
}

// NewDataStream builds a data_stream frame for App delivery.
func NewDataStream(streamType string, payload json.RawMessage) DataStream {
	return DataStream{Type: "data_stream", StreamType: streamType, Payload: payload, Timestamp: Now()}
}

// AppStateChange pushes the current active-App set to the device so on-device
// UI reflects subscription changes.
type AppStateChange struct {
	Type        string   `json:"type"`
	ActiveApps  []string `json:"activeApps"`
	RunningApps []string `json:"runningApps"`
	Timestamp   int64    `json:"timestamp"`
}

// NewAppStateChange builds an app_state_change frame.
func NewAppStateChange(active, running []string) AppStateChange {
	return AppStateChange{Type: "app_state_change", ActiveApps: active, RunningApps: running, Timestamp: Now()}
}

// SettingsFrame answers a device settings request.
type SettingsFrame struct {
	Type      string         `json:"type"`
	Settings  map[string]any `json:"settings"`
	Timestamp int64          `json:"timestamp"`
}

// NewSettingsFrame builds a settings frame from the session snapshot.
func NewSettingsFrame(settings map[string]any) SettingsFrame {
	return SettingsFrame{Type: "settings", Settings: settings, Timestamp: Now()}
}

// MediaStreamStart instructs the device to begin an outbound media stream.
type MediaStreamStart struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Kind      string `json:"kind"`
	TargetURL string `json:"targetUrl,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewMediaStreamStart builds a start_media_stream frame.
func NewMediaStreamStart(streamID, kind, targetURL string) MediaStreamStart {
	return MediaStreamStart{
		Type:      "start_media_stream",
		StreamID:  streamID,
		Kind:      kind,
		TargetURL: targetURL,
		Timestamp: Now(),
	}
}

// MediaStreamStop instructs the device to stop an outbound media stream.
type MediaStreamStop struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Timestamp int64  `json:"timestamp"`
}

// NewMediaStreamStop builds a stop_media_stream frame.
func NewMediaStreamStop(streamID string) MediaStreamStop {
	return MediaStreamStop{Type: "stop_media_stream", StreamID: streamID, Timestamp: Now()}
}

// StreamStatus reports a stream lifecycle change to the requesting App.
type StreamStatus struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// NewStreamStatus builds a stream_status frame.
func NewStreamStatus(streamID, status string) StreamStatus {
	return StreamStatus{Type: "stream_status", StreamID: streamID, Status: status, Timestamp: Now()}
}

// StreamStarted confirms an App's media stream request with the assigned id.
type StreamStarted struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Timestamp int64  `json:"timestamp"`
}

// NewStreamStarted builds a stream_started frame.
func NewStreamStarted(streamID string) StreamStarted {
	return StreamStarted{Type: "stream_started", StreamID: streamID, Timestamp: Now()}
}

func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.WrapInvalid(errors.ErrMalformedMessage, "protocol", "parseEnvelope",
			"unmarshal envelope")
	}
	if env.Type == "" {
		return env, errors.WrapInvalid(errors.ErrMalformedMessage, "protocol", "parseEnvelope",
			"missing type discriminator")
	}
	return env, nil
}
