package protocol

import (
	"encoding/json"

	"github.com/c360/lenslink/errors"
)

// App message type discriminators. TypeConnectionInit is shared with the
// device direction: legacy Apps send it in-band instead of credential
// headers.
const (
	TypeSubscriptionUpdate = "subscription_update"
	TypeStreamRequest      = "stream_request"
	TypeStreamStop         = "stream_stop"
)

// AppMessage is the closed union of messages an App may send. Unknown types
// decode to *AppRelayEvent and are forwarded to the device.
type AppMessage interface {
	appMessage()
}

// AppConnectionInit is the legacy in-band handshake frame. Newer Apps send
// the same fields as headers on the upgrade request; both paths converge on
// the same attachment logic.
type AppConnectionInit struct {
	Envelope
	Package    string `json:"packageName"`
	APIKey     string `json:"apiKey"`
	UserID     string `json:"userId"`
	Credential string `json:"credential"`
}

// SubscriptionSpec is one declared interest in a stream type, optionally
// parameterized by language.
type SubscriptionSpec struct {
	Stream   string `json:"stream"`
	Language string `json:"language,omitempty"`
}

// SubscriptionUpdate replaces the App's full subscription set.
type SubscriptionUpdate struct {
	Envelope
	Subscriptions []SubscriptionSpec `json:"subscriptions"`
}

// StreamRequest asks the relay to open an outbound media stream from the
// device (for example live video to an external endpoint).
type StreamRequest struct {
	Envelope
	Kind      string `json:"kind"`
	TargetURL string `json:"targetUrl,omitempty"`
}

// StreamStop asks the relay to stop a previously requested stream.
type StreamStop struct {
	Envelope
	StreamID string `json:"streamId"`
}

// AppRelayEvent is any other App message; it is forwarded to the device
// socket unchanged.
type AppRelayEvent struct {
	Envelope
	Payload json.RawMessage
}

func (AppConnectionInit) appMessage()  {}
func (SubscriptionUpdate) appMessage() {}
func (StreamRequest) appMessage()      {}
func (StreamStop) appMessage()         {}
func (AppRelayEvent) appMessage()      {}

// ParseAppMessage decodes one text frame from an App connection.
func ParseAppMessage(data []byte) (AppMessage, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	decode := func(v AppMessage) (AppMessage, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "protocol",
				"ParseAppMessage", "unmarshal "+env.Type)
		}
		return v, nil
	}

	switch env.Type {
	case TypeConnectionInit:
		return decode(&AppConnectionInit{})
	case TypeSubscriptionUpdate:
		return decode(&SubscriptionUpdate{})
	case TypeStreamRequest:
		return decode(&StreamRequest{})
	case TypeStreamStop:
		return decode(&StreamStop{})
	default:
		return &AppRelayEvent{Envelope: env, Payload: json.RawMessage(data)}, nil
	}
}
