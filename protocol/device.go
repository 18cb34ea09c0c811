package protocol

import (
	"encoding/json"

	"github.com/c360/lenslink/errors"
)

// Device message type discriminators.
const (
	TypeConnectionInit    = "connection_init"
	TypeStartApp          = "start_app"
	TypeStopApp           = "stop_app"
	TypeConnectionState   = "glasses_connection_state"
	TypeVAD               = "vad"
	TypeHeadPosition      = "head_position"
	TypeLocationUpdate    = "location_update"
	TypeCalendarEvent     = "calendar_event"
	TypeRequestSettings   = "request_settings"
	TypeSettingsUpdate    = "settings_update"
	TypeMediaStreamStatus = "media_stream_status"
	TypeKeepAliveAck      = "keep_alive_ack"
)

// DeviceMessage is the closed union of messages a device may send. Unknown
// types decode to *DeviceRelayEvent, the default arm relayed to subscribers.
type DeviceMessage interface {
	deviceMessage()
}

// DeviceConnectionInit starts the device handshake.
type DeviceConnectionInit struct {
	Envelope
}

// StartApp asks the cloud to start an App for this session.
type StartApp struct {
	Envelope
	Package string `json:"packageName"`
}

// StopApp asks the cloud to stop a running App.
type StopApp struct {
	Envelope
	Package string `json:"packageName"`
}

// ConnectionState reports the glasses' BLE/Wi-Fi link state.
type ConnectionState struct {
	Envelope
	Status string `json:"status"`
}

// VAD signals voice activity. Speaking=true ensures the transcription and
// translation pipelines exist; false finalizes and tears down idle ones.
type VAD struct {
	Envelope
	Speaking bool `json:"speaking"`
}

// HeadPosition reports head-up/head-down events.
type HeadPosition struct {
	Envelope
	Position string `json:"position"`
}

// LocationUpdate reports device coordinates.
type LocationUpdate struct {
	Envelope
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CalendarEvent reports an upcoming calendar entry from the paired phone.
type CalendarEvent struct {
	Envelope
	Title   string `json:"title"`
	EventID string `json:"eventId"`
	Start   string `json:"dtStart"`
	End     string `json:"dtEnd"`
}

// RequestSettings asks for the session's settings snapshot.
type RequestSettings struct {
	Envelope
}

// SettingsUpdate is the device's full status report; the session diffs it
// field by field against the last snapshot.
type SettingsUpdate struct {
	Envelope
	Settings map[string]any `json:"settings"`
}

// MediaStreamStatus reports the device-side state of an outbound media
// stream (initializing, active, stopping, error).
type MediaStreamStatus struct {
	Envelope
	StreamID string `json:"streamId"`
	Status   string `json:"status"`
}

// KeepAliveAck acknowledges a keep_alive heartbeat.
type KeepAliveAck struct {
	Envelope
	StreamID    string `json:"streamId"`
	HeartbeatID string `json:"heartbeatId"`
}

// DeviceRelayEvent is any other device message; it is forwarded unchanged to
// every App subscribed to its type.
type DeviceRelayEvent struct {
	Envelope
	Payload json.RawMessage
}

func (DeviceConnectionInit) deviceMessage() {}
func (StartApp) deviceMessage()             {}
func (StopApp) deviceMessage()              {}
func (ConnectionState) deviceMessage()      {}
func (VAD) deviceMessage()                  {}
func (HeadPosition) deviceMessage()         {}
func (LocationUpdate) deviceMessage()       {}
func (CalendarEvent) deviceMessage()        {}
func (RequestSettings) deviceMessage()      {}
func (SettingsUpdate) deviceMessage()       {}
func (MediaStreamStatus) deviceMessage()    {}
func (KeepAliveAck) deviceMessage()         {}
func (DeviceRelayEvent) deviceMessage()     {}

// ParseDeviceMessage decodes one text frame from a device connection.
func ParseDeviceMessage(data []byte) (DeviceMessage, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	decode := func(v DeviceMessage) (DeviceMessage, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "protocol",
				"ParseDeviceMessage", "unmarshal "+env.Type)
		}
		return v, nil
	}

	switch env.Type {
	case TypeConnectionInit:
		return decode(&DeviceConnectionInit{})
	case TypeStartApp:
		return decode(&StartApp{})
	case TypeStopApp:
		return decode(&StopApp{})
	case TypeConnectionState:
		return decode(&ConnectionState{})
	case TypeVAD:
		return decode(&VAD{})
	case TypeHeadPosition:
		return decode(&HeadPosition{})
	case TypeLocationUpdate:
		return decode(&LocationUpdate{})
	case TypeCalendarEvent:
		return decode(&CalendarEvent{})
	case TypeRequestSettings:
		return decode(&RequestSettings{})
	case TypeSettingsUpdate:
		return decode(&SettingsUpdate{})
	case TypeMediaStreamStatus:
		return decode(&MediaStreamStatus{})
	case TypeKeepAliveAck:
		return decode(&KeepAliveAck{})
	default:
		return &DeviceRelayEvent{Envelope: env, Payload: json.RawMessage(data)}, nil
	}
}
