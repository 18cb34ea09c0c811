package audio

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/lenslink/errors"
)

// NATSPipeline publishes audio frames and pipeline control messages to NATS
// subjects, where the speech services consume them. Frames go to
// "<prefix>.frames.<identity>"; control messages to "<prefix>.control".
type NATSPipeline struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger

	mu        sync.Mutex
	languages map[string][]string // identity -> last ensured language set
}

// controlMessage is the envelope for pipeline control on the control subject.
type controlMessage struct {
	Action    string   `json:"action"` // ensure | finalize | teardown | end
	Identity  string   `json:"identity"`
	Languages []string `json:"languages,omitempty"`
}

// NewNATSPipeline creates a pipeline publishing under the given subject
// prefix, e.g. "lenslink.audio".
func NewNATSPipeline(nc *nats.Conn, prefix string, logger *slog.Logger) (*NATSPipeline, error) {
	if nc == nil {
		return nil, errors.WrapFatal(errors.ErrNoConnection, "NATSPipeline", "NewNATSPipeline",
			"NATS connection required")
	}
	if prefix == "" {
		prefix = "lenslink.audio"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPipeline{
		nc:        nc,
		prefix:    prefix,
		logger:    logger,
		languages: make(map[string][]string),
	}, nil
}

// WriteFrame publishes one binary frame. NATS publish is fire-and-forget so
// the device read loop never blocks on a slow consumer. Byte accounting
// happens in the session, once per frame, regardless of pipeline backend.
func (p *NATSPipeline) WriteFrame(identity string, frame []byte) error {
	if err := p.nc.Publish(p.prefix+".frames."+identity, frame); err != nil {
		return errors.WrapTransient(err, "NATSPipeline", "WriteFrame", "publish frame")
	}
	return nil
}

// EnsureStreams publishes an ensure-control message when the language set
// changed since the last call for this identity.
func (p *NATSPipeline) EnsureStreams(ctx context.Context, identity string, languages []string) error {
	p.mu.Lock()
	if equalStrings(p.languages[identity], languages) {
		p.mu.Unlock()
		return nil
	}
	p.languages[identity] = append([]string(nil), languages...)
	p.mu.Unlock()

	return p.publishControl(ctx, controlMessage{
		Action:    "ensure",
		Identity:  identity,
		Languages: languages,
	})
}

// FinalizeTranscription flushes in-flight transcription output.
func (p *NATSPipeline) FinalizeTranscription(ctx context.Context, identity string) error {
	return p.publishControl(ctx, controlMessage{Action: "finalize", Identity: identity})
}

// TeardownIdle releases streams outside the keep set.
func (p *NATSPipeline) TeardownIdle(ctx context.Context, identity string, keepLanguages []string) error {
	p.mu.Lock()
	p.languages[identity] = append([]string(nil), keepLanguages...)
	p.mu.Unlock()

	return p.publishControl(ctx, controlMessage{
		Action:    "teardown",
		Identity:  identity,
		Languages: keepLanguages,
	})
}

// EndSession releases all pipeline state for a session.
func (p *NATSPipeline) EndSession(identity string) {
	p.mu.Lock()
	delete(p.languages, identity)
	p.mu.Unlock()

	if err := p.publishControl(context.Background(), controlMessage{Action: "end", Identity: identity}); err != nil {
		p.logger.Warn("audio pipeline end-session publish failed",
			"identity", identity, "error", err)
	}
}

func (p *NATSPipeline) publishControl(_ context.Context, msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "NATSPipeline", "publishControl", "marshal control")
	}
	if err := p.nc.Publish(p.prefix+".control", data); err != nil {
		return errors.WrapTransient(err, "NATSPipeline", "publishControl", "publish control")
	}
	return nil
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
