// Package audio defines the relay's audio pipeline collaborator. Binary
// WebSocket frames from a device bypass JSON decoding entirely and are
// handed to a Pipeline; voice-activity transitions drive the transcription
// and translation pipelines per session.
package audio

import (
	"context"
)

// Pipeline receives raw audio and pipeline control for one or more sessions.
// Implementations must be safe for concurrent use and must not block the
// caller: the device read loop hands frames off on its hot path.
type Pipeline interface {
	// WriteFrame routes one binary audio frame for a session.
	WriteFrame(identity string, frame []byte) error

	// EnsureStreams makes transcription and translation streams exist for
	// the given language set. Called on speech start and after debounced
	// subscription reconciliation.
	EnsureStreams(ctx context.Context, identity string, languages []string) error

	// FinalizeTranscription flushes in-flight transcription output for the
	// session. Must be called before TeardownIdle on speech stop or
	// trailing output is lost.
	FinalizeTranscription(ctx context.Context, identity string) error

	// TeardownIdle releases transcription and translation streams no
	// longer needed by any subscription.
	TeardownIdle(ctx context.Context, identity string, keepLanguages []string) error

	// EndSession releases everything held for a session.
	EndSession(identity string)
}
