package audio

import (
	"context"
	"sync"
)

// Fake is an in-memory Pipeline for tests and NATS-less development. It
// records frames and control calls per identity.
type Fake struct {
	mu sync.Mutex

	Frames    map[string][][]byte
	Ensured   map[string][][]string
	Finalized map[string]int
	TornDown  map[string][][]string
	Ended     map[string]int
}

// NewFake creates an empty fake pipeline.
func NewFake() *Fake {
	return &Fake{
		Frames:    make(map[string][][]byte),
		Ensured:   make(map[string][][]string),
		Finalized: make(map[string]int),
		TornDown:  make(map[string][][]string),
		Ended:     make(map[string]int),
	}
}

// WriteFrame records a frame.
func (f *Fake) WriteFrame(identity string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), frame...)
	f.Frames[identity] = append(f.Frames[identity], cp)
	return nil
}

// EnsureStreams records the requested language set.
func (f *Fake) EnsureStreams(_ context.Context, identity string, languages []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ensured[identity] = append(f.Ensured[identity], append([]string(nil), languages...))
	return nil
}

// FinalizeTranscription counts finalizations.
func (f *Fake) FinalizeTranscription(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Finalized[identity]++
	return nil
}

// TeardownIdle records the keep set.
func (f *Fake) TeardownIdle(_ context.Context, identity string, keepLanguages []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TornDown[identity] = append(f.TornDown[identity], append([]string(nil), keepLanguages...))
	return nil
}

// EndSession counts session ends.
func (f *Fake) EndSession(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ended[identity]++
}

// FrameCount returns how many frames were written for an identity.
func (f *Fake) FrameCount(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Frames[identity])
}

// EnsureCount returns how many ensure calls were made for an identity.
func (f *Fake) EnsureCount(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Ensured[identity])
}

// LastEnsured returns the most recent ensured language set.
func (f *Fake) LastEnsured(identity string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	sets := f.Ensured[identity]
	if len(sets) == 0 {
		return nil
	}
	return sets[len(sets)-1]
}

// FinalizeCount returns how many finalizations happened for an identity.
func (f *Fake) FinalizeCount(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Finalized[identity]
}

// TeardownCount returns how many teardown calls were made for an identity.
func (f *Fake) TeardownCount(identity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.TornDown[identity])
}

var _ Pipeline = (*Fake)(nil)
