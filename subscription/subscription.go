// Package subscription implements the per-session table of App interests in
// device stream types. The table is a pure data structure: it performs no
// I/O and is safe for concurrent use, with atomic whole-set replacement so
// the relay path never observes a half-updated subscription set.
package subscription

import (
	"sort"
	"strings"
	"sync"
)

// Well-known stream types.
const (
	StreamAudioChunk    = "audio_chunk"
	StreamTranscription = "transcription"
	StreamTranslation   = "translation"
	StreamVAD           = "vad"
	StreamLocation      = "location"
	StreamCalendarEvent = "calendar_event"
	StreamHeadPosition  = "head_position"
	StreamCustomMessage = "custom_message"
	StreamPhoto         = "photo"
	StreamVideo         = "video_stream"

	// StreamAll matches every relayed stream type.
	StreamAll = "*"
)

const settingsPrefix = "settings:"

// SettingsStream returns the stream type for a single settings field, so
// Apps can subscribe to specific fields of the device status report.
func SettingsStream(field string) string {
	return settingsPrefix + field
}

// IsSettingsStream reports whether the stream type targets a settings field.
func IsSettingsStream(stream string) bool {
	return strings.HasPrefix(stream, settingsPrefix)
}

// Capability permissions declared in App manifests.
const (
	PermMicrophone = "MICROPHONE"
	PermCamera     = "CAMERA"
	PermLocation   = "LOCATION"
	PermCalendar   = "CALENDAR"
)

// RequiredPermissions returns the manifest permissions a package must
// declare to subscribe to the given stream type, or nil when none is
// needed. A wildcard subscription covers every gated stream type, so it
// requires all of them.
func RequiredPermissions(stream string) []string {
	switch stream {
	case StreamAudioChunk, StreamTranscription, StreamTranslation, StreamVAD:
		return []string{PermMicrophone}
	case StreamPhoto, StreamVideo:
		return []string{PermCamera}
	case StreamLocation:
		return []string{PermLocation}
	case StreamCalendarEvent:
		return []string{PermCalendar}
	case StreamAll:
		return []string{PermMicrophone, PermCamera, PermLocation, PermCalendar}
	default:
		return nil
	}
}

// Replayable reports whether the latest cached value of a stream type is
// replayed to newly subscribed Apps.
func Replayable(stream string) bool {
	switch stream {
	case StreamLocation, StreamCalendarEvent, StreamCustomMessage:
		return true
	default:
		return false
	}
}

// Entry is one App interest: a stream type, optionally parameterized by
// language (transcription/translation).
type Entry struct {
	Stream   string
	Language string
}

// Key returns the identity of an entry within a package's set.
func (e Entry) Key() string {
	if e.Language == "" {
		return e.Stream
	}
	return e.Stream + ":" + e.Language
}

// matches reports whether this entry covers the given stream and language.
func (e Entry) matches(stream, language string) bool {
	if e.Stream != stream && e.Stream != StreamAll {
		return false
	}
	if language != "" && e.Language != "" && e.Language != language {
		return false
	}
	return true
}

// Table holds one session's subscriptions, keyed by App package.
type Table struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{entries: make(map[string][]Entry)}
}

// Replace atomically swaps a package's subscription set and returns the
// previous set.
func (t *Table) Replace(pkg string, entries []Entry) []Entry {
	cp := make([]Entry, len(entries))
	copy(cp, entries)

	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.entries[pkg]
	if len(cp) == 0 {
		delete(t.entries, pkg)
	} else {
		t.entries[pkg] = cp
	}
	return prev
}

// Remove drops every subscription of a package.
func (t *Table) Remove(pkg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pkg)
}

// Get returns a copy of a package's current subscription set.
func (t *Table) Get(pkg string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.entries[pkg]
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return cp
}

// Subscribers returns the packages subscribed to a stream type, sorted for
// deterministic fan-out order.
func (t *Table) Subscribers(stream, language string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var pkgs []string
	for pkg, entries := range t.entries {
		for _, e := range entries {
			if e.matches(stream, language) {
				pkgs = append(pkgs, pkg)
				break
			}
		}
	}
	sort.Strings(pkgs)
	return pkgs
}

// Packages returns all packages holding at least one subscription.
func (t *Table) Packages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pkgs := make([]string, 0, len(t.entries))
	for pkg := range t.entries {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// ActiveLanguages returns the minimal set of languages needed by any
// transcription or translation subscription across all packages, sorted.
// An unparameterized entry contributes the default language.
func (t *Table) ActiveLanguages(defaultLanguage string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := make(map[string]struct{})
	for _, entries := range t.entries {
		for _, e := range entries {
			if e.Stream != StreamTranscription && e.Stream != StreamTranslation {
				continue
			}
			lang := e.Language
			if lang == "" {
				lang = defaultLanguage
			}
			set[lang] = struct{}{}
		}
	}

	langs := make([]string, 0, len(set))
	for lang := range set {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// NewlySubscribed returns the stream keys present in after but not before.
func NewlySubscribed(before, after []Entry) []string {
	prev := make(map[string]struct{}, len(before))
	for _, e := range before {
		prev[e.Key()] = struct{}{}
	}

	var added []string
	seen := make(map[string]struct{})
	for _, e := range after {
		key := e.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := prev[key]; !ok {
			added = append(added, e.Stream)
		}
	}
	sort.Strings(added)
	return added
}
