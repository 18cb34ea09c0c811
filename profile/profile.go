// Package profile provides lookup access to user and App records. The relay
// treats this as an external collaborator: a lookup-by-key store consulted
// for App manifests (permissions, webhook URL, API key) and user existence.
package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the stored form of an App API key. Manifests hold the
// hash so a profile store leak does not leak keys.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Manifest is an App's stored declaration: identity, capability permissions,
// and the webhook endpoint its backend listens on.
type Manifest struct {
	Package     string   `json:"packageName"`
	Name        string   `json:"name"`
	APIKeyHash  string   `json:"apiKeyHash"`
	WebhookURL  string   `json:"webhookUrl,omitempty"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the manifest declares a capability.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// User is the minimal user record the relay needs.
type User struct {
	ID          string   `json:"id"`
	RunningApps []string `json:"runningApps,omitempty"`
}

// Store resolves App manifests and users. Lookups may hit a remote backend,
// so callers must never hold session state locked across a call.
type Store interface {
	GetAppManifest(ctx context.Context, pkg string) (*Manifest, error)
	GetUser(ctx context.Context, identity string) (*User, error)
}
