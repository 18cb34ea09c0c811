package profile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/lenslink/errors"
	"github.com/c360/lenslink/pkg/retry"
)

// manifestSchema validates stored manifests before they are trusted for
// permission decisions. A record that fails validation is treated as an
// unknown package rather than silently granting capabilities.
const manifestSchema = `{
	"type": "object",
	"required": ["packageName", "apiKeyHash", "permissions"],
	"properties": {
		"packageName": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"apiKeyHash": {"type": "string", "minLength": 1},
		"webhookUrl": {"type": "string"},
		"permissions": {
			"type": "array",
			"items": {"type": "string", "enum": ["MICROPHONE", "CAMERA", "LOCATION", "CALENDAR"]}
		}
	}
}`

// KVStore is a Store backed by two JetStream KV buckets: one for App
// manifests keyed by package, one for user records keyed by identity.
type KVStore struct {
	apps   jetstream.KeyValue
	users  jetstream.KeyValue
	schema *gojsonschema.Schema
	retry  retry.Config
}

// NewKVStore wraps the given buckets. The users bucket may be nil when the
// deployment resolves users elsewhere; GetUser then reports unavailable.
func NewKVStore(apps, users jetstream.KeyValue) (*KVStore, error) {
	if apps == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "KVStore", "NewKVStore",
			"apps bucket required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "KVStore", "NewKVStore", "compile manifest schema")
	}
	return &KVStore{
		apps:   apps,
		users:  users,
		schema: schema,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
	}, nil
}

// GetAppManifest implements Store.
func (s *KVStore) GetAppManifest(ctx context.Context, pkg string) (*Manifest, error) {
	entry, err := retry.DoWithResult(ctx, s.retry, func() (jetstream.KeyValueEntry, error) {
		e, err := s.apps.Get(ctx, pkg)
		if err != nil {
			if err == jetstream.ErrKeyNotFound {
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		if retry.IsNonRetryable(err) {
			return nil, errors.WrapInvalid(errors.ErrUnknownPackage, "KVStore", "GetAppManifest",
				"lookup "+pkg)
		}
		return nil, errors.WrapTransient(err, "KVStore", "GetAppManifest", "kv get "+pkg)
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(entry.Value()))
	if err != nil || !result.Valid() {
		return nil, errors.WrapInvalid(errors.ErrUnknownPackage, "KVStore", "GetAppManifest",
			"manifest failed schema validation for "+pkg)
	}

	var m Manifest
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "GetAppManifest", "unmarshal manifest")
	}
	return &m, nil
}

// GetUser implements Store.
func (s *KVStore) GetUser(ctx context.Context, identity string) (*User, error) {
	if s.users == nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "KVStore", "GetUser",
			"users bucket not configured")
	}

	entry, err := s.users.Get(ctx, identity)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "GetUser",
				"lookup "+identity)
		}
		return nil, errors.WrapTransient(err, "KVStore", "GetUser", "kv get "+identity)
	}

	var u User
	if err := json.Unmarshal(entry.Value(), &u); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "GetUser", "unmarshal user")
	}
	return &u, nil
}

var _ Store = (*KVStore)(nil)
