package repository

import "context"

// Scope describes what an API key is authorized to act on: either every
// app ("*") or a fixed set of app IDs.
type Scope struct {
	Apps      map[int64]bool
	Wildcard  bool
}

// IsScoped reports whether the scope covers appID.
func (s Scope) IsScoped(appID int64) bool {
	return s.Wildcard || s.Apps[appID]
}

// KeyStore is C8: issues and validates the cloud key and per-(app,service)
// scoped keys, persisted so they survive a restart.
type KeyStore interface {
	// CloudKey returns the device-wide cloud key, generating one on first
	// use.
	CloudKey(ctx context.Context) (string, error)

	// RegenerateCloudKey issues a new cloud key and immediately revokes the
	// old one.
	RegenerateCloudKey(ctx context.Context) (string, error)

	// GenerateScopedKey issues a new key bound to (appID, serviceID) for
	// service-level actions.
	GenerateScopedKey(ctx context.Context, appID int64, serviceID string) (string, error)

	// Validate returns the scope bound to key, or an error if the key is
	// unknown or has been revoked.
	Validate(ctx context.Context, key string) (Scope, error)

	// IsCloudKey reports whether key is the device-wide cloud key rather
	// than a scoped key, used to decide whether a regenerated key must be
	// reported to the external state channel.
	IsCloudKey(ctx context.Context, key string) (bool, error)
}
