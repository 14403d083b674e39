package storage

import (
	"context"

	"property-sync/models"
)

// RemoteEntry is a shared-cache value with its opaque version token.
type RemoteEntry struct {
	Value   models.CacheEnvelope
	Version int64
}

// SharedBackend is the network store behind the shared cache tier.
//
// Fetch returns nil, nil when the key does not exist. Save writes only if the
// stored version still equals expectedVersion (0 means "absent") and returns
// models.ErrVersionConflict otherwise.
type SharedBackend interface {
	Fetch(ctx context.Context, key string) (*RemoteEntry, error)
	Save(ctx context.Context, key string, env models.CacheEnvelope, expectedVersion int64) error
	Close() error
}

// ListingExporter is the interface for writing a listing view to a file.
type ListingExporter interface {
	WriteListings(listings []models.CanonicalListing) error
	Close() error
}
