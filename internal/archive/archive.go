// Package archive persists the append-only extraction record: who extracted
// what, under which access mode, and how long it took. Extracted metadata is
// document-shaped, so the production backend is MongoDB; a memory backend
// serves development and tests.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/pricing"
)

// FileMetadata pairs one file with the metadata document the caller was
// served, post-redaction. Stored as a slice so duplicate file names in one
// upload keep separate documents.
type FileMetadata struct {
	Name     string      `bson:"name" json:"name"`
	Document interface{} `bson:"document" json:"document"`
}

// Record is one completed (or failed) extraction.
type Record struct {
	ID             string                   `bson:"_id" json:"id"`
	SessionID      string                   `bson:"sessionId" json:"sessionId"`
	UserID         string                   `bson:"userId,omitempty" json:"userId,omitempty"`
	DeviceID       string                   `bson:"deviceId,omitempty" json:"deviceId,omitempty"`
	AccessMode     string                   `bson:"accessMode" json:"accessMode"`
	QuoteID        string                   `bson:"quoteId,omitempty" json:"quoteId,omitempty"`
	Files          []pricing.FileDescriptor `bson:"files" json:"files"`
	CreditsCharged int64                    `bson:"creditsCharged" json:"creditsCharged"`
	Outcome        string                   `bson:"outcome" json:"outcome"` // success | failed
	EngineTier     string                   `bson:"engineTier" json:"engineTier"`
	DurationMillis int64                    `bson:"durationMillis" json:"durationMillis"`
	Metadata       []FileMetadata           `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time                `bson:"createdAt" json:"createdAt"`
}

// Archive stores extraction records.
type Archive interface {
	// Save appends a record. Failures are logged by the caller, never
	// surfaced to the client; the archive is diagnostics, not billing.
	Save(ctx context.Context, record Record) error
	// ListBySession returns the newest records for a session.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close(ctx context.Context) error
}

// New creates an archive from configuration.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryArchive(), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb archive requires mongodb_url")
		}
		return NewMongoArchive(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Backend)
	}
}
