// Package extractor defines the contract with the external metadata
// extraction engine and the bounded invocation path in front of it. The
// engine itself is an opaque collaborator: it takes a buffered file on disk
// plus an engine-tier hint and returns a metadata document.
package extractor

import (
	"context"
	"errors"
	"time"
)

// EngineTier hints how deep the engine should parse. Free skips the heavy
// analyzers; it is unrelated to any user tier.
type EngineTier string

const (
	TierFree  EngineTier = "free"
	TierSuper EngineTier = "super"
)

// ErrTimeout is returned when the engine exceeds its per-file budget.
var ErrTimeout = errors.New("extractor: timeout")

// ErrUnavailable is returned when the circuit breaker is open or the worker
// pool is saturated past its queue budget.
var ErrUnavailable = errors.New("extractor: unavailable")

// Request describes one file to extract.
type Request struct {
	FilePath string
	FileName string
	MIMEType string
	Tier     EngineTier
}

// Engine is the external extraction collaborator.
type Engine interface {
	Extract(ctx context.Context, req Request) (*Metadata, error)
}

// GPSInfo is location data recovered from the file.
type GPSInfo struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	MapURL    string   `json:"mapUrl,omitempty"`
	Address   *Address `json:"address,omitempty"`
}

// Address is a reverse-geocoded location.
type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

// Computed holds values derived from the pixel data rather than read from tags.
type Computed struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Megapixels  float64 `json:"megapixels"`
	AspectRatio string  `json:"aspectRatio"`
}

// FileHashes are content digests of the uploaded bytes.
type FileHashes struct {
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// Thumbnail is the embedded preview image, if any.
type Thumbnail struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data,omitempty"`
}

// BurnedText is text recognized inside the pixels (OCR).
type BurnedText struct {
	ExtractedText string  `json:"extractedText"`
	Confidence    float64 `json:"confidence"`
}

// FilesystemInfo is metadata recovered from the upload's container, not the
// image format.
type FilesystemInfo struct {
	Owner  string            `json:"owner,omitempty"`
	Inode  uint64            `json:"inode,omitempty"`
	Xattrs map[string]string `json:"xattrs,omitempty"`
}

// Metadata is the engine's raw output for one file, before redaction.
type Metadata struct {
	Raw              map[string]map[string]any `json:"raw"` // group (exif/iptc/xmp) -> tag -> value
	Computed         Computed                  `json:"computed"`
	Hashes           FileHashes                `json:"hashes"`
	PerceptualHashes map[string]string         `json:"perceptualHashes,omitempty"`
	Thumbnail        *Thumbnail                `json:"thumbnail,omitempty"`
	GPS              *GPSInfo                  `json:"gps,omitempty"`
	BurnedText       *BurnedText               `json:"burnedText,omitempty"`
	Filesystem       *FilesystemInfo           `json:"filesystem,omitempty"`
	Enterprise       map[string]any            `json:"enterprise,omitempty"` // drone telemetry, synthetic-media, provenance
	EngineTier       EngineTier                `json:"engineTier"`
	Duration         time.Duration             `json:"-"`
}
