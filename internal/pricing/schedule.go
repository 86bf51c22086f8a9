package pricing

import (
	"github.com/PixelProbe/server/internal/config"
)

// OpMask is a bitfield of the premium operations requested for an extraction.
type OpMask uint8

const (
	// OpEmbedding requests perceptual/vector embedding computation.
	OpEmbedding OpMask = 1 << iota
	// OpOCR requests burned-in text recognition.
	OpOCR
	// OpForensics requests forensic analysis (manipulation detection, provenance).
	OpForensics
)

// Has reports whether the mask includes op.
func (m OpMask) Has(op OpMask) bool {
	return m&op != 0
}

// FileDescriptor is the pricing-relevant shape of an uploaded file.
type FileDescriptor struct {
	Name       string  `json:"name"`
	MIMEType   string  `json:"mimeType"`
	SizeBytes  int64   `json:"sizeBytes"`
	Megapixels float64 `json:"megapixels"`
}

// Bucket is one step of the stepwise megapixel surcharge table.
type Bucket struct {
	UpToMegapixels float64 `json:"upToMegapixels"`
	Credits        int64   `json:"credits"`
}

// Schedule is an immutable snapshot of the pricing table. The snapshot is
// persisted inside every quote so the price a quote promised stays
// reproducible after the live schedule changes.
type Schedule struct {
	Version          string   `json:"version"`
	BaseCredits      int64    `json:"baseCredits"`
	EmbeddingCredits int64    `json:"embeddingCredits"`
	OCRCredits       int64    `json:"ocrCredits"`
	ForensicsCredits int64    `json:"forensicsCredits"`
	MegapixelBuckets []Bucket `json:"megapixelBuckets"`
}

// FromConfig snapshots the configured pricing table.
func FromConfig(cfg config.PricingConfig) Schedule {
	buckets := make([]Bucket, 0, len(cfg.MegapixelBuckets))
	for _, b := range cfg.MegapixelBuckets {
		buckets = append(buckets, Bucket{UpToMegapixels: b.UpToMegapixels, Credits: b.Credits})
	}
	return Schedule{
		Version:          cfg.Version,
		BaseCredits:      cfg.BaseCredits,
		EmbeddingCredits: cfg.EmbeddingCredits,
		OCRCredits:       cfg.OCRCredits,
		ForensicsCredits: cfg.ForensicsCredits,
		MegapixelBuckets: buckets,
	}
}

// MegapixelCredits returns the surcharge for a file of the given megapixels.
// Files beyond the last bucket pay the last bucket's credits.
func (s Schedule) MegapixelCredits(megapixels float64) int64 {
	if len(s.MegapixelBuckets) == 0 {
		return 0
	}
	for _, b := range s.MegapixelBuckets {
		if megapixels <= b.UpToMegapixels {
			return b.Credits
		}
	}
	return s.MegapixelBuckets[len(s.MegapixelBuckets)-1].Credits
}

// FileCredits computes the credit cost of extracting one file with the
// requested premium operations. Deterministic and reproducible from the
// persisted schedule snapshot.
func (s Schedule) FileCredits(file FileDescriptor, ops OpMask) int64 {
	cost := s.BaseCredits
	if ops.Has(OpEmbedding) {
		cost += s.EmbeddingCredits
	}
	if ops.Has(OpOCR) {
		cost += s.OCRCredits
	}
	if ops.Has(OpForensics) {
		cost += s.ForensicsCredits
	}
	cost += s.MegapixelCredits(file.Megapixels)
	return cost
}

// FileCharge is one line of a quote's itemization.
type FileCharge struct {
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
}

// TotalCredits computes the request total and its per-file itemization. The
// breakdown is positional, in upload order, so duplicate file names keep
// separate lines.
func (s Schedule) TotalCredits(files []FileDescriptor, ops OpMask) (total int64, breakdown []FileCharge) {
	breakdown = make([]FileCharge, 0, len(files))
	for _, f := range files {
		cost := s.FileCredits(f, ops)
		breakdown = append(breakdown, FileCharge{Name: f.Name, Credits: cost})
		total += cost
	}
	return total, breakdown
}
