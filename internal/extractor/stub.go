package extractor

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// StubEngine is a deterministic in-process engine used in development and
// tests. It hashes the real file bytes but synthesizes the rest of the
// document; the production engine is wired in at deployment time.
type StubEngine struct {
	// Fail forces every call to return this error when set.
	Fail error
	// Fixture is returned (with real hashes filled in) when set.
	Fixture *Metadata
}

// Extract implements Engine.
func (s *StubEngine) Extract(ctx context.Context, req Request) (*Metadata, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hashes, size, err := hashFile(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("hash upload: %w", err)
	}

	if s.Fixture != nil {
		meta := *s.Fixture
		meta.Hashes = hashes
		meta.EngineTier = req.Tier
		return &meta, nil
	}

	meta := &Metadata{
		Raw: map[string]map[string]any{
			"file": {
				"FileName": req.FileName,
				"MIMEType": req.MIMEType,
				"FileSize": size,
			},
		},
		Computed:   Computed{Width: 0, Height: 0, Megapixels: 0, AspectRatio: "unknown"},
		Hashes:     hashes,
		EngineTier: req.Tier,
	}
	if req.Tier == TierSuper {
		meta.PerceptualHashes = map[string]string{"ahash": "0000000000000000"}
	}
	return meta, nil
}

func hashFile(path string) (FileHashes, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileHashes{}, 0, err
	}
	defer f.Close()

	md5Sum := md5.New()
	shaSum := sha256.New()
	size, err := io.Copy(io.MultiWriter(md5Sum, shaSum), f)
	if err != nil {
		return FileHashes{}, 0, err
	}
	return FileHashes{
		MD5:    hex.EncodeToString(md5Sum.Sum(nil)),
		SHA256: hex.EncodeToString(shaSum.Sum(nil)),
	}, size, nil
}
