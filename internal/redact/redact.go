// Package redact narrows raw extractor output to what the request's access
// mode is entitled to see. The treatment of every field group per mode lives
// in one table so the privacy surface is a single audited artifact instead of
// conditionals scattered through handlers.
package redact

import (
	"math"

	"github.com/PixelProbe/server/internal/extractor"
)

// Mode is the frozen access decision driving both charging and redaction.
type Mode string

const (
	ModePaid         Mode = "paid"
	ModeDeviceFree   Mode = "device_free"
	ModeTrialLimited Mode = "trial_limited"
)

// Valid reports whether m is a known access mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePaid, ModeDeviceFree, ModeTrialLimited:
		return true
	}
	return false
}

// treatment is what a mode may do with one field group.
type treatment int

const (
	full treatment = iota // pass through unchanged
	coarse                // pass through a reduced form (rule-specific)
	absent                // omit entirely
)

// rule binds a field group to its per-mode treatment and the apply function
// that carries the group from the raw document into the view.
type rule struct {
	group        string
	paid         treatment
	deviceFree   treatment
	trialLimited treatment
	apply        func(dst *View, src *extractor.Metadata, t treatment)
}

// Table is the redaction policy. Order is presentation order only; rules are
// independent.
var table = []rule{
	{"raw_tags", full, full, absent, applyRaw},
	{"computed", full, full, full, applyComputed},
	{"file_hashes", full, full, full, applyHashes},
	{"perceptual_hashes", full, full, absent, applyPerceptual},
	{"thumbnail", full, coarse, absent, applyThumbnail},
	{"gps", full, coarse, absent, applyGPS},
	{"burned_text", full, absent, absent, applyBurnedText},
	{"filesystem", full, coarse, absent, applyFilesystem},
	{"enterprise", full, absent, absent, applyEnterprise},
}

// View is the redacted response document.
type View struct {
	Raw              map[string]map[string]any `json:"raw,omitempty"`
	Computed         extractor.Computed        `json:"computed"`
	Hashes           extractor.FileHashes      `json:"hashes"`
	PerceptualHashes map[string]string         `json:"perceptualHashes,omitempty"`
	Thumbnail        *ThumbnailView            `json:"thumbnail,omitempty"`
	GPS              *GPSView                  `json:"gps,omitempty"`
	BurnedText       *extractor.BurnedText     `json:"burnedText,omitempty"`
	Filesystem       *FilesystemView           `json:"filesystem,omitempty"`
	Enterprise       map[string]any            `json:"enterprise,omitempty"`
}

// ThumbnailView carries the preview; in coarse form only its presence and
// dimensions survive.
type ThumbnailView struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data,omitempty"`
}

// GPSView carries location; in coarse form coordinates are rounded to two
// decimals (~1.1 km) and the address keeps only city/state/country.
type GPSView struct {
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	Altitude  *float64           `json:"altitude,omitempty"`
	MapURL    string             `json:"mapUrl,omitempty"`
	Address   *extractor.Address `json:"address,omitempty"`
}

// FilesystemView carries container metadata; in coarse form extended
// attribute keys are listed with values redacted and owner/inode are dropped.
type FilesystemView struct {
	Owner  string            `json:"owner,omitempty"`
	Inode  uint64            `json:"inode,omitempty"`
	Xattrs map[string]string `json:"xattrs,omitempty"`
}

// Apply produces the view of meta that mode is entitled to. Pure function:
// meta is never mutated and equal inputs yield equal views.
func Apply(meta *extractor.Metadata, mode Mode) *View {
	view := &View{}
	for _, r := range table {
		r.apply(view, meta, r.treatmentFor(mode))
	}
	return view
}

func (r rule) treatmentFor(mode Mode) treatment {
	switch mode {
	case ModePaid:
		return r.paid
	case ModeDeviceFree:
		return r.deviceFree
	default:
		return r.trialLimited
	}
}

func applyRaw(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.Raw == nil {
		return
	}
	dst.Raw = make(map[string]map[string]any, len(src.Raw))
	for group, tags := range src.Raw {
		copied := make(map[string]any, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
		dst.Raw[group] = copied
	}
}

func applyComputed(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent {
		return
	}
	dst.Computed = src.Computed
}

func applyHashes(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent {
		return
	}
	dst.Hashes = src.Hashes
}

func applyPerceptual(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.PerceptualHashes == nil {
		return
	}
	dst.PerceptualHashes = make(map[string]string, len(src.PerceptualHashes))
	for k, v := range src.PerceptualHashes {
		dst.PerceptualHashes[k] = v
	}
}

func applyThumbnail(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.Thumbnail == nil {
		return
	}
	view := &ThumbnailView{Width: src.Thumbnail.Width, Height: src.Thumbnail.Height}
	if t == full {
		view.Data = src.Thumbnail.Data
	}
	dst.Thumbnail = view
}

func applyGPS(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.GPS == nil {
		return
	}
	if t == full {
		view := &GPSView{
			Latitude:  src.GPS.Latitude,
			Longitude: src.GPS.Longitude,
			Altitude:  src.GPS.Altitude,
			MapURL:    src.GPS.MapURL,
		}
		if src.GPS.Address != nil {
			addr := *src.GPS.Address
			view.Address = &addr
		}
		dst.GPS = view
		return
	}

	// Coarse: two decimals keeps neighborhood granularity and nothing finer.
	// The map URL embeds full precision and is dropped with the precision.
	view := &GPSView{
		Latitude:  roundCoordinate(src.GPS.Latitude),
		Longitude: roundCoordinate(src.GPS.Longitude),
	}
	if src.GPS.Address != nil {
		view.Address = &extractor.Address{
			City:    src.GPS.Address.City,
			State:   src.GPS.Address.State,
			Country: src.GPS.Address.Country,
		}
	}
	dst.GPS = view
}

func roundCoordinate(v float64) float64 {
	return math.Round(v*100) / 100
}

func applyBurnedText(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.BurnedText == nil {
		return
	}
	text := *src.BurnedText
	dst.BurnedText = &text
}

func applyFilesystem(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.Filesystem == nil {
		return
	}
	if t == full {
		view := &FilesystemView{Owner: src.Filesystem.Owner, Inode: src.Filesystem.Inode}
		if src.Filesystem.Xattrs != nil {
			view.Xattrs = make(map[string]string, len(src.Filesystem.Xattrs))
			for k, v := range src.Filesystem.Xattrs {
				view.Xattrs[k] = v
			}
		}
		dst.Filesystem = view
		return
	}

	// Coarse: keys advertise what exists, values stay private.
	if len(src.Filesystem.Xattrs) == 0 {
		return
	}
	view := &FilesystemView{Xattrs: make(map[string]string, len(src.Filesystem.Xattrs))}
	for k := range src.Filesystem.Xattrs {
		view.Xattrs[k] = "[redacted]"
	}
	dst.Filesystem = view
}

func applyEnterprise(dst *View, src *extractor.Metadata, t treatment) {
	if t == absent || src.Enterprise == nil {
		return
	}
	dst.Enterprise = make(map[string]any, len(src.Enterprise))
	for k, v := range src.Enterprise {
		dst.Enterprise[k] = v
	}
}
