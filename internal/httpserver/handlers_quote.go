package httpserver

import (
	"fmt"
	"net/http"
	"time"

	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/pkg/responders"
)

type quoteRequest struct {
	Files []quoteFile `json:"files"`
	Ops   opsRequest  `json:"ops"`
}

type quoteFile struct {
	Name       string  `json:"name"`
	MIMEType   string  `json:"mimeType"`
	SizeBytes  int64   `json:"sizeBytes"`
	Megapixels float64 `json:"megapixels"`
}

type opsRequest struct {
	Embedding bool `json:"embedding"`
	OCR       bool `json:"ocr"`
	Forensics bool `json:"forensics"`
}

func (o opsRequest) mask() pricing.OpMask {
	var m pricing.OpMask
	if o.Embedding {
		m |= pricing.OpEmbedding
	}
	if o.OCR {
		m |= pricing.OpOCR
	}
	if o.Forensics {
		m |= pricing.OpForensics
	}
	return m
}

type quoteResponse struct {
	QuoteID      string               `json:"quoteId"`
	CreditsTotal int64                `json:"creditsTotal"`
	PerFile      []pricing.FileCharge `json:"perFile"`
	Schedule     pricing.Schedule     `json:"schedule"`
	Limits       quoteLimits          `json:"limits"`
	ExpiresAt    time.Time            `json:"expiresAt"`
	Warnings     []string             `json:"warnings,omitempty"`
}

type quoteLimits struct {
	MaxFilesPerRequest int   `json:"maxFilesPerRequest"`
	MaxFileBytes       int64 `json:"maxFileBytes"`
}

// createQuote prices the described files and persists a single-use quote
// bound to the caller's session.
func (h handlers) createQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req quoteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeInvalidField, "malformed request body")
		return
	}
	if len(req.Files) == 0 {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeMissingField, "at least one file required")
		return
	}
	if len(req.Files) > h.Cfg.Uploads.MaxFilesPerRequest {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeTooManyFiles,
			fmt.Sprintf("at most %d files per request", h.Cfg.Uploads.MaxFilesPerRequest))
		return
	}

	var warnings []string
	descriptors := make([]pricing.FileDescriptor, 0, len(req.Files))
	for _, f := range req.Files {
		if f.Name == "" {
			proberrors.WriteSimpleError(w, proberrors.ErrCodeMissingField, "every file needs a name")
			return
		}
		if f.SizeBytes <= 0 || f.SizeBytes > h.Cfg.Uploads.MaxFileBytes {
			proberrors.WriteSimpleError(w, proberrors.ErrCodeFileTooLarge,
				fmt.Sprintf("%s exceeds the per-file size limit", f.Name))
			return
		}
		if !h.Cfg.Uploads.MIMEAllowed(f.MIMEType) {
			proberrors.WriteSimpleError(w, proberrors.ErrCodeUnsupportedType,
				fmt.Sprintf("unsupported file type %s", f.MIMEType))
			return
		}
		if f.Megapixels == 0 {
			warnings = append(warnings,
				fmt.Sprintf("%s: megapixels not provided, surcharge priced as zero", f.Name))
		}
		descriptors = append(descriptors, pricing.FileDescriptor{
			Name:       f.Name,
			MIMEType:   f.MIMEType,
			SizeBytes:  f.SizeBytes,
			Megapixels: f.Megapixels,
		})
	}

	quote, err := h.Quotes.CreateQuote(ctx, sessionID(ctx), userID(ctx), descriptors, req.Ops.mask(), h.Schedule())
	if err != nil {
		proberrors.WriteCoded(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, quoteResponse{
		QuoteID:      quote.ID,
		CreditsTotal: quote.CreditsTotal,
		PerFile:      quote.PerFileCredits,
		Schedule:     quote.Schedule,
		Limits: quoteLimits{
			MaxFilesPerRequest: h.Cfg.Uploads.MaxFilesPerRequest,
			MaxFileBytes:       h.Cfg.Uploads.MaxFileBytes,
		},
		ExpiresAt: quote.ExpiresAt,
		Warnings:  warnings,
	})
}
