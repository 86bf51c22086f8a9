package httpserver

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/extraction"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/pkg/responders"
)

// extract buffers the multipart upload to disk and hands the request to the
// pipeline. By the time the pipeline sees a file its bytes are on disk.
func (h handlers) extract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	reader, err := r.MultipartReader()
	if err != nil {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeInvalidField, "multipart body required")
		return
	}

	var (
		files      []extraction.File
		quoteID    string
		trialEmail string
		opsRaw     string
	)
	defer func() {
		for _, f := range files {
			if err := os.Remove(f.Path); err != nil {
				log.Warn().Err(err).Str("path", f.Path).Msg("upload buffer cleanup failed")
			}
		}
	}()

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			proberrors.WriteSimpleError(w, proberrors.ErrCodeInvalidField, "malformed multipart body")
			return
		}

		if part.FileName() == "" {
			value, err := readFormValue(part)
			if err != nil {
				proberrors.WriteSimpleError(w, proberrors.ErrCodeInvalidField, "malformed form field")
				return
			}
			switch part.FormName() {
			case "quote_id":
				quoteID = value
			case "trial_email":
				trialEmail = value
			case "ops":
				opsRaw = value
			}
			continue
		}

		if len(files) >= h.Cfg.Uploads.MaxFilesPerRequest {
			proberrors.WriteSimpleError(w, proberrors.ErrCodeTooManyFiles,
				fmt.Sprintf("at most %d files per request", h.Cfg.Uploads.MaxFilesPerRequest))
			return
		}

		buffered, err := h.bufferUpload(part)
		if err != nil {
			proberrors.WriteCoded(w, err)
			return
		}
		files = append(files, buffered)
	}

	resp, err := h.Pipeline.Extract(ctx, extraction.Request{
		SessionID:  sessionID(ctx),
		UserID:     userID(ctx),
		DeviceID:   deviceID(ctx),
		QuoteID:    quoteID,
		TrialEmail: trialEmail,
		Ops:        parseOps(opsRaw),
		Files:      files,
	})
	if err != nil {
		proberrors.WriteCoded(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, resp)
}

// bufferUpload streams one file part to a temp file, enforcing the per-file
// size cap while copying so an oversized upload never lands fully on disk.
func (h handlers) bufferUpload(part *multipart.Part) (extraction.File, error) {
	mimeType := part.Header.Get("Content-Type")
	if !h.Cfg.Uploads.MIMEAllowed(mimeType) {
		return extraction.File{}, proberrors.New(proberrors.ErrCodeUnsupportedType,
			fmt.Sprintf("unsupported file type %s", mimeType))
	}

	tmp, err := os.CreateTemp(h.Cfg.Uploads.TempDir, "upload-*")
	if err != nil {
		return extraction.File{}, fmt.Errorf("buffer upload: %w", err)
	}

	written, err := io.Copy(tmp, io.LimitReader(part, h.Cfg.Uploads.MaxFileBytes+1))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return extraction.File{}, fmt.Errorf("buffer upload: %w", err)
	}
	if written > h.Cfg.Uploads.MaxFileBytes {
		os.Remove(tmp.Name())
		return extraction.File{}, proberrors.New(proberrors.ErrCodeFileTooLarge,
			fmt.Sprintf("%s exceeds the per-file size limit", part.FileName()))
	}

	return extraction.File{
		Descriptor: pricing.FileDescriptor{
			Name:      part.FileName(),
			MIMEType:  mimeType,
			SizeBytes: written,
		},
		Path: tmp.Name(),
	}, nil
}

// readFormValue reads a small text form field.
func readFormValue(part *multipart.Part) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// parseOps converts the comma-separated ops field to a mask. Unknown names
// are ignored rather than rejected; the price only reflects known ops.
func parseOps(raw string) pricing.OpMask {
	var m pricing.OpMask
	for _, op := range strings.Split(raw, ",") {
		switch strings.TrimSpace(strings.ToLower(op)) {
		case "embedding":
			m |= pricing.OpEmbedding
		case "ocr":
			m |= pricing.OpOCR
		case "forensics":
			m |= pricing.OpForensics
		}
	}
	return m
}
