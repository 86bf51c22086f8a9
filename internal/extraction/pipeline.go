// Package extraction composes the request plane: decide the access mode,
// validate and consume the quote, reserve quota or credits, invoke the
// engine, redact, and commit. The span between reserving and committing is
// the critical section; every exit path either returns success or releases
// the reservation first.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PixelProbe/server/internal/archive"
	"github.com/PixelProbe/server/internal/config"
	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/extractor"
	"github.com/PixelProbe/server/internal/ledger"
	"github.com/PixelProbe/server/internal/logger"
	"github.com/PixelProbe/server/internal/metrics"
	"github.com/PixelProbe/server/internal/pricing"
	"github.com/PixelProbe/server/internal/quota"
	"github.com/PixelProbe/server/internal/quotes"
	"github.com/PixelProbe/server/internal/redact"
	"github.com/PixelProbe/server/internal/storage"
)

// File is one buffered upload: the transport has already written the bytes
// to disk by the time the pipeline sees it.
type File struct {
	Descriptor pricing.FileDescriptor
	Path       string
}

// Request carries everything the pipeline needs for one extraction.
type Request struct {
	SessionID  string
	UserID     string // empty for anonymous callers
	DeviceID   string
	QuoteID    string
	TrialEmail string
	Ops        pricing.OpMask
	Files      []File
}

// AccessInfo is the access descriptor echoed back to the client.
type AccessInfo struct {
	Mode           redact.Mode `json:"mode"`
	FreeUsed       *int        `json:"freeUsed,omitempty"`
	FreeLimit      *int        `json:"freeLimit,omitempty"`
	CreditsCharged *int64      `json:"creditsCharged,omitempty"`
}

// FileResult pairs a file with its redacted metadata view.
type FileResult struct {
	Name     string       `json:"name"`
	Metadata *redact.View `json:"metadata"`
}

// Info describes the completed extraction.
type Info struct {
	ID             string `json:"id"`
	EngineTier     string `json:"engineTier"`
	DurationMillis int64  `json:"durationMillis"`
}

// Response is the extract endpoint payload.
type Response struct {
	Access  AccessInfo   `json:"access"`
	Results []FileResult `json:"metadata"`
	Info    Info         `json:"extractionInfo"`
}

// Pipeline wires the collaborators together.
type Pipeline struct {
	ledger   *ledger.Service
	quotes   *quotes.Service
	quota    *quota.Enforcer
	pool     *extractor.Pool
	archive  archive.Archive
	uploads  config.UploadsConfig
	quotaCfg config.QuotaConfig
	trialCfg config.TrialConfig
	schedule func() pricing.Schedule
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPipeline creates the extraction pipeline. schedule returns the live
// pricing table for requests arriving without a quote.
func NewPipeline(
	ledgerSvc *ledger.Service,
	quoteSvc *quotes.Service,
	quotaEnf *quota.Enforcer,
	pool *extractor.Pool,
	arc archive.Archive,
	uploads config.UploadsConfig,
	quotaCfg config.QuotaConfig,
	trialCfg config.TrialConfig,
	schedule func() pricing.Schedule,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		ledger:   ledgerSvc,
		quotes:   quoteSvc,
		quota:    quotaEnf,
		pool:     pool,
		archive:  arc,
		uploads:  uploads,
		quotaCfg: quotaCfg,
		trialCfg: trialCfg,
		schedule: schedule,
		metrics:  m,
		now:      time.Now,
	}
}

// reservation is the compensating action for whatever was consumed in the
// reserve step. release must be called on every failure path after reserve.
type reservation struct {
	mode    redact.Mode
	used    int
	charged *storage.CreditTransaction
	release func(ctx context.Context)
}

// Extract runs the full per-request algorithm.
func (p *Pipeline) Extract(ctx context.Context, req Request) (*Response, error) {
	start := p.now()
	log := logger.FromContext(ctx)

	if err := p.validate(req); err != nil {
		return nil, err
	}

	// Quote validation happens before any reservation so a bad quote costs
	// nothing.
	var quote *storage.Quote
	if req.QuoteID != "" {
		q, err := p.loadQuote(ctx, req)
		if err != nil {
			return nil, err
		}
		quote = q
	}

	required := p.requiredCredits(req, quote)

	res, err := p.reserve(ctx, req, required)
	if err != nil {
		return nil, err
	}

	// From here on every error path must release the reservation.
	view, tier, err := p.invokeAndRedact(ctx, req, res.mode)
	if err != nil {
		res.release(ctx)
		p.record(ctx, req, res, quote, nil, "failed", tier, start)
		p.metrics.ExtractionsTotal.WithLabelValues(string(res.mode), "failed").Inc()
		return nil, err
	}

	// Commit: consuming the quote is the last gate before responding. A
	// replay loser lands here with a completed extraction and must unwind.
	if quote != nil {
		if err := p.quotes.MarkUsed(ctx, quote.ID); err != nil {
			res.release(ctx)
			p.metrics.ExtractionsTotal.WithLabelValues(string(res.mode), "replay").Inc()
			if errors.Is(err, quotes.ErrQuoteAlreadyUsed) {
				return nil, proberrors.New(proberrors.ErrCodeQuoteReplayed, "quote already used")
			}
			return nil, fmt.Errorf("consume quote: %w", err)
		}
	}

	resp := p.buildResponse(req, res, view, tier, start)
	p.record(ctx, req, res, quote, view, "success", tier, start)
	p.metrics.ExtractionsTotal.WithLabelValues(string(res.mode), "success").Inc()
	p.metrics.ExtractionDuration.WithLabelValues(string(res.mode)).Observe(time.Since(start).Seconds())

	log.Info().
		Str("extraction_id", resp.Info.ID).
		Str("mode", string(res.mode)).
		Int("files", len(req.Files)).
		Int64("credits_charged", required).
		Dur("duration", time.Since(start)).
		Msg("extraction completed")
	return resp, nil
}

func (p *Pipeline) validate(req Request) error {
	if req.SessionID == "" {
		return proberrors.New(proberrors.ErrCodeMissingField, "session id required")
	}
	if len(req.Files) == 0 {
		return proberrors.New(proberrors.ErrCodeMissingField, "at least one file required")
	}
	if len(req.Files) > p.uploads.MaxFilesPerRequest {
		return proberrors.New(proberrors.ErrCodeTooManyFiles,
			fmt.Sprintf("at most %d files per request", p.uploads.MaxFilesPerRequest))
	}
	var total int64
	for _, f := range req.Files {
		if f.Descriptor.SizeBytes > p.uploads.MaxFileBytes {
			return proberrors.New(proberrors.ErrCodeFileTooLarge,
				fmt.Sprintf("%s exceeds the per-file size limit", f.Descriptor.Name))
		}
		if !p.uploads.MIMEAllowed(f.Descriptor.MIMEType) {
			return proberrors.New(proberrors.ErrCodeUnsupportedType,
				fmt.Sprintf("unsupported file type %s", f.Descriptor.MIMEType))
		}
		total += f.Descriptor.SizeBytes
	}
	p.metrics.ExtractionFilesSize.Observe(float64(total))

	if req.TrialEmail != "" && !validEmail(req.TrialEmail) {
		return proberrors.New(proberrors.ErrCodeInvalidEmail, "malformed trial email")
	}
	return nil
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\n")
}

func (p *Pipeline) loadQuote(ctx context.Context, req Request) (*storage.Quote, error) {
	q, err := p.quotes.LoadActiveQuote(ctx, req.QuoteID, req.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, quotes.ErrQuoteNotFound):
			return nil, proberrors.New(proberrors.ErrCodeQuoteNotFound, "quote not found")
		case errors.Is(err, quotes.ErrQuoteExpired):
			return nil, proberrors.New(proberrors.ErrCodeQuoteExpired, "quote expired, request a new one")
		case errors.Is(err, quotes.ErrQuoteAlreadyUsed):
			return nil, proberrors.New(proberrors.ErrCodeQuoteReplayed, "quote already used")
		case errors.Is(err, quotes.ErrOwnerMismatch):
			return nil, proberrors.New(proberrors.ErrCodeQuoteOwnerMismatch, "quote belongs to another session")
		}
		return nil, fmt.Errorf("load quote: %w", err)
	}
	if q.UserID != "" && q.UserID != req.UserID {
		return nil, proberrors.New(proberrors.ErrCodeQuoteOwnerMismatch, "quote belongs to another account")
	}
	return &q, nil
}

func (p *Pipeline) requiredCredits(req Request, quote *storage.Quote) int64 {
	if quote != nil {
		return quote.CreditsTotal
	}
	descriptors := make([]pricing.FileDescriptor, 0, len(req.Files))
	for _, f := range req.Files {
		descriptors = append(descriptors, f.Descriptor)
	}
	total, _ := p.schedule().TotalCredits(descriptors, req.Ops)
	return total
}

// reserve decides the access mode and takes the matching reservation in one
// motion, walking the priority order. Exhausted allowances fall through to
// the next mode; storage failures deny outright (fail closed).
func (p *Pipeline) reserve(ctx context.Context, req Request, required int64) (*reservation, error) {
	// 1. Trial email.
	if req.TrialEmail != "" {
		normalized, used, err := p.quota.ReserveTrial(ctx, req.TrialEmail)
		switch {
		case err == nil:
			return &reservation{
				mode: redact.ModeTrialLimited,
				used: used,
				release: func(ctx context.Context) {
					p.quota.ReleaseTrial(ctx, normalized)
				},
			}, nil
		case errors.Is(err, quota.ErrTrialExhausted):
			// fall through to the device allowance
		default:
			return nil, fmt.Errorf("trial reservation: %w", err)
		}
	}

	// 2. Anonymous device allowance.
	if req.UserID == "" && req.DeviceID != "" {
		used, err := p.quota.ReserveDevice(ctx, req.DeviceID, req.SessionID)
		switch {
		case err == nil:
			return &reservation{
				mode: redact.ModeDeviceFree,
				used: used,
				release: func(ctx context.Context) {
					p.quota.ReleaseDevice(ctx, req.DeviceID, req.SessionID)
				},
			}, nil
		case errors.Is(err, quota.ErrDeviceQuotaExhausted):
			// fall through to credits
		default:
			return nil, fmt.Errorf("device reservation: %w", err)
		}
	}

	// 3. Credits, on the account balance or the anonymous session balance.
	// A schedule can legitimately price a request at zero; nothing to charge
	// and nothing to unwind.
	if required == 0 {
		return &reservation{mode: redact.ModePaid, release: func(context.Context) {}}, nil
	}
	key := storage.BalanceKey{UserID: req.UserID}
	if req.UserID == "" {
		key = storage.BalanceKey{SessionID: req.SessionID}
	}
	charge, err := p.ledger.Charge(ctx, key, required, fmt.Sprintf("extract %d files", len(req.Files)))
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientCredits) {
			return nil, proberrors.New(proberrors.ErrCodePaymentRequired, "free allowance exhausted and credit balance insufficient")
		}
		return nil, fmt.Errorf("charge credits: %w", err)
	}
	chargeCopy := charge
	return &reservation{
		mode:    redact.ModePaid,
		charged: &chargeCopy,
		release: func(ctx context.Context) {
			if _, err := p.ledger.Refund(ctx, chargeCopy.ID); err != nil && !errors.Is(err, storage.ErrAlreadyRefunded) {
				logger.FromContext(ctx).Error().Err(err).
					Str("charge_id", chargeCopy.ID).
					Msg("reservation refund failed, charge is stranded")
			}
		},
	}, nil
}

// invokeAndRedact runs the engine for every file and narrows the output to
// the frozen mode. Extraction runs detached from the client's cancellation:
// a disconnect mid-extraction must not produce a partial charge, so the work
// completes (bounded by the engine timeout) and the result is archived.
func (p *Pipeline) invokeAndRedact(ctx context.Context, req Request, mode redact.Mode) ([]FileResult, extractor.EngineTier, error) {
	tier := extractor.TierSuper
	if mode == redact.ModeTrialLimited {
		tier = extractor.TierFree
	}

	detached := context.WithoutCancel(ctx)
	results := make([]FileResult, 0, len(req.Files))
	for _, f := range req.Files {
		meta, err := p.pool.Extract(detached, extractor.Request{
			FilePath: f.Path,
			FileName: f.Descriptor.Name,
			MIMEType: f.Descriptor.MIMEType,
			Tier:     tier,
		})
		if err != nil {
			if errors.Is(err, extractor.ErrTimeout) {
				return nil, tier, proberrors.New(proberrors.ErrCodeExtractorTimeout,
					fmt.Sprintf("extraction of %s timed out", f.Descriptor.Name))
			}
			if errors.Is(err, extractor.ErrUnavailable) {
				return nil, tier, proberrors.New(proberrors.ErrCodeExtractorFailure, "extraction engine unavailable")
			}
			return nil, tier, proberrors.New(proberrors.ErrCodeExtractorFailure,
				fmt.Sprintf("extraction of %s failed", f.Descriptor.Name))
		}
		results = append(results, FileResult{
			Name:     f.Descriptor.Name,
			Metadata: redact.Apply(meta, mode),
		})
	}
	return results, tier, nil
}

func (p *Pipeline) buildResponse(req Request, res *reservation, results []FileResult, tier extractor.EngineTier, start time.Time) *Response {
	access := AccessInfo{Mode: res.mode}
	switch res.mode {
	case redact.ModeDeviceFree:
		used := res.used
		limit := p.quotaCfg.DeviceFreeLimit
		access.FreeUsed = &used
		access.FreeLimit = &limit
	case redact.ModeTrialLimited:
		used := res.used
		limit := p.trialCfg.EmailLimit
		access.FreeUsed = &used
		access.FreeLimit = &limit
	case redact.ModePaid:
		var charged int64
		if res.charged != nil {
			charged = -res.charged.Amount
		}
		access.CreditsCharged = &charged
	}

	return &Response{
		Access:  access,
		Results: results,
		Info: Info{
			ID:             uuid.NewString(),
			EngineTier:     string(tier),
			DurationMillis: time.Since(start).Milliseconds(),
		},
	}
}

// record archives the extraction outcome, including the redacted metadata
// documents on success so a client that disconnected after being charged can
// retrieve what it paid for. Best effort: an archive failure is logged and
// never affects the response.
func (p *Pipeline) record(ctx context.Context, req Request, res *reservation, quote *storage.Quote, results []FileResult, outcome string, tier extractor.EngineTier, start time.Time) {
	descriptors := make([]pricing.FileDescriptor, 0, len(req.Files))
	for _, f := range req.Files {
		descriptors = append(descriptors, f.Descriptor)
	}
	var charged int64
	if res.charged != nil && outcome == "success" {
		charged = -res.charged.Amount
	}
	var quoteID string
	if quote != nil {
		quoteID = quote.ID
	}
	var docs []archive.FileMetadata
	for _, r := range results {
		docs = append(docs, archive.FileMetadata{Name: r.Name, Document: r.Metadata})
	}
	rec := archive.Record{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		AccessMode:     string(res.mode),
		QuoteID:        quoteID,
		Files:          descriptors,
		CreditsCharged: charged,
		Outcome:        outcome,
		EngineTier:     string(tier),
		DurationMillis: time.Since(start).Milliseconds(),
		Metadata:       docs,
		CreatedAt:      p.now().UTC(),
	}
	if err := p.archive.Save(context.WithoutCancel(ctx), rec); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("extraction_id", rec.ID).Msg("archive save failed")
	}
}
