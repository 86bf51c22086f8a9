package httpserver

import (
	"io"
	"net/http"

	proberrors "github.com/PixelProbe/server/internal/errors"
	"github.com/PixelProbe/server/internal/webhooks"
	"github.com/PixelProbe/server/pkg/responders"
)

// maxWebhookBody bounds the raw payload read; provider events are small.
const maxWebhookBody = 1 << 20

// paymentWebhook ingests a signed payment-provider event. Duplicates answer
// 200 like first deliveries so the provider stops redelivering.
func (h handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		proberrors.WriteSimpleError(w, proberrors.ErrCodeWebhookMalformed, "unreadable payload")
		return
	}

	outcome, err := h.Ingestor.Ingest(r.Context(), rawBody, webhooks.Headers{
		EventID:   r.Header.Get(webhooks.HeaderEventID),
		Timestamp: r.Header.Get(webhooks.HeaderTimestamp),
		Signature: r.Header.Get(webhooks.HeaderSignature),
	})
	if err != nil {
		proberrors.WriteCoded(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  string(outcome),
	})
}
