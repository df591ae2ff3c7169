package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/khizerh/amanahlogic-sub002/pkg/gateway"
)

// Webhook payloads top out well under this; anything larger is garbage.
const maxWebhookBody = 1 << 20

// RouterOptions configures the billing HTTP surface.
type RouterOptions struct {
	Gateway   gateway.PaymentGateway
	Processor *WebhookProcessor
	Runner    *Runner
	Logger    *slog.Logger
}

// Router mounts the billing endpoints: the provider webhook receiver and
// the admin run trigger.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{
//	    Gateway:   gw,
//	    Processor: processor,
//	    Runner:    runner,
//	}))
func Router(opts RouterOptions) chi.Router {
	if opts.Gateway == nil {
		panic("billing: gateway.PaymentGateway is required")
	}
	if opts.Processor == nil {
		panic("billing: WebhookProcessor is required")
	}
	if opts.Runner == nil {
		panic("billing: Runner is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	h := &httpHandler{gw: opts.Gateway, processor: opts.Processor, runner: opts.Runner, log: log}

	r := chi.NewRouter()
	r.Post("/webhooks/stripe", h.handleWebhook)
	r.Post("/admin/billing/run", h.handleAdminRun)
	return r
}

type httpHandler struct {
	gw        gateway.PaymentGateway
	processor *WebhookProcessor
	runner    *Runner
	log       *slog.Logger
}

// handleWebhook verifies the delivery's signature against the raw body,
// then hands the normalized event to the processor. An unverifiable
// delivery is rejected with 400 before any payload inspection. Processing
// failures are still acknowledged with 200 and an "error" status once the
// ledger holds the failure; only a ledger write failure returns 500 so
// the provider redelivers an event that was never recorded.
func (h *httpHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": AckError, "error": "unreadable body"})
		return
	}

	event, err := h.gw.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			h.log.WarnContext(r.Context(), "webhook signature rejected", slog.Any("error", err))
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": AckError, "error": "invalid signature"})
			return
		}
		h.log.ErrorContext(r.Context(), "webhook parse failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": AckError, "error": "malformed payload"})
		return
	}

	ack, err := h.processor.Process(r.Context(), event)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": ack})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": ack})
}

// handleAdminRun triggers a billing sweep: all organizations, or one via
// the org_id query param. dry_run=true reports every decision without
// persisting any of them.
func (h *httpHandler) handleAdminRun(w http.ResponseWriter, r *http.Request) {
	opts := RunOptions{DryRun: r.URL.Query().Get("dry_run") == "true"}

	if raw := r.URL.Query().Get("org_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed org_id"})
			return
		}
		opts.OrgID = &id
	}

	report, err := h.runner.Run(r.Context(), opts)
	if err != nil {
		if IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.log.ErrorContext(r.Context(), "billing run failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "billing run failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
