// Package handlers provides HTTP handlers for the claims API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medflow/go-cie/internal/api/middleware"
	"github.com/medflow/go-cie/internal/claims"
	"github.com/medflow/go-cie/internal/clearinghouse"
	"github.com/medflow/go-cie/internal/config"
	"github.com/medflow/go-cie/internal/edi/x12837p"
	"github.com/medflow/go-cie/internal/observability/metrics"
)

// ClaimQueue enqueues claims for the nightly EDI file run.
type ClaimQueue interface {
	Enqueue(ctx context.Context, claim *claims.Claim) error
}

// ClaimsHandler exposes claim validation, submission, status, EDI, and
// eligibility endpoints.
type ClaimsHandler struct {
	client    *clearinghouse.Client
	queue     ClaimQueue
	submitter x12837p.SubmitterInfo
	ediUsage  string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewClaimsHandler creates the handler. The queue and metrics may be nil.
func NewClaimsHandler(client *clearinghouse.Client, queue ClaimQueue, env config.Environment, m *metrics.Metrics, logger *zap.Logger) *ClaimsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	usage := "T"
	if env == config.Production {
		usage = "P"
	}
	return &ClaimsHandler{
		client:    client,
		queue:     queue,
		submitter: x12837p.SandboxSubmitter(),
		ediUsage:  usage,
		metrics:   m,
		logger:    logger,
	}
}

// validate runs the scrubber and records the outcome.
func (h *ClaimsHandler) validate(claim *claims.Claim) claims.Result {
	result := claims.ValidateClaim(claim)
	if h.metrics != nil {
		h.metrics.ClaimsValidated.Inc()
		if !result.Valid {
			h.metrics.ClaimsRejected.Inc()
		}
	}
	return result
}

// Routes returns the claim routes.
func (h *ClaimsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Post("/", h.Submit)
	r.Get("/{id}/status", h.Status)
	r.Post("/edi", h.GenerateEDI)
	r.Post("/batch", h.EnqueueBatch)
	return r
}

// EligibilityRoutes returns the eligibility routes.
func (h *ClaimsHandler) EligibilityRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.CheckEligibility)
	return r
}

// ERARoutes returns the remittance routes.
func (h *ClaimsHandler) ERARoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListERAs)
	return r
}

// Validate handles POST /claims/validate: scrub without submitting.
func (h *ClaimsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	claim, ok := h.decodeClaim(w, r)
	if !ok {
		return
	}

	result := h.validate(claim)
	h.writeJSON(w, http.StatusOK, result)
}

// Submit handles POST /claims: scrub, then relay to the clearinghouse.
// Claims with validation errors are rejected before any quota is spent.
func (h *ClaimsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claim, ok := h.decodeClaim(w, r)
	if !ok {
		return
	}

	result := h.validate(claim)
	if !result.Valid {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "claim failed validation",
			"validation": result,
		})
		return
	}

	resp, err := h.client.SubmitClaim(ctx, claim)
	if err != nil {
		h.apiError(w, err)
		return
	}

	h.logger.Info("claim submitted",
		zap.String("claim_id", claim.ClaimID),
		zap.String("clearinghouse_id", resp.Data.ClearinghouseID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.writeJSON(w, http.StatusCreated, resp)
}

// Status handles GET /claims/{id}/status.
func (h *ClaimsHandler) Status(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "id")
	resp, err := h.client.GetClaimStatus(r.Context(), claimID)
	if err != nil {
		h.apiError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GenerateEDI handles POST /claims/edi: serialize a claim into an 837P
// document without submitting it.
func (h *ClaimsHandler) GenerateEDI(w http.ResponseWriter, r *http.Request) {
	claim, ok := h.decodeClaim(w, r)
	if !ok {
		return
	}

	result := h.validate(claim)
	if !result.Valid {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "claim failed validation",
			"validation": result,
		})
		return
	}

	doc, err := x12837p.Generate837P(claim, h.submitter, x12837p.Options{
		SenderID:   h.submitter.PracticeName,
		ReceiverID: h.submitter.PayerID,
		Usage:      h.ediUsage,
	})
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if h.metrics != nil {
		h.metrics.EDIFilesGenerated.Inc()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// EnqueueBatch handles POST /claims/batch: queue a claim for the nightly
// EDI file run.
func (h *ClaimsHandler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		h.jsonError(w, "batch queue not configured", http.StatusServiceUnavailable)
		return
	}

	claim, ok := h.decodeClaim(w, r)
	if !ok {
		return
	}

	result := h.validate(claim)
	if !result.Valid {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      "claim failed validation",
			"validation": result,
		})
		return
	}

	if err := h.queue.Enqueue(r.Context(), claim); err != nil {
		h.logger.Error("enqueue claim failed", zap.String("claim_id", claim.ClaimID), zap.Error(err))
		h.jsonError(w, "failed to queue claim", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"claimId": claim.ClaimID,
		"status":  "queued",
	})
}

// CheckEligibility handles POST /eligibility/check.
func (h *ClaimsHandler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req clearinghouse.EligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" || req.InsuranceID == "" {
		h.jsonError(w, "patientId and insuranceId are required", http.StatusBadRequest)
		return
	}

	resp, err := h.client.CheckEligibility(r.Context(), req)
	if err != nil {
		h.apiError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListERAs handles GET /eras?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *ClaimsHandler) ListERAs(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		h.jsonError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil {
		h.jsonError(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	resp, err := h.client.GetERAs(r.Context(), from, to)
	if err != nil {
		h.apiError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ClaimsHandler) decodeClaim(w http.ResponseWriter, r *http.Request) (*claims.Claim, bool) {
	var claim claims.Claim
	if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if claim.ClaimID == "" {
		h.jsonError(w, "claimId is required", http.StatusBadRequest)
		return nil, false
	}
	return &claim, true
}

// apiError maps engine error codes onto HTTP statuses.
func (h *ClaimsHandler) apiError(w http.ResponseWriter, err error) {
	apiErr := clearinghouse.AsAPIError(err)
	if apiErr == nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case strings.HasPrefix(apiErr.Code, "RATE"):
		status = http.StatusTooManyRequests
		if apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
		}
	case strings.HasPrefix(apiErr.Code, "AUTH"), strings.HasPrefix(apiErr.Code, "NET"):
		status = http.StatusBadGateway
	case strings.HasPrefix(apiErr.Code, "REQ"):
		status = http.StatusBadRequest
	case strings.HasPrefix(apiErr.Code, "BIZ"):
		status = http.StatusUnprocessableEntity
	}

	h.writeJSON(w, status, map[string]interface{}{
		"error":     apiErr.Message,
		"code":      apiErr.Code,
		"retryable": apiErr.Retryable,
	})
}

func (h *ClaimsHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *ClaimsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
