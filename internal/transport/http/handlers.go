// Package http exposes the metering engine over a chi-routed JSON API. All
// /api routes sit behind the license gate and the per-tier rate limiter.
package http

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"meterd/internal/audit"
	apierrors "meterd/internal/errors"
	"meterd/internal/ledger"
	"meterd/internal/license"
	"meterd/internal/middleware"
	"meterd/internal/ratelimit"
	"meterd/internal/withdrawal"
)

// Server aggregates the domain services behind the HTTP surface.
type Server struct {
	ledger      *ledger.Ledger
	licenses    *license.Store
	audit       *audit.Engine
	withdrawals *withdrawal.Coordinator
	limiter     *ratelimit.Limiter
	metrics     *Metrics
	registry    *prometheus.Registry
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewServer wires the handler set. registry may be nil, in which case a
// private registry is created.
func NewServer(
	l *ledger.Ledger,
	licenses *license.Store,
	auditEngine *audit.Engine,
	withdrawals *withdrawal.Coordinator,
	limiter *ratelimit.Limiter,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:      l,
		licenses:    licenses,
		audit:       auditEngine,
		withdrawals: withdrawals,
		limiter:     limiter,
		metrics:     NewMetrics(registry),
		registry:    registry,
		validate:    validator.New(),
		logger:      logger.With(slog.String("component", "http")),
	}
}

// Router builds the full route tree including middleware.
func (s *Server) Router(globalRPS float64, globalBurst int) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.GlobalRateLimit(globalRPS, globalBurst))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.LicenseGate(s.licenses, s.logger))
		r.Use(middleware.TierRateLimit(s.limiter, s.logger))

		r.Post("/usage", s.handleRecordUsage)
		r.Get("/earnings/realtime", s.handleEarningsRealtime)
		r.Get("/earnings/historical", s.handleEarningsHistorical)

		r.Post("/withdrawals", s.handleCreateWithdrawal)
		r.Get("/withdrawals", s.handleListWithdrawals)
		r.Get("/withdrawals/{id}", s.handleGetWithdrawal)
		r.Post("/withdrawals/{id}/cancel", s.handleCancelWithdrawal)

		r.Get("/audit/entries", s.handleAuditEntries)
		r.Get("/audit/commitments", s.handleAuditCommitments)
		r.Post("/audit/commit", s.handleAuditCommit)
		r.Post("/audit/proof", s.handleAuditProof)
		r.Post("/audit/verify", s.handleAuditVerify)

		r.Get("/license/status", s.handleLicenseStatus)
		r.Post("/license/rotate", s.handleLicenseRotate)
		r.Post("/license/revoke", s.handleLicenseRevoke)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// accountFromContext returns the account id bound to the presented license.
func accountFromContext(r *http.Request) string {
	if v := middleware.ValidationFromContext(r.Context()); v != nil && v.License != nil {
		return v.License.AccountID
	}
	return ""
}

type recordUsageRequest struct {
	Amount   string            `json:"amount" validate:"required"`
	Category string            `json:"category"`
	Metadata map[string]string `json:"metadata"`
}

type entryResponse struct {
	Seq         uint64            `json:"seq"`
	AccountID   string            `json:"account_id"`
	Amount      string            `json:"amount"`
	Category    ledger.Category   `json:"category"`
	Timestamp   time.Time         `json:"timestamp"`
	PrevHash    string            `json:"prev_hash"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		Seq:         e.Seq,
		AccountID:   e.AccountID,
		Amount:      e.Amount.String(),
		Category:    e.Category,
		Timestamp:   e.Timestamp,
		PrevHash:    e.PrevHash,
		ContentHash: e.Hash,
		Metadata:    e.Metadata,
	}
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("amount", "amount is required"))
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("amount", "must be a decimal string"))
		return
	}
	if !amount.IsPositive() {
		_ = render.Render(w, r, apierrors.ErrValidation("amount", "must be positive"))
		return
	}

	category := ledger.Category(req.Category)
	if req.Category == "" {
		category = ledger.CategoryUsageEarning
	}

	accountID := accountFromContext(r)
	entry, err := s.ledger.Append(accountID, amount, category, req.Metadata)
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}

	s.metrics.UsageEvents.WithLabelValues(string(category)).Inc()
	s.metrics.LedgerBalance.WithLabelValues(accountID).Set(s.ledger.Balance(accountID).InexactFloat64())

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toEntryResponse(entry))
}

type earningsRealtimeResponse struct {
	AccountID string            `json:"account_id"`
	Balance   string            `json:"balance"`
	Breakdown map[string]string `json:"breakdown"`
	ChainOK   bool              `json:"chain_ok"`
}

func (s *Server) handleEarningsRealtime(w http.ResponseWriter, r *http.Request) {
	accountID := accountFromContext(r)

	breakdown := make(map[string]string)
	for category, total := range s.ledger.BreakdownByCategory(accountID) {
		breakdown[string(category)] = total.String()
	}

	render.JSON(w, r, earningsRealtimeResponse{
		AccountID: accountID,
		Balance:   s.ledger.Balance(accountID).String(),
		Breakdown: breakdown,
		ChainOK:   !s.ledger.Corrupted(accountID),
	})
}

type bucketResponse struct {
	Start time.Time `json:"start"`
	Total string    `json:"total"`
}

type earningsHistoricalResponse struct {
	AccountID string           `json:"account_id"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	Total     string           `json:"total"`
	Buckets   []bucketResponse `json:"buckets"`
}

func (s *Server) handleEarningsHistorical(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("from", "must be RFC3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("to", "must be RFC3339"))
		return
	}
	if !from.Before(to) {
		_ = render.Render(w, r, apierrors.ErrValidation("from", "must precede to"))
		return
	}

	bucket := time.Hour
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		bucket, err = time.ParseDuration(raw)
		if err != nil || bucket <= 0 {
			_ = render.Render(w, r, apierrors.ErrValidation("bucket", "must be a positive duration"))
			return
		}
	}

	accountID := accountFromContext(r)
	buckets := s.ledger.Aggregate(accountID, from, to, bucket)
	out := make([]bucketResponse, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, bucketResponse{Start: b.Start, Total: b.Total.String()})
	}

	render.JSON(w, r, earningsHistoricalResponse{
		AccountID: accountID,
		From:      from,
		To:        to,
		Total:     s.ledger.SumPeriod(accountID, from, to).String(),
		Buckets:   out,
	})
}

type createWithdrawalRequest struct {
	Amount string `json:"amount" validate:"required"`
	Method string `json:"method" validate:"required"`
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("amount", "must be a decimal string"))
		return
	}

	opened, err := s.withdrawals.Open(withdrawal.Request{
		AccountID: accountFromContext(r),
		Amount:    amount,
		Method:    req.Method,
	})
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}

	// Reconcile and pay out in-request. The withdrawal carries its terminal
	// status either way; a rejected or failed outcome is a decided resource,
	// not an HTTP error.
	decided, err := s.withdrawals.Process(r.Context(),
		opened.ID,
		r.Header.Get(middleware.HeaderLicenseKey),
		r.Header.Get(middleware.HeaderFingerprint),
	)
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}

	s.metrics.WithdrawalsDecided.WithLabelValues(string(decided.Status)).Inc()
	s.metrics.LedgerBalance.WithLabelValues(decided.AccountID).Set(s.ledger.Balance(decided.AccountID).InexactFloat64())

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, decided)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.withdrawals.ListByAccount(accountFromContext(r)))
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	found, err := s.withdrawals.Get(chi.URLParam(r, "id"))
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}
	if found.AccountID != accountFromContext(r) {
		_ = render.Render(w, r, apierrors.FromDomain(withdrawal.ErrNotFound))
		return
	}
	render.JSON(w, r, found)
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	found, err := s.withdrawals.Get(chi.URLParam(r, "id"))
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}
	if found.AccountID != accountFromContext(r) {
		_ = render.Render(w, r, apierrors.FromDomain(withdrawal.ErrNotFound))
		return
	}

	cancelled, err := s.withdrawals.Cancel(found.ID)
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}
	render.JSON(w, r, cancelled)
}

type auditEntriesResponse struct {
	AccountID string          `json:"account_id"`
	ChainOK   bool            `json:"chain_ok"`
	Entries   []entryResponse `json:"entries"`
}

// handleAuditEntries returns the most recent ledger entries together with a
// fresh chain verification result.
func (s *Server) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			_ = render.Render(w, r, apierrors.ErrValidation("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}

	accountID := accountFromContext(r)
	entries := s.ledger.Entries(accountID)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	render.JSON(w, r, auditEntriesResponse{
		AccountID: accountID,
		ChainOK:   s.ledger.VerifyChain(accountID),
		Entries:   out,
	})
}

func (s *Server) handleAuditCommitments(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.audit.Commitments(accountFromContext(r)))
}

type auditCommitRequest struct {
	UptoSeq uint64 `json:"upto_seq" validate:"required,gt=0"`
}

type auditCommitResponse struct {
	AccountID string `json:"account_id"`
	Root      string `json:"root"`
	UptoSeq   uint64 `json:"upto_seq"`
}

func (s *Server) handleAuditCommit(w http.ResponseWriter, r *http.Request) {
	var req auditCommitRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("upto_seq", "must be greater than zero"))
		return
	}

	accountID := accountFromContext(r)
	root, err := s.audit.Commit(accountID, req.UptoSeq)
	if err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, auditCommitResponse{AccountID: accountID, Root: root, UptoSeq: req.UptoSeq})
}

type auditProofRequest struct {
	Seq     uint64 `json:"seq" validate:"required,gt=0"`
	UptoSeq uint64 `json:"upto_seq" validate:"required,gt=0"`
}

func (s *Server) handleAuditProof(w http.ResponseWriter, r *http.Request) {
	var req auditProofRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	proof, err := s.audit.Prove(accountFromContext(r), req.Seq, req.UptoSeq)
	if err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	render.JSON(w, r, proof)
}

type auditVerifyRequest struct {
	ClaimedTotal string      `json:"claimed_total" validate:"required"`
	From         time.Time   `json:"from" validate:"required"`
	To           time.Time   `json:"to" validate:"required"`
	Proof        audit.Proof `json:"proof"`
}

type auditVerifyResponse struct {
	AccountID string `json:"account_id"`
	Valid     bool   `json:"valid"`
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	var req auditVerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	claimed, err := decimal.NewFromString(req.ClaimedTotal)
	if err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("claimed_total", "must be a decimal string"))
		return
	}

	accountID := accountFromContext(r)
	valid := s.audit.VerifyClaim(accountID, claimed, req.From, req.To, req.Proof)

	outcome := "rejected"
	if valid {
		outcome = "verified"
	}
	s.metrics.ClaimVerifications.WithLabelValues(outcome).Inc()

	render.JSON(w, r, auditVerifyResponse{AccountID: accountID, Valid: valid})
}

type licenseStatusResponse struct {
	AccountID    string    `json:"account_id"`
	Tier         string    `json:"tier"`
	Entitlements []string  `json:"entitlements"`
	ExpiresAt    time.Time `json:"expires_at"`
	RemainingSec int64     `json:"remaining_seconds"`
	Rotations    int       `json:"rotations"`
}

func (s *Server) handleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	validation := middleware.ValidationFromContext(r.Context())
	lic := validation.License
	render.JSON(w, r, licenseStatusResponse{
		AccountID:    lic.AccountID,
		Tier:         string(lic.Tier),
		Entitlements: lic.Entitlements,
		ExpiresAt:    lic.ExpiresAt,
		RemainingSec: int64(validation.Remaining.Seconds()),
		Rotations:    len(lic.KeyHistory),
	})
}

type licenseRotateRequest struct {
	NewKey       string `json:"new_key" validate:"required"`
	NewSignature string `json:"new_signature" validate:"required,base64"`
}

func (s *Server) handleLicenseRotate(w http.ResponseWriter, r *http.Request) {
	var req licenseRotateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.NewSignature)
	if err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("new_signature", "must be base64"))
		return
	}

	rotated, err := s.licenses.Rotate(accountFromContext(r), req.NewKey, signature)
	if err != nil {
		s.metrics.LicenseFailures.WithLabelValues(apierrors.FromDomain(err).ErrorCode).Inc()
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}
	render.JSON(w, r, licenseStatusResponse{
		AccountID:    rotated.AccountID,
		Tier:         string(rotated.Tier),
		Entitlements: rotated.Entitlements,
		ExpiresAt:    rotated.ExpiresAt,
		Rotations:    len(rotated.KeyHistory),
	})
}

type licenseRevokeRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (s *Server) handleLicenseRevoke(w http.ResponseWriter, r *http.Request) {
	var req licenseRevokeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		_ = render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		_ = render.Render(w, r, apierrors.ErrValidation("reason", "reason is required"))
		return
	}

	if err := s.licenses.Revoke(r.Header.Get(middleware.HeaderLicenseKey), req.Reason); err != nil {
		_ = render.Render(w, r, apierrors.FromDomain(err))
		return
	}
	render.JSON(w, r, map[string]string{"status": "revoked"})
}
