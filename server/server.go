// Package server exposes the operator HTTP API: pledge lookups for the
// sidebar, the allocation submission endpoint and pledge intake. Responses
// carry only the sanitised beneficiary projection; confidential student
// fields never leave the ledger's confidential store.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hostelfund/allocation"
	"hostelfund/config"
	"hostelfund/intake"
	"hostelfund/ledger"
)

// Config bundles the dependencies of the HTTP layer.
type Config struct {
	Store    *ledger.Store
	Engine   *allocation.Engine
	Intake   *intake.Service
	Operator config.OperatorConfig
	Log      *slog.Logger
}

// Server is the configured operator API.
type Server struct {
	store  *ledger.Store
	engine *allocation.Engine
	intake *intake.Service
	auth   *Authenticator
	log    *slog.Logger
	router http.Handler
}

// New constructs the router with authentication and idempotency wired in.
func New(cfg Config) (*Server, error) {
	auth, err := NewAuthenticator(cfg.Operator.JWTSecret, cfg.Operator.Issuer)
	if err != nil {
		return nil, err
	}
	if err := cfg.Store.DB().AutoMigrate(&IdempotencyKey{}); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		store:  cfg.Store,
		engine: cfg.Engine,
		intake: cfg.Intake,
		auth:   auth,
		log:    log,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler { return WithIdempotency(s.store.DB(), next) })
		api.Use(s.auth.Middleware)

		api.With(RequireRole(RoleOperator, RoleAdmin)).Get("/pledges/available", s.AvailablePledges)
		api.With(RequireRole(RoleOperator, RoleAdmin)).Get("/pledges/{id}/sidebar", s.Sidebar)
		api.With(RequireRole(RoleOperator, RoleAdmin)).Post("/allocations", s.SubmitAllocation)
		api.With(RequireRole(RoleOperator, RoleAdmin)).Post("/pledges", s.CreatePledge)
	})

	return r
}

type pledgeView struct {
	ID             string `json:"id"`
	DonorName      string `json:"donor_name"`
	DonorEmail     string `json:"donor_email"`
	Chapter        string `json:"chapter,omitempty"`
	PromisedAmount int64  `json:"promised_amount"`
	VerifiedTotal  int64  `json:"verified_total"`
	AllocatedTotal int64  `json:"allocated_total"`
	Balance        int64  `json:"balance"`
	Status         string `json:"status"`
	Zakat          bool   `json:"zakat"`
	// ProofLink points at the stored evidence behind the verified total.
	ProofLink string `json:"proof_link,omitempty"`
}

func viewPledge(p ledger.Pledge) pledgeView {
	return pledgeView{
		ID:             p.ID,
		DonorName:      p.DonorName,
		DonorEmail:     p.DonorEmail,
		Chapter:        p.Chapter,
		PromisedAmount: p.PromisedAmount,
		VerifiedTotal:  p.VerifiedTotal,
		AllocatedTotal: p.AllocatedTotal,
		Balance:        p.Balance(),
		Status:         string(p.Status),
		Zakat:          p.Zakat,
	}
}

// beneficiaryView is the sanitised projection. It deliberately has no room
// for the confidential record's fields.
type beneficiaryView struct {
	ID       string `json:"id"`
	School   string `json:"school"`
	TotalDue int64  `json:"total_due"`
	Cleared  int64  `json:"cleared"`
	Pending  int64  `json:"pending"`
}

// AvailablePledges lists pledges with spendable balance alongside the
// beneficiaries they could fund, so the panel renders from one call.
func (s *Server) AvailablePledges(w http.ResponseWriter, r *http.Request) {
	pledges, err := s.store.ListAvailablePledges(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	ids := make([]string, 0, len(pledges))
	for _, p := range pledges {
		ids = append(ids, p.ID)
	}
	proofs, err := s.store.ProofLinks(r.Context(), ids)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	views := make([]pledgeView, 0, len(pledges))
	for _, p := range pledges {
		view := viewPledge(p)
		view.ProofLink = proofs[p.ID]
		views = append(views, view)
	}
	beneficiaries, err := s.store.ListBeneficiariesWithNeed(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	beneficiaryViews := make([]beneficiaryView, 0, len(beneficiaries))
	for _, b := range beneficiaries {
		beneficiaryViews = append(beneficiaryViews, beneficiaryView{
			ID:       b.ID,
			School:   b.School,
			TotalDue: b.TotalDue,
			Cleared:  b.Cleared,
			Pending:  b.Pending,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pledges":       views,
		"beneficiaries": beneficiaryViews,
	})
}

type receiptView struct {
	ID             string    `json:"id"`
	VerifiedAmount int64     `json:"verified_amount"`
	TransferDate   time.Time `json:"transfer_date"`
	Confidence     string    `json:"confidence"`
	Filename       string    `json:"filename,omitempty"`
	Status         string    `json:"status"`
	ProofLink      string    `json:"proof_link,omitempty"`
}

type allocationView struct {
	ID            string `json:"id"`
	BeneficiaryID string `json:"beneficiary_id"`
	BatchID       string `json:"batch_id,omitempty"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
}

// Sidebar returns everything the operator panel shows for one pledge.
func (s *Server) Sidebar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pledge, err := s.store.GetPledge(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "pledge not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	receipts, err := s.store.ListReceipts(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	allocations, err := s.store.ListAllocations(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	beneficiaries, err := s.store.ListBeneficiariesWithNeed(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	receiptViews := make([]receiptView, 0, len(receipts))
	for _, rec := range receipts {
		receiptViews = append(receiptViews, receiptView{
			ID:             rec.ID,
			VerifiedAmount: rec.VerifiedAmount,
			TransferDate:   rec.TransferDate,
			Confidence:     string(rec.Confidence),
			Filename:       rec.Filename,
			Status:         string(rec.Status),
			ProofLink:      rec.StorageLink,
		})
	}
	allocationViews := make([]allocationView, 0, len(allocations))
	for _, alloc := range allocations {
		allocationViews = append(allocationViews, allocationView{
			ID:            alloc.ID,
			BeneficiaryID: alloc.BeneficiaryID,
			BatchID:       alloc.BatchID,
			Amount:        alloc.Amount,
			Status:        string(alloc.Status),
		})
	}
	beneficiaryViews := make([]beneficiaryView, 0, len(beneficiaries))
	for _, b := range beneficiaries {
		beneficiaryViews = append(beneficiaryViews, beneficiaryView{
			ID:       b.ID,
			School:   b.School,
			TotalDue: b.TotalDue,
			Cleared:  b.Cleared,
			Pending:  b.Pending,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pledge":        viewPledge(*pledge),
		"receipts":      receiptViews,
		"allocations":   allocationViews,
		"beneficiaries": beneficiaryViews,
	})
}

type allocationRequest struct {
	PledgeIDs []struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
	} `json:"pledge_ids"`
	BeneficiaryID string `json:"beneficiary_id"`
}

// SubmitAllocation runs a single or batch allocation on behalf of the
// authenticated operator.
func (s *Server) SubmitAllocation(w http.ResponseWriter, r *http.Request) {
	claims, err := FromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	var req allocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload")
		return
	}
	if len(req.PledgeIDs) == 0 || req.BeneficiaryID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "pledge_ids and beneficiary_id are required")
		return
	}
	entries := make([]allocation.Entry, 0, len(req.PledgeIDs))
	for _, line := range req.PledgeIDs {
		if line.ID == "" || line.Amount <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "every line needs a pledge id and a positive amount")
			return
		}
		entries = append(entries, allocation.Entry{
			PledgeID:      line.ID,
			BeneficiaryID: req.BeneficiaryID,
			Amount:        line.Amount,
		})
	}

	var result *allocation.Result
	if len(entries) == 1 {
		result, err = s.engine.Single(r.Context(), claims.Subject, entries[0])
	} else {
		result, err = s.engine.Batch(r.Context(), claims.Subject, entries)
	}
	if err != nil {
		s.allocationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) allocationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, allocation.ErrSystemBusy):
		writeError(w, http.StatusServiceUnavailable, "SYSTEM_BUSY", "another allocation is in progress, retry shortly")
	case errors.Is(err, allocation.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, allocation.ErrExceedsNeed):
		writeError(w, http.StatusUnprocessableEntity, "EXCEEDS_NEED", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		s.internalError(w, r, err)
	}
}

// CreatePledge records a pledge submitted through the operator console.
func (s *Server) CreatePledge(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload")
		return
	}
	pledge, err := s.intake.CreatePledge(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewPledge(*pledge))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
