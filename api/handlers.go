/*
handlers.go - HTTP API handlers for the claims adjudication engine

PURPOSE:
  Exposes the adjudication engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Claims:
    POST   /api/claims                     Adjudicate a claim line
    POST   /api/claims/{id}/void           Void a committed claim line
    GET    /api/claims/{id}                Latest result
    GET    /api/claims/{id}/results        Full result history

  Members:
    GET    /api/members/{id}/accumulators  Accumulator totals
    GET    /api/members/{id}/layers        Coverage layer assignments

  Policies:
    GET    /api/policies/{id}/funding      Fund balances
    POST   /api/policies/{id}/funding/topup Deposit into one fund

  Benefit configuration:
    POST   /api/benefits                   Create a benefit version
    GET    /api/plans/{plan}/benefits/{code} List benefit versions
    POST   /api/assignments                Assign a coverage layer

  Seeds:
    GET    /api/seeds                      List demo datasets
    POST   /api/seeds/load                 Load a demo dataset

ERROR HANDLING:
  Business outcomes (denied/pended/partial) are 200 responses carrying the
  result status - they are adjudication answers, not HTTP failures.
  HTTP errors are reserved for transport and infrastructure:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - seed.go: Demo dataset loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/engine"
	"github.com/meridian/claims-engine/fund"
	"github.com/meridian/claims-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Pipeline *engine.Pipeline
	Store    *sqlite.Store
	Logger   zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(pipeline *engine.Pipeline, store *sqlite.Store, logger zerolog.Logger) *Handler {
	return &Handler{Pipeline: pipeline, Store: store, Logger: logger}
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// SubmitClaim adjudicates one claim line. Resubmitting a terminal claim
// line id replays the stored result without moving money again.
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req SubmitClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	line, err := toClaimLine(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid claim line", err)
		return
	}

	result, err := h.Pipeline.Adjudicate(r.Context(), *line)
	if err != nil {
		h.Logger.Error().Err(err).Str("claim_line_id", line.ID).Msg("adjudication failed")
		writeError(w, http.StatusInternalServerError, "Adjudication failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// VoidClaim reverses a committed claim line. Idempotent.
func (h *Handler) VoidClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.Pipeline.Void(r.Context(), id)
	if err != nil {
		if errors.Is(err, accumulator.ErrNotApplied) {
			writeError(w, http.StatusNotFound, "Claim line not found", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "Void failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// GetClaim returns the latest result for a claim line.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.Pipeline.Results.Latest(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load result", err)
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "Claim line not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// GetClaimResults returns the full result history, oldest first.
func (h *Handler) GetClaimResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	results, err := h.Pipeline.Results.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load results", err)
		return
	}
	if len(results) == 0 {
		writeError(w, http.StatusNotFound, "Claim line not found", nil)
		return
	}
	dtos := make([]ResultDTO, len(results))
	for i := range results {
		dtos[i] = toResultDTO(&results[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func toClaimLine(req *SubmitClaimRequest) (*engine.ClaimLine, error) {
	if req.ID == "" {
		return nil, errors.New("id is required")
	}
	if req.MemberID == "" {
		return nil, errors.New("member_id is required")
	}
	if req.PolicyID == "" {
		return nil, errors.New("policy_id is required")
	}
	if req.BenefitCode == "" {
		return nil, errors.New("benefit_code is required")
	}
	serviceDate, err := time.Parse("2006-01-02", req.ServiceDate)
	if err != nil {
		return nil, errors.New("service_date must be YYYY-MM-DD")
	}
	if req.Billed.IsNegative() {
		return nil, errors.New("billed must not be negative")
	}

	line := &engine.ClaimLine{
		ID:                 req.ID,
		MemberID:           benefit.MemberID(req.MemberID),
		FamilyID:           benefit.FamilyID(req.FamilyID),
		PolicyID:           benefit.PolicyID(req.PolicyID),
		BenefitCode:        benefit.BenefitCode(req.BenefitCode),
		ServiceDate:        serviceDate,
		Billed:             req.Billed,
		Quantity:           req.Quantity,
		Channel:            benefit.Channel(req.Channel),
		IncidentID:         req.IncidentID,
		Diagnosis:          req.Diagnosis,
		ExceptionDiagnosis: req.ExceptionDiagnosis,
	}
	for _, p := range req.Procedures {
		line.Procedures = append(line.Procedures, engine.ProcedureLine{
			Code:   p.Code,
			Billed: p.Billed,
			Class: engine.SurgeryClass{
				Name:          p.ClassName,
				SurgeonPct:    p.SurgeonPct,
				TheatrePct:    p.TheatrePct,
				AnesthesiaPct: p.AnesthesiaPct,
			},
		})
	}
	if req.BedUpgrade != nil {
		line.BedUpgrade = &engine.BedUpgradeEvent{
			UsedDailyRate:     req.BedUpgrade.UsedDailyRate,
			EntitledDailyRate: req.BedUpgrade.EntitledDailyRate,
			Days:              req.BedUpgrade.Days,
			Reason:            benefit.BedUpgradeReason(req.BedUpgrade.Reason),
			ApprovalRef:       req.BedUpgrade.ApprovalRef,
		}
	}
	for _, c := range req.NonMedical {
		line.NonMedical = append(line.NonMedical, engine.NonMedicalCharge{
			Description: c.Description,
			Amount:      c.Amount,
		})
	}
	return line, nil
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetAccumulators returns the member's accumulator totals for one benefit
// and period. Query params: plan (required), code (required), period
// (defaults to the current year), family_id (adds family-scope keys).
func (h *Handler) GetAccumulators(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")
	plan := r.URL.Query().Get("plan")
	code := r.URL.Query().Get("code")
	period := r.URL.Query().Get("period")
	familyID := r.URL.Query().Get("family_id")

	if plan == "" || code == "" {
		writeError(w, http.StatusBadRequest, "plan and code query params are required", nil)
		return
	}
	if period == "" {
		period = time.Now().UTC().Format("2006")
	}

	type scopePair struct {
		kind accumulator.ScopeKind
		id   string
	}
	scopes := []scopePair{{accumulator.ScopeMember, memberID}}
	if familyID != "" {
		scopes = append(scopes, scopePair{accumulator.ScopeFamily, familyID})
	}

	var dtos []AccumulatorDTO
	for _, sc := range scopes {
		for _, layer := range []benefit.Layer{benefit.LayerIL, benefit.LayerAC} {
			for _, bucket := range []accumulator.Bucket{
				accumulator.BucketUsage, accumulator.BucketDeductible, accumulator.BucketOutOfPocket,
			} {
				key := accumulator.Key{
					Scope:   sc.kind,
					ScopeID: sc.id,
					Plan:    benefit.PlanID(plan),
					Code:    benefit.BenefitCode(code),
					Period:  period,
					Layer:   layer,
					Bucket:  bucket,
				}
				u, err := h.Pipeline.Accums.Get(r.Context(), key)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to load accumulators", err)
					return
				}
				if u.Version == 0 {
					continue // never written
				}
				dtos = append(dtos, AccumulatorDTO{
					Scope:   string(key.Scope),
					ScopeID: key.ScopeID,
					Plan:    string(key.Plan),
					Code:    string(key.Code),
					Period:  key.Period,
					Layer:   string(key.Layer),
					Bucket:  string(key.Bucket),
					Amount:  u.Amount,
					Qty:     u.Qty,
					Version: u.Version,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLayers returns the member's coverage layer assignments.
func (h *Handler) GetLayers(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")

	assignments, err := h.Store.LayerAssignments(r.Context(), benefit.MemberID(memberID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load assignments", err)
		return
	}
	type layerDTO struct {
		MemberID      string `json:"member_id"`
		Layer         string `json:"layer"`
		PlanID        string `json:"plan_id"`
		Precedence    int    `json:"precedence"`
		EffectiveFrom string `json:"effective_from"`
		EffectiveTo   string `json:"effective_to,omitempty"`
	}
	dtos := make([]layerDTO, len(assignments))
	for i, a := range assignments {
		dtos[i] = layerDTO{
			MemberID:      string(a.MemberID),
			Layer:         string(a.Layer),
			PlanID:        string(a.PlanID),
			Precedence:    a.Precedence,
			EffectiveFrom: a.EffectiveFrom.Format("2006-01-02"),
		}
		if !a.EffectiveTo.IsZero() {
			dtos[i].EffectiveTo = a.EffectiveTo.Format("2006-01-02")
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POLICY FUNDING HANDLERS
// =============================================================================

// GetFunding returns a policy's fund balances.
func (h *Handler) GetFunding(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "id")

	b, err := h.Pipeline.Funds.Balances(r.Context(), benefit.PolicyID(policyID))
	if err != nil {
		if errors.Is(err, fund.ErrUnknownPolicy) {
			writeError(w, http.StatusNotFound, "Policy funding not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load funding", err)
		return
	}
	writeJSON(w, http.StatusOK, FundingDTO{
		PolicyID:   string(b.PolicyID),
		ASO:        b.ASO,
		Buffer:     b.Buffer,
		NonBenefit: b.NonBenefit,
		Version:    b.Version,
	})
}

// TopUpFunding deposits into one fund. A pended claim line re-submitted
// after the deposit draws from the new balance.
func (h *Handler) TopUpFunding(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "id")

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	f := fund.Fund(req.Fund)
	switch f {
	case fund.ASO, fund.Buffer, fund.NonBenefit:
	default:
		writeError(w, http.StatusBadRequest, "fund must be aso, buffer or non_benefit", nil)
		return
	}

	if err := h.Pipeline.Funds.Deposit(r.Context(), benefit.PolicyID(policyID), f, req.Amount); err != nil {
		if errors.Is(err, fund.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, "Amount must be positive", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Deposit failed", err)
		return
	}

	b, err := h.Pipeline.Funds.Balances(r.Context(), benefit.PolicyID(policyID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load funding", err)
		return
	}
	writeJSON(w, http.StatusOK, FundingDTO{
		PolicyID:   string(b.PolicyID),
		ASO:        b.ASO,
		Buffer:     b.Buffer,
		NonBenefit: b.NonBenefit,
		Version:    b.Version,
	})
}

// =============================================================================
// BENEFIT CONFIGURATION HANDLERS
// =============================================================================

// CreateBenefit stores one benefit version. Versions are insert-only.
func (h *Handler) CreateBenefit(w http.ResponseWriter, r *http.Request) {
	var req CreateBenefitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	b, err := toBenefit(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid benefit", err)
		return
	}
	if err := h.Store.SaveBenefit(r.Context(), *b); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save benefit", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"plan_id":      string(b.PlanID),
		"benefit_code": string(b.Code),
	})
}

// ListBenefitVersions returns all versions of one benefit under a plan.
func (h *Handler) ListBenefitVersions(w http.ResponseWriter, r *http.Request) {
	plan := chi.URLParam(r, "plan")
	code := chi.URLParam(r, "code")

	versions, err := h.Store.BenefitVersions(r.Context(), benefit.PlanID(plan), benefit.BenefitCode(code))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load benefit versions", err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, "Benefit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// CreateAssignment assigns a coverage layer to a member.
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	from, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "effective_from must be YYYY-MM-DD", nil)
		return
	}
	a := benefit.MemberCoverageLayer{
		MemberID:      benefit.MemberID(req.MemberID),
		Layer:         benefit.Layer(req.Layer),
		PlanID:        benefit.PlanID(req.PlanID),
		Precedence:    req.Precedence,
		EffectiveFrom: from,
	}
	if req.EffectiveTo != "" {
		to, err := time.Parse("2006-01-02", req.EffectiveTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "effective_to must be YYYY-MM-DD", nil)
			return
		}
		a.EffectiveTo = to
	}
	if err := h.Store.SaveAssignment(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"member_id": req.MemberID})
}

func toBenefit(req *CreateBenefitRequest) (*benefit.PlanBenefit, error) {
	if req.PlanID == "" || req.Code == "" {
		return nil, errors.New("plan_id and benefit_code are required")
	}
	from, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		return nil, errors.New("effective_from must be YYYY-MM-DD")
	}

	b := &benefit.PlanBenefit{
		PlanID:            benefit.PlanID(req.PlanID),
		Code:              benefit.BenefitCode(req.Code),
		Category:          req.Category,
		Coverage:          benefit.CoverageType(req.Coverage),
		Scope:             benefit.AccumScope(req.Scope),
		Applies:           benefit.LayerApplicability(req.Applies),
		IL:                req.IL.toTerms(),
		AC:                req.AC.toTerms(),
		SharedLimitGroup:  benefit.GroupCode(req.SharedLimitGroup),
		AllowExcessDraw:   req.AllowExcessDraw,
		Excess:            benefit.ExcessPolicy(req.Excess),
		BedUpgrade:        benefit.BedUpgradePolicy(req.BedUpgrade),
		NonMedical:        benefit.NonMedicalPolicy(req.NonMedical),
		WaitingPeriodDays: req.WaitingPeriodDays,
		ExcludedDiagnoses: req.ExcludedDiagnoses,
		EffectiveFrom:     from,
		Version:           req.Version,
	}
	if b.Coverage == "" {
		b.Coverage = benefit.Covered
	}
	if b.Scope == "" {
		b.Scope = benefit.ScopeMember
	}
	if b.Excess == "" {
		b.Excess = benefit.ExcessStandard
	}
	if b.BedUpgrade == "" {
		b.BedUpgrade = benefit.BedUpgradeToMember
	}
	if b.NonMedical == "" {
		b.NonMedical = benefit.NonMedicalDeny
	}
	if b.Version == 0 {
		b.Version = 1
	}
	for _, ch := range req.AllowedChannels {
		b.AllowedChannels = append(b.AllowedChannels, benefit.Channel(ch))
	}
	if req.EffectiveTo != "" {
		to, err := time.Parse("2006-01-02", req.EffectiveTo)
		if err != nil {
			return nil, errors.New("effective_to must be YYYY-MM-DD")
		}
		b.EffectiveTo = to
	}
	if b.Terms(benefit.LayerIL) == nil && b.Terms(benefit.LayerAC) == nil && b.Coverage == benefit.Covered {
		return nil, errors.New("a covered benefit needs terms for at least one applicable layer")
	}
	return b, nil
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
