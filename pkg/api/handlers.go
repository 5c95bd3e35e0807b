package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
	"github.com/Artifex-Works/patron/core/pkg/engine"
)

const maxBodyBytes = 1 << 20 // 1MB

// Server exposes the amendment engine over HTTP.
type Server struct {
	engine        *engine.Engine
	webhookSecret string
}

// NewServer creates a server over an engine. webhookSecret guards the
// escrow confirmation webhook; empty disables the webhook entirely.
func NewServer(e *engine.Engine, webhookSecret string) *Server {
	return &Server{engine: e, webhookSecret: webhookSecret}
}

// Routes returns the route table. Auth, rate limiting and idempotency
// middleware wrap this at assembly time.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /contracts", s.handleCreateContract)
	mux.HandleFunc("GET /contracts/{id}", s.handleGetContract)
	mux.HandleFunc("GET /contracts/{id}/outcome-preview", s.handleOutcomePreview)
	mux.HandleFunc("GET /contracts/{id}/audit", s.handleAuditTrail)

	mux.HandleFunc("POST /contracts/{id}/cancellations", s.handleOpenCancellation)
	mux.HandleFunc("POST /cancellations/{id}/respond", s.handleRespondCancellation)
	mux.HandleFunc("POST /contracts/{id}/cancellation-proof", s.handleSubmitCancellationProof)

	mux.HandleFunc("POST /contracts/{id}/revisions", s.handleOpenRevision)
	mux.HandleFunc("POST /revisions/{id}/respond", s.handleRespondRevision)
	mux.HandleFunc("POST /revisions/{id}/pay", s.handlePayRevision)

	mux.HandleFunc("POST /contracts/{id}/changes", s.handleOpenChange)
	mux.HandleFunc("POST /changes/{id}/respond-artist", s.handleRespondChangeArtist)
	mux.HandleFunc("POST /changes/{id}/respond-client", s.handleRespondChangeClient)
	mux.HandleFunc("POST /changes/{id}/pay", s.handlePayChange)
	mux.HandleFunc("POST /changes/{id}/cancel", s.handleCancelChange)

	mux.HandleFunc("POST /contracts/{id}/resolutions", s.handleOpenResolution)
	mux.HandleFunc("POST /resolutions/{id}/counterproof", s.handleSubmitCounterproof)
	mux.HandleFunc("POST /resolutions/{id}/cancel", s.handleCancelResolution)
	mux.HandleFunc("POST /resolutions/{id}/resolve", s.handleResolveDispute)

	mux.HandleFunc("POST /contracts/{id}/milestones/{idx}/proof", s.handleSubmitMilestoneProof)
	mux.HandleFunc("POST /contracts/{id}/final-delivery", s.handleSubmitFinalDelivery)
	mux.HandleFunc("POST /proofs/{id}/review", s.handleReviewProof)

	mux.HandleFunc("POST /webhooks/escrow", s.handleEscrowWebhook)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := ActorID(r.Context())
	if actor == "" {
		WriteUnauthorized(w, "")
		return "", false
	}
	return actor, true
}

// --- contracts ---

type createContractRequest struct {
	ClientID          string              `json:"client_id"`
	ArtistID          string              `json:"artist_id"`
	Description       string              `json:"description"`
	TotalMinor        int64               `json:"total_minor"`
	Currency          string              `json:"currency"`
	FeePolicy         contracts.FeePolicy `json:"fee_policy"`
	MilestonePercents []int               `json:"milestone_percents,omitempty"`
	DeadlineAt        *time.Time          `json:"deadline_at,omitempty"`
	GraceHours        int                 `json:"grace_hours,omitempty"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createContractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if actor != req.ClientID && actor != req.ArtistID {
		WriteForbidden(w, "Contracts can only be created by one of their parties")
		return
	}
	in := engine.NewContractInput{
		ClientID:          req.ClientID,
		ArtistID:          req.ArtistID,
		Description:       req.Description,
		TotalMinor:        req.TotalMinor,
		Currency:          req.Currency,
		FeePolicy:         req.FeePolicy,
		MilestonePercents: req.MilestonePercents,
		GracePeriod:       time.Duration(req.GraceHours) * time.Hour,
	}
	if req.DeadlineAt != nil {
		in.DeadlineAt = *req.DeadlineAt
	}
	c, err := s.engine.CreateContract(r.Context(), in)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	c, err := s.engine.GetContract(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleOutcomePreview(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	requestedBy := contracts.Party(r.URL.Query().Get("requested_by"))
	if requestedBy != contracts.PartyClient && requestedBy != contracts.PartyArtist {
		WriteBadRequest(w, "requested_by must be 'client' or 'artist'")
		return
	}
	wp, err := strconv.Atoi(r.URL.Query().Get("work_progress"))
	if err != nil {
		WriteBadRequest(w, "work_progress must be an integer percentage")
		return
	}
	out, err := s.engine.PreviewCancellationOutcome(r.Context(), r.PathValue("id"), requestedBy, wp)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	entries := s.engine.Audit().ForContract(r.PathValue("id"))
	writeJSON(w, http.StatusOK, entries)
}

// --- cancellation ---

type reasonRequest struct {
	Reason string `json:"reason"`
}

type respondRequest struct {
	Decision string `json:"decision"` // "accept" | "reject"
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleOpenCancellation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.OpenCancellation(r.Context(), r.PathValue("id"), actor, req.Reason)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleRespondCancellation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.RespondCancellation(r.Context(), r.PathValue("id"), actor, engine.ResponseDecision(req.Decision), req.Reason)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type submitProofRequest struct {
	UploadRefs   []string `json:"upload_refs"`
	WorkProgress int      `json:"work_progress"`
}

func (s *Server) handleSubmitCancellationProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req submitProofRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.engine.SubmitCancellationProof(r.Context(), r.PathValue("id"), actor, req.UploadRefs, req.WorkProgress)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- revision ---

type openRevisionRequest struct {
	Description  string `json:"description"`
	MilestoneIdx *int   `json:"milestone_idx,omitempty"`
	PaidFee      int64  `json:"paid_fee,omitempty"`
}

func (s *Server) handleOpenRevision(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openRevisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.OpenRevision(r.Context(), r.PathValue("id"), actor, req.Description, req.MilestoneIdx, req.PaidFee)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleRespondRevision(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.RespondRevision(r.Context(), r.PathValue("id"), actor, engine.ResponseDecision(req.Decision), req.Reason)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePayRevision(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.engine.PayRevision(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- change ---

type openChangeRequest struct {
	Reason  string          `json:"reason"`
	Changes json.RawMessage `json:"changes"`
}

func (s *Server) handleOpenChange(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// Validate the change-set shape at the edge before decoding into
	// the typed form.
	var generic any
	if err := json.Unmarshal(req.Changes, &generic); err != nil {
		WriteBadRequest(w, "Invalid changes payload")
		return
	}
	if err := validateChangeSet(generic); err != nil {
		WriteBadRequest(w, "Changes payload rejected: "+err.Error())
		return
	}
	var cs contracts.ChangeSet
	if err := json.Unmarshal(req.Changes, &cs); err != nil {
		WriteBadRequest(w, "Invalid changes payload")
		return
	}

	t, err := s.engine.OpenChange(r.Context(), r.PathValue("id"), actor, req.Reason, cs)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type respondChangeArtistRequest struct {
	Response string `json:"response"` // "accept" | "propose" | "reject"
	PaidFee  int64  `json:"paid_fee,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRespondChangeArtist(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req respondChangeArtistRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.RespondChangeArtist(r.Context(), r.PathValue("id"), actor, engine.ArtistChangeResponse(req.Response), req.PaidFee, req.Reason)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRespondChangeClient(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.RespondChangeClient(r.Context(), r.PathValue("id"), actor, req.Reason)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePayChange(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.engine.PayChange(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelChange(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.engine.CancelChange(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- resolution ---

type openResolutionRequest struct {
	TargetType  string   `json:"target_type"` // "cancel" | "revision" | "final" | "milestone"
	TargetID    string   `json:"target_id"`
	Description string   `json:"description"`
	ProofImages []string `json:"proof_images,omitempty"`
}

func (s *Server) handleOpenResolution(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openResolutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.OpenResolution(r.Context(), r.PathValue("id"), actor,
		contracts.ResolutionTarget(req.TargetType), req.TargetID, req.Description, req.ProofImages)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type counterproofRequest struct {
	Description string   `json:"description"`
	ProofImages []string `json:"proof_images,omitempty"`
}

func (s *Server) handleSubmitCounterproof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req counterproofRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.SubmitCounterproof(r.Context(), r.PathValue("id"), actor, req.Description, req.ProofImages)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelResolution(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	t, err := s.engine.CancelResolution(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type resolveRequest struct {
	Decision string `json:"decision"` // "favorClient" | "favorArtist"
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if ActorRole(r.Context()) != "admin" {
		WriteForbidden(w, "Dispute resolution requires the admin role")
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.engine.ResolveDispute(r.Context(), r.PathValue("id"), actor, contracts.Decision(req.Decision), req.Note)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- proofs ---

type uploadRequest struct {
	UploadRefs []string `json:"upload_refs"`
}

func (s *Server) handleSubmitMilestoneProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		WriteBadRequest(w, "milestone index must be an integer")
		return
	}
	var req uploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.engine.SubmitMilestoneProof(r.Context(), r.PathValue("id"), actor, idx, req.UploadRefs)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleSubmitFinalDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req uploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.engine.SubmitFinalDelivery(r.Context(), r.PathValue("id"), actor, req.UploadRefs)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleReviewProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.engine.ReviewProof(r.Context(), r.PathValue("id"), actor, engine.ResponseDecision(req.Decision), req.Reason)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- webhooks ---

type escrowWebhookRequest struct {
	IntentID string `json:"intent_id"`
}

// handleEscrowWebhook receives the provider's charge confirmation. It
// authenticates by shared secret, and replies 200 even for unknown
// intents so providers stop retrying settled events.
func (s *Server) handleEscrowWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" {
		WriteNotFound(w, "Webhook endpoint not configured")
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.webhookSecret)) != 1 {
		WriteUnauthorized(w, "Invalid webhook secret")
		return
	}

	var req escrowWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IntentID == "" {
		WriteBadRequest(w, "intent_id is required")
		return
	}

	if err := s.engine.ConfirmCharge(r.Context(), req.IntentID); err != nil {
		switch engine.KindOf(err) {
		case engine.KindPreconditionFailed, engine.KindSchedulerSkip:
			// Unknown or already-confirmed intent: acknowledge so the
			// provider does not retry forever.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			WriteEngineError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}
