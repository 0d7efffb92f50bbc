package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/doomscroll/stakepool/internal/engine"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeEngineError maps engine sentinels to HTTP status codes. Every error
// keeps its taxonomy code in the body so callers can distinguish the kind.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrChallengeNotFound),
		errors.Is(err, engine.ErrParticipantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrNoWinnersProvided),
		errors.Is(err, engine.ErrInvalidWinnersAccounts),
		errors.Is(err, engine.ErrDuplicateWinner):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrChallengeNotActive),
		errors.Is(err, engine.ErrChallengeNotEnded),
		errors.Is(err, engine.ErrChallengeAlreadyStarted),
		errors.Is(err, engine.ErrChallengeDistributed),
		errors.Is(err, engine.ErrAlreadyJoined):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrOverflow),
		errors.Is(err, engine.ErrDivideByZero),
		errors.Is(err, engine.ErrParticipantMismatch),
		errors.Is(err, engine.ErrNoDepositForParticipant),
		errors.Is(err, engine.ErrParticipantDisqualified),
		errors.Is(err, engine.ErrInsufficientEscrowFunds):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.log.Error("handler: internal error", "path", r.URL.Path, "error", err)
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, engine.Code(err), err.Error())
}

func challengeIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid challenge id %q", raw)
	}
	return id, nil
}

// createChallengeRequest mirrors the on-ledger create instruction: times are
// unix seconds, identities are base58 keys.
type createChallengeRequest struct {
	Creator              solana.PublicKey `json:"creator"`
	Verifier             solana.PublicKey `json:"verifier"`
	EntryFee             uint64           `json:"entry_fee"`
	DoomThresholdMinutes uint64           `json:"doom_threshold_minutes"`
	StartTime            int64            `json:"start_time"`
	EndTime              int64            `json:"end_time"`
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The ledger core leaves the fee check to callers; this is the caller.
	if req.EntryFee == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry_fee must be greater than zero")
		return
	}
	if req.EndTime <= req.StartTime {
		writeError(w, http.StatusBadRequest, "invalid_request", "end_time must be after start_time")
		return
	}

	c, err := s.engine.CreateChallenge(r.Context(), engine.CreateParams{
		Creator:              req.Creator,
		Verifier:             req.Verifier,
		EntryFee:             req.EntryFee,
		DoomThresholdMinutes: req.DoomThresholdMinutes,
		StartTime:            time.Unix(req.StartTime, 0).UTC(),
		EndTime:              time.Unix(req.EndTime, 0).UTC(),
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

type joinChallengeRequest struct {
	Depositor solana.PublicKey `json:"depositor"`
}

func (s *Server) handleJoinChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_challenge_id", err.Error())
		return
	}

	var req joinChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Depositor.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "depositor is required")
		return
	}

	p, err := s.engine.Join(r.Context(), id, req.Depositor)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

type endChallengeRequest struct {
	Caller solana.PublicKey `json:"caller"`
}

func (s *Server) handleEndChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_challenge_id", err.Error())
		return
	}

	var req endChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Caller.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "caller is required")
		return
	}

	if err := s.engine.End(r.Context(), id, req.Caller); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type disqualifyRequest struct {
	Caller solana.PublicKey `json:"caller"`
	User   solana.PublicKey `json:"user"`
}

func (s *Server) handleDisqualify(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_challenge_id", err.Error())
		return
	}

	var req disqualifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Caller.IsZero() || req.User.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "caller and user are required")
		return
	}

	if err := s.engine.Disqualify(r.Context(), id, req.Caller, req.User); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type distributeRequest struct {
	Caller  solana.PublicKey `json:"caller"`
	Winners []engine.Winner  `json:"winners"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_challenge_id", err.Error())
		return
	}

	var req distributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Caller.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "caller is required")
		return
	}

	dist, err := s.engine.Distribute(r.Context(), id, req.Caller, req.Winners)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dist)
}

// challengeListResponse is the response for listing challenges.
type challengeListResponse struct {
	Challenges []engine.Challenge `json:"challenges"`
	Total      int                `json:"total"`
	HasMore    bool               `json:"has_more"`
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	params := engine.ListParams{}

	if raw := r.URL.Query().Get("status"); raw != "" {
		var status engine.Status
		switch raw {
		case "active":
			status = engine.StatusActive
		case "ended":
			status = engine.StatusEnded
		case "distributed":
			status = engine.StatusDistributed
		default:
			writeError(w, http.StatusBadRequest, "invalid_request",
				"status must be 'active', 'ended' or 'distributed'")
			return
		}
		params.Status = &status
	}
	params.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	params.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	challenges, total, err := s.engine.ListChallenges(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, challengeListResponse{
		Challenges: challenges,
		Total:      total,
		HasMore:    params.Offset+len(challenges) < total,
	})
}

// challengeDetailResponse is the response for a single challenge.
type challengeDetailResponse struct {
	Challenge    *engine.Challenge    `json:"challenge"`
	Participants []engine.Participant `json:"participants"`
	Distribution *engine.Distribution `json:"distribution,omitempty"`
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_challenge_id", err.Error())
		return
	}

	c, err := s.engine.GetChallenge(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	participants, err := s.engine.ListParticipants(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	dist, err := s.engine.GetDistribution(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, challengeDetailResponse{
		Challenge:    c,
		Participants: participants,
		Distribution: dist,
	})
}

// escrowResponse is the response for an escrow account with its history.
type escrowResponse struct {
	Escrow    *engine.Escrow    `json:"escrow"`
	Transfers []engine.Transfer `json:"transfers"`
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := challengeIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_challenge_id", err.Error())
		return
	}

	escrow, transfers, err := s.engine.GetEscrow(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, escrowResponse{Escrow: escrow, Transfers: transfers})
}
