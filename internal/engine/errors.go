package engine

import "errors"

// Operation errors, surfaced verbatim to callers. The first failing check
// aborts the whole operation; nothing is retried and nothing is partially
// applied.
var (
	// State errors: wrong lifecycle phase for the requested operation.
	ErrChallengeNotActive      = errors.New("challenge is not active")
	ErrChallengeNotEnded       = errors.New("challenge is not ended")
	ErrChallengeAlreadyStarted = errors.New("challenge already started")
	ErrChallengeDistributed    = errors.New("challenge already distributed")

	// Authorization errors.
	ErrUnauthorized = errors.New("unauthorized")

	// Arithmetic errors.
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrDivideByZero = errors.New("divide by zero")

	// Data-integrity errors: caller-supplied winner data fails validation
	// against the ledger.
	ErrParticipantMismatch     = errors.New("participant does not belong to challenge")
	ErrNoDepositForParticipant = errors.New("participant has no deposit")
	ErrParticipantDisqualified = errors.New("participant is disqualified")
	ErrParticipantNotFound     = errors.New("participant account not found")
	ErrInvalidWinnersAccounts  = errors.New("invalid winners accounts provided")
	ErrDuplicateWinner         = errors.New("duplicate winner provided")
	ErrInsufficientEscrowFunds = errors.New("insufficient escrow funds")

	// Input errors.
	ErrNoWinnersProvided = errors.New("no winners provided")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrAlreadyJoined     = errors.New("already joined challenge")
)

// codes maps each sentinel to a stable machine-readable code for API
// responses and log fields.
var codes = map[error]string{
	ErrChallengeNotActive:      "challenge_not_active",
	ErrChallengeNotEnded:       "challenge_not_ended",
	ErrChallengeAlreadyStarted: "challenge_already_started",
	ErrChallengeDistributed:    "challenge_distributed",
	ErrUnauthorized:            "unauthorized",
	ErrOverflow:                "overflow",
	ErrDivideByZero:            "divide_by_zero",
	ErrParticipantMismatch:     "participant_mismatch",
	ErrNoDepositForParticipant: "no_deposit_for_participant",
	ErrParticipantDisqualified: "participant_disqualified",
	ErrParticipantNotFound:     "participant_not_found",
	ErrInvalidWinnersAccounts:  "invalid_winners_accounts",
	ErrDuplicateWinner:         "duplicate_winner",
	ErrInsufficientEscrowFunds: "insufficient_escrow_funds",
	ErrNoWinnersProvided:       "no_winners_provided",
	ErrChallengeNotFound:       "challenge_not_found",
	ErrAlreadyJoined:           "already_joined",
}

// Code returns the stable code for a sentinel error, or "internal" for
// anything else.
func Code(err error) string {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}
