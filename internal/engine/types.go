package engine

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Status is the lifecycle phase of a challenge. Transitions are strictly
// forward: Active -> Ended -> Distributed.
type Status uint8

const (
	StatusActive Status = iota
	StatusEnded
	StatusDistributed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusDistributed:
		return "distributed"
	default:
		return "unknown"
	}
}

// Challenge is a time-boxed pooled-stake event. All fields except
// ParticipantCount and Status are immutable after creation.
type Challenge struct {
	ID                   uint64           `json:"id"`
	Address              solana.PublicKey `json:"address"`
	Creator              solana.PublicKey `json:"creator"`
	Verifier             solana.PublicKey `json:"verifier"`
	EntryFee             uint64           `json:"entry_fee"`
	DoomThresholdMinutes uint64           `json:"doom_threshold_minutes"`
	StartTime            time.Time        `json:"start_time"`
	EndTime              time.Time        `json:"end_time"`
	ParticipantCount     uint32           `json:"participant_count"`
	Status               Status           `json:"status"`
	Bump                 uint8            `json:"bump"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Participant is the ledger record for one (challenge, user) pair. Deposited
// is set once at join and never mutated; there is no partial withdrawal.
type Participant struct {
	Address      solana.PublicKey `json:"address"`
	ChallengeID  uint64           `json:"challenge_id"`
	Challenge    solana.PublicKey `json:"challenge"`
	User         solana.PublicKey `json:"user"`
	Deposited    uint64           `json:"deposited"`
	JoinedAt     time.Time        `json:"joined_at"`
	Disqualified bool             `json:"disqualified"`
	Bump         uint8            `json:"bump"`
}

// Escrow is the custodial fund account of a challenge, created lazily on the
// first deposit. The address carries no private key; only the engine's own
// derivation authorizes outgoing transfers.
type Escrow struct {
	Address     solana.PublicKey `json:"address"`
	ChallengeID uint64           `json:"challenge_id"`
	Balance     uint64           `json:"balance"`
	Bump        uint8            `json:"bump"`
}

// TransferDirection distinguishes deposits into escrow from payouts out of it.
type TransferDirection uint8

const (
	TransferDeposit TransferDirection = iota
	TransferPayout
)

func (d TransferDirection) String() string {
	if d == TransferPayout {
		return "payout"
	}
	return "deposit"
}

// Transfer is one append-only audit row per value movement through an escrow.
type Transfer struct {
	ID             uuid.UUID         `json:"id"`
	Escrow         solana.PublicKey  `json:"escrow"`
	Direction      TransferDirection `json:"direction"`
	Counterparty   solana.PublicKey  `json:"counterparty"`
	Amount         uint64            `json:"amount"`
	DistributionID *uuid.UUID        `json:"distribution_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Distribution records one successful reward distribution. The remainder of
// the integer share division stays in escrow and is recorded here so it is
// auditable; its disposition is an operator decision.
type Distribution struct {
	ID          uuid.UUID `json:"id"`
	ChallengeID uint64    `json:"challenge_id"`
	TotalPool   uint64    `json:"total_pool"`
	Share       uint64    `json:"share"`
	Remainder   uint64    `json:"remainder"`
	WinnerCount int       `json:"winner_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Winner is one entry of a caller-supplied winner list: the participant
// ledger record to validate and the destination the share is paid to. The
// destination must match the participant's user key.
type Winner struct {
	Participant solana.PublicKey `json:"participant"`
	Destination solana.PublicKey `json:"destination"`
}
