package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"github.com/doomscroll/stakepool/internal/keys"
	"github.com/doomscroll/stakepool/internal/metrics"
)

// CreateParams are the immutable parameters of a new challenge.
type CreateParams struct {
	Creator              solana.PublicKey
	Verifier             solana.PublicKey
	EntryFee             uint64
	DoomThresholdMinutes uint64
	StartTime            time.Time
	EndTime              time.Time
}

func (p *CreateParams) Validate() error {
	if p.Creator.IsZero() {
		return errors.New("creator is required")
	}
	if p.Verifier.IsZero() {
		return errors.New("verifier is required")
	}
	if !p.EndTime.After(p.StartTime) {
		return errors.New("end time must be after start time")
	}
	// Amounts are persisted as bigint; values past the signed range cannot
	// round-trip through the ledger.
	if p.EntryFee > math.MaxInt64 {
		return errors.New("entry fee out of range")
	}
	return nil
}

// CreateChallenge allocates the next sequence id from the global counter,
// derives the challenge address and persists the new challenge in Active
// state. The counter increment and the insert commit together or not at all,
// so no two challenges can ever claim the same id.
func (e *Engine) CreateChallenge(ctx context.Context, p CreateParams) (*Challenge, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var created *Challenge
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		id, err := nextChallengeID(ctx, tx)
		if err != nil {
			return err
		}

		addr, bump, err := keys.Challenge(e.programID, p.Creator, id)
		if err != nil {
			return err
		}

		now := e.clock.Now().UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO challenges (id, address, creator, verifier, entry_fee,
				doom_threshold_minutes, start_time, end_time, participant_count,
				status, bump, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)
		`, int64(id), addr.String(), p.Creator.String(), p.Verifier.String(),
			int64(p.EntryFee), int64(p.DoomThresholdMinutes),
			p.StartTime.UTC(), p.EndTime.UTC(), int16(StatusActive), int16(bump), now)
		if err != nil {
			return fmt.Errorf("failed to insert challenge %d: %w", id, err)
		}

		created = &Challenge{
			ID:                   id,
			Address:              addr,
			Creator:              p.Creator,
			Verifier:             p.Verifier,
			EntryFee:             p.EntryFee,
			DoomThresholdMinutes: p.DoomThresholdMinutes,
			StartTime:            p.StartTime.UTC(),
			EndTime:              p.EndTime.UTC(),
			ParticipantCount:     0,
			Status:               StatusActive,
			Bump:                 bump,
			CreatedAt:            now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesCreatedTotal.Inc()
	e.log.Info("engine: challenge created",
		"id", created.ID,
		"address", created.Address.String(),
		"creator", created.Creator.String(),
		"entry_fee", created.EntryFee)
	return created, nil
}

// nextChallengeID returns the current counter value and advances it by one,
// holding the counter row lock until the surrounding transaction commits.
// The counter is initialized on first use and never decremented or reused.
func nextChallengeID(ctx context.Context, tx pgx.Tx) (uint64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO global_counter (id, challenge_count)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize global counter: %w", err)
	}

	var count int64
	err = tx.QueryRow(ctx, `
		SELECT challenge_count FROM global_counter WHERE id = 1 FOR UPDATE
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read global counter: %w", err)
	}

	if count == math.MaxInt64 {
		return 0, ErrOverflow
	}

	_, err = tx.Exec(ctx, `
		UPDATE global_counter SET challenge_count = challenge_count + 1 WHERE id = 1
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to advance global counter: %w", err)
	}

	return uint64(count), nil
}
