package engine

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
)

// End transitions a challenge from Active to Ended. Only the creator or the
// verifier may end a challenge; no time-window check is performed, so an
// authorized party can end early or late.
func (e *Engine) End(ctx context.Context, challengeID uint64, caller solana.PublicKey) error {
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		c, err := lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			return ErrChallengeNotActive
		}
		if !caller.Equals(c.Creator) && !caller.Equals(c.Verifier) {
			return ErrUnauthorized
		}

		_, err = tx.Exec(ctx, `
			UPDATE challenges SET status = $1 WHERE id = $2
		`, int16(StatusEnded), int64(c.ID))
		if err != nil {
			return fmt.Errorf("failed to end challenge %d: %w", c.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: challenge ended", "challenge_id", challengeID, "caller", caller.String())
	return nil
}

// Disqualify marks a participant as disqualified, barring them from any
// payout. Verifier-only; rejected once the challenge is Distributed since the
// flag can no longer influence anything. The deposit stays in escrow and the
// participant still counts toward the pool.
func (e *Engine) Disqualify(ctx context.Context, challengeID uint64, caller, user solana.PublicKey) error {
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		c, err := lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if c.Status == StatusDistributed {
			return ErrChallengeDistributed
		}
		if !caller.Equals(c.Verifier) {
			return ErrUnauthorized
		}

		tag, err := tx.Exec(ctx, `
			UPDATE participants SET disqualified = true
			WHERE challenge_id = $1 AND user_key = $2
		`, int64(c.ID), user.String())
		if err != nil {
			return fmt.Errorf("failed to disqualify participant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrParticipantNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("engine: participant disqualified", "challenge_id", challengeID, "user", user.String())
	return nil
}
