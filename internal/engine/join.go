package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/doomscroll/stakepool/internal/keys"
	"github.com/doomscroll/stakepool/internal/metrics"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// Join registers a depositor on an Active challenge and moves the entry fee
// into the challenge's escrow. The ledger write, the escrow credit and the
// participant-count increment are one atomic unit: a rejected join leaves the
// escrow balance untouched.
//
// Joining closes once the challenge window opens: even while the status is
// still Active, a join at or after start_time fails with
// ErrChallengeAlreadyStarted.
func (e *Engine) Join(ctx context.Context, challengeID uint64, depositor solana.PublicKey) (*Participant, error) {
	if depositor.IsZero() {
		return nil, errors.New("depositor is required")
	}

	var joined *Participant
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		c, err := lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}
		if c.Status != StatusActive {
			return ErrChallengeNotActive
		}

		now := e.clock.Now().UTC()
		if !now.Before(c.StartTime) {
			return ErrChallengeAlreadyStarted
		}

		participantAddr, participantBump, err := keys.Participant(e.programID, c.Address, depositor)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO participants (address, challenge_id, user_key, deposited,
				joined_at, disqualified, bump)
			VALUES ($1, $2, $3, $4, $5, false, $6)
		`, participantAddr.String(), int64(c.ID), depositor.String(),
			int64(c.EntryFee), now, int16(participantBump))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrAlreadyJoined
			}
			return fmt.Errorf("failed to insert participant: %w", err)
		}

		if err := e.creditEscrow(ctx, tx, c, depositor, c.EntryFee); err != nil {
			return err
		}

		// participant_count is persisted as a signed 32-bit integer.
		if c.ParticipantCount == math.MaxInt32 {
			return ErrOverflow
		}
		_, err = tx.Exec(ctx, `
			UPDATE challenges SET participant_count = participant_count + 1 WHERE id = $1
		`, int64(c.ID))
		if err != nil {
			return fmt.Errorf("failed to increment participant count: %w", err)
		}

		joined = &Participant{
			Address:      participantAddr,
			ChallengeID:  c.ID,
			Challenge:    c.Address,
			User:         depositor,
			Deposited:    c.EntryFee,
			JoinedAt:     now,
			Disqualified: false,
			Bump:         participantBump,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.JoinsTotal.Inc()
	metrics.EscrowDepositedTotal.Add(float64(joined.Deposited))
	e.log.Info("engine: participant joined",
		"challenge_id", joined.ChallengeID,
		"user", joined.User.String(),
		"deposited", joined.Deposited)
	return joined, nil
}

// creditEscrow creates the escrow account on first deposit and credits it,
// appending an audit transfer row. The balance is read under FOR UPDATE so
// the checked addition cannot race.
func (e *Engine) creditEscrow(ctx context.Context, tx pgx.Tx, c *Challenge, from solana.PublicKey, amount uint64) error {
	escrowAddr, escrowBump, err := keys.Escrow(e.programID, c.Address)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_accounts (address, challenge_id, balance, bump)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (address) DO NOTHING
	`, escrowAddr.String(), int64(c.ID), int16(escrowBump))
	if err != nil {
		return fmt.Errorf("failed to initialize escrow account: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT balance FROM escrow_accounts WHERE address = $1 FOR UPDATE
	`, escrowAddr.String()).Scan(&balance)
	if err != nil {
		return fmt.Errorf("failed to read escrow balance: %w", err)
	}

	if uint64(balance) > math.MaxInt64-amount {
		return ErrOverflow
	}

	_, err = tx.Exec(ctx, `
		UPDATE escrow_accounts SET balance = balance + $1 WHERE address = $2
	`, int64(amount), escrowAddr.String())
	if err != nil {
		return fmt.Errorf("failed to credit escrow: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_transfers (id, escrow_address, direction, counterparty,
			amount, distribution_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)
	`, uuid.New(), escrowAddr.String(), int16(TransferDeposit), from.String(),
		int64(amount), e.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record escrow deposit: %w", err)
	}

	return nil
}
