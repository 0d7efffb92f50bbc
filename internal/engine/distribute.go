package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doomscroll/stakepool/internal/keys"
	"github.com/doomscroll/stakepool/internal/metrics"
)

// Distribute validates a verifier-supplied winner list against the ledger,
// computes per-winner shares and pays them out of escrow, then moves the
// challenge to its terminal Distributed state. The whole batch is
// all-or-nothing: a failure on any winner rolls back every transfer.
//
// The pool is recomputed as participant_count x entry_fee rather than read
// from a running total; both inputs are immutable after their respective
// writes, so the product cannot drift. Disqualified participants still count
// toward the pool — their deposit is real and stays in escrow — they are only
// barred from receiving a share.
//
// share = total_pool / len(winners), integer division. The remainder stays in
// escrow and is recorded on the distribution row.
func (e *Engine) Distribute(ctx context.Context, challengeID uint64, caller solana.PublicKey, winners []Winner) (*Distribution, error) {
	var dist *Distribution
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		c, err := lockChallenge(ctx, tx, challengeID)
		if err != nil {
			return err
		}

		// Preconditions, first failure wins. Distribution is single-shot:
		// a Distributed challenge fails the status check here.
		if c.Status != StatusEnded {
			return ErrChallengeNotEnded
		}
		if !caller.Equals(c.Verifier) {
			return ErrUnauthorized
		}
		if len(winners) == 0 {
			return ErrNoWinnersProvided
		}
		if err := validateWinnerShape(winners); err != nil {
			return err
		}

		totalPool, err := checkedMul(uint64(c.ParticipantCount), c.EntryFee)
		if err != nil {
			return err
		}

		winnerCount := uint64(len(winners))
		if winnerCount == 0 {
			return ErrDivideByZero
		}
		share := totalPool / winnerCount

		escrowAddr, _, err := keys.Escrow(e.programID, c.Address)
		if err != nil {
			return err
		}
		balance, err := lockEscrowBalance(ctx, tx, escrowAddr)
		if err != nil {
			return err
		}

		distID := uuid.New()
		now := e.clock.Now().UTC()
		remainder := totalPool - share*winnerCount

		// The distribution row is written before the payouts so the audit
		// transfers can reference it; it only survives if every payout does.
		_, err = tx.Exec(ctx, `
			INSERT INTO distributions (id, challenge_id, total_pool, share,
				remainder, winner_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, distID, int64(c.ID), int64(totalPool), int64(share), int64(remainder),
			len(winners), now)
		if err != nil {
			return fmt.Errorf("failed to record distribution: %w", err)
		}

		// Winners are paid in caller-supplied order. Order has no effect on
		// correctness, only on the sequence of audit rows.
		for _, w := range winners {
			p, err := resolveParticipant(ctx, tx, w.Participant)
			if err != nil {
				return err
			}
			if !p.Challenge.Equals(c.Address) {
				return ErrParticipantMismatch
			}
			if p.Deposited == 0 {
				return ErrNoDepositForParticipant
			}
			if p.Disqualified {
				return ErrParticipantDisqualified
			}
			if !w.Destination.Equals(p.User) {
				return ErrParticipantMismatch
			}

			if balance < share {
				return ErrInsufficientEscrowFunds
			}
			balance -= share

			if err := payOut(ctx, tx, escrowAddr, w.Destination, share, distID, now); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE challenges SET status = $1 WHERE id = $2
		`, int16(StatusDistributed), int64(c.ID))
		if err != nil {
			return fmt.Errorf("failed to mark challenge distributed: %w", err)
		}

		dist = &Distribution{
			ID:          distID,
			ChallengeID: c.ID,
			TotalPool:   totalPool,
			Share:       share,
			Remainder:   remainder,
			WinnerCount: len(winners),
			CreatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DistributionsTotal.Inc()
	metrics.EscrowPaidOutTotal.Add(float64(dist.Share) * float64(dist.WinnerCount))
	e.log.Info("engine: rewards distributed",
		"challenge_id", dist.ChallengeID,
		"winners", dist.WinnerCount,
		"total_pool", dist.TotalPool,
		"share", dist.Share,
		"remainder", dist.Remainder)
	return dist, nil
}

// validateWinnerShape rejects malformed entries before any ledger access:
// every winner needs both a participant reference and a destination, and the
// same participant may appear only once.
func validateWinnerShape(winners []Winner) error {
	seen := make(map[solana.PublicKey]struct{}, len(winners))
	for _, w := range winners {
		if w.Participant.IsZero() || w.Destination.IsZero() {
			return ErrInvalidWinnersAccounts
		}
		if _, dup := seen[w.Participant]; dup {
			return ErrDuplicateWinner
		}
		seen[w.Participant] = struct{}{}
	}
	return nil
}

// resolveParticipant reads the ledger record a winner entry points at.
func resolveParticipant(ctx context.Context, tx pgx.Tx, addr solana.PublicKey) (*Participant, error) {
	row := tx.QueryRow(ctx, `
		SELECT p.address, p.challenge_id, c.address, p.user_key, p.deposited,
		       p.joined_at, p.disqualified, p.bump
		FROM participants p
		JOIN challenges c ON c.id = p.challenge_id
		WHERE p.address = $1
	`, addr.String())

	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to resolve participant %s: %w", addr, err)
	}
	return p, nil
}

// lockEscrowBalance reads the escrow balance under FOR UPDATE. A challenge
// nobody deposited into has no escrow row; that is a zero balance, not an
// error.
func lockEscrowBalance(ctx context.Context, tx pgx.Tx, escrow solana.PublicKey) (uint64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM escrow_accounts WHERE address = $1 FOR UPDATE
	`, escrow.String()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	return uint64(balance), nil
}

// payOut debits the escrow and appends the audit transfer row for one winner.
// The CHECK (balance >= 0) constraint backstops the in-transaction balance
// accounting.
func payOut(ctx context.Context, tx pgx.Tx, escrow, destination solana.PublicKey, amount uint64, distID uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrow_accounts SET balance = balance - $1 WHERE address = $2
	`, int64(amount), escrow.String())
	if err != nil {
		return fmt.Errorf("failed to debit escrow: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_transfers (id, escrow_address, direction, counterparty,
			amount, distribution_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), escrow.String(), int16(TransferPayout), destination.String(),
		int64(amount), distID, now)
	if err != nil {
		return fmt.Errorf("failed to record escrow payout: %w", err)
	}
	return nil
}

func checkedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/a != b || product > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return product, nil
}
