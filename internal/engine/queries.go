package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doomscroll/stakepool/internal/keys"
)

const challengeColumns = `id, address, creator, verifier, entry_fee,
	doom_threshold_minutes, start_time, end_time, participant_count, status,
	bump, created_at`

// GetChallenge returns a challenge by id.
func (e *Engine) GetChallenge(ctx context.Context, id uint64) (*Challenge, error) {
	row := e.pool.QueryRow(ctx, `
		SELECT `+challengeColumns+` FROM challenges WHERE id = $1
	`, int64(id))

	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to read challenge %d: %w", id, err)
	}
	return c, nil
}

// ListParams filters and pages a challenge listing.
type ListParams struct {
	Status *Status
	Limit  int
	Offset int
}

// ListChallenges returns a page of challenges, newest first, plus the total
// count for the filter.
func (e *Engine) ListChallenges(ctx context.Context, p ListParams) ([]Challenge, int, error) {
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	statusFilter := ""
	args := []any{}
	if p.Status != nil {
		statusFilter = "WHERE status = $1"
		args = append(args, int16(*p.Status))
	}

	var total int
	err := e.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM challenges %s`, statusFilter), args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count challenges: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM challenges %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, challengeColumns, statusFilter, len(args)+1, len(args)+2)
	args = append(args, p.Limit, p.Offset)

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	challenges := []Challenge{}
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan challenge: %w", err)
		}
		challenges = append(challenges, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate challenges: %w", err)
	}
	return challenges, total, nil
}

// ListParticipants returns every ledger record of a challenge in join order.
func (e *Engine) ListParticipants(ctx context.Context, challengeID uint64) ([]Participant, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT p.address, p.challenge_id, c.address, p.user_key, p.deposited,
		       p.joined_at, p.disqualified, p.bump
		FROM participants p
		JOIN challenges c ON c.id = p.challenge_id
		WHERE p.challenge_id = $1
		ORDER BY p.joined_at ASC, p.address ASC
	`, int64(challengeID))
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	participants := []Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// GetEscrow returns the escrow account of a challenge with its full transfer
// history. For a challenge with no deposits yet, the derived address is
// returned with a zero balance.
func (e *Engine) GetEscrow(ctx context.Context, challengeID uint64) (*Escrow, []Transfer, error) {
	c, err := e.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, nil, err
	}

	escrowAddr, escrowBump, err := keys.Escrow(e.programID, c.Address)
	if err != nil {
		return nil, nil, err
	}

	escrow := &Escrow{
		Address:     escrowAddr,
		ChallengeID: c.ID,
		Balance:     0,
		Bump:        escrowBump,
	}

	var balance int64
	err = e.pool.QueryRow(ctx, `
		SELECT balance FROM escrow_accounts WHERE address = $1
	`, escrowAddr.String()).Scan(&balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to read escrow balance: %w", err)
	}
	escrow.Balance = uint64(balance)

	rows, err := e.pool.Query(ctx, `
		SELECT id, escrow_address, direction, counterparty, amount,
		       distribution_id, created_at
		FROM escrow_transfers
		WHERE escrow_address = $1
		ORDER BY created_at ASC, id ASC
	`, escrowAddr.String())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list escrow transfers: %w", err)
	}
	defer rows.Close()

	transfers := []Transfer{}
	for rows.Next() {
		var (
			t            Transfer
			escrowStr    string
			direction    int16
			counterparty string
			amount       int64
			distID       *uuid.UUID
			createdAt    time.Time
		)
		if err := rows.Scan(&t.ID, &escrowStr, &direction, &counterparty, &amount, &distID, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan escrow transfer: %w", err)
		}
		t.Direction = TransferDirection(direction)
		t.Amount = uint64(amount)
		t.DistributionID = distID
		t.CreatedAt = createdAt
		if t.Escrow, err = solana.PublicKeyFromBase58(escrowStr); err != nil {
			return nil, nil, fmt.Errorf("failed to parse escrow address %q: %w", escrowStr, err)
		}
		if t.Counterparty, err = solana.PublicKeyFromBase58(counterparty); err != nil {
			return nil, nil, fmt.Errorf("failed to parse counterparty %q: %w", counterparty, err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate escrow transfers: %w", err)
	}
	return escrow, transfers, nil
}

// ExpiredChallenges returns Active challenges whose end_time has passed and
// whose verifier matches, for the sweeper. Challenges answering to another
// verifier are left out; the caller could not end them anyway.
func (e *Engine) ExpiredChallenges(ctx context.Context, now time.Time, verifier solana.PublicKey) ([]Challenge, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT `+challengeColumns+` FROM challenges
		WHERE status = $1 AND end_time < $2 AND verifier = $3
		ORDER BY id ASC
	`, int16(StatusActive), now.UTC(), verifier.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired challenges: %w", err)
	}
	defer rows.Close()

	challenges := []Challenge{}
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		challenges = append(challenges, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired challenges: %w", err)
	}
	return challenges, nil
}

// GetDistribution returns the distribution record of a challenge, if any.
func (e *Engine) GetDistribution(ctx context.Context, challengeID uint64) (*Distribution, error) {
	var (
		d                Distribution
		id               int64
		pool, share, rem int64
	)
	err := e.pool.QueryRow(ctx, `
		SELECT id, challenge_id, total_pool, share, remainder, winner_count, created_at
		FROM distributions
		WHERE challenge_id = $1
	`, int64(challengeID)).Scan(&d.ID, &id, &pool, &share, &rem, &d.WinnerCount, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read distribution: %w", err)
	}
	d.ChallengeID = uint64(id)
	d.TotalPool = uint64(pool)
	d.Share = uint64(share)
	d.Remainder = uint64(rem)
	return &d, nil
}
