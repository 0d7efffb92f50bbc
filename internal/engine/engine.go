// Package engine implements the custody-and-settlement core: the challenge
// lifecycle state machine, the participant ledger, escrow custody and the
// reward distribution algorithm. Every operation runs inside exactly one
// Postgres transaction; either all of its writes commit or none do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type Config struct {
	Logger    *slog.Logger
	Pool      *pgxpool.Pool
	Clock     clockwork.Clock
	ProgramID solana.PublicKey
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log       *slog.Logger
	pool      *pgxpool.Pool
	clock     clockwork.Clock
	programID solana.PublicKey
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:       cfg.Logger,
		pool:      cfg.Pool,
		clock:     cfg.Clock,
		programID: cfg.ProgramID,
	}, nil
}

// ProgramID returns the program identity all addresses are derived under.
func (e *Engine) ProgramID() solana.PublicKey {
	return e.programID
}

// inTx runs fn inside a single transaction. Row locks taken by fn serialize
// concurrent operations on the same challenge; operations touching disjoint
// rows proceed in parallel.
func (e *Engine) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockChallenge reads a challenge row under FOR UPDATE, serializing every
// mutating operation that touches the same challenge.
func lockChallenge(ctx context.Context, tx pgx.Tx, id uint64) (*Challenge, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, address, creator, verifier, entry_fee, doom_threshold_minutes,
		       start_time, end_time, participant_count, status, bump, created_at
		FROM challenges
		WHERE id = $1
		FOR UPDATE
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*Challenge, error) {
	var (
		c                 Challenge
		id                int64
		address           string
		creator, verifier string
		entryFee          int64
		doomThreshold     int64
		count             int32
		status            int16
		bump              int16
	)
	err := row.Scan(&id, &address, &creator, &verifier, &entryFee, &doomThreshold,
		&c.StartTime, &c.EndTime, &count, &status, &bump, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.ID = uint64(id)
	c.EntryFee = uint64(entryFee)
	c.DoomThresholdMinutes = uint64(doomThreshold)
	c.ParticipantCount = uint32(count)
	c.Status = Status(status)
	c.Bump = uint8(bump)

	if c.Address, err = solana.PublicKeyFromBase58(address); err != nil {
		return nil, fmt.Errorf("failed to parse challenge address %q: %w", address, err)
	}
	if c.Creator, err = solana.PublicKeyFromBase58(creator); err != nil {
		return nil, fmt.Errorf("failed to parse creator %q: %w", creator, err)
	}
	if c.Verifier, err = solana.PublicKeyFromBase58(verifier); err != nil {
		return nil, fmt.Errorf("failed to parse verifier %q: %w", verifier, err)
	}
	return &c, nil
}

func scanParticipant(row rowScanner) (*Participant, error) {
	var (
		p                   Participant
		address             string
		challengeID         int64
		challengeAddr, user string
		deposited           int64
		bump                int16
	)
	err := row.Scan(&address, &challengeID, &challengeAddr, &user, &deposited,
		&p.JoinedAt, &p.Disqualified, &bump)
	if err != nil {
		return nil, err
	}

	p.ChallengeID = uint64(challengeID)
	p.Deposited = uint64(deposited)
	p.Bump = uint8(bump)

	if p.Address, err = solana.PublicKeyFromBase58(address); err != nil {
		return nil, fmt.Errorf("failed to parse participant address %q: %w", address, err)
	}
	if p.Challenge, err = solana.PublicKeyFromBase58(challengeAddr); err != nil {
		return nil, fmt.Errorf("failed to parse participant challenge %q: %w", challengeAddr, err)
	}
	if p.User, err = solana.PublicKeyFromBase58(user); err != nil {
		return nil, fmt.Errorf("failed to parse participant user %q: %w", user, err)
	}
	return &p, nil
}
