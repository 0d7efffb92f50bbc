package engine_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/doomscroll/stakepool/internal/engine"
	"github.com/doomscroll/stakepool/internal/keys"
	"github.com/doomscroll/stakepool/internal/testutil"
)

var testProgramID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

// testEpoch is the fake clock's starting point for every test.
var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	engine *engine.Engine
	pool   *pgxpool.Pool
	clock  *clockwork.FakeClock
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	pool := testutil.NewMigratedPool(t, testDB)
	testutil.ResetTables(t, pool)

	clock := clockwork.NewFakeClockAt(testEpoch)
	eng, err := engine.New(engine.Config{
		Logger:    testutil.NewLogger(),
		Pool:      pool,
		Clock:     clock,
		ProgramID: testProgramID,
	})
	require.NoError(t, err)

	return &testHarness{engine: eng, pool: pool, clock: clock}
}

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	wallet := solana.NewWallet()
	return wallet.PublicKey()
}

// createChallenge creates a challenge opening one hour from the fake now and
// closing a day later.
func (h *testHarness) createChallenge(t *testing.T, creator, verifier solana.PublicKey, entryFee uint64) *engine.Challenge {
	t.Helper()
	c, err := h.engine.CreateChallenge(t.Context(), engine.CreateParams{
		Creator:              creator,
		Verifier:             verifier,
		EntryFee:             entryFee,
		DoomThresholdMinutes: 120,
		StartTime:            h.clock.Now().Add(time.Hour),
		EndTime:              h.clock.Now().Add(25 * time.Hour),
	})
	require.NoError(t, err)
	return c
}

func (h *testHarness) escrowBalance(t *testing.T, c *engine.Challenge) uint64 {
	t.Helper()
	escrow, _, err := h.engine.GetEscrow(t.Context(), c.ID)
	require.NoError(t, err)
	return escrow.Balance
}

func (h *testHarness) participantAddr(t *testing.T, c *engine.Challenge, user solana.PublicKey) solana.PublicKey {
	t.Helper()
	addr, _, err := keys.Participant(testProgramID, c.Address, user)
	require.NoError(t, err)
	return addr
}

func TestCreateChallengeAssignsSequentialIDs(t *testing.T) {
	h := newTestHarness(t)
	creator, verifier := newKey(t), newKey(t)

	c0 := h.createChallenge(t, creator, verifier, 100)
	c1 := h.createChallenge(t, creator, verifier, 100)
	c2 := h.createChallenge(t, creator, verifier, 100)

	require.Equal(t, uint64(0), c0.ID)
	require.Equal(t, uint64(1), c1.ID)
	require.Equal(t, uint64(2), c2.ID)

	require.Equal(t, engine.StatusActive, c0.Status)
	require.Equal(t, uint32(0), c0.ParticipantCount)
	require.NotEqual(t, c0.Address, c1.Address)
}

func TestCreateChallengeRejectsInvertedWindow(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.engine.CreateChallenge(t.Context(), engine.CreateParams{
		Creator:   newKey(t),
		Verifier:  newKey(t),
		EntryFee:  100,
		StartTime: testEpoch.Add(2 * time.Hour),
		EndTime:   testEpoch.Add(time.Hour),
	})
	require.Error(t, err)
}

func TestJoinRecordsDepositAndCount(t *testing.T) {
	h := newTestHarness(t)
	c := h.createChallenge(t, newKey(t), newKey(t), 100)

	users := []solana.PublicKey{newKey(t), newKey(t), newKey(t)}
	for _, u := range users {
		p, err := h.engine.Join(t.Context(), c.ID, u)
		require.NoError(t, err)
		require.Equal(t, uint64(100), p.Deposited)
		require.False(t, p.Disqualified)
		require.Equal(t, c.Address, p.Challenge)
	}

	got, err := h.engine.GetChallenge(t.Context(), c.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(3), got.ParticipantCount)

	participants, err := h.engine.ListParticipants(t.Context(), c.ID)
	require.NoError(t, err)
	require.Len(t, participants, 3)

	require.Equal(t, uint64(300), h.escrowBalance(t, c))

	_, transfers, err := h.engine.GetEscrow(t.Context(), c.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 3)
	for _, tr := range transfers {
		require.Equal(t, engine.TransferDeposit, tr.Direction)
		require.Equal(t, uint64(100), tr.Amount)
	}
}

func TestJoinRejectsDuplicateWithoutDeposit(t *testing.T) {
	h := newTestHarness(t)
	c := h.createChallenge(t, newKey(t), newKey(t), 100)
	user := newKey(t)

	_, err := h.engine.Join(t.Context(), c.ID, user)
	require.NoError(t, err)

	_, err = h.engine.Join(t.Context(), c.ID, user)
	require.ErrorIs(t, err, engine.ErrAlreadyJoined)

	// The rejected join must leave the escrow and the count untouched.
	require.Equal(t, uint64(100), h.escrowBalance(t, c))
	got, err := h.engine.GetChallenge(t.Context(), c.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), got.ParticipantCount)
}

func TestJoinRejectsAfterStartEvenWhileActive(t *testing.T) {
	h := newTestHarness(t)
	c := h.createChallenge(t, newKey(t), newKey(t), 100)

	// Window opens one hour in; two hours later the challenge is still
	// Active but joining is closed.
	h.clock.Advance(2 * time.Hour)

	_, err := h.engine.Join(t.Context(), c.ID, newKey(t))
	require.ErrorIs(t, err, engine.ErrChallengeAlreadyStarted)

	got, err := h.engine.GetChallenge(t.Context(), c.ID)
	require.NoError(t, err)
	require.Equal(t, engine.StatusActive, got.Status)
	require.Equal(t, uint64(0), h.escrowBalance(t, c))
}

func TestJoinRejectsWhenNotActive(t *testing.T) {
	h := newTestHarness(t)
	creator, verifier := newKey(t), newKey(t)
	c := h.createChallenge(t, creator, verifier, 100)

	require.NoError(t, h.engine.End(t.Context(), c.ID, creator))

	_, err := h.engine.Join(t.Context(), c.ID, newKey(t))
	require.ErrorIs(t, err, engine.ErrChallengeNotActive)
}

func TestJoinRejectsSaturatedParticipantCount(t *testing.T) {
	h := newTestHarness(t)
	c := h.createChallenge(t, newKey(t), newKey(t), 100)

	// The count column is a signed 32-bit integer; push it to the edge
	// directly and verify the next join refuses rather than wrapping.
	_, err := h.pool.Exec(t.Context(), `
		UPDATE challenges SET participant_count = $1 WHERE id = $2
	`, int32(math.MaxInt32), int64(c.ID))
	require.NoError(t, err)

	_, err = h.engine.Join(t.Context(), c.ID, newKey(t))
	require.ErrorIs(t, err, engine.ErrOverflow)
}

func TestJoinUnknownChallenge(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.engine.Join(t.Context(), 404, newKey(t))
	require.ErrorIs(t, err, engine.ErrChallengeNotFound)
}

func TestEndAuthorization(t *testing.T) {
	h := newTestHarness(t)
	creator, verifier := newKey(t), newKey(t)

	tests := []struct {
		name    string
		caller  func() solana.PublicKey
		wantErr error
	}{
		{"creator may end", func() solana.PublicKey { return creator }, nil},
		{"verifier may end", func() solana.PublicKey { return verifier }, nil},
		{"stranger may not end", func() solana.PublicKey { return newKey(t) }, engine.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := h.createChallenge(t, creator, verifier, 100)
			err := h.engine.End(t.Context(), c.ID, tt.caller())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := h.engine.GetChallenge(t.Context(), c.ID)
			require.NoError(t, err)
			require.Equal(t, engine.StatusEnded, got.Status)
		})
	}
}

func TestEndIsNotRepeatable(t *testing.T) {
	h := newTestHarness(t)
	creator, verifier := newKey(t), newKey(t)
	c := h.createChallenge(t, creator, verifier, 100)

	require.NoError(t, h.engine.End(t.Context(), c.ID, creator))
	require.ErrorIs(t, h.engine.End(t.Context(), c.ID, verifier), engine.ErrChallengeNotActive)
}

func TestDisqualifyIsVerifierOnly(t *testing.T) {
	h := newTestHarness(t)
	creator, verifier := newKey(t), newKey(t)
	c := h.createChallenge(t, creator, verifier, 100)
	user := newKey(t)

	_, err := h.engine.Join(t.Context(), c.ID, user)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.Disqualify(t.Context(), c.ID, creator, user), engine.ErrUnauthorized)

	require.NoError(t, h.engine.Disqualify(t.Context(), c.ID, verifier, user))

	participants, err := h.engine.ListParticipants(t.Context(), c.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	require.True(t, participants[0].Disqualified)
}

func TestDisqualifyUnknownParticipant(t *testing.T) {
	h := newTestHarness(t)
	verifier := newKey(t)
	c := h.createChallenge(t, newKey(t), verifier, 100)

	err := h.engine.Disqualify(t.Context(), c.ID, verifier, newKey(t))
	require.ErrorIs(t, err, engine.ErrParticipantNotFound)
}

func TestConcurrentJoinsDoNotLoseUpdates(t *testing.T) {
	h := newTestHarness(t)
	c := h.createChallenge(t, newKey(t), newKey(t), 100)

	userA, userB := newKey(t), newKey(t)
	errCh := make(chan error, 2)
	for _, u := range []solana.PublicKey{userA, userB} {
		go func(u solana.PublicKey) {
			_, err := h.engine.Join(context.Background(), c.ID, u)
			errCh <- err
		}(u)
	}
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	got, err := h.engine.GetChallenge(t.Context(), c.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.ParticipantCount)
	require.Equal(t, uint64(200), h.escrowBalance(t, c))
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	h := newTestHarness(t)
	creator, verifier := newKey(t), newKey(t)

	const n = 5
	idCh := make(chan uint64, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			c, err := h.engine.CreateChallenge(context.Background(), engine.CreateParams{
				Creator:   creator,
				Verifier:  verifier,
				EntryFee:  100,
				StartTime: testEpoch.Add(time.Hour),
				EndTime:   testEpoch.Add(2 * time.Hour),
			})
			if err != nil {
				errCh <- err
				return
			}
			idCh <- c.ID
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			t.Fatalf("create failed: %v", err)
		case id := <-idCh:
			require.False(t, seen[id], "id %d assigned twice", id)
			seen[id] = true
		}
	}
	require.Len(t, seen, n)
}
