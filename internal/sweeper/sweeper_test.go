package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/doomscroll/stakepool/internal/engine"
	"github.com/doomscroll/stakepool/internal/metrics"
	"github.com/doomscroll/stakepool/internal/sweeper"
	"github.com/doomscroll/stakepool/internal/testutil"
)

var testProgramID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	engine   *engine.Engine
	clock    *clockwork.FakeClock
	verifier solana.PublicKey
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

	return &testHarness{
		engine:   eng,
		clock:    clock,
		verifier: solana.NewWallet().PublicKey(),
	}
}

func (h *testHarness) newSweeper(t *testing.T) *sweeper.Sweeper {
	t.Helper()
	s, err := sweeper.New(sweeper.Config{
		Logger:   testutil.NewLogger(),
		Clock:    h.clock,
		Engine:   h.engine,
		Verifier: h.verifier,
		Interval: time.Minute,
	})
	require.NoError(t, err)
	return s
}

func (h *testHarness) createChallenge(t *testing.T, verifier solana.PublicKey, window time.Duration) *engine.Challenge {
	t.Helper()
	c, err := h.engine.CreateChallenge(t.Context(), engine.CreateParams{
		Creator:              solana.NewWallet().PublicKey(),
		Verifier:             verifier,
		EntryFee:             100,
		DoomThresholdMinutes: 120,
		StartTime:            h.clock.Now().Add(time.Hour),
		EndTime:              h.clock.Now().Add(window),
	})
	require.NoError(t, err)
	return c
}

func (h *testHarness) status(t *testing.T, id uint64) engine.Status {
	t.Helper()
	c, err := h.engine.GetChallenge(t.Context(), id)
	require.NoError(t, err)
	return c.Status
}

// statusIs is safe to poll from require.Eventually's goroutine.
func (h *testHarness) statusIs(ctx context.Context, id uint64, want engine.Status) func() bool {
	return func() bool {
		c, err := h.engine.GetChallenge(ctx, id)
		return err == nil && c.Status == want
	}
}

func TestSweeperEndsExpiredChallenges(t *testing.T) {
	h := newTestHarness(t)

	expired := h.createChallenge(t, h.verifier, 25*time.Hour)
	fresh := h.createChallenge(t, h.verifier, 48*time.Hour)

	// Move past the first challenge's window before the sweeper starts; the
	// initial sweep should pick it up without waiting for a tick.
	h.clock.Advance(26 * time.Hour)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	s := h.newSweeper(t)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, h.statusIs(ctx, expired.ID, engine.StatusEnded),
		5*time.Second, 10*time.Millisecond)

	require.Equal(t, engine.StatusActive, h.status(t, fresh.ID))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop after context cancel")
	}
}

func TestSweeperIgnoresForeignVerifierChallenges(t *testing.T) {
	h := newTestHarness(t)

	// A challenge owned by a different verifier expires too, but this
	// sweeper's identity cannot end it, so it must not even be attempted.
	other := h.createChallenge(t, solana.NewWallet().PublicKey(), 25*time.Hour)
	ours := h.createChallenge(t, h.verifier, 25*time.Hour)

	h.clock.Advance(26 * time.Hour)
	errsBefore := promtestutil.ToFloat64(metrics.SweeperErrorsTotal)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	s := h.newSweeper(t)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, h.statusIs(ctx, ours.ID, engine.StatusEnded),
		5*time.Second, 10*time.Millisecond)

	require.Equal(t, engine.StatusActive, h.status(t, other.ID))
	require.Equal(t, errsBefore, promtestutil.ToFloat64(metrics.SweeperErrorsTotal))

	cancel()
	<-done
}

func TestSweeperConfigValidation(t *testing.T) {
	h := newTestHarness(t)

	_, err := sweeper.New(sweeper.Config{
		Logger:   testutil.NewLogger(),
		Engine:   h.engine,
		Interval: time.Minute,
	})
	require.ErrorContains(t, err, "verifier")

	_, err = sweeper.New(sweeper.Config{
		Logger:   testutil.NewLogger(),
		Engine:   h.engine,
		Verifier: h.verifier,
	})
	require.ErrorContains(t, err, "interval")
}
