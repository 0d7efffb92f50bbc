package engine

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckedMul(t *testing.T) {
	got, err := checkedMul(3, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(300), got)

	got, err = checkedMul(0, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got)

	_, err = checkedMul(math.MaxUint64, 2)
	require.ErrorIs(t, err, ErrOverflow)

	// Fits in uint64 but not in int64.
	_, err = checkedMul(uint64(math.MaxInt64), 2)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestCodeUnwrapsWrappedErrors(t *testing.T) {
	require.Equal(t, "challenge_not_active", Code(ErrChallengeNotActive))
	require.Equal(t, "unauthorized", Code(fmt.Errorf("end challenge: %w", ErrUnauthorized)))
	require.Equal(t, "internal", Code(errors.New("broken pipe")))
	require.Equal(t, "internal", Code(nil))
}
