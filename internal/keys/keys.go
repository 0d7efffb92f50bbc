// Package keys derives the deterministic addresses behind the custody
// model: every challenge, participant record and escrow fund lives at a
// program-derived address (PDA) computed from stable seeds. Anyone can
// recompute and verify an address, but no private key exists for any of them;
// authority to move escrow funds comes from being the logic that owns the
// derivation, not from a signature.
package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Seed tags, shared with the on-chain program.
const (
	challengeSeed   = "challenge"
	participantSeed = "participant"
	escrowSeed      = "escrow"
)

// Challenge derives the address of a challenge account from its creator and
// sequence id. The returned bump is persisted with the challenge so later
// derivations are a single CreateProgramAddress away.
func Challenge(programID, creator solana.PublicKey, id uint64) (solana.PublicKey, uint8, error) {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, id)
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(challengeSeed), creator.Bytes(), idBytes},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive challenge address: %w", err)
	}
	return addr, bump, nil
}

// Participant derives the address of the (challenge, user) ledger record.
// One record exists per pair; deriving the same pair always yields the same
// address, which is what makes duplicate joins structurally impossible.
func Participant(programID, challenge, user solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(participantSeed), challenge.Bytes(), user.Bytes()},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive participant address: %w", err)
	}
	return addr, bump, nil
}

// Escrow derives the custodial fund address for a challenge.
func Escrow(programID, challenge solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(escrowSeed), challenge.Bytes()},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive escrow address: %w", err)
	}
	return addr, bump, nil
}
