package chain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// NewSalt derives a fresh CREATE2 salt from the token identity, the time and
// 16 random bytes.
func NewSalt(name, symbol string, now time.Time) ([32]byte, error) {
	var salt [32]byte
	noise := make([]byte, 16)
	if _, err := rand.Read(noise); err != nil {
		return salt, fmt.Errorf("read random: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s-%s-%d-%s", name, symbol, now.UnixMilli(), hex.EncodeToString(noise))
	copy(salt[:], h.Sum(nil))
	return salt, nil
}

// ParseSalt decodes a 0x-prefixed or bare 32-byte hex salt.
func ParseSalt(s string) ([32]byte, error) {
	var salt [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return salt, fmt.Errorf("decode salt: %w", err)
	}
	if len(raw) != len(salt) {
		return salt, fmt.Errorf("salt must be 32 bytes, got %d", len(raw))
	}
	copy(salt[:], raw)
	return salt, nil
}

// FormatSalt renders a salt as 0x-prefixed hex.
func FormatSalt(salt [32]byte) string {
	return "0x" + hex.EncodeToString(salt[:])
}

// PredictAddress computes keccak256(0xff ++ factory ++ salt ++ initCodeHash)[12:].
func PredictAddress(factory common.Address, salt [32]byte, initCodeHash common.Hash) string {
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()).Hex()
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
