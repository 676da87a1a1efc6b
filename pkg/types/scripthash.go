package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidScriptHash indicates an invalid ScriptHash value
var ErrInvalidScriptHash = errors.New("invalid ScriptHash: must be 32 bytes")

// ScriptHash is the sha256 digest of an output script. It is the primary
// grouping key for history and UTXO indexing.
type ScriptHash [32]byte

// HashScript computes the ScriptHash of a raw output script.
func HashScript(script []byte) ScriptHash {
	return sha256.Sum256(script)
}

// ScriptHashFromBytes creates a ScriptHash from raw 32 bytes
func ScriptHashFromBytes(b []byte) (ScriptHash, error) {
	var s ScriptHash
	if len(b) != 32 {
		return s, ErrInvalidScriptHash
	}
	copy(s[:], b)
	return s, nil
}

// ScriptHashFromHex parses a hex-encoded ScriptHash
func ScriptHashFromHex(s string) (ScriptHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ScriptHash{}, err
	}
	return ScriptHashFromBytes(b)
}

// Bytes returns the raw 32-byte slice
func (s ScriptHash) Bytes() []byte {
	return s[:]
}

// String returns the hex encoding
func (s ScriptHash) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero returns true if the ScriptHash is all zeros
func (s ScriptHash) IsZero() bool {
	for _, b := range s {
		if b != 0 {
			return false
		}
	}
	return true
}
