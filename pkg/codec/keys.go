// Package codec defines the byte-level layout of every persisted index
// record. Keys are constructed so that ordered byte comparison yields the
// intended iteration order: a range scan over a script-hash prefix returns
// history in ascending height order, then txid. This layout is the on-disk
// compatibility contract across restarts.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// ErrMalformedRecord indicates a persisted key or value that does not match
// its expected layout. The record is skipped and logged; unrelated records
// in the same scan are unaffected.
var ErrMalformedRecord = errors.New("malformed record")

const (
	heightSize     = 4
	historyKeySize = 32 + heightSize + 32
	fundingKeySize = 32 + types.OutpointSize
)

// TipKey is the PartMeta key of the chain tip marker.
var TipKey = []byte("tip")

// HeightKey encodes a block height as a fixed-width big-endian key.
func HeightKey(height uint32) []byte {
	buf := make([]byte, heightSize)
	binary.BigEndian.PutUint32(buf, height)
	return buf
}

// ParseHeightKey decodes a fixed-width height key.
func ParseHeightKey(key []byte) (uint32, error) {
	if len(key) != heightSize {
		return 0, fmt.Errorf("%w: height key is %d bytes", ErrMalformedRecord, len(key))
	}
	return binary.BigEndian.Uint32(key), nil
}

// HistoryKey builds the PartHistory key for one script history entry:
// scripthash || height || txid. All three components are fixed width, so a
// given (script, height, txid) always derives the same key regardless of
// insertion order.
func HistoryKey(script types.ScriptHash, height uint32, txid *chainhash.Hash) []byte {
	buf := make([]byte, 0, historyKeySize)
	buf = append(buf, script[:]...)
	buf = binary.BigEndian.AppendUint32(buf, height)
	buf = append(buf, txid[:]...)
	return buf
}

// HistoryPrefix returns the scan prefix covering all history of a script.
func HistoryPrefix(script types.ScriptHash) []byte {
	return script.Bytes()
}

// HistoryHeightPrefix returns the scan prefix covering one script at one
// height, used by rollback to strip a single block's entries.
func HistoryHeightPrefix(script types.ScriptHash, height uint32) []byte {
	buf := make([]byte, 0, 32+heightSize)
	buf = append(buf, script[:]...)
	buf = binary.BigEndian.AppendUint32(buf, height)
	return buf
}

// ParseHistoryKey splits a PartHistory key back into its components.
func ParseHistoryKey(key []byte) (types.ScriptHash, uint32, chainhash.Hash, error) {
	var script types.ScriptHash
	var txid chainhash.Hash
	if len(key) != historyKeySize {
		return script, 0, txid, fmt.Errorf("%w: history key is %d bytes", ErrMalformedRecord, len(key))
	}
	copy(script[:], key[:32])
	height := binary.BigEndian.Uint32(key[32:36])
	copy(txid[:], key[36:])
	return script, height, txid, nil
}

// FundingKey builds the PartFunding key for a UTXO creation entry:
// scripthash || outpoint.
func FundingKey(script types.ScriptHash, outpoint types.Outpoint) []byte {
	buf := make([]byte, 0, fundingKeySize)
	buf = append(buf, script[:]...)
	buf = append(buf, outpoint.Bytes()...)
	return buf
}

// FundingPrefix returns the scan prefix covering all creations of a script.
func FundingPrefix(script types.ScriptHash) []byte {
	return script.Bytes()
}

// ParseFundingKey splits a PartFunding key back into its components.
func ParseFundingKey(key []byte) (types.ScriptHash, types.Outpoint, error) {
	var script types.ScriptHash
	if len(key) != fundingKeySize {
		return script, types.Outpoint{}, fmt.Errorf("%w: funding key is %d bytes", ErrMalformedRecord, len(key))
	}
	copy(script[:], key[:32])
	outpoint, err := types.OutpointFromBytes(key[32:])
	if err != nil {
		return script, types.Outpoint{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return script, outpoint, nil
}

// SpendingKey builds the PartSpending key for a UTXO spend entry. An
// outpoint is unspent iff a funding entry exists and no spending entry
// references it.
func SpendingKey(outpoint types.Outpoint) []byte {
	return outpoint.Bytes()
}
