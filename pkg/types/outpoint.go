package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// OutpointSize is the serialized size of an Outpoint: 32-byte txid plus a
// big-endian vout.
const OutpointSize = 36

// ErrInvalidOutpoint indicates an invalid serialized outpoint
var ErrInvalidOutpoint = errors.New("invalid outpoint: must be 36 bytes")

// Outpoint references a specific output of a specific transaction.
// The serialized form uses a big-endian vout so that outputs of one
// transaction sort in creation order under byte comparison.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// NewOutpoint creates an Outpoint from a txid and output index
func NewOutpoint(txid *chainhash.Hash, vout uint32) Outpoint {
	return Outpoint{Txid: *txid, Vout: vout}
}

// OutpointFromWire converts a wire.OutPoint
func OutpointFromWire(op wire.OutPoint) Outpoint {
	return Outpoint{Txid: op.Hash, Vout: op.Index}
}

// OutpointFromBytes parses a 36-byte serialized outpoint
func OutpointFromBytes(b []byte) (Outpoint, error) {
	var op Outpoint
	if len(b) != OutpointSize {
		return op, ErrInvalidOutpoint
	}
	copy(op.Txid[:], b[:32])
	op.Vout = binary.BigEndian.Uint32(b[32:])
	return op, nil
}

// Bytes returns the 36-byte serialized form
func (o Outpoint) Bytes() []byte {
	b := make([]byte, OutpointSize)
	copy(b, o.Txid[:])
	binary.BigEndian.PutUint32(b[32:], o.Vout)
	return b
}

// String returns the txid:vout form
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid.String(), o.Vout)
}
