// Package index converts blocks and transactions into durable index
// records. Derivation is pure: a transaction plus its resolved previous
// outputs always yields the same record set, which is what makes block
// indexing idempotent and rollback re-derivable.
package index

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// Creation is a UTXO creation entry derived from a transaction output.
type Creation struct {
	Script   types.ScriptHash
	Outpoint types.Outpoint
	Satoshis uint64
}

// Spend is a UTXO spend entry derived from a transaction input. Script is
// the script hash of the consumed output.
type Spend struct {
	Outpoint types.Outpoint
	Script   types.ScriptHash
	Satoshis uint64
}

// TxRecords holds every index record derived from one transaction.
type TxRecords struct {
	Txid      chainhash.Hash
	Raw       []byte
	Creations []Creation
	Spends    []Spend
}

// PrevOutFunc resolves the output consumed by an input. Implementations
// typically consult the current block, the mempool, and the transaction
// partition of the store, in that order.
type PrevOutFunc func(op wire.OutPoint) (*wire.TxOut, error)

// Touched returns the set of script hashes this transaction touches, on
// either the funding or the spending side.
func (r *TxRecords) Touched() map[types.ScriptHash]struct{} {
	touched := make(map[types.ScriptHash]struct{}, len(r.Creations)+len(r.Spends))
	for _, c := range r.Creations {
		touched[c.Script] = struct{}{}
	}
	for _, s := range r.Spends {
		touched[s.Script] = struct{}{}
	}
	return touched
}

// DeriveTransaction computes the index records of a single transaction.
// prevOut must resolve every non-coinbase input or derivation fails; a
// transaction whose ancestry cannot be resolved must not be indexed, or the
// spend side of the index would silently go missing.
func DeriveTransaction(tx *btcutil.Tx, prevOut PrevOutFunc) (*TxRecords, error) {
	msg := tx.MsgTx()

	var raw bytes.Buffer
	raw.Grow(msg.SerializeSize())
	if err := msg.Serialize(&raw); err != nil {
		return nil, err
	}

	records := &TxRecords{
		Txid:      *tx.Hash(),
		Raw:       raw.Bytes(),
		Creations: make([]Creation, 0, len(msg.TxOut)),
	}

	for vout, txOut := range msg.TxOut {
		records.Creations = append(records.Creations, Creation{
			Script:   types.HashScript(txOut.PkScript),
			Outpoint: types.NewOutpoint(tx.Hash(), uint32(vout)),
			Satoshis: uint64(txOut.Value),
		})
	}

	if isCoinbase(msg) {
		return records, nil
	}

	records.Spends = make([]Spend, 0, len(msg.TxIn))
	for _, txIn := range msg.TxIn {
		spent, err := prevOut(txIn.PreviousOutPoint)
		if err != nil {
			return nil, fmt.Errorf("resolve input %s of %s: %w",
				txIn.PreviousOutPoint.String(), records.Txid.String(), err)
		}
		records.Spends = append(records.Spends, Spend{
			Outpoint: types.OutpointFromWire(txIn.PreviousOutPoint),
			Script:   types.HashScript(spent.PkScript),
			Satoshis: uint64(spent.Value),
		})
	}

	return records, nil
}

var zeroHash chainhash.Hash

func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := &tx.TxIn[0].PreviousOutPoint
	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == zeroHash
}
