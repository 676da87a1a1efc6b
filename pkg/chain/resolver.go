package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/codec"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// Resolver undoes index records for orphaned blocks. It recovers what was
// written for a block by re-deriving the same deterministic keys from the
// stored transactions; there is no separate undo log.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given store.
func NewResolver(s store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, logger: logger}
}

// RollbackTo undoes every block from tipHeight down to target+1, one
// reversing batch per height in descending order. Later blocks are undone
// before the earlier ones they depend on, so spend entries disappear before
// the creation entries they reference, keeping referential integrity at
// every intermediate step. Returns the union of script hashes whose history
// changed.
func (r *Resolver) RollbackTo(ctx context.Context, tipHeight, target uint32) (map[types.ScriptHash]struct{}, error) {
	touched := make(map[types.ScriptHash]struct{})
	for h := tipHeight; h > target; h-- {
		blockTouched, err := r.rollbackBlock(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("rollback height %d: %w", h, err)
		}
		for script := range blockTouched {
			touched[script] = struct{}{}
		}
	}
	r.logger.Info("rolled back", "from", tipHeight, "to", target, "scripts", len(touched))
	return touched, nil
}

// rollbackBlock removes every record block h wrote and rewinds the tip
// marker, all in a single batch.
func (r *Resolver) rollbackBlock(ctx context.Context, h uint32) (map[types.ScriptHash]struct{}, error) {
	heightKey := codec.HeightKey(h)

	txidsValue, err := r.store.Get(ctx, store.PartBlockTxs, heightKey)
	if err != nil {
		return nil, err
	}
	txids, err := codec.DecodeTxids(txidsValue)
	if err != nil {
		return nil, err
	}

	headerValue, err := r.store.Get(ctx, store.PartHeaders, heightKey)
	if err != nil {
		return nil, err
	}
	header, err := codec.DecodeHeader(headerValue)
	if err != nil {
		return nil, err
	}

	batch := store.NewBatch()
	touched := make(map[types.ScriptHash]struct{})

	for i := range txids {
		txTouched, err := r.undoTransaction(ctx, batch, h, &txids[i])
		if err != nil {
			return nil, err
		}
		for script := range txTouched {
			touched[script] = struct{}{}
		}
	}

	hash := header.BlockHash()
	batch.Delete(store.PartBlockTxs, heightKey)
	batch.Delete(store.PartHeaders, heightKey)
	batch.Delete(store.PartHeaderHashes, hash[:])

	if h == 0 {
		batch.Delete(store.PartMeta, codec.TipKey)
	} else {
		prevValue, err := r.store.Get(ctx, store.PartHeaders, codec.HeightKey(h-1))
		if err != nil {
			return nil, err
		}
		prevHeader, err := codec.DecodeHeader(prevValue)
		if err != nil {
			return nil, err
		}
		prevHash := prevHeader.BlockHash()
		batch.Put(store.PartMeta, codec.TipKey, codec.TipValue(h-1, &prevHash))
	}

	if err := r.store.Write(ctx, batch); err != nil {
		return nil, err
	}

	r.logger.Debug("rolled back block", "height", h, "hash", hash.String(), "txs", len(txids))
	return touched, nil
}

// undoTransaction schedules removal of every record one transaction
// produced at height h: history entries, UTXO creations, and spend marks.
// Un-marking a spend makes the referenced outpoint unspent again.
func (r *Resolver) undoTransaction(ctx context.Context, batch *store.Batch, h uint32, txid *chainhash.Hash) (map[types.ScriptHash]struct{}, error) {
	value, err := r.store.Get(ctx, store.PartTransactions, txid[:])
	if err != nil {
		return nil, err
	}
	_, raw, err := codec.DecodeTxValue(value)
	if err != nil {
		return nil, err
	}

	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrMalformedRecord, err)
	}

	touched := make(map[types.ScriptHash]struct{})

	for vout, txOut := range msg.TxOut {
		script := types.HashScript(txOut.PkScript)
		touched[script] = struct{}{}
		batch.Delete(store.PartFunding, codec.FundingKey(script, types.NewOutpoint(txid, uint32(vout))))
	}

	for _, txIn := range msg.TxIn {
		if txIn.PreviousOutPoint.Index == wire.MaxPrevOutIndex && txIn.PreviousOutPoint.Hash == (chainhash.Hash{}) {
			continue
		}
		op := types.OutpointFromWire(txIn.PreviousOutPoint)
		spendValue, err := r.store.Get(ctx, store.PartSpending, codec.SpendingKey(op))
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("missing spend record during rollback", "outpoint", op.String(), "height", h)
			continue
		}
		if err != nil {
			return nil, err
		}
		spender, spendHeight, script, err := codec.DecodeSpendValue(spendValue)
		if err != nil {
			// Corrupt individual record: skip it, the rest of the
			// rollback is unaffected.
			r.logger.Warn("malformed spend record during rollback", "outpoint", op.String(), "error", err)
			continue
		}
		if spendHeight != h || !spender.IsEqual(txid) {
			// Replay of a competing branch already rewrote this mark.
			continue
		}
		touched[script] = struct{}{}
		batch.Delete(store.PartSpending, codec.SpendingKey(op))
	}

	for script := range touched {
		batch.Delete(store.PartHistory, codec.HistoryKey(script, h, txid))
	}
	batch.Delete(store.PartTransactions, txid[:])

	return touched, nil
}
