package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/blockchain-for/blockstream-electrs/pkg/codec"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

const defaultConcurrency = 8

// Builder consumes blocks in height order and writes their index records
// through the store, one atomic batch per block. It is the only writer
// besides the reorg resolver.
type Builder struct {
	store       store.Store
	resolver    *OutputResolver
	logger      *slog.Logger
	concurrency int
}

// NewBuilder creates a Builder over the given store.
func NewBuilder(s store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:       s,
		resolver:    NewOutputResolver(s),
		logger:      logger,
		concurrency: defaultConcurrency,
	}
}

// WithConcurrency sets the per-transaction derivation parallelism.
func (b *Builder) WithConcurrency(n int) *Builder {
	if n > 0 {
		b.concurrency = n
	}
	return b
}

// BuildResult summarizes one indexed block.
type BuildResult struct {
	Height  uint32
	Hash    chainhash.Hash
	TxCount int
	Txids   []chainhash.Hash
	Touched map[types.ScriptHash]struct{}
}

// IndexBlock derives and commits all index records for one block together
// with the advanced chain tip marker. The commit is a single batch, so a
// crash mid-block leaves the tip at the previous height and none of the
// partial records visible. Re-indexing the same block overwrites with
// identical content because every key derives from (script, height, txid).
func (b *Builder) IndexBlock(ctx context.Context, height uint32, block *btcutil.Block) (*BuildResult, error) {
	start := time.Now()
	txs := block.Transactions()

	// Outputs created earlier in the same block may be spent later in it,
	// so resolve intra-block ancestry before touching the store.
	blockOuts := make(map[wire.OutPoint]*wire.TxOut)
	for _, tx := range txs {
		for vout, txOut := range tx.MsgTx().TxOut {
			blockOuts[wire.OutPoint{Hash: *tx.Hash(), Index: uint32(vout)}] = txOut
		}
	}

	prevOut := func(op wire.OutPoint) (*wire.TxOut, error) {
		if txOut, ok := blockOuts[op]; ok {
			return txOut, nil
		}
		return b.resolver.PrevOutput(ctx, op)
	}

	derived := make([]*TxRecords, len(txs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, tx := range txs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records, err := DeriveTransaction(tx, prevOut)
			if err != nil {
				return err
			}
			derived[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("derive block %d: %w", height, err)
	}

	result := &BuildResult{
		Height:  height,
		Hash:    *block.Hash(),
		TxCount: len(txs),
		Txids:   make([]chainhash.Hash, len(txs)),
		Touched: make(map[types.ScriptHash]struct{}),
	}

	batch := store.NewBatch()

	headerBytes, err := codec.EncodeHeader(&block.MsgBlock().Header)
	if err != nil {
		return nil, err
	}
	heightKey := codec.HeightKey(height)
	batch.Put(store.PartHeaders, heightKey, headerBytes)
	batch.Put(store.PartHeaderHashes, block.Hash()[:], heightKey)

	for i, records := range derived {
		result.Txids[i] = records.Txid

		batch.Put(store.PartTransactions, records.Txid[:], codec.TxValue(height, records.Raw))

		for _, c := range records.Creations {
			batch.Put(store.PartFunding, codec.FundingKey(c.Script, c.Outpoint), codec.FundingValue(c.Satoshis, height))
		}
		for _, s := range records.Spends {
			batch.Put(store.PartSpending, codec.SpendingKey(s.Outpoint), codec.SpendValue(&records.Txid, height, s.Script))
		}
		for script := range records.Touched() {
			batch.Put(store.PartHistory, codec.HistoryKey(script, height, &records.Txid), nil)
			result.Touched[script] = struct{}{}
		}
	}

	batch.Put(store.PartBlockTxs, heightKey, codec.EncodeTxids(result.Txids))
	batch.Put(store.PartMeta, codec.TipKey, codec.TipValue(height, block.Hash()))

	if err := b.store.Write(ctx, batch); err != nil {
		return nil, fmt.Errorf("commit block %d: %w", height, err)
	}

	b.logger.Debug("indexed block",
		"height", height,
		"hash", result.Hash.String(),
		"txs", result.TxCount,
		"scripts", len(result.Touched),
		"duration", time.Since(start),
	)

	return result, nil
}
