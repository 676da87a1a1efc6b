// Package chain keeps the locally indexed chain in lockstep with the
// source-of-truth node: extending the tip for new blocks, detecting reorgs,
// and rolling back and replaying affected ranges. All writes flow through a
// single logical writer sequence, one block or rollback batch at a time.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/codec"
	"github.com/blockchain-for/blockstream-electrs/pkg/index"
	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/node"
	"github.com/blockchain-for/blockstream-electrs/pkg/pubsub"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

const defaultMaxReorgDepth = 100

var (
	// ErrReorgTooDeep means the common ancestor lies beyond the configured
	// maximum rollback depth. The index must be rebuilt by an operator.
	ErrReorgTooDeep = errors.New("reorg exceeds maximum depth, operator intervention required")

	// ErrChainDiscontinuity means the source chain cannot be reconciled
	// with the local one at all. Treated like a too-deep reorg.
	ErrChainDiscontinuity = errors.New("chain discontinuity, operator intervention required")
)

// Tracker maintains the invariant that every locally stored header at or
// below the tip matches the source chain at that height.
type Tracker struct {
	store    store.Store
	source   node.BlockSource
	builder  *index.Builder
	resolver *Resolver
	mempool  *mempool.Tracker
	events   pubsub.PubSub
	logger   *slog.Logger

	maxReorgDepth uint32
	synced        atomic.Bool

	// mu serializes the writer sequence: block connects and rollbacks.
	mu sync.Mutex
}

// NewTracker creates a Tracker. mempool and events may be nil.
func NewTracker(s store.Store, source node.BlockSource, builder *index.Builder, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:         s,
		source:        source,
		builder:       builder,
		resolver:      NewResolver(s, logger),
		logger:        logger,
		maxReorgDepth: defaultMaxReorgDepth,
	}
}

// WithMempool wires confirmation removal into the tracker.
func (t *Tracker) WithMempool(m *mempool.Tracker) *Tracker {
	t.mempool = m
	return t
}

// WithEvents wires script change notifications.
func (t *Tracker) WithEvents(events pubsub.PubSub) *Tracker {
	t.events = events
	return t
}

// WithMaxReorgDepth bounds rollback work.
func (t *Tracker) WithMaxReorgDepth(depth uint32) *Tracker {
	if depth > 0 {
		t.maxReorgDepth = depth
	}
	return t
}

// Synced reports whether the index has caught up with the source chain.
// Queries against an unsynced index are served but marked as such.
func (t *Tracker) Synced() bool {
	return t.synced.Load()
}

// Tip returns the most recently fully-indexed height and hash. A nil hash
// means nothing has been indexed yet.
func (t *Tracker) Tip(ctx context.Context) (uint32, *chainhash.Hash, error) {
	value, err := t.store.Get(ctx, store.PartMeta, codec.TipKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	height, hash, err := codec.DecodeTipValue(value)
	if err != nil {
		return 0, nil, err
	}
	return height, &hash, nil
}

// SyncOnce performs one unit of the writer sequence: connect the next block
// or resolve a pending reorg. It returns false when the index is already at
// the source tip.
func (t *Tracker) SyncOnce(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	best, err := t.source.BestHeight(ctx)
	if err != nil {
		return false, err
	}

	tipHeight, tipHash, err := t.Tip(ctx)
	if err != nil {
		return false, err
	}

	if tipHash != nil {
		if best < tipHeight {
			// The source chain shrank below the local tip. No source hash
			// exists at tipHeight, so the ancestor search starts at best.
			return true, t.resolveReorg(ctx, tipHeight, best)
		}
		// The source may have replaced blocks without growing taller.
		sourceHash, err := t.source.BlockHash(ctx, tipHeight)
		if err != nil {
			return false, err
		}
		if !sourceHash.IsEqual(tipHash) {
			return true, t.resolveReorg(ctx, tipHeight, tipHeight)
		}
		if tipHeight >= best {
			t.synced.Store(true)
			return false, nil
		}
	}

	next := uint32(0)
	if tipHash != nil {
		next = tipHeight + 1
	}

	header, err := t.source.BlockHeader(ctx, next)
	if err != nil {
		return false, err
	}

	if tipHash != nil && !header.PrevBlock.IsEqual(tipHash) {
		return true, t.resolveReorg(ctx, tipHeight, tipHeight)
	}

	if err := t.connectBlock(ctx, next, header.BlockHash()); err != nil {
		return false, err
	}
	if next >= best {
		t.synced.Store(true)
	}
	return true, nil
}

// connectBlock indexes one block extending the local tip.
func (t *Tracker) connectBlock(ctx context.Context, height uint32, hash chainhash.Hash) error {
	msgBlock, err := t.source.Block(ctx, &hash)
	if err != nil {
		return err
	}
	block := btcutil.NewBlock(msgBlock)

	result, err := t.builder.IndexBlock(ctx, height, block)
	if err != nil {
		return err
	}

	if t.mempool != nil {
		t.mempool.OnConfirmed(result.Txids)
	}
	t.publish(ctx, result.Touched, height, "block")

	t.logger.Info("connected block", "height", height, "hash", hash.String(), "txs", result.TxCount)
	return nil
}

// resolveReorg finds the common ancestor at or below searchFrom, rolls the
// index back to it, and leaves replay of the new branch to subsequent
// SyncOnce calls. searchFrom equals tipHeight except when the source chain
// is shorter than the local one.
func (t *Tracker) resolveReorg(ctx context.Context, tipHeight, searchFrom uint32) error {
	t.synced.Store(false)

	ancestor, err := t.findCommonAncestor(ctx, searchFrom)
	if err != nil {
		return err
	}
	if tipHeight-ancestor > t.maxReorgDepth {
		return fmt.Errorf("%w: rollback of %d blocks from tip %d", ErrReorgTooDeep, tipHeight-ancestor, tipHeight)
	}

	t.logger.Warn("reorg detected", "tip", tipHeight, "ancestor", ancestor)

	touched, err := t.resolver.RollbackTo(ctx, tipHeight, ancestor)
	if err != nil {
		return err
	}
	t.publish(ctx, touched, ancestor, "block")
	return nil
}

// findCommonAncestor walks backward from the local tip comparing local and
// source hashes at each height until they agree, bounded by the maximum
// reorg depth.
func (t *Tracker) findCommonAncestor(ctx context.Context, tipHeight uint32) (uint32, error) {
	for depth := uint32(0); depth <= t.maxReorgDepth; depth++ {
		if depth > tipHeight {
			return 0, fmt.Errorf("%w: no common ancestor above genesis", ErrChainDiscontinuity)
		}
		h := tipHeight - depth

		localHeader, err := t.localHeader(ctx, h)
		if err != nil {
			return 0, err
		}
		sourceHash, err := t.source.BlockHash(ctx, h)
		if err != nil {
			return 0, err
		}

		localHash := localHeader.BlockHash()
		if sourceHash.IsEqual(&localHash) {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: ancestor deeper than %d blocks below tip %d", ErrReorgTooDeep, t.maxReorgDepth, tipHeight)
}

func (t *Tracker) localHeader(ctx context.Context, height uint32) (*wire.BlockHeader, error) {
	value, err := t.store.Get(ctx, store.PartHeaders, codec.HeightKey(height))
	if err != nil {
		return nil, fmt.Errorf("local header %d: %w", height, err)
	}
	return codec.DecodeHeader(value)
}

func (t *Tracker) publish(ctx context.Context, touched map[types.ScriptHash]struct{}, height uint32, source string) {
	if t.events == nil {
		return
	}
	for script := range touched {
		event := pubsub.Event{
			Topic:  script.String(),
			Height: height,
			Source: source,
		}
		if err := t.events.Publish(ctx, event); err != nil {
			t.logger.Warn("publish block event", "topic", event.Topic, "error", err)
		}
	}
}
