// Package node defines the contracts the index core uses to talk to a full
// node, and a bitcoind JSON-RPC implementation of them. The core trusts the
// node's view of the chain; it never re-validates consensus rules.
package node

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BlockSource is the source-of-truth chain the index follows. Duplicate
// deliveries are fine; the index builder is idempotent.
type BlockSource interface {
	BestHeight(ctx context.Context) (uint32, error)
	BestBlockHash(ctx context.Context) (*chainhash.Hash, error)
	BlockHash(ctx context.Context, height uint32) (*chainhash.Hash, error)
	BlockHeader(ctx context.Context, height uint32) (*wire.BlockHeader, error)
	Block(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
}

// MempoolSource feeds the unconfirmed transaction overlay.
type MempoolSource interface {
	MempoolTxids(ctx context.Context) ([]chainhash.Hash, error)
	RawTransaction(ctx context.Context, txid *chainhash.Hash) ([]byte, error)
}
