package index

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/codec"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
)

// OutputResolver resolves previous outputs from the confirmed transaction
// partition.
type OutputResolver struct {
	store store.Store
}

// NewOutputResolver creates an OutputResolver over the given store.
func NewOutputResolver(s store.Store) *OutputResolver {
	return &OutputResolver{store: s}
}

// PrevOutput returns the output an input consumes, loaded from the store.
func (r *OutputResolver) PrevOutput(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	value, err := r.store.Get(ctx, store.PartTransactions, op.Hash[:])
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
	if int(op.Index) >= len(msg.TxOut) {
		return nil, fmt.Errorf("%w: output %d of %s out of range", codec.ErrMalformedRecord, op.Index, op.Hash.String())
	}
	return msg.TxOut[op.Index], nil
}
