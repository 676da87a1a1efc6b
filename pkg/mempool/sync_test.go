package mempool

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// fakeMempoolSource serves a mutable set of transactions.
type fakeMempoolSource struct {
	txs map[chainhash.Hash][]byte
}

func (f *fakeMempoolSource) MempoolTxids(ctx context.Context) ([]chainhash.Hash, error) {
	txids := make([]chainhash.Hash, 0, len(f.txs))
	for txid := range f.txs {
		txids = append(txids, txid)
	}
	return txids, nil
}

func (f *fakeMempoolSource) RawTransaction(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	raw, ok := f.txs[*txid]
	if !ok {
		return nil, fmt.Errorf("unknown tx %s", txid.String())
	}
	return raw, nil
}

func (f *fakeMempoolSource) add(t *testing.T, tx *wire.MsgTx) chainhash.Hash {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	txid := tx.TxHash()
	f.txs[txid] = buf.Bytes()
	return txid
}

func TestRefreshObservesAndEvicts(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)
	source := &fakeMempoolSource{txs: make(map[chainhash.Hash][]byte)}
	refresher := NewRefresher(tracker, source, 0, nil)

	txidA := source.add(t, makeCoinbase(1, []byte{0x51}))
	txidB := source.add(t, makeCoinbase(2, []byte{0x52}))

	if err := refresher.refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !tracker.Contains(&txidA) || !tracker.Contains(&txidB) {
		t.Error("refresh did not observe node transactions")
	}

	// The node drops one transaction; the next refresh reconciles
	delete(source.txs, txidA)
	if err := refresher.refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if tracker.Contains(&txidA) {
		t.Error("dropped transaction still tracked after refresh")
	}
	if !tracker.Contains(&txidB) {
		t.Error("remaining transaction evicted by refresh")
	}
}

func TestRefresherStartStop(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)
	source := &fakeMempoolSource{txs: make(map[chainhash.Hash][]byte)}
	refresher := NewRefresher(tracker, source, 0, nil)

	ctx := context.Background()
	if err := refresher.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := refresher.Start(ctx); err == nil {
		t.Error("expected error starting twice")
	}
	refresher.Stop()

	// Stop again is a no-op
	refresher.Stop()
}
