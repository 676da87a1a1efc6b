package mempool

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// fakeResolver serves previous outputs from a fixed map.
type fakeResolver struct {
	outs map[wire.OutPoint]*wire.TxOut
}

func (f *fakeResolver) PrevOutput(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	out, ok := f.outs[op]
	if !ok {
		return nil, errors.New("unknown outpoint")
	}
	return out, nil
}

func makeCoinbase(tag byte, script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{tag},
	})
	tx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: script})
	return tx
}

func makeSpendTx(prev *chainhash.Hash, vout uint32, script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: *prev, Index: vout},
	})
	tx.AddTxOut(&wire.TxOut{Value: 4000, PkScript: script})
	return tx
}

func serialize(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	return buf.Bytes()
}

// snapshottingResolver reads the tracker it serves, the way the query path
// does while a transaction is being observed.
type snapshottingResolver struct {
	tracker *Tracker
	outs    map[wire.OutPoint]*wire.TxOut
}

func (r *snapshottingResolver) PrevOutput(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error) {
	r.tracker.Snapshot()
	out, ok := r.outs[op]
	if !ok {
		return nil, errors.New("unknown outpoint")
	}
	return out, nil
}

func TestObserveAllowsConcurrentSnapshots(t *testing.T) {
	parentTxid := chainhash.Hash{0x21}
	resolver := &snapshottingResolver{outs: map[wire.OutPoint]*wire.TxOut{
		{Hash: parentTxid, Index: 0}: {Value: 9000, PkScript: []byte{0x51}},
	}}
	tracker := NewTracker(resolver, nil, nil)
	resolver.tracker = tracker

	spend := makeSpendTx(&parentTxid, 0, []byte{0x52})
	raw := serialize(t, spend)
	done := make(chan error, 1)
	go func() {
		done <- tracker.Observe(context.Background(), raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("observe blocked snapshot readers during input resolution")
	}

	txid := spend.TxHash()
	if !tracker.Contains(&txid) {
		t.Error("observed transaction not tracked")
	}
}

func TestObserveAndContains(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)
	tx := makeCoinbase(1, []byte{0x51})

	if err := tracker.Observe(context.Background(), serialize(t, tx)); err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	txid := tx.TxHash()
	if !tracker.Contains(&txid) {
		t.Error("observed transaction not tracked")
	}
	if tracker.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tracker.Len())
	}

	// Observing the same transaction again is a no-op
	if err := tracker.Observe(context.Background(), serialize(t, tx)); err != nil {
		t.Fatalf("second observe failed: %v", err)
	}
	if tracker.Len() != 1 {
		t.Errorf("duplicate observe changed entry count: %d", tracker.Len())
	}
}

func TestObserveResolvesConfirmedParent(t *testing.T) {
	scriptA := []byte{0x51}
	scriptB := []byte{0x52}

	parentTxid := chainhash.Hash{0x11}
	resolver := &fakeResolver{outs: map[wire.OutPoint]*wire.TxOut{
		{Hash: parentTxid, Index: 0}: {Value: 9000, PkScript: scriptA},
	}}
	tracker := NewTracker(resolver, nil, nil)

	spend := makeSpendTx(&parentTxid, 0, scriptB)
	if err := tracker.Observe(context.Background(), serialize(t, spend)); err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	snap := tracker.Snapshot()

	// The spent script is touched even though the parent is confirmed
	hashA := types.HashScript(scriptA)
	if len(snap.TouchedBy(hashA)) != 1 {
		t.Error("input-side script not touched")
	}

	// The consumed outpoint is marked spent in the overlay
	spendTxid := spend.TxHash()
	spender, ok := snap.Spender(types.NewOutpoint(&parentTxid, 0))
	if !ok || spender != spendTxid {
		t.Error("outpoint not marked spent by the observed transaction")
	}
}

func TestObserveResolvesMempoolParent(t *testing.T) {
	scriptA := []byte{0x51}
	scriptB := []byte{0x52}

	tracker := NewTracker(&fakeResolver{}, nil, nil)
	ctx := context.Background()

	parent := makeCoinbase(1, scriptA)
	if err := tracker.Observe(ctx, serialize(t, parent)); err != nil {
		t.Fatalf("observe parent failed: %v", err)
	}

	// Child spends the unconfirmed parent; the resolver knows nothing
	parentTxid := parent.TxHash()
	child := makeSpendTx(&parentTxid, 0, scriptB)
	if err := tracker.Observe(ctx, serialize(t, child)); err != nil {
		t.Fatalf("observe child failed: %v", err)
	}

	if tracker.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", tracker.Len())
	}
}

func TestObserveUnresolvableInput(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)

	missing := chainhash.Hash{0x77}
	orphan := makeSpendTx(&missing, 0, []byte{0x51})
	if err := tracker.Observe(context.Background(), serialize(t, orphan)); err == nil {
		t.Error("expected error observing transaction with unresolvable input")
	}
	if tracker.Len() != 0 {
		t.Error("failed observation left an entry behind")
	}
}

func TestOnConfirmed(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)
	ctx := context.Background()

	txA := makeCoinbase(1, []byte{0x51})
	txB := makeCoinbase(2, []byte{0x52})
	for _, tx := range []*wire.MsgTx{txA, txB} {
		if err := tracker.Observe(ctx, serialize(t, tx)); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	removed := tracker.OnConfirmed([]chainhash.Hash{txA.TxHash()})
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	txidA, txidB := txA.TxHash(), txB.TxHash()
	if tracker.Contains(&txidA) {
		t.Error("confirmed transaction still tracked")
	}
	if !tracker.Contains(&txidB) {
		t.Error("unrelated transaction removed")
	}

	// Index structures are cleaned up with the entry
	snap := tracker.Snapshot()
	if len(snap.TouchedBy(types.HashScript([]byte{0x51}))) != 0 {
		t.Error("script index still references the confirmed transaction")
	}
}

func TestEvictPredicate(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)
	ctx := context.Background()

	txA := makeCoinbase(1, []byte{0x51})
	txB := makeCoinbase(2, []byte{0x52})
	for _, tx := range []*wire.MsgTx{txA, txB} {
		if err := tracker.Observe(ctx, serialize(t, tx)); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	keep := txB.TxHash()
	removed := tracker.Evict(func(e *Entry) bool { return e.Txid != keep })
	if removed != 1 {
		t.Errorf("expected 1 evicted, got %d", removed)
	}
	if !tracker.Contains(&keep) {
		t.Error("kept transaction was evicted")
	}
}

func TestEvictStaleCountBound(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil).WithLimits(2, 0)
	ctx := context.Background()

	var txids []chainhash.Hash
	for i := byte(1); i <= 4; i++ {
		tx := makeCoinbase(i, []byte{0x51, i})
		if err := tracker.Observe(ctx, serialize(t, tx)); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
		txids = append(txids, tx.TxHash())
		time.Sleep(2 * time.Millisecond)
	}

	removed := tracker.EvictStale()
	if removed != 2 {
		t.Errorf("expected 2 evicted, got %d", removed)
	}
	if tracker.Len() != 2 {
		t.Errorf("expected 2 remaining, got %d", tracker.Len())
	}

	// Oldest entries go first
	if tracker.Contains(&txids[0]) || tracker.Contains(&txids[1]) {
		t.Error("oldest entries survived eviction")
	}
	if !tracker.Contains(&txids[2]) || !tracker.Contains(&txids[3]) {
		t.Error("newest entries were evicted")
	}
}

func TestSnapshotUnaffectedByLaterChanges(t *testing.T) {
	tracker := NewTracker(&fakeResolver{}, nil, nil)
	ctx := context.Background()

	tx := makeCoinbase(1, []byte{0x51})
	if err := tracker.Observe(ctx, serialize(t, tx)); err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	snap := tracker.Snapshot()

	txid := tx.TxHash()
	tracker.OnConfirmed([]chainhash.Hash{txid})

	if _, ok := snap.Get(&txid); !ok {
		t.Error("snapshot lost an entry removed after it was taken")
	}
	if snap.Len() != 1 {
		t.Errorf("expected snapshot length 1, got %d", snap.Len())
	}
}
