package index

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/codec"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.NewBadgerStore(&store.BadgerConfig{InMemory: true}, logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeCoinbase(height uint32, script []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{byte(height), byte(height >> 8), byte(height >> 16), byte(height >> 24)},
	})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: script})
	return tx
}

func makeSpendTx(prev *chainhash.Hash, vout uint32, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: *prev, Index: vout},
	})
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	return tx
}

func makeBlock(prev *chainhash.Hash, txs ...*wire.MsgTx) *btcutil.Block {
	header := wire.BlockHeader{Version: 1, Bits: 0x207fffff}
	if prev != nil {
		header.PrevBlock = *prev
	}
	msg := wire.NewMsgBlock(&header)
	for _, tx := range txs {
		msg.AddTransaction(tx)
	}
	return btcutil.NewBlock(msg)
}

func TestIndexBlockWritesRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	builder := NewBuilder(s, nil)

	script := []byte{0x51}
	coinbase := makeCoinbase(0, script, 5000)
	block := makeBlock(nil, coinbase)

	result, err := builder.IndexBlock(ctx, 0, block)
	if err != nil {
		t.Fatalf("index failed: %v", err)
	}
	if result.TxCount != 1 {
		t.Errorf("expected 1 tx, got %d", result.TxCount)
	}

	scriptHash := types.HashScript(script)
	if _, ok := result.Touched[scriptHash]; !ok {
		t.Error("coinbase script not in touched set")
	}

	// Tip marker advanced in the same commit
	tipBytes, err := s.Get(ctx, store.PartMeta, codec.TipKey)
	if err != nil {
		t.Fatalf("tip read failed: %v", err)
	}
	height, hash, err := codec.DecodeTipValue(tipBytes)
	if err != nil {
		t.Fatalf("tip decode failed: %v", err)
	}
	if height != 0 || hash != *block.Hash() {
		t.Errorf("tip marker mismatch: height=%d", height)
	}

	// Header stored under its height, hash mapped back to height
	if _, err := s.Get(ctx, store.PartHeaders, codec.HeightKey(0)); err != nil {
		t.Errorf("header row missing: %v", err)
	}
	if _, err := s.Get(ctx, store.PartHeaderHashes, block.Hash()[:]); err != nil {
		t.Errorf("header hash row missing: %v", err)
	}

	// Funding entry for the coinbase output
	txid := coinbase.TxHash()
	fundingKey := codec.FundingKey(scriptHash, types.NewOutpoint(&txid, 0))
	fv, err := s.Get(ctx, store.PartFunding, fundingKey)
	if err != nil {
		t.Fatalf("funding row missing: %v", err)
	}
	sats, fheight, err := codec.DecodeFundingValue(fv)
	if err != nil {
		t.Fatalf("funding decode failed: %v", err)
	}
	if sats != 5000 || fheight != 0 {
		t.Errorf("funding value mismatch: sats=%d height=%d", sats, fheight)
	}

	// History entry keyed by (script, height, txid)
	if _, err := s.Get(ctx, store.PartHistory, codec.HistoryKey(scriptHash, 0, &txid)); err != nil {
		t.Errorf("history row missing: %v", err)
	}
}

func TestIndexBlockSpends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	builder := NewBuilder(s, nil)

	scriptA := []byte{0x51}
	scriptB := []byte{0x52}

	coinbase := makeCoinbase(0, scriptA, 5000)
	block0 := makeBlock(nil, coinbase)
	if _, err := builder.IndexBlock(ctx, 0, block0); err != nil {
		t.Fatalf("index block 0 failed: %v", err)
	}

	cbTxid := coinbase.TxHash()
	spend := makeSpendTx(&cbTxid, 0, &wire.TxOut{Value: 4000, PkScript: scriptB})
	block1 := makeBlock(block0.Hash(), makeCoinbase(1, scriptA, 5000), spend)
	result, err := builder.IndexBlock(ctx, 1, block1)
	if err != nil {
		t.Fatalf("index block 1 failed: %v", err)
	}

	hashA := types.HashScript(scriptA)
	hashB := types.HashScript(scriptB)
	if _, ok := result.Touched[hashA]; !ok {
		t.Error("spent script not in touched set")
	}
	if _, ok := result.Touched[hashB]; !ok {
		t.Error("funded script not in touched set")
	}

	// Spend row carries spender, height and the consumed output's script
	sv, err := s.Get(ctx, store.PartSpending, codec.SpendingKey(types.NewOutpoint(&cbTxid, 0)))
	if err != nil {
		t.Fatalf("spend row missing: %v", err)
	}
	spender, sheight, sscript, err := codec.DecodeSpendValue(sv)
	if err != nil {
		t.Fatalf("spend decode failed: %v", err)
	}
	spendTxid := spend.TxHash()
	if spender != spendTxid || sheight != 1 || sscript != hashA {
		t.Error("spend value mismatch")
	}

	// Spender appears in the spent script's history at the spending height
	if _, err := s.Get(ctx, store.PartHistory, codec.HistoryKey(hashA, 1, &spendTxid)); err != nil {
		t.Errorf("input-side history row missing: %v", err)
	}
}

func TestIndexBlockIntraBlockSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	builder := NewBuilder(s, nil)

	scriptA := []byte{0x51}
	scriptB := []byte{0x52}

	// The second transaction spends an output created earlier in the block
	coinbase := makeCoinbase(0, scriptA, 5000)
	cbTxid := coinbase.TxHash()
	child := makeSpendTx(&cbTxid, 0, &wire.TxOut{Value: 4000, PkScript: scriptB})
	block := makeBlock(nil, coinbase, child)

	if _, err := builder.IndexBlock(ctx, 0, block); err != nil {
		t.Fatalf("index failed: %v", err)
	}

	if _, err := s.Get(ctx, store.PartSpending, codec.SpendingKey(types.NewOutpoint(&cbTxid, 0))); err != nil {
		t.Errorf("intra-block spend row missing: %v", err)
	}
}

func TestIndexBlockIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	builder := NewBuilder(s, nil)

	script := []byte{0x51}
	block := makeBlock(nil, makeCoinbase(0, script, 5000))

	if _, err := builder.IndexBlock(ctx, 0, block); err != nil {
		t.Fatalf("first index failed: %v", err)
	}
	if _, err := builder.IndexBlock(ctx, 0, block); err != nil {
		t.Fatalf("re-index failed: %v", err)
	}

	// Re-indexing must not duplicate history rows
	count := 0
	scriptHash := types.HashScript(script)
	err := s.Scan(ctx, store.PartHistory, codec.HistoryPrefix(scriptHash), nil, func(key, value []byte) (bool, error) {
		count++
		return true, nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 history row after re-index, got %d", count)
	}
}

func TestDeriveTransactionUnresolvedInput(t *testing.T) {
	prev := chainhash.Hash{0x01}
	tx := makeSpendTx(&prev, 0, &wire.TxOut{Value: 1, PkScript: []byte{0x51}})

	failing := func(op wire.OutPoint) (*wire.TxOut, error) {
		return nil, store.ErrNotFound
	}
	if _, err := DeriveTransaction(btcutil.NewTx(tx), failing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected unresolved input error, got %v", err)
	}
}
