// Package mempool maintains the in-memory overlay of unconfirmed
// transactions. Entries carry the same logical records the index builder
// derives for confirmed blocks, so the query layer can merge the two views.
// Nothing here is persisted; a restart repopulates from the node.
package mempool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockchain-for/blockstream-electrs/pkg/index"
	"github.com/blockchain-for/blockstream-electrs/pkg/pubsub"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// PrevOutResolver resolves outputs spent by mempool transactions that are
// not themselves in the mempool, typically against the confirmed store.
type PrevOutResolver interface {
	PrevOutput(ctx context.Context, op wire.OutPoint) (*wire.TxOut, error)
}

// Entry is one unconfirmed transaction. Entries are immutable once stored,
// which lets snapshots share them without copying.
type Entry struct {
	Txid      chainhash.Hash
	Raw       []byte
	FirstSeen time.Time
	Records   *index.TxRecords

	msgTx *wire.MsgTx
}

// Tracker owns the overlay. One inbound stream mutates it; query snapshots
// read it concurrently.
type Tracker struct {
	mu       sync.RWMutex
	entries  map[chainhash.Hash]*Entry
	byScript map[types.ScriptHash]map[chainhash.Hash]struct{}
	spent    map[types.Outpoint]chainhash.Hash

	resolver PrevOutResolver
	events   pubsub.PubSub
	logger   *slog.Logger

	maxCount int
	maxAge   time.Duration
}

// NewTracker creates a Tracker. events may be nil.
func NewTracker(resolver PrevOutResolver, events pubsub.PubSub, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		entries:  make(map[chainhash.Hash]*Entry),
		byScript: make(map[types.ScriptHash]map[chainhash.Hash]struct{}),
		spent:    make(map[types.Outpoint]chainhash.Hash),
		resolver: resolver,
		events:   events,
		logger:   logger,
	}
}

// WithLimits sets the eviction bounds. Zero disables the respective bound.
func (t *Tracker) WithLimits(maxCount int, maxAge time.Duration) *Tracker {
	t.maxCount = maxCount
	t.maxAge = maxAge
	return t
}

// Len returns the number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Contains reports whether a txid is currently tracked.
func (t *Tracker) Contains(txid *chainhash.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[*txid]
	return ok
}

// Observe decodes a raw transaction and adds it to the overlay, deriving
// touched scripts and spent outpoints exactly as the index builder would.
// Observing a transaction twice is a no-op.
func (t *Tracker) Observe(ctx context.Context, raw []byte) error {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	tx := btcutil.NewTx(&msg)

	if t.Contains(tx.Hash()) {
		return nil
	}

	// Resolve inputs before taking the write lock so store reads never
	// stall concurrent snapshot readers. Parents may sit in the overlay
	// themselves; fall back to the confirmed store for everything else.
	prevOut := func(op wire.OutPoint) (*wire.TxOut, error) {
		out, ok, err := t.parentOutput(op)
		if err != nil {
			return nil, err
		}
		if ok {
			return out, nil
		}
		return t.resolver.PrevOutput(ctx, op)
	}

	records, err := index.DeriveTransaction(tx, prevOut)
	if err != nil {
		return err
	}

	entry := &Entry{
		Txid:      *tx.Hash(),
		Raw:       records.Raw,
		FirstSeen: time.Now(),
		Records:   records,
		msgTx:     &msg,
	}

	t.mu.Lock()
	if _, ok := t.entries[entry.Txid]; ok {
		t.mu.Unlock()
		return nil
	}
	t.insertLocked(entry)
	t.mu.Unlock()

	if t.events != nil {
		for script := range records.Touched() {
			event := pubsub.Event{
				Topic:  script.String(),
				Txid:   entry.Txid.String(),
				Source: "mempool",
			}
			if err := t.events.Publish(ctx, event); err != nil {
				t.logger.Warn("publish mempool event", "topic", event.Topic, "error", err)
			}
		}
	}

	return nil
}

// parentOutput looks up one output of a transaction already in the overlay.
func (t *Tracker) parentOutput(op wire.OutPoint) (*wire.TxOut, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parent, ok := t.entries[op.Hash]
	if !ok {
		return nil, false, nil
	}
	if int(op.Index) >= len(parent.msgTx.TxOut) {
		return nil, false, fmt.Errorf("output %d of %s out of range", op.Index, op.Hash.String())
	}
	return parent.msgTx.TxOut[op.Index], true, nil
}

func (t *Tracker) insertLocked(entry *Entry) {
	t.entries[entry.Txid] = entry
	for script := range entry.Records.Touched() {
		set, ok := t.byScript[script]
		if !ok {
			set = make(map[chainhash.Hash]struct{})
			t.byScript[script] = set
		}
		set[entry.Txid] = struct{}{}
	}
	for _, s := range entry.Records.Spends {
		t.spent[s.Outpoint] = entry.Txid
	}
}

func (t *Tracker) removeLocked(txid chainhash.Hash) {
	entry, ok := t.entries[txid]
	if !ok {
		return
	}
	delete(t.entries, txid)
	for script := range entry.Records.Touched() {
		if set, ok := t.byScript[script]; ok {
			delete(set, txid)
			if len(set) == 0 {
				delete(t.byScript, script)
			}
		}
	}
	for _, s := range entry.Records.Spends {
		if spender, ok := t.spent[s.Outpoint]; ok && spender == txid {
			delete(t.spent, s.Outpoint)
		}
	}
}

// OnConfirmed removes entries whose transactions were confirmed in a block.
// They now live in the store, which wins over the overlay in queries, so
// the brief window before removal cannot double-count.
func (t *Tracker) OnConfirmed(txids []chainhash.Hash) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, txid := range txids {
		if _, ok := t.entries[txid]; ok {
			t.removeLocked(txid)
			removed++
		}
	}
	return removed
}

// Evict removes entries matching the predicate and returns how many were
// removed.
func (t *Tracker) Evict(pred func(*Entry) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var doomed []chainhash.Hash
	for txid, entry := range t.entries {
		if pred(entry) {
			doomed = append(doomed, txid)
		}
	}
	for _, txid := range doomed {
		t.removeLocked(txid)
	}
	return len(doomed)
}

// EvictStale applies the configured age and count bounds, removing oldest
// entries first.
func (t *Tracker) EvictStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	if t.maxAge > 0 {
		cutoff := time.Now().Add(-t.maxAge)
		var doomed []chainhash.Hash
		for txid, entry := range t.entries {
			if entry.FirstSeen.Before(cutoff) {
				doomed = append(doomed, txid)
			}
		}
		for _, txid := range doomed {
			t.removeLocked(txid)
		}
		removed += len(doomed)
	}

	if t.maxCount > 0 && len(t.entries) > t.maxCount {
		entries := make([]*Entry, 0, len(t.entries))
		for _, entry := range t.entries {
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].FirstSeen.Before(entries[j].FirstSeen)
		})
		excess := len(entries) - t.maxCount
		for _, entry := range entries[:excess] {
			t.removeLocked(entry.Txid)
		}
		removed += excess
	}

	if removed > 0 {
		t.logger.Debug("evicted mempool entries", "count", removed, "remaining", len(t.entries))
	}
	return removed
}
