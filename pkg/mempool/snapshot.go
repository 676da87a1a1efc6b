package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// Snapshot is an immutable copy of the overlay state. Queries take one
// snapshot per request so that all their reads observe the same mempool.
type Snapshot struct {
	entries  map[chainhash.Hash]*Entry
	byScript map[types.ScriptHash][]*Entry
	spent    map[types.Outpoint]chainhash.Hash
}

// Snapshot captures the current overlay. Entries are shared, not copied;
// they are immutable after insertion.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := &Snapshot{
		entries:  make(map[chainhash.Hash]*Entry, len(t.entries)),
		byScript: make(map[types.ScriptHash][]*Entry, len(t.byScript)),
		spent:    make(map[types.Outpoint]chainhash.Hash, len(t.spent)),
	}
	for txid, entry := range t.entries {
		snap.entries[txid] = entry
	}
	for script, set := range t.byScript {
		entries := make([]*Entry, 0, len(set))
		for txid := range set {
			entries = append(entries, t.entries[txid])
		}
		// Deterministic order: first seen, then txid.
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].FirstSeen.Equal(entries[j].FirstSeen) {
				return entries[i].FirstSeen.Before(entries[j].FirstSeen)
			}
			return entries[i].Txid.String() < entries[j].Txid.String()
		})
		snap.byScript[script] = entries
	}
	for op, txid := range t.spent {
		snap.spent[op] = txid
	}
	return snap
}

// Get returns the entry for a txid, if tracked.
func (s *Snapshot) Get(txid *chainhash.Hash) (*Entry, bool) {
	entry, ok := s.entries[*txid]
	return entry, ok
}

// Len returns the number of entries in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// TouchedBy returns the entries touching a script, in first-seen order.
func (s *Snapshot) TouchedBy(script types.ScriptHash) []*Entry {
	return s.byScript[script]
}

// Spender returns the txid of the mempool transaction spending an outpoint.
func (s *Snapshot) Spender(op types.Outpoint) (chainhash.Hash, bool) {
	txid, ok := s.spent[op]
	return txid, ok
}
