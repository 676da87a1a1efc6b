package query

import (
	"errors"

	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// mergeHistory appends the mempool's unconfirmed entries for a script to
// the confirmed ones. A txid already present in the confirmed view is
// dropped from the mempool side: confirmed wins, so a transaction caught in
// the window between block commit and mempool eviction appears exactly
// once, at its confirmed height.
func mergeHistory(confirmed []HistoryEntry, mp *mempool.Snapshot, script types.ScriptHash) []HistoryEntry {
	if mp == nil {
		return confirmed
	}

	seen := make(map[[32]byte]struct{}, len(confirmed))
	for _, e := range confirmed {
		seen[e.Txid] = struct{}{}
	}

	merged := confirmed
	for _, entry := range mp.TouchedBy(script) {
		if _, ok := seen[entry.Txid]; ok {
			continue
		}
		merged = append(merged, HistoryEntry{Txid: entry.Txid, Height: 0})
	}
	return merged
}

// mempoolUtxos returns the unconfirmed creations for a script that are not
// spent within the mempool. Entries whose transaction already landed in the
// store are skipped; their outputs are covered by the confirmed funding
// scan.
func mempoolUtxos(snap store.Snapshot, mp *mempool.Snapshot, script types.ScriptHash) []Utxo {
	var utxos []Utxo
	for _, entry := range mp.TouchedBy(script) {
		if _, err := snap.Get(store.PartTransactions, entry.Txid[:]); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			continue
		}
		for _, c := range entry.Records.Creations {
			if c.Script != script {
				continue
			}
			if _, spent := mp.Spender(c.Outpoint); spent {
				continue
			}
			utxos = append(utxos, Utxo{Outpoint: c.Outpoint, Satoshis: c.Satoshis, Height: 0})
		}
	}
	return utxos
}
