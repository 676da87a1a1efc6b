// Package query answers history, balance, UTXO, and transaction lookups by
// merging the confirmed index with the mempool overlay. Every request reads
// against one store snapshot and one mempool snapshot taken together, so a
// transaction is never observed as both confirmed and unconfirmed within a
// single response. The service holds no state of its own.
package query

import (
	"context"
	"errors"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockchain-for/blockstream-electrs/pkg/codec"
	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
	"github.com/blockchain-for/blockstream-electrs/pkg/types"
)

// ErrNotFound is returned for lookups of unknown txids. The HTTP layer maps
// it to a 404; it is not an error condition of the index.
var ErrNotFound = errors.New("not found")

// HistoryEntry is one touch of a script by a transaction. Height 0 means
// unconfirmed.
type HistoryEntry struct {
	Txid   chainhash.Hash `json:"-"`
	Height uint32         `json:"height"`
}

// Utxo is one unspent output. Height 0 means unconfirmed.
type Utxo struct {
	Outpoint types.Outpoint `json:"-"`
	Satoshis uint64         `json:"satoshis"`
	Height   uint32         `json:"height"`
}

// Balance is the spendable value of a script. Unconfirmed is the delta the
// mempool would apply: new outputs minus confirmed outputs it spends.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// Status describes the indexed tip.
type Status struct {
	Height      uint32 `json:"height"`
	Hash        string `json:"hash"`
	Synced      bool   `json:"synced"`
	MempoolSize int    `json:"mempool_size"`
}

// Service merges the confirmed and unconfirmed views.
type Service struct {
	store   store.Store
	mempool *mempool.Tracker
	synced  func() bool
	logger  *slog.Logger
}

// NewService creates a Service. mempoolTracker may be nil during initial
// sync; synced may be nil, in which case the status always reports false.
func NewService(s store.Store, mempoolTracker *mempool.Tracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		mempool: mempoolTracker,
		logger:  logger,
	}
}

// WithSyncedFn wires the chain tracker's sync status into tip queries.
func (s *Service) WithSyncedFn(fn func() bool) *Service {
	s.synced = fn
	return s
}

// snapshots captures the confirmed and mempool views together.
func (s *Service) snapshots() (store.Snapshot, *mempool.Snapshot, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	var mp *mempool.Snapshot
	if s.mempool != nil {
		mp = s.mempool.Snapshot()
	}
	return snap, mp, nil
}

// History returns every transaction touching a script: confirmed entries in
// ascending height order, then unconfirmed entries in first-seen order. A
// txid present in both views appears once, at its confirmed height.
func (s *Service) History(ctx context.Context, script types.ScriptHash) ([]HistoryEntry, error) {
	snap, mp, err := s.snapshots()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	confirmed, err := s.confirmedHistory(ctx, snap, script)
	if err != nil {
		return nil, err
	}
	return mergeHistory(confirmed, mp, script), nil
}

// confirmedHistory scans the history partition for a script. The key layout
// guarantees ascending height order; individual malformed records are
// logged and skipped without failing the scan.
func (s *Service) confirmedHistory(ctx context.Context, snap store.Snapshot, script types.ScriptHash) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := snap.Scan(store.PartHistory, codec.HistoryPrefix(script), nil, func(key, _ []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_, height, txid, err := codec.ParseHistoryKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed history record", "error", err)
			return true, nil
		}
		entries = append(entries, HistoryEntry{Txid: txid, Height: height})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Utxos returns the unspent outputs of a script: confirmed creations not
// spent by the store or by the mempool, plus unconfirmed creations not yet
// spent within the mempool.
func (s *Service) Utxos(ctx context.Context, script types.ScriptHash) ([]Utxo, error) {
	snap, mp, err := s.snapshots()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	return s.utxosFromSnapshots(ctx, snap, mp, script)
}

func (s *Service) utxosFromSnapshots(ctx context.Context, snap store.Snapshot, mp *mempool.Snapshot, script types.ScriptHash) ([]Utxo, error) {
	var utxos []Utxo

	err := snap.Scan(store.PartFunding, codec.FundingPrefix(script), nil, func(key, value []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_, outpoint, err := codec.ParseFundingKey(key)
		if err != nil {
			s.logger.Warn("skipping malformed funding record", "error", err)
			return true, nil
		}
		satoshis, height, err := codec.DecodeFundingValue(value)
		if err != nil {
			s.logger.Warn("skipping malformed funding record", "outpoint", outpoint.String(), "error", err)
			return true, nil
		}

		if _, err := snap.Get(store.PartSpending, codec.SpendingKey(outpoint)); err == nil {
			return true, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
		if mp != nil {
			if _, spent := mp.Spender(outpoint); spent {
				return true, nil
			}
		}

		utxos = append(utxos, Utxo{Outpoint: outpoint, Satoshis: satoshis, Height: height})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if mp != nil {
		utxos = append(utxos, mempoolUtxos(snap, mp, script)...)
	}
	return utxos, nil
}

// Balance sums a script's confirmed UTXOs and the mempool's delta on them.
func (s *Service) Balance(ctx context.Context, script types.ScriptHash) (Balance, error) {
	snap, mp, err := s.snapshots()
	if err != nil {
		return Balance{}, err
	}
	defer snap.Close()

	var balance Balance

	err = snap.Scan(store.PartFunding, codec.FundingPrefix(script), nil, func(key, value []byte) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		_, outpoint, err := codec.ParseFundingKey(key)
		if err != nil {
			return true, nil
		}
		satoshis, _, err := codec.DecodeFundingValue(value)
		if err != nil {
			return true, nil
		}
		if _, err := snap.Get(store.PartSpending, codec.SpendingKey(outpoint)); err == nil {
			return true, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}

		balance.Confirmed += int64(satoshis)
		if mp != nil {
			if _, spent := mp.Spender(outpoint); spent {
				balance.Unconfirmed -= int64(satoshis)
			}
		}
		return true, nil
	})
	if err != nil {
		return Balance{}, err
	}

	if mp != nil {
		for _, u := range mempoolUtxos(snap, mp, script) {
			balance.Unconfirmed += int64(u.Satoshis)
		}
	}
	return balance, nil
}

// Transaction returns the raw bytes and confirming height of a transaction.
// The store wins over the mempool for the same txid; height 0 means the
// transaction is only known unconfirmed.
func (s *Service) Transaction(ctx context.Context, txid *chainhash.Hash) ([]byte, uint32, error) {
	snap, mp, err := s.snapshots()
	if err != nil {
		return nil, 0, err
	}
	defer snap.Close()

	value, err := snap.Get(store.PartTransactions, txid[:])
	if err == nil {
		height, raw, err := codec.DecodeTxValue(value)
		if err != nil {
			return nil, 0, err
		}
		return raw, height, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, err
	}

	if mp != nil {
		if entry, ok := mp.Get(txid); ok {
			return entry.Raw, 0, nil
		}
	}
	return nil, 0, ErrNotFound
}

// Tip returns the indexed tip and sync status.
func (s *Service) Tip(ctx context.Context) (Status, error) {
	status := Status{}
	if s.synced != nil {
		status.Synced = s.synced()
	}
	if s.mempool != nil {
		status.MempoolSize = s.mempool.Len()
	}

	value, err := s.store.Get(ctx, store.PartMeta, codec.TipKey)
	if errors.Is(err, store.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return Status{}, err
	}
	height, hash, err := codec.DecodeTipValue(value)
	if err != nil {
		return Status{}, err
	}
	status.Height = height
	status.Hash = hash.String()
	return status, nil
}
