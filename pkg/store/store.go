// Package store provides the durable ordered key-value engine backing the
// index. All persisted records live here, split into partitions that each
// hold one record kind. Writers commit atomic batches; readers see either
// the pre- or post-batch state, never an interleaving.
package store

import (
	"context"
	"errors"
)

// Partition identifies a keyspace for one record kind. The partition byte is
// prepended to every key, so records of different kinds never collide and a
// prefix scan stays inside its partition.
type Partition byte

const (
	// PartHeaders holds block headers keyed by big-endian height.
	PartHeaders Partition = 'B'
	// PartHeaderHashes maps block hash to big-endian height.
	PartHeaderHashes Partition = 'h'
	// PartTransactions holds raw transactions keyed by txid; the value
	// carries the confirming height ahead of the raw bytes.
	PartTransactions Partition = 'T'
	// PartBlockTxs holds the ordered txid list of each indexed block,
	// keyed by big-endian height.
	PartBlockTxs Partition = 'X'
	// PartHistory holds script history entries keyed by
	// scripthash || height || txid.
	PartHistory Partition = 'S'
	// PartFunding holds UTXO creation entries keyed by
	// scripthash || outpoint.
	PartFunding Partition = 'F'
	// PartSpending holds UTXO spend entries keyed by outpoint.
	PartSpending Partition = 'D'
	// PartMeta holds the chain tip marker and the index format version.
	PartMeta Partition = 'M'
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrStorageIO wraps failures of the underlying medium. A batch that
	// fails with it has not been applied at all.
	ErrStorageIO = errors.New("storage io failure")

	// ErrIncompatibleIndex is returned when the on-disk index was written
	// by an incompatible layout version and must be rebuilt.
	ErrIncompatibleIndex = errors.New("incompatible index version, re-index required")
)

// KV is a key-value pair yielded by scans. The key has the partition byte
// stripped.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanFunc receives each entry of a scan in key order. Returning false stops
// the scan without error.
type ScanFunc func(key, value []byte) (bool, error)

// Snapshot is an immutable read handle. All reads through one Snapshot
// observe the same committed state regardless of concurrent batch commits.
// Callers must Close it when done.
type Snapshot interface {
	Get(partition Partition, key []byte) ([]byte, error)
	// Scan iterates entries of the partition whose keys start with prefix,
	// in ascending key order, starting after resume if non-nil. It never
	// yields keys outside the prefix.
	Scan(partition Partition, prefix, resume []byte, fn ScanFunc) error
	Close()
}

// Store is the durable ordered key-value engine. Batch commits are
// serialized against each other; reads proceed concurrently under snapshot
// isolation.
type Store interface {
	Get(ctx context.Context, partition Partition, key []byte) ([]byte, error)
	Scan(ctx context.Context, partition Partition, prefix, resume []byte, fn ScanFunc) error
	// Write atomically commits all operations in the batch, or none of them.
	Write(ctx context.Context, batch *Batch) error
	Snapshot() (Snapshot, error)
	Close() error
}

type opKind byte

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// Batch accumulates writes and deletes to be committed atomically. A Batch
// is not safe for concurrent use.
type Batch struct {
	ops []op
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put schedules a write of key to value in the partition.
func (b *Batch) Put(partition Partition, key, value []byte) {
	b.ops = append(b.ops, op{kind: opPut, key: partitionKey(partition, key), value: value})
}

// Delete schedules removal of key from the partition. Deleting an absent key
// is a no-op.
func (b *Batch) Delete(partition Partition, key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: partitionKey(partition, key)})
}

// Len returns the number of scheduled operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// partitionKey prepends the partition byte to a key.
func partitionKey(p Partition, key []byte) []byte {
	buf := make([]byte, 1+len(key))
	buf[0] = byte(p)
	copy(buf[1:], key)
	return buf
}
