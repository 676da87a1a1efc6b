package mempool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockchain-for/blockstream-electrs/pkg/node"
)

// Refresher polls the node's mempool and reconciles the overlay: new txids
// are observed, entries the node no longer knows are dropped. Missing a
// transaction here is harmless; it is re-observed on the next poll.
type Refresher struct {
	tracker *Tracker
	source  node.MempoolSource
	logger  *slog.Logger

	pollDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewRefresher creates a Refresher.
func NewRefresher(tracker *Tracker, source node.MempoolSource, pollDelay time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if pollDelay <= 0 {
		pollDelay = time.Second
	}
	return &Refresher{
		tracker:   tracker,
		source:    source,
		logger:    logger,
		pollDelay: pollDelay,
	}
}

// Start launches the poll loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("refresher already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})

	go r.run(ctx)
	return nil
}

// Stop terminates the poll loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.pollDelay)
	defer ticker.Stop()

	for {
		if err := r.refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("mempool refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) error {
	txids, err := r.source.MempoolTxids(ctx)
	if err != nil {
		return err
	}

	current := make(map[chainhash.Hash]struct{}, len(txids))
	for i := range txids {
		current[txids[i]] = struct{}{}
	}

	// Drop entries the node no longer tracks (confirmed elsewhere or
	// evicted by the node itself).
	r.tracker.Evict(func(e *Entry) bool {
		_, ok := current[e.Txid]
		return !ok
	})

	for i := range txids {
		if r.tracker.Contains(&txids[i]) {
			continue
		}
		raw, err := r.source.RawTransaction(ctx, &txids[i])
		if err != nil {
			// The transaction may have left the mempool between the
			// listing and the fetch.
			r.logger.Debug("fetch mempool tx failed", "txid", txids[i].String(), "error", err)
			continue
		}
		if err := r.tracker.Observe(ctx, raw); err != nil {
			r.logger.Debug("observe mempool tx failed", "txid", txids[i].String(), "error", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	r.tracker.EvictStale()
	return nil
}
