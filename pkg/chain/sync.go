package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/blockchain-for/blockstream-electrs/pkg/store"
)

// Syncer drives the Tracker: it repeatedly applies SyncOnce until the index
// reaches the source tip, then polls for new blocks. Fatal ingestion errors
// stall the writer sequence rather than skip a block; the stall is
// observable through the tip marker no longer advancing.
type Syncer struct {
	tracker *Tracker
	logger  *slog.Logger

	pollDelay time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSyncer creates a Syncer.
func NewSyncer(tracker *Tracker, pollDelay time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if pollDelay <= 0 {
		pollDelay = time.Second
	}
	return &Syncer{
		tracker:   tracker,
		logger:    logger,
		pollDelay: pollDelay,
	}
}

// Start launches the sync loop.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("syncer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop terminates the sync loop and waits for it to exit.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.stopped)

	for {
		advanced, err := s.tracker.SyncOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case isFatal(err):
			// Continuing would violate height contiguity. Leave the tip
			// where it is and stop indexing.
			s.logger.Error("ingestion halted", "error", err)
			return
		case err != nil:
			s.logger.Warn("sync step failed, retrying", "error", err)
		case advanced:
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollDelay):
		}
	}
}

// isFatal reports whether an ingestion error requires operator action.
func isFatal(err error) bool {
	return errors.Is(err, ErrReorgTooDeep) ||
		errors.Is(err, ErrChainDiscontinuity) ||
		errors.Is(err, store.ErrStorageIO) ||
		errors.Is(err, store.ErrIncompatibleIndex)
}
