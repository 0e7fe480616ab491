package grant

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clearauth/grantd/storage"
)

// DefaultSweepInterval is how often the sweeper reaps expired records.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically deletes expired authorization codes and refresh
// tokens from the grant store. Expired records are inert either way; the
// sweeper just keeps the store from growing without bound.
type Sweeper struct {
	store    storage.GrantStore
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over store. A non-positive interval falls
// back to DefaultSweepInterval.
func NewSweeper(store storage.GrantStore, interval, storeTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		timeout:  storeTimeout,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately. Calling Start
// more than once has no further effect.
func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Stop terminates the sweep loop and waits for an in-flight sweep to
// finish. Safe to call more than once, and safe without a prior Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("expired record sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("swept expired grant records", "deleted", n)
	}
}
