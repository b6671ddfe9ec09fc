package order

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"exec-engine/internal/metrics"
)

const (
	defaultRebalanceInterval = time.Second
	memorySampleInterval     = 5 * time.Minute
	defaultMemoryAlertBytes  = 1 << 30 // 1 GiB heap
)

// Scheduler drives periodic rebalancing over every (account, symbol) pair
// present in either store, watches queue depth for backpressure and samples
// process memory.
type Scheduler struct {
	exec     *Executor
	interval time.Duration
	memLimit uint64

	running atomic.Bool
}

func NewScheduler(exec *Executor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultRebalanceInterval
	}
	return &Scheduler{
		exec:     exec,
		interval: interval,
		memLimit: defaultMemoryAlertBytes,
	}
}

// Start runs the loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	mem := time.NewTicker(memorySampleInterval)
	defer mem.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Pass(ctx)
		case <-mem.C:
			s.sampleMemory()
		}
	}
}

// Pass runs one full scan. At most one pass runs at a time; a tick that
// lands while the previous pass is still working is skipped, not queued.
func (s *Scheduler) Pass(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	pairs, err := s.exec.store.ListQueuePairs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue pair scan failed")
		return
	}
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.exec.RebalanceSymbol(ctx, pair.AccountID, pair.Symbol); err != nil {
			log.Error().Err(err).
				Str("account_id", pair.AccountID).
				Str("symbol", pair.Symbol).
				Msg("scheduled rebalance failed")
		}
	}

	s.watchDepth(ctx)
}

// watchDepth warns per backlogged symbol and escalates to a human alert
// when too many symbols back up in the same pass.
func (s *Scheduler) watchDepth(ctx context.Context) {
	depths, err := s.exec.store.ListPendingDepths(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue depth scan failed")
		return
	}

	metrics.PendingDepth.Reset()
	hot := 0
	for _, d := range depths {
		metrics.PendingDepth.WithLabelValues(d.AccountID, d.Symbol).Set(float64(d.Count))
		if d.Count > PendingWarnDepth {
			hot++
			log.Warn().
				Str("account_id", d.AccountID).
				Str("symbol", d.Symbol).
				Int("depth", d.Count).
				Msg("pending queue backpressure")
		}
	}
	if hot >= PendingAlertSymbols {
		s.exec.alerts.Alert("Queue backpressure",
			fmt.Sprintf("%d symbols above %d pending orders", hot, PendingWarnDepth))
	}
}

func (s *Scheduler) sampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	log.Info().
		Uint64("heap_alloc", ms.HeapAlloc).
		Uint64("sys", ms.Sys).
		Uint32("num_gc", ms.NumGC).
		Msg("memory sample")
	if ms.HeapAlloc > s.memLimit {
		s.exec.alerts.Alert("Memory usage high",
			fmt.Sprintf("heap %d MiB exceeds %d MiB", ms.HeapAlloc>>20, s.memLimit>>20))
	}
}
