package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSync keeps signed request timestamps aligned with the venue's clock.
// Exchanges reject signatures whose timestamp drifts outside their window.
type TimeSync struct {
	mu            sync.RWMutex
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds, server minus local
	lastSync      time.Time
	syncInterval  time.Duration
	exchange      string
}

// NewTimeSync creates a time synchronizer over a venue's server-time call.
func NewTimeSync(exchange string, getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		exchange:      exchange,
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Start performs an initial sync and resyncs periodically until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Warn().Str("exchange", ts.exchange).Err(err).Msg("initial time sync failed")
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Warn().Str("exchange", ts.exchange).Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// Sync measures the clock offset once. Network latency is assumed symmetric.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	localMid := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localMid
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Debug().Str("exchange", ts.exchange).Int64("offset_ms", serverTime-localMid).Msg("time sync")
	return nil
}

// Now returns the current time in venue milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the measured offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
