package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WeightTracker mirrors the server-reported request weight so clients can
// see how close an account is to a ban. It observes response headers; the
// engine's own pacing happens before requests are sent.
type WeightTracker struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	exchange      string
}

// NewWeightTracker creates a tracker for one venue's weight window.
func NewWeightTracker(exchange string, limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		exchange:      exchange,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight from an API response header.
func (w *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		w.usedWeight = 0
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	switch {
	case pct >= 95:
		log.Error().Str("exchange", w.exchange).Int("used", w.usedWeight).Int("limit", w.limit).
			Float64("pct", pct).Msg("request weight critical, approaching ban threshold")
	case pct >= 80:
		log.Warn().Str("exchange", w.exchange).Int("used", w.usedWeight).Int("limit", w.limit).
			Float64("pct", pct).Msg("request weight high")
	}
}

// Usage returns the current used weight, limit, and percentage.
func (w *WeightTracker) Usage() (used int, limit int, pct float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		return 0, w.limit, 0
	}
	return w.usedWeight, w.limit, float64(w.usedWeight) / float64(w.limit) * 100
}
