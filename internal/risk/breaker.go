package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CooldownWindow is how long new entries stay blocked after a failure.
const CooldownWindow = 60 * time.Second

// Breaker is a leaky-bucket trading circuit breaker. Any recorded
// failure blocks new entries for CooldownWindow; exits are never
// routed through it because reducing risk must always be permitted.
type Breaker struct {
	log *zap.Logger
	now func() time.Time

	mu          sync.Mutex
	errorCount  int
	lastErrorAt time.Time
}

func NewBreaker(log *zap.Logger) *Breaker {
	return &Breaker{log: log, now: time.Now}
}

// WithClock swaps the time source. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) RecordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount++
	b.lastErrorAt = b.now()
	if b.log != nil {
		b.log.Warn("trading error recorded, entry cooldown engaged",
			zap.Int("error_count", b.errorCount),
			zap.Duration("cooldown", CooldownWindow),
		)
	}
}

// ShouldBlockTrading reports whether new entries are suppressed. Once
// the window has elapsed with no further errors the counter resets.
func (b *Breaker) ShouldBlockTrading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.errorCount == 0 {
		return false
	}
	if b.now().Sub(b.lastErrorAt) >= CooldownWindow {
		b.errorCount = 0
		return false
	}
	return true
}

func (b *Breaker) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount
}
