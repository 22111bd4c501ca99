package gateway

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/memohai/wagateway/internal/config"
)

// ReconnectPolicy decides how long to wait before redial attempt n (1-based).
// ok=false means stop retrying and drop the tenant.
type ReconnectPolicy interface {
	Next(attempt int) (delay time.Duration, ok bool)
}

// FixedDelay waits the same delay before every attempt. MaxAttempts <= 0 retries forever.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedDelay) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// ExponentialBackoff doubles the delay per attempt up to MaxDelay.
type ExponentialBackoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool
}

func (p ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay, true
}

// NewReconnectPolicy builds the policy selected in configuration.
func NewReconnectPolicy(cfg config.ReconnectConfig) ReconnectPolicy {
	if strings.EqualFold(strings.TrimSpace(cfg.Strategy), config.ReconnectExponential) {
		return ExponentialBackoff{
			BaseDelay:   cfg.DelayDuration(),
			MaxDelay:    cfg.MaxDelayDuration(),
			MaxAttempts: cfg.MaxAttempts,
			Jitter:      true,
		}
	}
	return FixedDelay{Delay: cfg.DelayDuration(), MaxAttempts: cfg.MaxAttempts}
}
