package rate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWindow = time.Minute
	defaultMax    = 20
)

// WindowStore counts requests in fixed windows. IncrementWindow returns the
// count after the increment and the time left in the current window.
type WindowStore interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type Config struct {
	Window time.Duration
	Max    int
}

type Limiter struct {
	store  WindowStore
	window time.Duration
	max    int
	logger *zap.Logger
}

func NewLimiter(store WindowStore, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Max < 0 {
		cfg.Max = defaultMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Limiter{
		store:  store,
		window: cfg.Window,
		max:    cfg.Max,
		logger: logger,
	}
}

// Allow counts one request for userID. A zero max disables limiting.
// Store failures let the request through.
func (l *Limiter) Allow(ctx context.Context, userID string) (int64, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, false, fmt.Errorf("invalid user id")
	}
	if l.max == 0 || l.store == nil {
		return 0, true, nil
	}

	count, ttl, err := l.store.IncrementWindow(ctx, userID, l.window)
	if err != nil {
		l.logger.Warn("rate window store failed, allowing request", zap.String("user_id", userID), zap.Error(err))
		return 0, true, nil
	}
	if count > int64(l.max) {
		return ceilSeconds(ttl), false, nil
	}

	return 0, true, nil
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	sec := int64(d / time.Second)
	if d%time.Second != 0 {
		sec++
	}
	if sec <= 0 {
		sec = 1
	}
	return sec
}
