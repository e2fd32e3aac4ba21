package entitlement

import (
	"context"
	"time"
)

// SetSleep replaces the backoff sleep so retry tests run instantly.
func SetSleep(e *Engine, sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}
