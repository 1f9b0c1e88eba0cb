package monitor

import (
	"errors"
	"fmt"
	"time"
)

// Policy controls how often a loop refreshes and how it backs off after
// failures.
type Policy struct {
	// Interval is the pause between successful refresh cycles.
	Interval time.Duration

	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// RetryLimit is the number of failed reconnects tolerated before the
	// loop gives up. Must be at least 1.
	RetryLimit int
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	switch {
	case p.Interval <= 0:
		return fmt.Errorf("update interval must be positive, got %v", p.Interval)
	case p.BaseDelay <= 0:
		return fmt.Errorf("base delay must be positive, got %v", p.BaseDelay)
	case p.MaxDelay <= 0:
		return fmt.Errorf("max delay must be positive, got %v", p.MaxDelay)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("max delay %v is less than base delay %v", p.MaxDelay, p.BaseDelay)
	case p.RetryLimit < 1:
		return errors.New("retry limit must be at least 1")
	}
	return nil
}

// Delay returns the backoff before reconnect attempt n (1-based):
// min(BaseDelay * 2^(n-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
