package mailbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the delay before an outbound or failed inbound
// message is attempted again.
type RetryPolicy struct {
	Base       time.Duration // first delay
	Factor     float64       // multiplier per attempt
	Jitter     float64       // symmetric jitter fraction (0.2 = ±20%)
	Cap        time.Duration // upper bound on any single delay
	MaxRetries int           // attempts before dead-letter
}

// DefaultRetryPolicy returns the standard policy: base 5s, factor 2,
// jitter ±20%, cap 1h, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       5 * time.Second,
		Factor:     2,
		Jitter:     0.2,
		Cap:        time.Hour,
		MaxRetries: 5,
	}
}

// Delay returns the backoff for the given attempt (1-based) with jitter
// applied. The cap bounds the result even after jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if p.Jitter > 0 {
		// rand in [-jitter, +jitter]
		base *= 1 + (rand.Float64()*2-1)*p.Jitter //nolint:gosec // G404: jitter, not crypto
	}
	delay := time.Duration(base)
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
