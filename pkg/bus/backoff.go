package bus

import (
	"math/rand"
	"time"
)

// BackoffSchedule is the retry schedule shared by every retriable operation
// in the coordination runtime (bus publish, agent restart): base 100ms,
// factor 2, cap 30s, jitter ±25%. Adapted from util/resiliency's HTTP retry
// loop and kernel/retry's deterministic-jitter shape, generalized to a
// reusable schedule independent of any one transport.
type BackoffSchedule struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // fraction of the computed delay, e.g. 0.25 for ±25%
}

// DefaultBackoff is the schedule mandated by spec §4.2/§4.5.
func DefaultBackoff() BackoffSchedule {
	return BackoffSchedule{
		Base:   100 * time.Millisecond,
		Factor: 2,
		Cap:    30 * time.Second,
		Jitter: 0.25,
	}
}

// Delay returns the backoff delay for the given zero-based attempt index.
func (s BackoffSchedule) Delay(attempt int) time.Duration {
	d := float64(s.Base)
	for i := 0; i < attempt; i++ {
		d *= s.Factor
		if d >= float64(s.Cap) {
			d = float64(s.Cap)
			break
		}
	}

	if s.Jitter > 0 {
		spread := d * s.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
