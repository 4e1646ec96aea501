package relay

import (
	"math/rand"
	"time"
)

// Policy is the retry delay schedule shared by every intent.
//
// Retry n (the wait before attempt n+1) is min(Base*2^(n-1), Max) plus a
// uniform jitter in [0, Jitter*delay). A Retry-After hint raises the delay
// to the hint, still bounded by Max.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Minute
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before the next attempt. retry is the number of
// attempts already made (1 after the first failure). rng may be nil for a
// jitter-free schedule.
func (p Policy) Delay(retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		return 0
	}

	d := p.Base
	for i := 1; i < retry; i++ {
		if d >= p.Max/2 {
			d = p.Max
			break
		}
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 && rng != nil {
		d += time.Duration(rng.Float64() * p.Jitter * float64(d))
	}

	if hint > 0 {
		if hint > p.Max {
			hint = p.Max
		}
		if hint > d {
			d = hint
		}
	}
	return d
}
