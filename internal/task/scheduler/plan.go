package scheduler

import (
	"slices"
	"time"

	"cronrelay/internal/jobs"
)

// Upper bound on occurrences walked for one job in one tick. A one-second
// schedule that was down for a day stays well below it. Past the bound the
// plan jumps to the occurrences closest to now.
const maxScan = 200_000

// firePlan is what one due job emits in one tick.
type firePlan struct {
	fires   []time.Time // ascending, all <= now
	next    *time.Time  // nil: no future occurrence
	skipped int
}

// planFires walks the schedule from the stored cursor. The cursor itself is
// always due (the caller only plans due jobs). Subsequent occurrences come
// from the previous occurrence, never from now, so the sequence is the same
// however late the tick runs.
func planFires(s jobs.Schedule, cursor, now time.Time, policy CatchUpPolicy, maxCatchUp int) firePlan {
	keep := 1
	if policy == CatchUpReplay && maxCatchUp > 1 {
		keep = maxCatchUp
	}

	var p firePlan
	window := make([]time.Time, 0, keep)
	t := cursor
	for scanned := 0; ; scanned++ {
		if len(window) == keep {
			window = append(window[:0], window[1:]...)
			p.skipped++
		}
		window = append(window, t)

		n, ok := s.Next(t)
		if !ok {
			break
		}
		if n.After(now) {
			p.next = &n
			break
		}
		if scanned >= maxScan {
			// re-anchor on the occurrences closest to now
			tail := latestUpTo(s, t, now, keep)
			p.skipped += len(window)
			if step := n.Sub(t); step > 0 {
				// unscanned span, estimated from the last step
				if gap := int(tail[0].Sub(t)/step) - 1; gap > 0 {
					p.skipped += gap
				}
			}
			window = tail
			if n2, ok := s.Next(tail[len(tail)-1]); ok {
				p.next = &n2
			}
			break
		}
		t = n
	}
	p.fires = window
	return p
}

// latestUpTo returns up to k of the latest occurrences in (lo, hi], ascending.
func latestUpTo(s jobs.Schedule, lo, hi time.Time, k int) []time.Time {
	out := make([]time.Time, 0, k)
	for len(out) < k {
		o, ok := latestAtOrBefore(s, lo, hi)
		if !ok {
			break
		}
		out = append(out, o)
		hi = o.Add(-time.Nanosecond)
	}
	slices.Reverse(out)
	return out
}

// latestAtOrBefore bisects for the last occurrence in (lo, hi]. Next is
// monotone in its argument and occurrences land on whole seconds, so a
// bracket narrower than a second holds at most one of them.
func latestAtOrBefore(s jobs.Schedule, lo, hi time.Time) (time.Time, bool) {
	if n, ok := s.Next(lo); !ok || n.After(hi) {
		return time.Time{}, false
	}
	// Next(a) <= hi, Next(b) > hi
	a, b := lo, hi
	for b.Sub(a) > time.Second {
		mid := a.Add(b.Sub(a) / 2)
		if n, ok := s.Next(mid); ok && !n.After(hi) {
			a = mid
		} else {
			b = mid
		}
	}
	n, _ := s.Next(a)
	return n, true
}
