package torrent

import (
	"time"

	"golang.org/x/time/rate"
)

// 64 KiB fits a few blocks, so a limited peer never starves on burst.
const defaultRateLimiterBurst = 1 << 16

// Sets rate limiter burst if it's set to zero which is used to request the default by our API.
func setRateLimiterBurstIfZero(l *rate.Limiter, def int) {
	if l.Burst() == 0 && l.Limit() != rate.Inf {
		// What if the limit is greater than what can be represented by int?
		l.SetBurst(def)
	}
}

// Weight of the previous estimate when folding in a new sample. Samples are taken about once a
// second, so the estimate mostly reflects the last several seconds.
const rateSmoothing = 0.7

// Estimates bytes per second of a monotonic counter. Owned by the session loop.
type rateMeter struct {
	last   int64
	lastAt time.Time
	rate   float64
}

func (me *rateMeter) sample(now time.Time, total int64) {
	if me.lastAt.IsZero() {
		me.last, me.lastAt = total, now
		return
	}
	dt := now.Sub(me.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	instant := float64(total-me.last) / dt
	me.rate = me.rate*rateSmoothing + instant*(1-rateSmoothing)
	me.last, me.lastAt = total, now
}

// Bytes per second.
func (me *rateMeter) Rate() float64 {
	return me.rate
}
