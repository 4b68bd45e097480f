package tap

import (
	"math"
	"sync/atomic"
	"time"
)

// DefaultCrossfadeDuration is short enough to feel instantaneous and long
// enough to avoid audible clicks.
const DefaultCrossfadeDuration = 50 * time.Millisecond

// CrossfadeConfig resolves the crossfade duration and converts it to a frame
// count for a given sample rate.
type CrossfadeConfig struct {
	// Override replaces the default duration when positive. Exists for
	// testing and tuning only.
	Override time.Duration
}

// Duration returns the configured crossfade duration.
func (c CrossfadeConfig) Duration() time.Duration {
	if c.Override > 0 {
		return c.Override
	}
	return DefaultCrossfadeDuration
}

// TotalSamples returns the number of frames a crossfade spans at the given
// sample rate. Must be recomputed on sample-rate changes; a device switch can
// change the rate.
func (c CrossfadeConfig) TotalSamples(sampleRate float64) uint64 {
	if sampleRate <= 0 {
		return 0
	}
	return uint64(sampleRate * c.Duration().Seconds())
}

// EqualPowerGains returns the outgoing and incoming gains for crossfade
// progress t in [0,1]. outgoing²+incoming² == 1 at every point, so perceived
// loudness stays constant through the transition; a linear fade would dip.
func EqualPowerGains(t float64) (outgoing, incoming float32) {
	if t <= 0 {
		return 1, 0
	}
	if t >= 1 {
		return 0, 1
	}
	angle := t * math.Pi / 2
	return float32(math.Cos(angle)), float32(math.Sin(angle))
}

// crossfadeState is the transition state shared between the control domain
// and the two real-time callbacks. elapsed has a single writer: the outgoing
// callback. The control domain only writes while no transition is active.
type crossfadeState struct {
	active  atomic.Bool
	done    atomic.Bool
	elapsed atomic.Uint64
	total   atomic.Uint64
}

func (x *crossfadeState) begin(total uint64) {
	x.done.Store(false)
	x.elapsed.Store(0)
	x.total.Store(total)
	x.active.Store(true)
}

func (x *crossfadeState) clear() {
	x.active.Store(false)
	x.done.Store(false)
	x.elapsed.Store(0)
	x.total.Store(0)
}
