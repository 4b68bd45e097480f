package tap

import (
	"sync/atomic"

	"github.com/Boettner-eric/FineTune/coreaudio"
)

// Real-time path. Everything below runs on the HAL's audio thread: no locks,
// no allocation, no blocking. Cross-domain state is limited to atomics on the
// controller (target gain, crossfade progress) and the per-path role.

// rtPath roles. Tagged state plus direct field access, no interface dispatch
// in the hot path.
const (
	roleSole     int32 = iota // only path: plain gain
	roleOutgoing              // crossfade source: gain * cos, advances elapsed
	roleIncoming              // crossfade destination: gain * sin
)

// rtPath is the per-path state touched by the real-time callback. current is
// written only by the callback thread that owns the path.
type rtPath struct {
	role    atomic.Int32
	current float32 // slewed gain, callback-local
}

// gainSlewPerFrame bounds how fast the applied gain may move toward the
// target per frame. 0.001 amplitude/frame is a ~21 ms full-scale ramp at
// 48 kHz: inaudible as a delay, slow enough to avoid clicks on large steps.
const gainSlewPerFrame = float32(0.001)

func slewGain(current, target float32) float32 {
	diff := target - current
	if diff > gainSlewPerFrame {
		return current + gainSlewPerFrame
	}
	if diff < -gainSlewPerFrame {
		return current - gainSlewPerFrame
	}
	return target
}

// ioProcFor returns the IO proc registered on a path's aggregate device.
func (c *Controller) ioProcFor(rt *rtPath) coreaudio.IOProc {
	return func(in, out []float32, frames, channels int) {
		c.render(rt, in, out, frames, channels)
	}
}

func (c *Controller) render(rt *rtPath, in, out []float32, frames, channels int) {
	if frames <= 0 || channels <= 0 || len(out) == 0 {
		return
	}
	n := frames * channels
	if n > len(out) {
		n = len(out)
		frames = n / channels
	}
	if len(in) < n {
		// No input to attenuate: emit silence rather than stale data.
		for i := 0; i < n; i++ {
			out[i] = 0
		}
		return
	}

	target := c.TargetGain()
	role := rt.role.Load()
	switch role {
	case roleOutgoing:
		c.renderOutgoing(rt, in, out, frames, channels, target)
	case roleIncoming:
		c.renderIncoming(rt, in, out, frames, channels, target)
	default:
		renderSole(rt, in, out, frames, channels, target)
	}

	if c.capRing != nil && role != roleIncoming {
		c.capRing.Write(out[:n])
	}
}

// renderSole applies the plain per-process gain, slewing toward the target.
func renderSole(rt *rtPath, in, out []float32, frames, channels int, target float32) {
	idx := 0
	for f := 0; f < frames; f++ {
		rt.current = slewGain(rt.current, target)
		for ch := 0; ch < channels; ch++ {
			out[idx] = in[idx] * rt.current
			idx++
		}
	}
}

// renderOutgoing blends the old path out with the equal-power cosine curve
// and advances the shared elapsed counter. Sole writer of elapsed/done.
func (c *Controller) renderOutgoing(rt *rtPath, in, out []float32, frames, channels int, target float32) {
	total := c.xfade.total.Load()
	if !c.xfade.active.Load() || total == 0 {
		renderSole(rt, in, out, frames, channels, target)
		return
	}

	elapsed := c.xfade.elapsed.Load()
	idx := 0
	for f := 0; f < frames; f++ {
		pos := elapsed + uint64(f)
		if pos > total {
			pos = total
		}
		fadeOut, _ := EqualPowerGains(float64(pos) / float64(total))
		rt.current = slewGain(rt.current, target)
		g := rt.current * fadeOut
		for ch := 0; ch < channels; ch++ {
			out[idx] = in[idx] * g
			idx++
		}
	}

	elapsed += uint64(frames)
	if elapsed >= total {
		elapsed = total
	}
	c.xfade.elapsed.Store(elapsed)
	if elapsed == total {
		c.xfade.done.Store(true)
	}
}

// renderIncoming blends the new path in with the equal-power sine curve. It
// reads elapsed but never writes it; the two devices run unsynchronized, so
// the per-frame offset is the best available alignment.
func (c *Controller) renderIncoming(rt *rtPath, in, out []float32, frames, channels int, target float32) {
	total := c.xfade.total.Load()
	if total == 0 {
		// Transition already resolved; stay silent until promoted or stopped.
		n := frames * channels
		for i := 0; i < n; i++ {
			out[i] = 0
		}
		return
	}

	elapsed := c.xfade.elapsed.Load()
	idx := 0
	for f := 0; f < frames; f++ {
		pos := elapsed + uint64(f)
		if pos > total {
			pos = total
		}
		_, fadeIn := EqualPowerGains(float64(pos) / float64(total))
		rt.current = slewGain(rt.current, target)
		g := rt.current * fadeIn
		for ch := 0; ch < channels; ch++ {
			out[idx] = in[idx] * g
			idx++
		}
	}
}
