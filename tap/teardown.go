package tap

import (
	"log/slog"

	"github.com/Boettner-eric/FineTune/coreaudio"
)

// Handles is one tap + aggregate device + IO proc triple. Zero values are the
// invalid sentinels; a zero Handles tears down to a no-op.
type Handles struct {
	Tap       coreaudio.AudioObjectID
	Aggregate coreaudio.AudioObjectID
	IOProc    coreaudio.IOProcID
}

// Any reports whether any handle in the triple is valid.
func (h Handles) Any() bool {
	return h.Tap.Valid() || h.Aggregate.Valid() || h.IOProc.Valid()
}

// Teardown destroys a tap/aggregate pair in the only safe order:
//
//  1. stop the device's IO proc, then destroy the IO proc registration
//  2. unregister the aggregate from the crash-guard registry, then destroy it
//  3. destroy the process tap
//
// Destroying the aggregate before stopping its IO proc, or the tap before the
// aggregate that wraps it, is undefined on the HAL. Every step checks its own
// status and a failure never skips the remaining steps: freeing what can be
// freed beats leaking the rest. Safe against any mix of invalid handles.
func Teardown(hw coreaudio.HostClient, h Handles, log *slog.Logger) {
	if h.Aggregate.Valid() && h.IOProc.Valid() {
		if status := hw.StopDevice(h.Aggregate, h.IOProc); !status.OK() {
			log.Warn("stop device failed", "device", h.Aggregate, "status", status)
		}
		if status := hw.DestroyIOProc(h.Aggregate, h.IOProc); !status.OK() {
			log.Warn("destroy io proc failed", "device", h.Aggregate, "status", status)
		}
	}

	if h.Aggregate.Valid() {
		coreaudio.UnregisterAggregate(h.Aggregate)
		if status := hw.DestroyAggregate(h.Aggregate); !status.OK() {
			log.Warn("destroy aggregate failed", "device", h.Aggregate, "status", status)
		}
	}

	if h.Tap.Valid() {
		if status := hw.DestroyProcessTap(h.Tap); !status.OK() {
			log.Warn("destroy process tap failed", "tap", h.Tap, "status", status)
		}
	}
}
