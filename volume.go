package finetune

import "sync"

// AudioApp identifies a process currently producing audio. Supplied by the
// external process monitor; immutable for the lifetime of a tap.
type AudioApp struct {
	PID  int32
	Name string
}

// VolumeState is the authoritative mapping from process id to desired gain.
// Pure data: no hardware access, never touched from the real-time domain.
// Unseen pids default to unity (1.0, no attenuation).
type VolumeState struct {
	mu    sync.RWMutex
	gains map[int32]float64
}

// NewVolumeState returns an empty volume store.
func NewVolumeState() *VolumeState {
	return &VolumeState{gains: make(map[int32]float64)}
}

// Set stores the gain for a process, clamped to [0,1], and returns the
// stored value.
func (v *VolumeState) Set(pid int32, gain float64) float64 {
	if gain < 0 {
		gain = 0
	} else if gain > 1 {
		gain = 1
	}
	v.mu.Lock()
	v.gains[pid] = gain
	v.mu.Unlock()
	return gain
}

// Get returns the stored gain for a process, or 1.0 for unseen pids.
func (v *VolumeState) Get(pid int32) float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if gain, ok := v.gains[pid]; ok {
		return gain
	}
	return 1.0
}

// Cleanup removes every entry whose pid is not in keep. Bounds memory as
// processes terminate.
func (v *VolumeState) Cleanup(keep map[int32]struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for pid := range v.gains {
		if _, ok := keep[pid]; !ok {
			delete(v.gains, pid)
		}
	}
}

// Len returns the number of stored entries.
func (v *VolumeState) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.gains)
}
