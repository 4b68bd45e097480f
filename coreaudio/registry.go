package coreaudio

import "sync"

// Aggregate devices are external hardware objects: if the process dies while
// one is alive, the HAL keeps it around. The registry tracks every aggregate
// this process has created so a crash guard (or a normal shutdown path) can
// sweep whatever was left behind. Teardown unregisters a device before
// destroying it.

var (
	registryMu     sync.Mutex
	liveAggregates = make(map[AudioObjectID]struct{})
)

// RegisterAggregate records a freshly created aggregate device.
func RegisterAggregate(id AudioObjectID) {
	if !id.Valid() {
		return
	}
	registryMu.Lock()
	liveAggregates[id] = struct{}{}
	registryMu.Unlock()
}

// UnregisterAggregate removes a device from the registry. Safe to call for
// ids that were never registered.
func UnregisterAggregate(id AudioObjectID) {
	registryMu.Lock()
	delete(liveAggregates, id)
	registryMu.Unlock()
}

// LiveAggregates returns a snapshot of registered aggregate device ids.
func LiveAggregates() []AudioObjectID {
	registryMu.Lock()
	defer registryMu.Unlock()
	ids := make([]AudioObjectID, 0, len(liveAggregates))
	for id := range liveAggregates {
		ids = append(ids, id)
	}
	return ids
}

// CleanupOrphans destroys every registered aggregate device. Intended for
// emergency shutdown paths; normal teardown goes through the tap package so
// IO procs are stopped first. Returns the number of devices destroyed.
func CleanupOrphans(hw HostClient) int {
	destroyed := 0
	for _, id := range LiveAggregates() {
		UnregisterAggregate(id)
		if hw.DestroyAggregate(id).OK() {
			destroyed++
		}
	}
	return destroyed
}
