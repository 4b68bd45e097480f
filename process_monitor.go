package finetune

import (
	"fmt"
	"sync"
	"time"
)

// ProcessLister enumerates the processes currently producing audio. Supplied
// by the external process monitor; this package only consumes the result.
type ProcessLister interface {
	AudioProcesses() ([]AudioApp, error)
}

// ProcessMonitor reconciles the engine against the live world: it polls the
// process lister to evict taps whose process disappeared and watches the
// default output device to trigger crossfades on route changes. Process-exit
// notifications can be missed, so reconciliation is an explicit set
// difference against a fresh observation rather than notification-driven.
type ProcessMonitor struct {
	engine *Engine
	lister ProcessLister

	mu        sync.RWMutex
	isRunning bool

	// Adaptive polling: process sets churn slowly, so the interval backs off
	// while nothing changes and snaps back on a change.
	baseInterval    time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	noChangeCount   int

	// Last observed state
	lastPIDs      map[int32]struct{}
	lastOutputUID string

	// Performance tracking
	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64
}

// NewProcessMonitor creates a monitor with the engine's poll cadence.
func NewProcessMonitor(engine *Engine, lister ProcessLister) *ProcessMonitor {
	base := engine.cfg.PollInterval
	return &ProcessMonitor{
		engine:          engine,
		lister:          lister,
		baseInterval:    base,
		maxInterval:     4 * base,
		currentInterval: base,
		lastPIDs:        make(map[int32]struct{}),
	}
}

// Start records the initial observation and begins polling.
func (pm *ProcessMonitor) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.isRunning {
		return fmt.Errorf("process monitor is already running")
	}

	if apps, err := pm.lister.AudioProcesses(); err == nil {
		pm.lastPIDs = pidSet(apps)
	}
	if info, status := pm.engine.hw.DefaultOutputDevice(); status.OK() {
		pm.lastOutputUID = info.UID
	}

	pm.isRunning = true
	go pm.monitorLoop()

	return nil
}

// Stop halts monitoring.
func (pm *ProcessMonitor) Stop() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.isRunning {
		return nil // Already stopped
	}

	pm.isRunning = false
	return nil
}

// IsRunning returns whether monitoring is active.
func (pm *ProcessMonitor) IsRunning() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.isRunning
}

// Interval returns the current adaptive polling interval.
func (pm *ProcessMonitor) Interval() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.currentInterval
}

// GetPerformanceStats returns monitoring performance statistics.
func (pm *ProcessMonitor) GetPerformanceStats() (avgTime, maxTime time.Duration, checkCount int64) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.averageCheckTime, pm.maxCheckTime, pm.checkCount
}

// ForceCheck triggers an immediate reconciliation pass. Useful for tests and
// for process-exit notifications arriving out of band.
func (pm *ProcessMonitor) ForceCheck() {
	if pm.IsRunning() {
		pm.checkOnce()
	}
}

func (pm *ProcessMonitor) monitorLoop() {
	currentInterval := pm.Interval()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.engine.ctx.Done():
			return
		case <-ticker.C:
			if !pm.IsRunning() {
				return
			}

			pm.checkOnce()

			// Reset ticker if the adaptive interval moved
			if newInterval := pm.Interval(); newInterval != currentInterval {
				ticker.Stop()
				ticker = time.NewTicker(newInterval)
				currentInterval = newInterval
			}
		}
	}
}

// checkOnce performs one reconciliation pass.
func (pm *ProcessMonitor) checkOnce() {
	start := time.Now()

	apps, err := pm.lister.AudioProcesses()
	if err != nil {
		pm.engine.errorHandler.HandleError(fmt.Errorf("process enumeration failed: %w", err))
		return
	}
	pids := pidSet(apps)

	outputUID := ""
	if info, status := pm.engine.hw.DefaultOutputDevice(); status.OK() {
		outputUID = info.UID
	}

	pm.mu.Lock()
	pidsChanged := !samePIDs(pids, pm.lastPIDs)
	outputChanged := outputUID != "" && pm.lastOutputUID != "" && outputUID != pm.lastOutputUID
	pm.lastPIDs = pids
	if outputUID != "" {
		pm.lastOutputUID = outputUID
	}
	pm.mu.Unlock()

	pm.updatePerformanceStats(time.Since(start))

	if !pidsChanged && !outputChanged {
		pm.adaptiveSlowdown()
		return
	}
	pm.adaptiveSpeedup()

	if pidsChanged {
		if err := pm.engine.CleanupStaleTaps(apps); err != nil {
			pm.engine.errorHandler.HandleError(fmt.Errorf("stale tap cleanup failed: %w", err))
		}
	}

	if outputChanged {
		if err := pm.engine.RouteChange(outputUID); err != nil {
			pm.engine.errorHandler.HandleError(fmt.Errorf("route change failed: %w", err))
		}
	}
}

func (pm *ProcessMonitor) updatePerformanceStats(elapsed time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.checkCount++

	// EMA with alpha = 0.1
	if pm.checkCount == 1 {
		pm.averageCheckTime = elapsed
	} else {
		pm.averageCheckTime = time.Duration(float64(pm.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}

	if elapsed > pm.maxCheckTime {
		pm.maxCheckTime = elapsed
	}
}

// adaptiveSlowdown gradually increases the polling interval while nothing
// changes.
func (pm *ProcessMonitor) adaptiveSlowdown() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.noChangeCount++
	if pm.noChangeCount > 10 {
		newInterval := time.Duration(float64(pm.currentInterval) * 1.5)
		if newInterval > pm.maxInterval {
			newInterval = pm.maxInterval
		}
		pm.currentInterval = newInterval
	}
}

// adaptiveSpeedup resets to the base interval when a change is detected.
func (pm *ProcessMonitor) adaptiveSpeedup() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.noChangeCount = 0
	pm.currentInterval = pm.baseInterval
}

func pidSet(apps []AudioApp) map[int32]struct{} {
	set := make(map[int32]struct{}, len(apps))
	for _, app := range apps {
		set[app.PID] = struct{}{}
	}
	return set
}

func samePIDs(a, b map[int32]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for pid := range a {
		if _, ok := b[pid]; !ok {
			return false
		}
	}
	return true
}
