// Package finetune attenuates the audio output of individual processes and
// redirects their audio across output-device changes without clicks or
// dropouts. The engine owns one tap controller per attenuated process,
// creating taps when a volume drops below unity and destroying them when it
// returns to unity or the process disappears.
package finetune

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Boettner-eric/FineTune/coreaudio"
	"github.com/Boettner-eric/FineTune/tap"
)

// EngineConfig holds configuration for engine initialization.
type EngineConfig struct {
	Hardware     coreaudio.HostClient // required
	Processes    ProcessLister        // optional: nil disables the monitor
	ErrorHandler ErrorHandler         // optional: defaults to DefaultErrorHandler
	Logger       *slog.Logger         // optional: defaults to slog.Default
	Config       Config               // zero values fall back to defaults
}

// Engine owns the collection of active tap controllers keyed by process id
// plus the volume store. All lifecycle mutations are serialized through the
// dispatcher; the real-time work happens inside each controller's callback.
type Engine struct {
	id  uuid.UUID
	log *slog.Logger
	hw  coreaudio.HostClient
	cfg Config

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	outputUID string // current output route for new taps

	volumes     *VolumeState
	controllers map[int32]*tap.Controller

	dispatcher   *Dispatcher
	monitor      *ProcessMonitor
	errorHandler ErrorHandler
}

// NewEngine creates an engine. The dispatcher starts immediately so volume
// calls work before Start; the process monitor starts with Start.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Hardware == nil {
		return nil, fmt.Errorf("Hardware is required in EngineConfig")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = &DefaultErrorHandler{Log: config.Logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:           uuid.New(),
		log:          config.Logger,
		hw:           config.Hardware,
		cfg:          config.Config.withDefaults(),
		ctx:          ctx,
		cancel:       cancel,
		volumes:      NewVolumeState(),
		controllers:  make(map[int32]*tap.Controller),
		errorHandler: config.ErrorHandler,
	}

	e.dispatcher = NewDispatcher(e)
	if err := e.dispatcher.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if config.Processes != nil {
		e.monitor = NewProcessMonitor(e, config.Processes)
	}

	return e, nil
}

// ID returns the engine's UUID.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// IsRunning reports whether the engine has been started and not stopped.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// Start resolves the current default output device and begins process
// monitoring.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	if info, status := e.hw.DefaultOutputDevice(); status.OK() {
		e.outputUID = info.UID
	} else {
		e.log.Warn("default output device lookup failed", "status", status)
	}
	e.isRunning = true
	e.mu.Unlock()

	if e.monitor != nil {
		if err := e.monitor.Start(); err != nil {
			return fmt.Errorf("failed to start process monitor: %w", err)
		}
	}
	return nil
}

// SetVolume records the desired gain for a process and reconciles its tap:
// unity removes any controller, an attenuated gain creates or updates exactly
// one. The gain is recorded even when tap activation fails.
func (e *Engine) SetVolume(app AudioApp, gain float64) error {
	return e.dispatcher.SetVolume(app, gain)
}

// GetVolume returns the stored gain for a process, defaulting to unity.
func (e *Engine) GetVolume(app AudioApp) float64 {
	return e.volumes.Get(app.PID)
}

// CleanupStaleTaps invalidates and removes every controller whose process is
// absent from the supplied active set, then prunes the volume store.
func (e *Engine) CleanupStaleTaps(active []AudioApp) error {
	return e.dispatcher.CleanupStaleTaps(active)
}

// RouteChange crossfades every active tap to the new output device and makes
// it the route for future taps.
func (e *Engine) RouteChange(outputUID string) error {
	return e.dispatcher.RouteChange(outputUID)
}

// Stop invalidates every controller, stops the monitor and dispatcher, and
// sweeps any aggregate devices left in the crash-guard registry. No hardware
// handle survives Stop.
func (e *Engine) Stop() error {
	if e.monitor != nil {
		if err := e.monitor.Stop(); err != nil {
			e.errorHandler.HandleError(fmt.Errorf("error stopping process monitor: %w", err))
		}
	}

	if err := e.dispatcher.StopEngine(); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("engine stop failed: %w", err))
	}
	if err := e.dispatcher.Stop(); err != nil {
		e.errorHandler.HandleError(fmt.Errorf("error stopping dispatcher: %w", err))
	}

	e.cancel()

	e.mu.Lock()
	e.isRunning = false
	e.mu.Unlock()
	return nil
}

// ControllerCount returns the number of live tap controllers.
func (e *Engine) ControllerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.controllers)
}

// Controller returns the live controller for a pid, if any.
func (e *Engine) Controller(pid int32) (*tap.Controller, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ctrl, ok := e.controllers[pid]
	return ctrl, ok
}

// OutputUID returns the current output route.
func (e *Engine) OutputUID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outputUID
}

// GetMonitor returns the process monitor, nil when no lister was configured.
func (e *Engine) GetMonitor() *ProcessMonitor {
	return e.monitor
}

// controllerConfig builds the tap config for new controllers. Caller holds
// e.mu.
func (e *Engine) controllerConfig() tap.Config {
	return tap.Config{
		Crossfade:      tap.CrossfadeConfig{Override: e.cfg.CrossfadeOverride},
		OutputUID:      e.outputUID,
		ReadyTimeout:   e.cfg.ReadyTimeout,
		CrossfadeGrace: e.cfg.CrossfadeGrace,
	}
}

// The apply methods below execute on the dispatcher goroutine, which is the
// single logical owner of the controller collection.

func (e *Engine) applySetVolume(app AudioApp, gain float64) error {
	stored := e.volumes.Set(app.PID, gain)

	e.mu.Lock()
	defer e.mu.Unlock()

	ctrl, exists := e.controllers[app.PID]
	if stored >= 1.0 {
		// Unity needs no attenuation; an existing tap is pure overhead.
		if exists {
			ctrl.Invalidate()
			delete(e.controllers, app.PID)
			e.log.Debug("tap removed at unity", "pid", app.PID)
		}
		return nil
	}

	if exists {
		ctrl.SetGain(stored)
		return nil
	}

	ctrl = tap.NewController(e.hw, e.log, e.controllerConfig(), app.PID, app.Name)
	ctrl.SetGain(stored)
	if err := ctrl.Activate(); err != nil {
		ctrl.Invalidate()
		return fmt.Errorf("activate tap for pid %d: %w", app.PID, err)
	}
	e.controllers[app.PID] = ctrl
	return nil
}

func (e *Engine) applyCleanupStaleTaps(active []AudioApp) error {
	keep := make(map[int32]struct{}, len(active))
	for _, app := range active {
		keep[app.PID] = struct{}{}
	}

	e.mu.Lock()
	for pid, ctrl := range e.controllers {
		if _, ok := keep[pid]; !ok {
			ctrl.Invalidate()
			delete(e.controllers, pid)
			e.log.Debug("stale tap removed", "pid", pid)
		}
	}
	e.mu.Unlock()

	e.volumes.Cleanup(keep)
	return nil
}

func (e *Engine) applyRouteChange(outputUID string) error {
	e.mu.Lock()
	e.outputUID = outputUID
	ctrls := make([]*tap.Controller, 0, len(e.controllers))
	for _, ctrl := range e.controllers {
		ctrls = append(ctrls, ctrl)
	}
	e.mu.Unlock()

	// A failed crossfade on one tap must not block the rest of the fleet.
	for _, ctrl := range ctrls {
		if err := ctrl.RouteChange(outputUID); err != nil {
			e.errorHandler.HandleError(
				fmt.Errorf("route change for pid %d: %w", ctrl.PID(), err))
		}
	}
	return nil
}

func (e *Engine) applyStop() error {
	e.mu.Lock()
	for pid, ctrl := range e.controllers {
		ctrl.Invalidate()
		delete(e.controllers, pid)
	}
	e.mu.Unlock()

	if n := coreaudio.CleanupOrphans(e.hw); n > 0 {
		e.log.Warn("destroyed orphaned aggregate devices", "count", n)
	}
	return nil
}
