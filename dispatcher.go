package finetune

import (
	"fmt"
	"sync"
	"time"
)

// DispatcherOperation represents one serialized lifecycle operation.
type DispatcherOperation struct {
	Type     OperationType
	Data     interface{}
	Response chan DispatcherResult
}

// OperationType represents the type of dispatcher operation.
type OperationType string

const (
	OpSetVolume   OperationType = "set_volume"
	OpCleanupTaps OperationType = "cleanup_stale_taps"
	OpRouteChange OperationType = "route_change"
	OpStopEngine  OperationType = "stop_engine"
)

// DispatcherResult represents the result of a dispatcher operation.
type DispatcherResult struct {
	Success bool
	Error   error
}

// Data structures for dispatcher operations.

type SetVolumeData struct {
	App  AudioApp
	Gain float64
}

type CleanupData struct {
	Active []AudioApp
}

type RouteChangeData struct {
	OutputUID string
}

// Dispatcher serializes all control-domain lifecycle changes onto a single
// goroutine. Hardware object creation and destruction may block and may
// fail; funneling it through one owner keeps the controller collection
// single-writer and keeps teardown ordering race-free.
type Dispatcher struct {
	engine     *Engine
	mu         sync.RWMutex
	isRunning  bool
	operations chan DispatcherOperation
	stopChan   chan struct{}

	// Performance tracking
	lastOperationDuration time.Duration
	slowOperationLimit    time.Duration
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(engine *Engine) *Dispatcher {
	return &Dispatcher{
		engine:     engine,
		operations: make(chan DispatcherOperation, 100),
		stopChan:   make(chan struct{}),
		// Route changes block for the crossfade window per tap, so the slow
		// threshold sits well above a single crossfade plus its grace.
		slowOperationLimit: 2 * time.Second,
	}
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}

	d.isRunning = true
	go d.dispatchLoop()

	return nil
}

// Stop halts the dispatcher. Pending operations are abandoned.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return nil // Already stopped
	}

	close(d.stopChan)
	d.isRunning = false

	return nil
}

// IsRunning returns whether the dispatcher is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// LastOperationDuration returns the duration of the most recent operation.
func (d *Dispatcher) LastOperationDuration() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration
}

func (d *Dispatcher) dispatchLoop() {
	for {
		select {
		case <-d.stopChan:
			return
		case op := <-d.operations:
			start := time.Now()
			result := d.executeOperation(op)
			duration := time.Since(start)

			d.mu.Lock()
			d.lastOperationDuration = duration
			limit := d.slowOperationLimit
			d.mu.Unlock()

			if duration > limit {
				d.engine.errorHandler.HandleError(
					fmt.Errorf("lifecycle operation %s took %v", op.Type, duration))
			}

			op.Response <- result
		}
	}
}

func (d *Dispatcher) executeOperation(op DispatcherOperation) DispatcherResult {
	switch op.Type {
	case OpSetVolume:
		data := op.Data.(SetVolumeData)
		err := d.engine.applySetVolume(data.App, data.Gain)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpCleanupTaps:
		data := op.Data.(CleanupData)
		err := d.engine.applyCleanupStaleTaps(data.Active)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpRouteChange:
		data := op.Data.(RouteChangeData)
		err := d.engine.applyRouteChange(data.OutputUID)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpStopEngine:
		err := d.engine.applyStop()
		return DispatcherResult{Success: err == nil, Error: err}

	default:
		return DispatcherResult{
			Success: false,
			Error:   fmt.Errorf("unknown operation type: %s", op.Type),
		}
	}
}

// do submits an operation and waits for its result.
func (d *Dispatcher) do(opType OperationType, data interface{}) error {
	if !d.IsRunning() {
		return fmt.Errorf("dispatcher is not running")
	}

	response := make(chan DispatcherResult, 1)
	op := DispatcherOperation{
		Type:     opType,
		Data:     data,
		Response: response,
	}

	select {
	case d.operations <- op:
	case <-d.stopChan:
		return fmt.Errorf("dispatcher stopped")
	}

	select {
	case result := <-response:
		return result.Error
	case <-d.stopChan:
		return fmt.Errorf("dispatcher stopped")
	}
}

// Public API methods that queue operations.

// SetVolume records and applies a volume change via the dispatcher.
func (d *Dispatcher) SetVolume(app AudioApp, gain float64) error {
	return d.do(OpSetVolume, SetVolumeData{App: app, Gain: gain})
}

// CleanupStaleTaps reconciles the controller set via the dispatcher.
func (d *Dispatcher) CleanupStaleTaps(active []AudioApp) error {
	return d.do(OpCleanupTaps, CleanupData{Active: active})
}

// RouteChange moves all taps to a new output via the dispatcher.
func (d *Dispatcher) RouteChange(outputUID string) error {
	return d.do(OpRouteChange, RouteChangeData{OutputUID: outputUID})
}

// StopEngine tears down every controller via the dispatcher.
func (d *Dispatcher) StopEngine() error {
	return d.do(OpStopEngine, nil)
}
