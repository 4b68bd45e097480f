package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Boettner-eric/FineTune/capture"
	"github.com/Boettner-eric/FineTune/coreaudio"
)

// State is the controller's lifecycle state.
type State int32

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateCrossfading
	StateInvalidated // terminal
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateCrossfading:
		return "crossfading"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultSampleRate     = 48000.0
	defaultReadyTimeout   = 2 * time.Second
	defaultReadyPoll      = 10 * time.Millisecond
	defaultCrossfadeGrace = 250 * time.Millisecond
)

// Config tunes a controller's timeouts and initial route.
type Config struct {
	Crossfade CrossfadeConfig

	// OutputUID is the initial output route. Empty means system default.
	OutputUID string

	// ReadyTimeout bounds the wait for an aggregate device to start
	// processing IO after activation.
	ReadyTimeout time.Duration

	// ReadyPoll is the poll interval for readiness and crossfade completion.
	ReadyPoll time.Duration

	// CrossfadeGrace extends the crossfade duration to form the completion
	// timeout. The outgoing device drives progress; if it stalls (e.g. the
	// old device was unplugged) the grace expiry forces the switch.
	CrossfadeGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = defaultReadyPoll
	}
	if c.CrossfadeGrace <= 0 {
		c.CrossfadeGrace = defaultCrossfadeGrace
	}
	return c
}

// path is one live tap + aggregate + IO proc triple plus its real-time state.
type path struct {
	tap        coreaudio.AudioObjectID
	aggregate  coreaudio.AudioObjectID
	ioProc     coreaudio.IOProcID
	sampleRate float64
	rt         *rtPath
}

func (p path) handles() Handles {
	return Handles{Tap: p.tap, Aggregate: p.aggregate, IOProc: p.ioProc}
}

// Controller owns one process's tap, aggregate device and IO proc, applies
// the per-process gain in the real-time callback, and sequences crossfades
// when the audio route changes.
//
// All lifecycle methods (Activate, RouteChange, Invalidate) belong to the
// control domain and are serialized by an internal mutex. The real-time
// domain only reads the published gain/crossfade state and advances crossfade
// progress.
type Controller struct {
	hw  coreaudio.HostClient
	log *slog.Logger
	cfg Config

	pid  int32
	name string

	mu        sync.Mutex
	lifecycle atomic.Int32 // State, written under mu, readable lock-free
	primary   path
	secondary path

	targetGain atomic.Uint32 // float32 bits, single writer: control domain
	xfade      crossfadeState

	capRing *capture.Ring // optional, set before Activate
}

// NewController creates a controller for the given process. The controller
// holds no hardware objects until Activate.
func NewController(hw coreaudio.HostClient, log *slog.Logger, cfg Config, pid int32, name string) *Controller {
	c := &Controller{
		hw:   hw,
		log:  log.With("pid", pid, "process", name),
		cfg:  cfg.withDefaults(),
		pid:  pid,
		name: name,
	}
	c.targetGain.Store(math.Float32bits(1))
	return c
}

// PID returns the tapped process id.
func (c *Controller) PID() int32 {
	return c.pid
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.lifecycle.Load())
}

func (c *Controller) setState(s State) {
	c.lifecycle.Store(int32(s))
}

// SetGain publishes the target gain, clamped to [0,1]. Takes effect on the
// next processed buffer; the callback slews toward it to avoid clicks on
// large steps. Callable in any state.
func (c *Controller) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	} else if gain > 1 {
		gain = 1
	}
	c.targetGain.Store(math.Float32bits(float32(gain)))
}

// TargetGain returns the published target gain.
func (c *Controller) TargetGain() float32 {
	return math.Float32frombits(c.targetGain.Load())
}

// AttachCapture installs a debug capture ring fed from the callback. Must be
// called before Activate.
func (c *Controller) AttachCapture(ring *capture.Ring) {
	c.capRing = ring
}

// PrimaryHandles returns the current primary hardware handles. Zero while
// inactive or invalidated.
func (c *Controller) PrimaryHandles() Handles {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary.handles()
}

// Activate creates the process tap, wraps it in a private aggregate device,
// registers the real-time IO proc and waits for the device to start
// processing. A failure at any step tears down whatever was created and
// leaves the controller inactive.
func (c *Controller) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateInvalidated:
		return ErrInvalidated
	case StateActive, StateCrossfading:
		return nil
	}

	c.setState(StateActivating)
	p, err := c.createPath(c.cfg.OutputUID, roleSole)
	if err != nil {
		c.setState(StateInactive)
		return err
	}

	c.primary = p
	c.setState(StateActive)
	c.log.Debug("tap active", "aggregate", p.aggregate, "sampleRate", p.sampleRate)
	return nil
}

// createPath builds one tap/aggregate/IO-proc triple routed to outputUID.
// On any failure the partially created objects are destroyed before return.
func (c *Controller) createPath(outputUID string, role int32) (path, error) {
	var p path

	tapID, status := c.hw.CreateProcessTap(coreaudio.TapDescription{ProcessID: c.pid, Mute: true})
	if !status.OK() || !tapID.Valid() {
		return path{}, &StatusError{Op: "create process tap", Status: status, Err: ErrTapCreationFailed}
	}
	p.tap = tapID

	tapUID, status := c.hw.ReadTapUID(tapID)
	if !status.OK() || tapUID == "" {
		c.discardPath(&p)
		return path{}, &StatusError{Op: "read tap uid", Status: status, Err: ErrNoTapDescription}
	}

	aggID, status := c.hw.CreateAggregate(coreaudio.AggregateDescription{
		Name:      fmt.Sprintf("FineTune Tap %s (%d)", c.name, c.pid),
		UID:       "com.finetune.tap." + uuid.NewString(),
		OutputUID: outputUID,
		TapUID:    tapUID,
		Private:   true,
	})
	if !status.OK() || !aggID.Valid() {
		c.discardPath(&p)
		return path{}, &StatusError{Op: "create aggregate device", Status: status, Err: ErrAggregateCreationFailed}
	}
	p.aggregate = aggID
	coreaudio.RegisterAggregate(aggID)

	rate, status := c.hw.DeviceSampleRate(aggID)
	if !status.OK() || rate <= 0 {
		rate = defaultSampleRate
	}
	p.sampleRate = rate

	p.rt = &rtPath{}
	p.rt.role.Store(role)
	p.rt.current = c.TargetGain()

	procID, status := c.hw.CreateIOProc(aggID, c.ioProcFor(p.rt))
	if !status.OK() || !procID.Valid() {
		c.discardPath(&p)
		return path{}, &StatusError{Op: "register io proc", Status: status, Err: ErrAggregateCreationFailed}
	}
	p.ioProc = procID

	if status := c.hw.StartDevice(aggID, procID); !status.OK() {
		c.discardPath(&p)
		return path{}, &StatusError{Op: "start device", Status: status, Err: ErrAggregateCreationFailed}
	}

	if err := c.awaitRunning(aggID); err != nil {
		c.discardPath(&p)
		return path{}, err
	}
	return p, nil
}

// discardPath tears down a partially or fully created path and zeroes it.
func (c *Controller) discardPath(p *path) {
	Teardown(c.hw, p.handles(), c.log)
	*p = path{}
}

// awaitRunning waits until the device reports it is processing IO.
func (c *Controller) awaitRunning(device coreaudio.AudioObjectID) error {
	deadline := time.Now().Add(c.cfg.ReadyTimeout)
	for {
		running, status := c.hw.DeviceIsRunning(device)
		if status.OK() && running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("device %d: %w", device, ErrDeviceNotReady)
		}
		time.Sleep(c.cfg.ReadyPoll)
	}
}

// RouteChange moves the tap's output to a new device via an equal-power
// crossfade. A second tap/aggregate path is created for the new destination,
// both paths are blended sample-by-sample over the crossfade window, then the
// outgoing path is torn down.
//
// Blocks until the transition resolves. On timeout the switch is forced to
// whichever path is still valid and ErrCrossfadeTimeout is returned; if the
// incoming path dies mid-transition the controller stays on the outgoing path
// and returns ErrSecondaryTapFailed.
func (c *Controller) RouteChange(outputUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateInvalidated:
		return ErrInvalidated
	case StateInactive, StateActivating:
		return nil
	case StateCrossfading:
		return fmt.Errorf("crossfade already in progress")
	}

	sec, err := c.createPath(outputUID, roleIncoming)
	if err != nil {
		return errors.Join(ErrSecondaryTapFailed, err)
	}
	c.secondary = sec

	total := c.cfg.Crossfade.TotalSamples(sec.sampleRate)
	if total == 0 {
		c.promoteSecondary()
		return nil
	}

	c.xfade.begin(total)
	c.primary.rt.role.Store(roleOutgoing)
	c.setState(StateCrossfading)
	c.log.Debug("crossfade started", "to", outputUID, "frames", total)

	err = c.awaitCrossfade()
	if err == nil {
		c.promoteSecondary()
		return nil
	}

	if errors.Is(err, ErrCrossfadeTimeout) {
		// Force-complete to the incoming path if it is usable; the outgoing
		// device may already be gone.
		if alive, status := c.hw.DeviceIsAlive(c.secondary.aggregate); status.OK() && alive {
			c.promoteSecondary()
			return err
		}
	}

	// Fall back to the outgoing path.
	c.primary.rt.role.Store(roleSole)
	c.xfade.clear()
	c.discardPath(&c.secondary)
	c.setState(StateActive)
	return err
}

// awaitCrossfade polls for completion, incoming-path death, or timeout. The
// real-time outgoing callback advances elapsed and raises the done flag.
func (c *Controller) awaitCrossfade() error {
	deadline := time.Now().Add(c.cfg.Crossfade.Duration() + c.cfg.CrossfadeGrace)
	for {
		if c.xfade.done.Load() {
			return nil
		}
		alive, status := c.hw.DeviceIsAlive(c.secondary.aggregate)
		if !status.OK() || !alive {
			return fmt.Errorf("device %d: %w", c.secondary.aggregate, ErrSecondaryTapFailed)
		}
		if time.Now().After(deadline) {
			return ErrCrossfadeTimeout
		}
		time.Sleep(c.cfg.ReadyPoll)
	}
}

// promoteSecondary makes the incoming path the sole active path and tears
// down the outgoing one. The outgoing callback keeps reading elapsed==total
// (gain 0) until its device is stopped, so the order here is silent.
func (c *Controller) promoteSecondary() {
	c.secondary.rt.role.Store(roleSole)
	old := c.primary
	c.primary = c.secondary
	c.secondary = path{}
	Teardown(c.hw, old.handles(), c.log)
	c.xfade.clear()
	c.setState(StateActive)
	c.log.Debug("crossfade complete", "aggregate", c.primary.aggregate)
}

// Invalidate unconditionally tears down every held handle and moves the
// controller to its terminal state. Idempotent; safe after a partial
// activation failure; the control domain wins over any in-flight crossfade.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateInvalidated {
		return
	}

	c.xfade.clear()
	if c.secondary.handles().Any() {
		c.discardPath(&c.secondary)
	}
	if c.primary.handles().Any() {
		c.discardPath(&c.primary)
	}
	c.setState(StateInvalidated)
	c.log.Debug("tap invalidated")
}
