// Package hwtest provides a scripted in-memory HostClient so the tap
// lifecycle can be exercised without Core Audio. It records every call in
// order, supports per-operation failure injection, and can drive a path's
// registered IO proc the way the HAL's real-time thread would.
package hwtest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Boettner-eric/FineTune/coreaudio"
)

// StatusParamError mirrors the HAL's kAudioHardwareBadObjectError-style
// failure for operations on unknown handles.
const StatusParamError coreaudio.OSStatus = -50

type aggregateState struct {
	desc coreaudio.AggregateDescription
	dead bool
}

type procState struct {
	device  coreaudio.AudioObjectID
	fn      coreaudio.IOProc
	running bool
}

// Client is a fake coreaudio.HostClient.
type Client struct {
	mu sync.Mutex

	nextObject coreaudio.AudioObjectID
	nextProc   coreaudio.IOProcID

	taps       map[coreaudio.AudioObjectID]coreaudio.TapDescription
	aggregates map[coreaudio.AudioObjectID]*aggregateState
	procs      map[coreaudio.IOProcID]*procState

	calls []string

	aggregateCreates int

	// Failure injection: a non-zero status makes the operation fail with it.
	FailCreateTap       coreaudio.OSStatus
	FailReadTapUID      coreaudio.OSStatus
	FailCreateAggregate coreaudio.OSStatus
	FailCreateIOProc    coreaudio.OSStatus
	FailStartDevice     coreaudio.OSStatus
	FailStopDevice      coreaudio.OSStatus

	// NeverRunning keeps devices from ever reporting running, so activation
	// hits its readiness timeout.
	NeverRunning bool

	// NewAggregatesDead marks aggregates created while set as dead: they
	// activate normally but report not-alive afterwards.
	NewAggregatesDead bool

	// SampleRate is reported for every device.
	SampleRate float64

	// Output is the default output device.
	Output coreaudio.DeviceInfo
}

// NewClient returns a fake with sane defaults.
func NewClient() *Client {
	return &Client{
		nextObject: 100,
		taps:       make(map[coreaudio.AudioObjectID]coreaudio.TapDescription),
		aggregates: make(map[coreaudio.AudioObjectID]*aggregateState),
		procs:      make(map[coreaudio.IOProcID]*procState),
		SampleRate: 48000,
		Output:     coreaudio.DeviceInfo{ID: 99, UID: "fake-default-output"},
	}
}

func (c *Client) record(format string, args ...any) {
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded call log.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many recorded calls start with prefix.
func (c *Client) CallCount(prefix string) int {
	n := 0
	for _, call := range c.Calls() {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// TapsAlive returns the number of live process taps.
func (c *Client) TapsAlive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.taps)
}

// AggregatesAlive returns the number of live aggregate devices.
func (c *Client) AggregatesAlive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aggregates)
}

// ProcsAlive returns the number of registered IO procs.
func (c *Client) ProcsAlive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.procs)
}

// AggregateCreates returns how many aggregates were ever created.
func (c *Client) AggregateCreates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregateCreates
}

// KillDevice marks an aggregate as dead without destroying it.
func (c *Client) KillDevice(id coreaudio.AudioObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agg, ok := c.aggregates[id]; ok {
		agg.dead = true
	}
}

// Render invokes the running IO proc on the device with the given input, the
// way the HAL's real-time thread would, and returns the produced output.
// Returns false if the device has no running proc.
func (c *Client) Render(device coreaudio.AudioObjectID, in []float32, frames, channels int) ([]float32, bool) {
	c.mu.Lock()
	var fn coreaudio.IOProc
	for _, p := range c.procs {
		if p.device == device && p.running {
			fn = p.fn
			break
		}
	}
	c.mu.Unlock()

	if fn == nil {
		return nil, false
	}
	out := make([]float32, frames*channels)
	fn(in, out, frames, channels)
	return out, true
}

// RenderAll drives every running IO proc once with the given input. Tests
// use it to pump both sides of a crossfade the way two live devices would.
func (c *Client) RenderAll(in []float32, frames, channels int) {
	c.mu.Lock()
	fns := make([]coreaudio.IOProc, 0, len(c.procs))
	for _, p := range c.procs {
		if p.running {
			fns = append(fns, p.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		out := make([]float32, frames*channels)
		fn(in, out, frames, channels)
	}
}

// SetOutput changes the reported default output device.
func (c *Client) SetOutput(info coreaudio.DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Output = info
}

// HostClient implementation.

func (c *Client) CreateProcessTap(desc coreaudio.TapDescription) (coreaudio.AudioObjectID, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateProcessTap(pid=%d)", desc.ProcessID)
	if !c.FailCreateTap.OK() {
		return coreaudio.UnknownObject, c.FailCreateTap
	}
	c.nextObject++
	id := c.nextObject
	c.taps[id] = desc
	return id, coreaudio.StatusOK
}

func (c *Client) DestroyProcessTap(tapID coreaudio.AudioObjectID) coreaudio.OSStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("DestroyProcessTap(%d)", tapID)
	if _, ok := c.taps[tapID]; !ok {
		return StatusParamError
	}
	delete(c.taps, tapID)
	return coreaudio.StatusOK
}

func (c *Client) ReadTapUID(tapID coreaudio.AudioObjectID) (string, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ReadTapUID(%d)", tapID)
	if !c.FailReadTapUID.OK() {
		return "", c.FailReadTapUID
	}
	if _, ok := c.taps[tapID]; !ok {
		return "", StatusParamError
	}
	return fmt.Sprintf("fake-tap-uid-%d", tapID), coreaudio.StatusOK
}

func (c *Client) CreateAggregate(desc coreaudio.AggregateDescription) (coreaudio.AudioObjectID, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateAggregate(%s)", desc.UID)
	if !c.FailCreateAggregate.OK() {
		return coreaudio.UnknownObject, c.FailCreateAggregate
	}
	c.nextObject++
	id := c.nextObject
	c.aggregates[id] = &aggregateState{desc: desc, dead: c.NewAggregatesDead}
	c.aggregateCreates++
	return id, coreaudio.StatusOK
}

func (c *Client) DestroyAggregate(deviceID coreaudio.AudioObjectID) coreaudio.OSStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("DestroyAggregate(%d)", deviceID)
	if _, ok := c.aggregates[deviceID]; !ok {
		return StatusParamError
	}
	delete(c.aggregates, deviceID)
	return coreaudio.StatusOK
}

func (c *Client) CreateIOProc(deviceID coreaudio.AudioObjectID, proc coreaudio.IOProc) (coreaudio.IOProcID, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateIOProc(%d)", deviceID)
	if !c.FailCreateIOProc.OK() {
		return coreaudio.UnknownIOProc, c.FailCreateIOProc
	}
	if _, ok := c.aggregates[deviceID]; !ok {
		return coreaudio.UnknownIOProc, StatusParamError
	}
	c.nextProc++
	id := c.nextProc
	c.procs[id] = &procState{device: deviceID, fn: proc}
	return id, coreaudio.StatusOK
}

func (c *Client) DestroyIOProc(deviceID coreaudio.AudioObjectID, procID coreaudio.IOProcID) coreaudio.OSStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("DestroyIOProc(%d)", deviceID)
	if _, ok := c.procs[procID]; !ok {
		return StatusParamError
	}
	delete(c.procs, procID)
	return coreaudio.StatusOK
}

func (c *Client) StartDevice(deviceID coreaudio.AudioObjectID, procID coreaudio.IOProcID) coreaudio.OSStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("StartDevice(%d)", deviceID)
	if !c.FailStartDevice.OK() {
		return c.FailStartDevice
	}
	p, ok := c.procs[procID]
	if !ok || p.device != deviceID {
		return StatusParamError
	}
	p.running = true
	return coreaudio.StatusOK
}

func (c *Client) StopDevice(deviceID coreaudio.AudioObjectID, procID coreaudio.IOProcID) coreaudio.OSStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("StopDevice(%d)", deviceID)
	if !c.FailStopDevice.OK() {
		return c.FailStopDevice
	}
	p, ok := c.procs[procID]
	if !ok {
		return StatusParamError
	}
	p.running = false
	return coreaudio.StatusOK
}

func (c *Client) DeviceIsRunning(deviceID coreaudio.AudioObjectID) (bool, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.NeverRunning {
		return false, coreaudio.StatusOK
	}
	for _, p := range c.procs {
		if p.device == deviceID && p.running {
			return true, coreaudio.StatusOK
		}
	}
	return false, coreaudio.StatusOK
}

func (c *Client) DeviceIsAlive(deviceID coreaudio.AudioObjectID) (bool, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.aggregates[deviceID]
	if !ok {
		return false, StatusParamError
	}
	return !agg.dead, coreaudio.StatusOK
}

func (c *Client) DeviceSampleRate(deviceID coreaudio.AudioObjectID) (float64, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.aggregates[deviceID]; !ok {
		return 0, StatusParamError
	}
	return c.SampleRate, coreaudio.StatusOK
}

func (c *Client) DefaultOutputDevice() (coreaudio.DeviceInfo, coreaudio.OSStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Output, coreaudio.StatusOK
}

var _ coreaudio.HostClient = (*Client)(nil)
