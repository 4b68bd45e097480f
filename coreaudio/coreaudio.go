// Package coreaudio abstracts the slice of the Core Audio HAL that the tap
// lifecycle needs: process taps, aggregate devices that wrap them, and
// real-time device IO procs. The darwin implementation bridges to the HAL via
// cgo; everything else in the module talks to the HostClient interface so the
// lifecycle logic can run against a fake in tests.
package coreaudio

// AudioObjectID identifies a HAL object (tap, aggregate device, real device).
type AudioObjectID uint32

// UnknownObject is the invalid sentinel for AudioObjectID. Destroy operations
// on it are no-ops by contract.
const UnknownObject AudioObjectID = 0

// Valid reports whether the id refers to a live-looking object.
func (id AudioObjectID) Valid() bool {
	return id != UnknownObject
}

// IOProcID identifies a registered IO proc on a device.
type IOProcID uintptr

// UnknownIOProc is the invalid sentinel for IOProcID.
const UnknownIOProc IOProcID = 0

// Valid reports whether the id refers to a registered IO proc.
func (p IOProcID) Valid() bool {
	return p != UnknownIOProc
}

// OSStatus is a HAL status code. Zero means success.
type OSStatus int32

// StatusOK is the success status.
const StatusOK OSStatus = 0

// OK reports whether the status indicates success.
func (s OSStatus) OK() bool {
	return s == StatusOK
}

// TapDescription configures a process tap before creation.
type TapDescription struct {
	ProcessID int32 // pid of the process whose output is intercepted
	Mute      bool  // mute the process's direct output while tapped
}

// AggregateDescription configures a private aggregate device that wraps a tap
// and routes it to an output device.
type AggregateDescription struct {
	Name      string // human-readable device name
	UID       string // unique device UID, caller-generated
	OutputUID string // UID of the output device; empty means system default
	TapUID    string // UID of the process tap to include
	Private   bool   // hide the device from other applications
}

// DeviceInfo describes a HAL device well enough to route to it.
type DeviceInfo struct {
	ID  AudioObjectID
	UID string
}

// IOProc is the real-time render callback registered on an aggregate device.
// in and out are interleaved float32 sample buffers of frames*channels
// samples. The callback runs on the HAL's real-time thread: it must not
// allocate, lock, or block.
type IOProc func(in, out []float32, frames, channels int)

// HostClient is the hardware surface consumed by the tap lifecycle. Every
// destructive or creative call returns an OSStatus; callers must treat any
// non-zero status as failure and must never assume partial success.
//
// All methods except the registered IOProc itself are control-domain only and
// may block.
type HostClient interface {
	// CreateProcessTap creates a tap intercepting the described process's
	// output. Returns UnknownObject on failure.
	CreateProcessTap(desc TapDescription) (AudioObjectID, OSStatus)

	// DestroyProcessTap destroys a tap. Must only be called after any
	// aggregate device wrapping the tap has been destroyed.
	DestroyProcessTap(tapID AudioObjectID) OSStatus

	// ReadTapUID returns the tap's device UID, required to reference the tap
	// from an aggregate device description.
	ReadTapUID(tapID AudioObjectID) (string, OSStatus)

	// CreateAggregate creates a private aggregate device around a tap.
	CreateAggregate(desc AggregateDescription) (AudioObjectID, OSStatus)

	// DestroyAggregate destroys an aggregate device. Any IO proc on the
	// device must be stopped and destroyed first.
	DestroyAggregate(deviceID AudioObjectID) OSStatus

	// CreateIOProc registers a real-time callback on the device.
	CreateIOProc(deviceID AudioObjectID, proc IOProc) (IOProcID, OSStatus)

	// DestroyIOProc unregisters a callback. The proc must be stopped first.
	DestroyIOProc(deviceID AudioObjectID, procID IOProcID) OSStatus

	// StartDevice starts the device's IO for the given proc.
	StartDevice(deviceID AudioObjectID, procID IOProcID) OSStatus

	// StopDevice stops the device's IO for the given proc.
	StopDevice(deviceID AudioObjectID, procID IOProcID) OSStatus

	// DeviceIsRunning reports whether the device has begun processing IO.
	// Used to await readiness after StartDevice.
	DeviceIsRunning(deviceID AudioObjectID) (bool, OSStatus)

	// DeviceIsAlive reports whether the device still exists and is usable.
	DeviceIsAlive(deviceID AudioObjectID) (bool, OSStatus)

	// DeviceSampleRate returns the device's nominal sample rate in Hz.
	DeviceSampleRate(deviceID AudioObjectID) (float64, OSStatus)

	// DefaultOutputDevice returns the current system default output device.
	DefaultOutputDevice() (DeviceInfo, OSStatus)
}
