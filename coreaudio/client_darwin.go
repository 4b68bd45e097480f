//go:build darwin && cgo

package coreaudio

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Foundation -framework CoreAudio -framework AudioToolbox

#include <stdlib.h>

#import <Foundation/Foundation.h>
#import <CoreAudio/CoreAudio.h>
#import <CoreAudio/AudioHardwareTapping.h>
#import <CoreAudio/CATapDescription.h>

extern void goIOProcBridge(void* clientData, float* in, float* out, UInt32 frames, UInt32 channels);

// Translate a Unix pid to the HAL's process object.
static OSStatus ft_translate_pid(pid_t pid, AudioObjectID* outObject) {
    AudioObjectPropertyAddress addr = {
        kAudioHardwarePropertyTranslatePIDToProcessObject,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    UInt32 size = sizeof(AudioObjectID);
    return AudioObjectGetPropertyData(kAudioObjectSystemObject, &addr,
                                      sizeof(pid), &pid, &size, outObject);
}

// Create a process tap intercepting the given pid's output.
static OSStatus ft_create_tap(pid_t pid, bool mute, AudioObjectID* outTap) {
    AudioObjectID processObject = kAudioObjectUnknown;
    OSStatus status = ft_translate_pid(pid, &processObject);
    if (status != noErr) {
        return status;
    }

    CATapDescription* desc =
        [[CATapDescription alloc] initStereoMixdownOfProcesses:@[ @(processObject) ]];
    desc.uuid = [NSUUID UUID];
    desc.privateTap = YES;
    desc.muteBehavior = mute ? CATapMuted : CATapUnmuted;

    return AudioHardwareCreateProcessTap(desc, outTap);
}

static OSStatus ft_destroy_tap(AudioObjectID tap) {
    return AudioHardwareDestroyProcessTap(tap);
}

// Read the tap's device UID so an aggregate description can reference it.
static OSStatus ft_tap_uid(AudioObjectID tap, char* buf, size_t bufLen) {
    AudioObjectPropertyAddress addr = {
        kAudioTapPropertyUID,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    CFStringRef uid = NULL;
    UInt32 size = sizeof(uid);
    OSStatus status = AudioObjectGetPropertyData(tap, &addr, 0, NULL, &size, &uid);
    if (status != noErr) {
        return status;
    }
    if (uid == NULL || !CFStringGetCString(uid, buf, bufLen, kCFStringEncodingUTF8)) {
        if (uid) CFRelease(uid);
        return kAudioHardwareUnspecifiedError;
    }
    CFRelease(uid);
    return noErr;
}

static OSStatus ft_create_aggregate(const char* name, const char* uid,
                                    const char* outputUID, const char* tapUID,
                                    bool isPrivate, AudioObjectID* outDevice) {
    NSString* nsOutputUID = [NSString stringWithUTF8String:outputUID];
    NSMutableDictionary* description = [@{
        @(kAudioAggregateDeviceNameKey) : [NSString stringWithUTF8String:name],
        @(kAudioAggregateDeviceUIDKey) : [NSString stringWithUTF8String:uid],
        @(kAudioAggregateDeviceIsPrivateKey) : @(isPrivate ? 1 : 0),
        @(kAudioAggregateDeviceIsStackedKey) : @(0),
        @(kAudioAggregateDeviceTapAutoStartKey) : @(1),
        @(kAudioAggregateDeviceTapListKey) : @[ @{
            @(kAudioSubTapDriftCompensationKey) : @(1),
            @(kAudioSubTapUIDKey) : [NSString stringWithUTF8String:tapUID],
        } ],
    } mutableCopy];
    if (nsOutputUID.length > 0) {
        description[@(kAudioAggregateDeviceMainSubDeviceKey)] = nsOutputUID;
        description[@(kAudioAggregateDeviceSubDeviceListKey)] = @[ @{
            @(kAudioSubDeviceUIDKey) : nsOutputUID,
        } ];
    }
    return AudioHardwareCreateAggregateDevice((__bridge CFDictionaryRef)description, outDevice);
}

static OSStatus ft_destroy_aggregate(AudioObjectID device) {
    return AudioHardwareDestroyAggregateDevice(device);
}

static OSStatus ft_io_proc(AudioObjectID inDevice, const AudioTimeStamp* inNow,
                           const AudioBufferList* inInputData,
                           const AudioTimeStamp* inInputTime,
                           AudioBufferList* outOutputData,
                           const AudioTimeStamp* inOutputTime, void* inClientData) {
    float* in = NULL;
    float* out = NULL;
    UInt32 frames = 0;
    UInt32 channels = 2;

    if (inInputData != NULL && inInputData->mNumberBuffers > 0) {
        const AudioBuffer* buf = &inInputData->mBuffers[0];
        in = (float*)buf->mData;
        if (buf->mNumberChannels > 0) {
            channels = buf->mNumberChannels;
            frames = buf->mDataByteSize / (sizeof(float) * buf->mNumberChannels);
        }
    }
    if (outOutputData != NULL && outOutputData->mNumberBuffers > 0) {
        AudioBuffer* buf = &outOutputData->mBuffers[0];
        out = (float*)buf->mData;
        if (frames == 0 && buf->mNumberChannels > 0) {
            channels = buf->mNumberChannels;
            frames = buf->mDataByteSize / (sizeof(float) * buf->mNumberChannels);
        }
    }

    goIOProcBridge(inClientData, in, out, frames, channels);
    return noErr;
}

static OSStatus ft_create_ioproc(AudioObjectID device, void* clientData,
                                 AudioDeviceIOProcID* outProc) {
    return AudioDeviceCreateIOProcID(device, ft_io_proc, clientData, outProc);
}

static OSStatus ft_destroy_ioproc(AudioObjectID device, AudioDeviceIOProcID proc) {
    return AudioDeviceDestroyIOProcID(device, proc);
}

static OSStatus ft_start_device(AudioObjectID device, AudioDeviceIOProcID proc) {
    return AudioDeviceStart(device, proc);
}

static OSStatus ft_stop_device(AudioObjectID device, AudioDeviceIOProcID proc) {
    return AudioDeviceStop(device, proc);
}

static OSStatus ft_device_uint32(AudioObjectID device, AudioObjectPropertySelector sel,
                                 UInt32* outValue) {
    AudioObjectPropertyAddress addr = {
        sel,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    UInt32 size = sizeof(UInt32);
    return AudioObjectGetPropertyData(device, &addr, 0, NULL, &size, outValue);
}

static OSStatus ft_is_running(AudioObjectID device, UInt32* outRunning) {
    return ft_device_uint32(device, kAudioDevicePropertyDeviceIsRunningSomewhere, outRunning);
}

static OSStatus ft_is_alive(AudioObjectID device, UInt32* outAlive) {
    return ft_device_uint32(device, kAudioDevicePropertyDeviceIsAlive, outAlive);
}

static OSStatus ft_sample_rate(AudioObjectID device, Float64* outRate) {
    AudioObjectPropertyAddress addr = {
        kAudioDevicePropertyNominalSampleRate,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    UInt32 size = sizeof(Float64);
    return AudioObjectGetPropertyData(device, &addr, 0, NULL, &size, outRate);
}

static OSStatus ft_default_output(AudioObjectID* outDevice, char* uidBuf, size_t uidLen) {
    AudioObjectPropertyAddress addr = {
        kAudioHardwarePropertyDefaultOutputDevice,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    UInt32 size = sizeof(AudioObjectID);
    OSStatus status = AudioObjectGetPropertyData(kAudioObjectSystemObject, &addr,
                                                 0, NULL, &size, outDevice);
    if (status != noErr) {
        return status;
    }

    AudioObjectPropertyAddress uidAddr = {
        kAudioDevicePropertyDeviceUID,
        kAudioObjectPropertyScopeGlobal,
        kAudioObjectPropertyElementMain,
    };
    CFStringRef uid = NULL;
    size = sizeof(uid);
    status = AudioObjectGetPropertyData(*outDevice, &uidAddr, 0, NULL, &size, &uid);
    if (status != noErr) {
        return status;
    }
    if (uid == NULL || !CFStringGetCString(uid, uidBuf, uidLen, kCFStringEncodingUTF8)) {
        if (uid) CFRelease(uid);
        return kAudioHardwareUnspecifiedError;
    }
    CFRelease(uid);
    return noErr;
}
*/
import "C"
import (
	"runtime/cgo"
	"sync"
	"unsafe"
)

const uidBufferLen = 256

// halClient is the real HostClient backed by the Core Audio HAL.
type halClient struct {
	mu      sync.Mutex
	handles map[IOProcID]cgo.Handle // keeps IOProc closures alive for C
}

// NewClient returns a HostClient talking to the Core Audio HAL.
func NewClient() HostClient {
	return &halClient{handles: make(map[IOProcID]cgo.Handle)}
}

func (c *halClient) CreateProcessTap(desc TapDescription) (AudioObjectID, OSStatus) {
	var tap C.AudioObjectID
	status := C.ft_create_tap(C.pid_t(desc.ProcessID), C.bool(desc.Mute), &tap)
	return AudioObjectID(tap), OSStatus(status)
}

func (c *halClient) DestroyProcessTap(tapID AudioObjectID) OSStatus {
	return OSStatus(C.ft_destroy_tap(C.AudioObjectID(tapID)))
}

func (c *halClient) ReadTapUID(tapID AudioObjectID) (string, OSStatus) {
	buf := make([]C.char, uidBufferLen)
	status := C.ft_tap_uid(C.AudioObjectID(tapID), &buf[0], uidBufferLen)
	if status != C.noErr {
		return "", OSStatus(status)
	}
	return C.GoString(&buf[0]), StatusOK
}

func (c *halClient) CreateAggregate(desc AggregateDescription) (AudioObjectID, OSStatus) {
	name := C.CString(desc.Name)
	uid := C.CString(desc.UID)
	outputUID := C.CString(desc.OutputUID)
	tapUID := C.CString(desc.TapUID)
	defer func() {
		C.free(unsafe.Pointer(name))
		C.free(unsafe.Pointer(uid))
		C.free(unsafe.Pointer(outputUID))
		C.free(unsafe.Pointer(tapUID))
	}()

	var device C.AudioObjectID
	status := C.ft_create_aggregate(name, uid, outputUID, tapUID, C.bool(desc.Private), &device)
	return AudioObjectID(device), OSStatus(status)
}

func (c *halClient) DestroyAggregate(deviceID AudioObjectID) OSStatus {
	return OSStatus(C.ft_destroy_aggregate(C.AudioObjectID(deviceID)))
}

func (c *halClient) CreateIOProc(deviceID AudioObjectID, proc IOProc) (IOProcID, OSStatus) {
	handle := cgo.NewHandle(proc)

	var procID C.AudioDeviceIOProcID
	status := C.ft_create_ioproc(C.AudioObjectID(deviceID),
		unsafe.Pointer(uintptr(handle)), &procID)
	if status != C.noErr {
		handle.Delete()
		return UnknownIOProc, OSStatus(status)
	}

	id := IOProcID(uintptr(unsafe.Pointer(procID)))
	c.mu.Lock()
	c.handles[id] = handle
	c.mu.Unlock()
	return id, StatusOK
}

func (c *halClient) DestroyIOProc(deviceID AudioObjectID, procID IOProcID) OSStatus {
	status := C.ft_destroy_ioproc(C.AudioObjectID(deviceID),
		C.AudioDeviceIOProcID(unsafe.Pointer(procID)))

	c.mu.Lock()
	handle, ok := c.handles[procID]
	delete(c.handles, procID)
	c.mu.Unlock()
	if ok {
		handle.Delete()
	}
	return OSStatus(status)
}

func (c *halClient) StartDevice(deviceID AudioObjectID, procID IOProcID) OSStatus {
	return OSStatus(C.ft_start_device(C.AudioObjectID(deviceID),
		C.AudioDeviceIOProcID(unsafe.Pointer(procID))))
}

func (c *halClient) StopDevice(deviceID AudioObjectID, procID IOProcID) OSStatus {
	return OSStatus(C.ft_stop_device(C.AudioObjectID(deviceID),
		C.AudioDeviceIOProcID(unsafe.Pointer(procID))))
}

func (c *halClient) DeviceIsRunning(deviceID AudioObjectID) (bool, OSStatus) {
	var running C.UInt32
	status := C.ft_is_running(C.AudioObjectID(deviceID), &running)
	return running != 0, OSStatus(status)
}

func (c *halClient) DeviceIsAlive(deviceID AudioObjectID) (bool, OSStatus) {
	var alive C.UInt32
	status := C.ft_is_alive(C.AudioObjectID(deviceID), &alive)
	return alive != 0, OSStatus(status)
}

func (c *halClient) DeviceSampleRate(deviceID AudioObjectID) (float64, OSStatus) {
	var rate C.Float64
	status := C.ft_sample_rate(C.AudioObjectID(deviceID), &rate)
	return float64(rate), OSStatus(status)
}

func (c *halClient) DefaultOutputDevice() (DeviceInfo, OSStatus) {
	var device C.AudioObjectID
	buf := make([]C.char, uidBufferLen)
	status := C.ft_default_output(&device, &buf[0], uidBufferLen)
	if status != C.noErr {
		return DeviceInfo{}, OSStatus(status)
	}
	return DeviceInfo{ID: AudioObjectID(device), UID: C.GoString(&buf[0])}, StatusOK
}
