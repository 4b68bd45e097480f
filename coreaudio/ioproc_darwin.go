//go:build darwin && cgo

package coreaudio

/*
#include <MacTypes.h>
*/
import "C"
import (
	"runtime/cgo"
	"unsafe"
)

// goIOProcBridge is invoked by the C IO proc on the HAL's real-time thread.
// clientData carries the cgo.Handle of the registered IOProc closure. The
// slices alias the HAL's buffers and must not escape the call.
//
//export goIOProcBridge
func goIOProcBridge(clientData unsafe.Pointer, in, out *C.float, frames, channels C.UInt32) {
	if clientData == nil || frames == 0 {
		return
	}
	proc, ok := cgo.Handle(uintptr(clientData)).Value().(IOProc)
	if !ok {
		return
	}

	n := int(frames) * int(channels)
	var inSamples, outSamples []float32
	if in != nil {
		inSamples = unsafe.Slice((*float32)(unsafe.Pointer(in)), n)
	}
	if out != nil {
		outSamples = unsafe.Slice((*float32)(unsafe.Pointer(out)), n)
	}
	proc(inSamples, outSamples, int(frames), int(channels))
}
