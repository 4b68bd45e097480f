// Package capture provides best-effort debug capture of a tap's processed
// output: a ring buffer written from the real-time callback and a WAV
// exporter for offline inspection.
package capture

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Ring is a single-writer ring buffer of interleaved float32 samples. The
// writer side is allocation- and lock-free so it can run inside the audio
// callback. Readers get a best-effort snapshot: samples race with the writer
// and may tear at the head, which is acceptable for debug capture.
type Ring struct {
	buf      []float32
	mask     uint64
	writePos atomic.Uint64

	sampleRate int
	channels   int
}

// NewRing creates a ring holding at least size samples, rounded up to a power
// of two. sampleRate and channels describe the captured stream for export.
func NewRing(size, sampleRate, channels int) *Ring {
	if size < 2 {
		size = 2
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &Ring{
		buf:        make([]float32, n),
		mask:       uint64(n - 1),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Write appends samples. Real-time safe: no allocation, no locks. Must only
// be called from a single writer.
func (r *Ring) Write(samples []float32) {
	pos := r.writePos.Load()
	for i := 0; i < len(samples); i++ {
		r.buf[(pos+uint64(i))&r.mask] = samples[i]
	}
	r.writePos.Store(pos + uint64(len(samples)))
}

// Len returns the number of samples captured so far, capped at capacity.
func (r *Ring) Len() int {
	if n := r.writePos.Load(); n < uint64(len(r.buf)) {
		return int(n)
	}
	return len(r.buf)
}

// Snapshot returns up to n of the most recent samples in chronological order.
func (r *Ring) Snapshot(n int) []float32 {
	if n > r.Len() {
		n = r.Len()
	}
	out := make([]float32, n)
	pos := r.writePos.Load()
	start := pos - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+uint64(i))&r.mask]
	}
	return out
}

// WriteWAV exports the most recent n samples to a 16-bit PCM WAV file.
func (r *Ring) WriteWAV(path string, n int) error {
	samples := r.Snapshot(n)
	if len(samples) == 0 {
		return fmt.Errorf("capture ring is empty")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, r.sampleRate, 16, r.channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: r.channels, SampleRate: r.sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767)
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}
