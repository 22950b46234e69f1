// Package audio provides PCM16 format bookkeeping for voxgate's live streams.
//
// The proxy never decodes or converts audio. Capture-rate conversion belongs
// to the client and the upstream speaks fixed formats, so PCM chunks pass
// through as opaque bytes. What the proxy does need is sample alignment
// hygiene on ingest and a way to turn byte counts into play time for
// accounting. Both live here.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a little-endian
// 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Live API formats. Input is what clients must deliver for microphone audio;
// output is what the model speaks.
var (
	LiveInput  = Format{SampleRate: 16000, Channels: 1}
	LiveOutput = Format{SampleRate: 24000, Channels: 1}
)

// BytesPerSecond returns the stream's data rate, or 0 for a Format with a
// non-positive rate or channel count.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return 2 * f.SampleRate * f.Channels
}

// Duration converts a byte count into the play time it represents in this
// format. Returns 0 when the format is invalid.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// AlignPCM16 trims a trailing half sample so the chunk ends on an int16
// boundary. A chunk cut mid-sample would shift every later sample in the
// stream by one byte. Aligned input is returned unchanged.
func AlignPCM16(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		return pcm[:len(pcm)-1]
	}
	return pcm
}
