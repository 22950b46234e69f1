package audio

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		bytes  int
		want   time.Duration
	}{
		{"one second of live input", LiveInput, 32000, time.Second},
		{"one second of live output", LiveOutput, 48000, time.Second},
		{"half second of live input", LiveInput, 16000, 500 * time.Millisecond},
		{"single sample", LiveInput, 2, time.Second / 16000},
		{"stereo doubles the rate", Format{SampleRate: 16000, Channels: 2}, 64000, time.Second},
		{"zero bytes", LiveInput, 0, 0},
		{"invalid format", Format{}, 32000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.Duration(tt.bytes); got != tt.want {
				t.Errorf("Duration(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestFormatBytesPerSecond(t *testing.T) {
	if got := LiveInput.BytesPerSecond(); got != 32000 {
		t.Errorf("LiveInput.BytesPerSecond() = %d, want 32000", got)
	}
	if got := LiveOutput.BytesPerSecond(); got != 48000 {
		t.Errorf("LiveOutput.BytesPerSecond() = %d, want 48000", got)
	}
	if got := (Format{SampleRate: -1, Channels: 1}).BytesPerSecond(); got != 0 {
		t.Errorf("negative rate BytesPerSecond() = %d, want 0", got)
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{LiveInput, "16000Hz mono"},
		{LiveOutput, "24000Hz mono"},
		{Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func TestAlignPCM16(t *testing.T) {
	even := []byte{1, 2, 3, 4}
	if got := AlignPCM16(even); len(got) != 4 || &got[0] != &even[0] {
		t.Errorf("aligned input must be returned unchanged, got %v", got)
	}

	odd := []byte{1, 2, 3}
	got := AlignPCM16(odd)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("AlignPCM16(%v) = %v, want trailing byte trimmed", odd, got)
	}

	if got := AlignPCM16([]byte{9}); len(got) != 0 {
		t.Errorf("AlignPCM16 of a lone byte = %v, want empty", got)
	}
	if got := AlignPCM16(nil); got != nil {
		t.Errorf("AlignPCM16(nil) = %v, want nil", got)
	}
}
