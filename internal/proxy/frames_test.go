package proxy_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/voxgate/voxgate/internal/proxy"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    any
	}{
		{
			name:    "audio",
			payload: `{"type":"audio","data":"cafef00d"}`,
			want:    proxy.AudioInput{Type: "audio", Data: "cafef00d"},
		},
		{
			name:    "text",
			payload: `{"type":"text","text":"turn the lights off"}`,
			want:    proxy.TextInput{Type: "text", Text: "turn the lights off"},
		},
		{
			name:    "text with empty body",
			payload: `{"type":"text"}`,
			want:    proxy.TextInput{Type: "text"},
		},
		{
			name:    "reset",
			payload: `{"type":"reset"}`,
			want:    proxy.ResetInput{Type: "reset"},
		},
		{
			name:    "ping",
			payload: `{"type":"ping"}`,
			want:    proxy.PingInput{Type: "ping"},
		},
		{
			name:    "ping ignores extra fields",
			payload: `{"type":"ping","nonce":12}`,
			want:    proxy.PingInput{Type: "ping"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := proxy.DecodeClientFrame([]byte(tc.payload))
			if err != nil {
				t.Fatalf("DecodeClientFrame(%s) error: %v", tc.payload, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("DecodeClientFrame(%s) = %#v, want %#v", tc.payload, got, tc.want)
			}
		})
	}
}

func TestDecodeClientFrame_NotJSON(t *testing.T) {
	for _, payload := range []string{"cafef00d", "", "{broken", "[1,2,3"} {
		_, err := proxy.DecodeClientFrame([]byte(payload))
		if !errors.Is(err, proxy.ErrNotJSON) {
			t.Errorf("DecodeClientFrame(%q) error = %v, want ErrNotJSON", payload, err)
		}
	}
}

func TestDecodeClientFrame_UnknownType(t *testing.T) {
	_, err := proxy.DecodeClientFrame([]byte(`{"type":"warp_drive"}`))
	var unknown *proxy.UnknownFrameError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *UnknownFrameError", err)
	}
	if unknown.Type != "warp_drive" {
		t.Errorf("unknown.Type = %q, want %q", unknown.Type, "warp_drive")
	}
}

func TestDecodeClientFrame_MissingType(t *testing.T) {
	_, err := proxy.DecodeClientFrame([]byte(`{"data":"cafe"}`))
	var unknown *proxy.UnknownFrameError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want *UnknownFrameError", err)
	}
	if unknown.Type != "" {
		t.Errorf("unknown.Type = %q, want empty", unknown.Type)
	}
}

func TestDecodeClientFrame_AudioValidation(t *testing.T) {
	t.Run("missing data", func(t *testing.T) {
		_, err := proxy.DecodeClientFrame([]byte(`{"type":"audio"}`))
		if err == nil {
			t.Fatal("expected error for audio frame without data")
		}
		if errors.Is(err, proxy.ErrNotJSON) {
			t.Error("a structured audio frame must not be mistaken for raw audio")
		}
	})
	t.Run("wrong data type", func(t *testing.T) {
		_, err := proxy.DecodeClientFrame([]byte(`{"type":"audio","data":7}`))
		if err == nil {
			t.Fatal("expected error for non-string audio data")
		}
	})
}
