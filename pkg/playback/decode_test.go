package playback

import (
	"testing"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

func TestDecode_PCMDefaultRate(t *testing.T) {
	t.Parallel()
	data := audio.Int16sToBytes([]int16{1, 2, 3})
	dec, err := decode(Payload{Data: data})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.sampleRate != DefaultPayloadRate {
		t.Errorf("rate = %d; want %d", dec.sampleRate, DefaultPayloadRate)
	}
	if len(dec.pcm) != len(data) {
		t.Errorf("pcm length = %d; want %d", len(dec.pcm), len(data))
	}
}

func TestDecode_PCMRateParameter(t *testing.T) {
	t.Parallel()
	dec, err := decode(Payload{
		MIME: "audio/pcm;rate=16000",
		Data: audio.Int16sToBytes([]int16{0, 0}),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.sampleRate != 16000 {
		t.Errorf("rate = %d; want 16000", dec.sampleRate)
	}
}

func TestDecode_PCMInvalidRate(t *testing.T) {
	t.Parallel()
	_, err := decode(Payload{
		MIME: "audio/pcm;rate=banana",
		Data: audio.Int16sToBytes([]int16{0}),
	})
	if err == nil {
		t.Error("invalid rate should fail")
	}
}

func TestDecode_PCMMisaligned(t *testing.T) {
	t.Parallel()
	if _, err := decode(Payload{MIME: "audio/pcm", Data: []byte{0x7f}}); err == nil {
		t.Error("odd-length pcm should fail")
	}
	if _, err := decode(Payload{MIME: "audio/pcm", Data: nil}); err == nil {
		t.Error("empty pcm should fail")
	}
}

func TestDecode_UnsupportedType(t *testing.T) {
	t.Parallel()
	if _, err := decode(Payload{MIME: "video/h264", Data: []byte{0, 0}}); err == nil {
		t.Error("unsupported media type should fail")
	}
}

func TestDecode_MalformedMIME(t *testing.T) {
	t.Parallel()
	if _, err := decode(Payload{MIME: ";;;", Data: []byte{0, 0}}); err == nil {
		t.Error("malformed mime should fail")
	}
}

func TestDecode_MP3Garbage(t *testing.T) {
	t.Parallel()
	if _, err := decode(Payload{MIME: "audio/mpeg", Data: []byte("not an mp3 stream")}); err == nil {
		t.Error("garbage mp3 should fail")
	}
}
