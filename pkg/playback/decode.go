package playback

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
)

// DefaultPayloadRate is assumed for PCM payloads whose MIME type carries no
// rate parameter. Realtime voice models emit 24 kHz output audio.
const DefaultPayloadRate = 24000

// Payload is one encoded audio chunk received from the remote model.
type Payload struct {
	// MIME tags the encoding, e.g. "audio/pcm;rate=24000" or "audio/mpeg".
	// Empty means PCM at DefaultPayloadRate.
	MIME string

	// Data is the encoded audio bytes.
	Data []byte
}

// decoded is the uniform decoder output: little-endian PCM16 mono.
type decoded struct {
	pcm        []byte
	sampleRate int
}

// decode converts a payload into PCM16 mono. Unknown MIME types and malformed
// data return an error; the scheduler treats that as a droppable unit.
func decode(p Payload) (decoded, error) {
	mediaType := "audio/pcm"
	params := map[string]string{}
	if p.MIME != "" {
		mt, ps, err := mime.ParseMediaType(p.MIME)
		if err != nil {
			return decoded{}, fmt.Errorf("playback: parse mime %q: %w", p.MIME, err)
		}
		mediaType = mt
		params = ps
	}

	switch {
	case mediaType == "audio/pcm" || strings.HasPrefix(mediaType, "audio/l16"):
		return decodePCM(p.Data, params)
	case mediaType == "audio/mpeg" || mediaType == "audio/mp3":
		return decodeMP3(p.Data)
	default:
		return decoded{}, fmt.Errorf("playback: unsupported payload type %q", mediaType)
	}
}

func decodePCM(data []byte, params map[string]string) (decoded, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return decoded{}, fmt.Errorf("playback: pcm payload of %d bytes is not int16-aligned", len(data))
	}
	rate := DefaultPayloadRate
	if r, ok := params["rate"]; ok {
		parsed, err := strconv.Atoi(r)
		if err != nil || parsed <= 0 {
			return decoded{}, fmt.Errorf("playback: invalid pcm rate %q", r)
		}
		rate = parsed
	}
	return decoded{pcm: data, sampleRate: rate}, nil
}

// decodeMP3 decodes an MP3 payload. go-mp3 always outputs 16-bit stereo,
// so the result is folded down to mono.
func decodeMP3(data []byte) (decoded, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return decoded{}, fmt.Errorf("playback: mp3 decoder: %w", err)
	}
	stereo, err := io.ReadAll(dec)
	if err != nil {
		return decoded{}, fmt.Errorf("playback: mp3 decode: %w", err)
	}
	if len(stereo) == 0 {
		return decoded{}, fmt.Errorf("playback: mp3 payload decoded to no samples")
	}
	return decoded{
		pcm:        audio.StereoToMono(stereo),
		sampleRate: dec.SampleRate(),
	}, nil
}
