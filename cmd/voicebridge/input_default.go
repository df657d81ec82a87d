//go:build !portaudio

package main

import (
	"fmt"
	"os"

	"github.com/voicebridge-ai/voicebridge/pkg/audio/capture"
)

// newCaptureSource returns a raw PCM reader. Microphone capture needs the
// portaudio build tag; without it -input must point at a PCM16 stream.
func newCaptureSource(inputPath string) (capture.Source, error) {
	switch inputPath {
	case "":
		return nil, fmt.Errorf("built without portaudio; use -input to supply raw PCM16 audio")
	case "-":
		return capture.NewReaderSource(os.Stdin), nil
	default:
		f, err := os.Open(inputPath)
		if err != nil {
			return nil, fmt.Errorf("open input %q: %w", inputPath, err)
		}
		return capture.NewReaderSource(f), nil
	}
}
