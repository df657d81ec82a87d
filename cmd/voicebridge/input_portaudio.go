//go:build portaudio

package main

import (
	"fmt"
	"os"

	"github.com/voicebridge-ai/voicebridge/pkg/audio/capture"
)

// newCaptureSource returns the microphone by default, or a raw PCM reader
// when -input is set.
func newCaptureSource(inputPath string) (capture.Source, error) {
	switch inputPath {
	case "":
		return capture.NewPortAudioSource(), nil
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
