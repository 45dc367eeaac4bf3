package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-audio/wav"
)

// SupportedExtensions lists the upload extensions accepted for conversion.
var SupportedExtensions = []string{".wav", ".mp3", ".m4a", ".flac", ".aac", ".ogg", ".wma", ".webm", ".mp4"}

// ErrInvalidWAV is returned when a file is not a readable PCM WAV.
var ErrInvalidWAV = errors.New("invalid wav file")

// IsSupported reports whether name has an accepted extension, ignoring case.
func IsSupported(name string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(name)))
}

// Duration returns the playback length of a PCM WAV file in seconds.
func Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}

	bytesPerSecond := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth/8)
	if bytesPerSecond <= 0 {
		return 0, fmt.Errorf("%w: zero byte rate", ErrInvalidWAV)
	}
	return float64(dec.PCMLen()) / float64(bytesPerSecond), nil
}
