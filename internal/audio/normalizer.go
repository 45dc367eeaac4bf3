// Package audio converts uploaded media into the mono 16 kHz PCM WAV the
// speech models expect.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrConverterNotFound is returned when the ffmpeg binary cannot be started.
	ErrConverterNotFound = errors.New("ffmpeg not found, please install ffmpeg")
	// ErrConversionTimeout is returned when ffmpeg exceeds its time budget.
	ErrConversionTimeout = errors.New("audio conversion timed out")
)

// stderrTail bounds how much ffmpeg output is kept on failure.
const stderrTail = 2048

// ConversionError reports an ffmpeg run that did not produce a usable WAV.
type ConversionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("ffmpeg conversion failed (exit=%d)", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Options tunes a single conversion.
type Options struct {
	RemoveSilence bool
	// SilenceThreshold is in dB and is expected to be <= 0.
	SilenceThreshold float64
	// SilenceDuration is in seconds.
	SilenceDuration float64
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Normalizer runs ffmpeg with a fixed timeout.
type Normalizer struct {
	ffmpegPath string
	timeout    time.Duration
	runner     commandRunner
	stat       func(name string) (os.FileInfo, error)
	remove     func(name string) error
}

// NewNormalizer returns a normalizer invoking ffmpegPath. A non-positive
// timeout disables the limit.
func NewNormalizer(ffmpegPath string, timeout time.Duration) *Normalizer {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Normalizer{
		ffmpegPath: ffmpegPath,
		timeout:    timeout,
		runner:     &execRunner{},
		stat:       os.Stat,
		remove:     os.Remove,
	}
}

// Normalize converts in to a mono 16 kHz s16le WAV at out. On any failure out
// is removed.
func (n *Normalizer) Normalize(ctx context.Context, in, out string, opts Options) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	res, err := n.runner.Run(ctx, n.ffmpegPath, BuildArgs(in, out, opts)...)
	if err != nil {
		n.cleanup(out)
		switch {
		case isNotFound(err):
			return fmt.Errorf("%w: %s", ErrConverterNotFound, n.ffmpegPath)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("%w after %s", ErrConversionTimeout, n.timeout)
		case ctx.Err() != nil:
			return fmt.Errorf("convert audio: %w", ctx.Err())
		}
		return &ConversionError{ExitCode: res.ExitCode, Stderr: tail(res.Stderr), Err: err}
	}

	if _, err := n.stat(out); err != nil {
		n.cleanup(out)
		return &ConversionError{
			ExitCode: res.ExitCode,
			Stderr:   "ffmpeg completed but output file is missing",
			Err:      err,
		}
	}
	return nil
}

func (n *Normalizer) cleanup(path string) {
	_ = n.remove(path)
}

// BuildArgs returns the ffmpeg arguments for one conversion.
func BuildArgs(in, out string, opts Options) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
	}
	if opts.RemoveSilence {
		args = append(args, "-af", silenceFilter(opts.SilenceThreshold, opts.SilenceDuration))
	}
	return append(args, out)
}

// silenceFilter trims leading silence and removes every interior silent
// stretch longer than duration.
func silenceFilter(thresholdDB, duration float64) string {
	d := strconv.FormatFloat(duration, 'f', -1, 64)
	t := strconv.FormatFloat(thresholdDB, 'f', -1, 64) + "dB"
	return "silenceremove=start_periods=1:start_duration=" + d + ":start_threshold=" + t +
		":stop_periods=-1:stop_duration=" + d + ":stop_threshold=" + t
}

// isNotFound reports whether the binary could not be started at all. A bare
// name misses the PATH lookup; an explicit path fails with ENOENT.
func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var exitErr *exec.ExitError
	return !errors.As(err, &exitErr) && errors.Is(err, os.ErrNotExist)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return s[len(s)-stderrTail:]
}
