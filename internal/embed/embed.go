// Package embed adapts an external speaker-embedding runtime. The runtime
// is treated as a pure function from an audio window to a fixed-length
// vector; this package execs a configured command and parses its output.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"recall/internal/audioio"
	"recall/internal/config"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// ErrInferenceUnavailable is returned when no command is configured or
// the runtime fails; callers leave the affected segments SpeakerUnknown.
var ErrInferenceUnavailable = errors.New("embedding inference unavailable")

// Embedder turns an audio window into a fixed-length voice vector.
type Embedder interface {
	Embed(ctx context.Context, clip audioio.Clip) ([]float32, error)
}

// Runner invokes the configured embedding command with the window as a
// temp WAV path argument and reads a JSON float array from stdout.
type Runner struct {
	cfg    *config.Config
	logger *logrus.Logger
}

func NewRunner(cfg *config.Config, logger *logrus.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// ParseArgs splits a shell-style command line into argv. Both
// embed.command and embed.args accept quoted arguments this way.
func ParseArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	return shlex.Split(raw)
}

func (r *Runner) Embed(ctx context.Context, clip audioio.Clip) ([]float32, error) {
	cmdStr := r.cfg.Embed.Command
	if cmdStr == "" {
		return nil, fmt.Errorf("%w: no embed.command configured", ErrInferenceUnavailable)
	}
	argv, err := ParseArgs(cmdStr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse embed.command: %v", ErrInferenceUnavailable, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no embed.command configured", ErrInferenceUnavailable)
	}

	// Match the model's expected input rate before handing off.
	if sr := r.cfg.Embed.SampleRate; sr > 0 && clip.SampleRate > 0 && clip.SampleRate != sr {
		clip = audioio.Clip{Samples: audioio.Resample(clip.Samples, clip.SampleRate, sr), SampleRate: sr}
	}

	wavPath := filepath.Join(os.TempDir(), fmt.Sprintf("recall-embed-%d.wav", time.Now().UnixNano()))
	if err := audioio.WriteClip(wavPath, clip); err != nil {
		return nil, fmt.Errorf("%w: write window: %v", ErrInferenceUnavailable, err)
	}
	defer os.Remove(wavPath)

	args := append([]string{}, argv[1:]...)
	args = append(args, r.cfg.Embed.Args...)
	args = append(args, wavPath)

	runCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.Embed.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(time.Second)*r.cfg.Embed.TimeoutSec))
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Embed.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Children inherit the stdout pipe; without a wait bound a stuck
	// runtime keeps Output blocked past context cancellation.
	cmd.WaitDelay = time.Second

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}

	var vec []float32
	if err := json.Unmarshal(out, &vec); err != nil {
		return nil, fmt.Errorf("%w: bad vector output: %v", ErrInferenceUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInferenceUnavailable)
	}
	return vec, nil
}
