// Package capture owns the recording lifecycle: a state machine from Idle
// through Recording and Stopping to a sealed WAV file on disk.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"recall/internal/config"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"
)

// State is the manager lifecycle state.
type State int

const (
	Idle State = iota
	Recording
	Stopping
	Sealed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Sealed:
		return "sealed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRecording   = errors.New("recording already in progress")
	ErrNotRecording       = errors.New("no active recording")
	ErrCaptureUnavailable = errors.New("capture device unavailable")
)

// Stream yields PCM frames from an opened capture device.
type Stream interface {
	// Read blocks until the next frame of int16 samples is available.
	Read() ([]int16, error)
	Close() error
}

// Source opens capture streams. The portaudio implementation lives behind
// the portaudio build tag; tests inject their own.
type Source interface {
	Open(sampleRate, channels, frameSamples int) (Stream, error)
}

// Manager runs the capture loop on its own goroutine so Start and Stop
// never block on audio I/O.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger
	source Source

	mu         sync.Mutex
	state      State
	stopCh     chan struct{}
	doneCh     chan struct{}
	sealedPath string
	sealErr    error
	startedAt  time.Time
}

// NewManager returns an idle Manager.
func NewManager(cfg *config.Config, logger *logrus.Logger, source Source) *Manager {
	return &Manager{cfg: cfg, logger: logger, source: source}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartedAt reports when the active recording began.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Start opens the capture source and begins streaming into a fresh temp
// WAV file. Valid only from Idle. Returns as soon as the capture loop is
// running; audio I/O proceeds on its own goroutine.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return ErrAlreadyRecording
	}

	frameSamples := m.cfg.Audio.SampleRate * m.cfg.Audio.FrameMS / 1000
	stream, err := m.source.Open(m.cfg.Audio.SampleRate, m.cfg.Audio.Channels, frameSamples)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("recall-%d.wav", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		stream.Close()
		return fmt.Errorf("create temp wav: %w", err)
	}

	enc := wav.NewEncoder(f, m.cfg.Audio.SampleRate, 16, 1, 1)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.sealedPath = ""
	m.sealErr = nil
	m.state = Recording
	m.startedAt = time.Now()

	go m.captureLoop(stream, enc, f, path, m.stopCh, m.doneCh)
	m.logger.Infof("recording started: %s", path)
	return nil
}

// Stop signals the capture loop, waits for the WAV to be flushed and
// closed, and returns the sealed file path. Valid only from Recording.
// A second Stop racing the first observes state Stopping and fails with
// ErrNotRecording; exactly one caller receives the sealed path.
func (m *Manager) Stop() (string, error) {
	m.mu.Lock()
	if m.state != Recording {
		m.mu.Unlock()
		return "", ErrNotRecording
	}
	m.state = Stopping
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealErr != nil {
		m.state = Idle
		return "", m.sealErr
	}
	m.state = Sealed
	path := m.sealedPath
	// handoff complete; ready for the next session
	m.state = Idle
	m.logger.Infof("recording sealed: %s", path)
	return path, nil
}

func (m *Manager) captureLoop(stream Stream, enc *wav.Encoder, f *os.File, path string, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	format := &audio.Format{NumChannels: 1, SampleRate: m.cfg.Audio.SampleRate}
	var loopErr error

	for {
		select {
		case <-stopCh:
			goto seal
		default:
		}
		frame, err := stream.Read()
		if err != nil {
			loopErr = fmt.Errorf("stream read: %w", err)
			goto seal
		}
		buf := &audio.IntBuffer{Format: format, SourceBitDepth: 16, Data: make([]int, len(frame))}
		for i, s := range frame {
			buf.Data[i] = int(s)
		}
		if err := enc.Write(buf); err != nil {
			loopErr = fmt.Errorf("wav write: %w", err)
			goto seal
		}
	}

seal:
	if err := stream.Close(); err != nil && loopErr == nil {
		m.logger.Warnf("capture stream close: %v", err)
	}
	if err := enc.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("wav finalize: %w", err)
	}
	if err := f.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("wav close: %w", err)
	}

	m.mu.Lock()
	if loopErr != nil {
		m.sealErr = loopErr
		// never hand a partial file downstream
		_ = os.Remove(path)
	} else {
		m.sealedPath = path
	}
	m.mu.Unlock()
}
