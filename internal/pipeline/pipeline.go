// Package pipeline runs the per-session processing chain: transcription,
// speaker identification, durable persistence, raw audio cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"recall/internal/audioio"
	"recall/internal/config"
	"recall/internal/embed"
	"recall/internal/identify"
	"recall/internal/store"
	"recall/internal/transcribe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrPersistence marks store write failures. The session keeps its raw
// audio so a retry can re-run persistence.
var ErrPersistence = errors.New("persistence failed")

// Outcome summarizes one processed session for callers and the UI layer.
type Outcome struct {
	SessionID       string
	Transcript      transcribe.Result
	Segments        []store.SegmentRecord
	SpeakersCreated int
	SegmentsUnknown int
	Degraded        bool
	Status          string
	AudioDeleted    bool
}

// Pipeline processes sealed recordings. Different sessions may run
// concurrently; writes for one session are serialized by a keyed lock.
type Pipeline struct {
	cfg    *config.Config
	logger *logrus.Logger
	orch   *transcribe.Orchestrator
	engine *identify.Engine

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg *config.Config, logger *logrus.Logger) *Pipeline {
	runner := embed.NewRunner(cfg, logger)
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		orch:   transcribe.New(cfg, logger),
		engine: identify.NewEngine(cfg, logger, runner),
		locks:  make(map[string]*sync.Mutex),
	}
}

// NewWithEmbedder is the test seam for injecting an embedder.
func NewWithEmbedder(cfg *config.Config, logger *logrus.Logger, embedder embed.Embedder) *Pipeline {
	p := New(cfg, logger)
	p.engine = identify.NewEngine(cfg, logger, embedder)
	return p
}

func (p *Pipeline) sessionLock(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// Process runs the full chain for a sealed WAV. Transcription and
// identification failures degrade the outcome but never fail it;
// only capture-file and store errors are returned. On success the raw
// audio is deleted; on ErrPersistence it is deliberately retained.
func (p *Pipeline) Process(ctx context.Context, st *store.Store, wavPath, apiBase string, startedAt time.Time) (Outcome, error) {
	sessionID := uuid.NewString()
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	out := Outcome{SessionID: sessionID}

	clip, err := audioio.ReadClip(wavPath)
	if err != nil {
		// nothing was persisted; the sealed file is unusable
		Cleanup(wavPath, p.logger)
		return out, fmt.Errorf("read sealed audio: %w", err)
	}

	if startedAt.IsZero() {
		startedAt = time.Now().Add(-time.Duration(clip.DurationMS()) * time.Millisecond)
	}
	if err := st.CreateSession(sessionID, startedAt, apiBase); err != nil {
		return out, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	result := p.orch.Transcribe(ctx, wavPath, clip, apiBase)
	out.Transcript = result
	if result.Stub() {
		out.Degraded = true
	}

	if err := st.SaveTranscript(sessionID, result.Source, result.Text); err != nil {
		return out, p.persistFailed(st, sessionID, err)
	}

	segs := make([]store.SegmentRecord, 0, len(result.Segments))
	for _, s := range result.Segments {
		segs = append(segs, store.SegmentRecord{
			StartMS:      s.StartMS,
			EndMS:        s.EndMS,
			ServiceLabel: s.Speaker,
			Text:         s.Text,
		})
	}
	stored, err := st.InsertSegments(sessionID, segs)
	if err != nil {
		return out, p.persistFailed(st, sessionID, err)
	}
	out.Segments = stored

	if len(stored) > 0 && !result.Stub() {
		outcome, err := p.engine.Identify(ctx, st, clip, stored, sessionID)
		if err != nil {
			return out, p.persistFailed(st, sessionID, err)
		}
		if err := st.InsertAssignments(outcome.Assignments); err != nil {
			return out, p.persistFailed(st, sessionID, err)
		}
		out.SegmentsUnknown = outcome.Unknown
		for _, g := range outcome.Groups {
			if g.Created {
				out.SpeakersCreated++
			}
		}
		if outcome.Unknown > 0 {
			out.Degraded = true
		}
	}

	if err := st.FinishSession(sessionID, time.Now(), store.SessionComplete, out.Degraded); err != nil {
		return out, p.persistFailed(st, sessionID, err)
	}

	// transcript and segments are durable; the raw audio must go
	Cleanup(wavPath, p.logger)
	out.AudioDeleted = true
	out.Status = status(out)
	p.logger.Infof("session %s persisted: %s", sessionID, out.Status)
	return out, nil
}

// persistFailed marks the session failed when possible and reports
// ErrPersistence. The raw audio is kept for a retry.
func (p *Pipeline) persistFailed(st *store.Store, sessionID string, err error) error {
	p.logger.Errorf("session %s persistence failed, raw audio retained: %v", sessionID, err)
	if ferr := st.FinishSession(sessionID, time.Now(), store.SessionFailed, true); ferr != nil {
		p.logger.Errorf("session %s: mark failed: %v", sessionID, ferr)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// Cleanup deletes the sealed audio file. Safe to call twice.
func Cleanup(wavPath string, logger *logrus.Logger) {
	if wavPath == "" {
		return
	}
	if err := os.Remove(wavPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("remove sealed audio %s: %v", wavPath, err)
	}
}

// status renders the worst non-fatal degradation for the UI layer.
func status(out Outcome) string {
	switch {
	case out.Transcript.Stub():
		return "complete (transcript unavailable, speakers pending)"
	case out.SegmentsUnknown > 0:
		return fmt.Sprintf("complete (%d segments with unknown speaker)", out.SegmentsUnknown)
	default:
		return "complete"
	}
}
