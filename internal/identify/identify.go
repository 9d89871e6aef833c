// Package identify resolves diarized segments to durable speaker
// identities by embedding aggregated per-speaker audio and matching it
// against the stored speaker set with cosine similarity.
package identify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"recall/internal/audioio"
	"recall/internal/config"
	"recall/internal/embed"
	"recall/internal/store"

	"github.com/sirupsen/logrus"
)

// SpeakerUnknown marks segments the engine could not resolve. It is a
// valid terminal state: the segments stay displayable, just unattributed.
const SpeakerUnknown = ""

// GroupResult records how one service-label group resolved.
type GroupResult struct {
	ServiceLabel  string
	SpeakerID     string // SpeakerUnknown when inference failed
	Similarity    float64
	Created       bool
	LowConfidence bool
}

// Outcome is the engine result for one session.
type Outcome struct {
	Groups      []GroupResult
	Assignments []store.Assignment // one per resolved segment
	Unknown     int                // segments left SpeakerUnknown
}

// Engine matches aggregation-window embeddings against stored speakers.
type Engine struct {
	cfg      *config.Config
	logger   *logrus.Logger
	embedder embed.Embedder
}

func NewEngine(cfg *config.Config, logger *logrus.Logger, embedder embed.Embedder) *Engine {
	return &Engine{cfg: cfg, logger: logger, embedder: embedder}
}

// Identify assigns every persisted segment to a speaker, creating new
// Speaker and Embedding rows where nothing matches. Inference failures
// never fail the session; the affected segments are left SpeakerUnknown.
// The engine is deterministic: groups are processed in sorted label
// order and ties break toward speakers already active in this session,
// then toward the earliest-created speaker.
func (e *Engine) Identify(ctx context.Context, st *store.Store, clip audioio.Clip, segs []store.SegmentRecord, sessionID string) (Outcome, error) {
	// Hold the speaker-set lock for the whole match-or-enroll phase.
	// Two sessions racing through here with the same voice would
	// otherwise both miss and enroll duplicate speakers.
	st.LockSpeakerSet()
	defer st.UnlockSpeakerSet()

	known, err := st.ListEmbeddings()
	if err != nil {
		return Outcome{}, fmt.Errorf("load embeddings: %w", err)
	}

	windows := collectWindows(clip, segs, int64(e.cfg.Identify.WindowMS))
	labels := make([]string, 0, len(windows))
	for label := range windows {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var out Outcome
	resolved := make(map[string]GroupResult, len(labels))
	sessionActive := make(map[string]bool) // speakers matched earlier in this session

	for _, label := range labels {
		window := windows[label]
		res := e.resolveGroup(ctx, st, clip, window, label, sessionID, known, sessionActive)
		resolved[label] = res
		out.Groups = append(out.Groups, res)
		if res.SpeakerID != SpeakerUnknown {
			sessionActive[res.SpeakerID] = true
			if res.Created || res.Similarity > 0 {
				// refresh the in-memory set so later groups in this
				// session can match the same voice
				known, err = st.ListEmbeddings()
				if err != nil {
					return Outcome{}, fmt.Errorf("reload embeddings: %w", err)
				}
			}
		}
	}

	for _, seg := range segs {
		res, ok := resolved[seg.ServiceLabel]
		if !ok || res.SpeakerID == SpeakerUnknown {
			out.Unknown++
			continue
		}
		out.Assignments = append(out.Assignments, store.Assignment{
			SegmentID:  seg.ID,
			SpeakerID:  res.SpeakerID,
			Confidence: res.Similarity,
		})
	}
	return out, nil
}

func (e *Engine) resolveGroup(ctx context.Context, st *store.Store, clip audioio.Clip, window []float32, label, sessionID string, known []store.StoredEmbedding, sessionActive map[string]bool) GroupResult {
	res := GroupResult{ServiceLabel: label, SpeakerID: SpeakerUnknown}
	if len(window) == 0 {
		return res
	}

	minSamples := clip.SampleRate * e.cfg.Identify.MinWindowMS / 1000
	if len(window) < minSamples {
		// short speakers are still processed, just flagged
		res.LowConfidence = true
	}

	vec, err := e.embedder.Embed(ctx, audioio.Clip{Samples: window, SampleRate: clip.SampleRate})
	if err != nil {
		if errors.Is(err, embed.ErrInferenceUnavailable) {
			e.logger.Warnf("embedding inference failed for group %q: %v", label, err)
		} else {
			e.logger.Errorf("embedding inference error for group %q: %v", label, err)
		}
		return res
	}

	best, sim := e.bestMatch(vec, known, sessionActive)
	if best != nil {
		res.SpeakerID = best.SpeakerID
		res.Similarity = sim
		e.blend(st, best, vec)
		e.logger.Infof("group %q matched speaker %s (similarity %.3f)", label, best.SpeakerID, sim)
		return res
	}

	sp, err := st.InsertSpeaker(nil)
	if err != nil {
		e.logger.Errorf("create speaker for group %q: %v", label, err)
		return res
	}
	if _, err := st.InsertEmbedding(sp.ID, sessionID, vec); err != nil {
		e.logger.Errorf("store embedding for speaker %s: %v", sp.ID, err)
	}
	res.SpeakerID = sp.ID
	res.Created = true
	e.logger.Infof("group %q enrolled as new speaker %s", label, sp.ID)
	return res
}

// bestMatch picks the highest-similarity stored speaker at or above the
// match threshold. When two speakers land within TieDelta of each other,
// the one already active in this session wins; otherwise the earlier
// candidate (speaker creation order) stands.
func (e *Engine) bestMatch(vec []float32, known []store.StoredEmbedding, sessionActive map[string]bool) (*store.StoredEmbedding, float64) {
	var (
		best    *store.StoredEmbedding
		bestSim float64
	)
	for i := range known {
		rec := &known[i]
		if len(rec.Vector) != len(vec) {
			continue
		}
		sim := CosineSimilarity(vec, rec.Vector)
		if sim < e.cfg.Identify.MatchThreshold {
			continue
		}
		switch {
		case best == nil:
			best, bestSim = rec, sim
		case sim > bestSim+e.cfg.Identify.TieDelta:
			best, bestSim = rec, sim
		case sim > bestSim-e.cfg.Identify.TieDelta:
			// near-tie: locality bias toward this session's speakers
			if sessionActive[rec.SpeakerID] && !sessionActive[best.SpeakerID] {
				best, bestSim = rec, sim
			}
		}
	}
	return best, bestSim
}

// blend nudges the stored vector toward the new sample so the profile
// tracks voice drift: new = (1-w)*old + w*sample with w = BlendWeight,
// renormalized to unit length.
func (e *Engine) blend(st *store.Store, rec *store.StoredEmbedding, sample []float32) {
	w := float32(e.cfg.Identify.BlendWeight)
	if w <= 0 {
		return
	}
	blended := make([]float32, len(rec.Vector))
	for i := range blended {
		blended[i] = (1-w)*rec.Vector[i] + w*sample[i]
	}
	normalize(blended)
	if err := st.UpdateEmbeddingVector(rec.ID, blended); err != nil {
		e.logger.Warnf("blend embedding %s: %v", rec.ID, err)
		return
	}
	rec.Vector = blended
}

// collectWindows concatenates each service-label group's audio into an
// aggregation window capped at windowMS.
func collectWindows(clip audioio.Clip, segs []store.SegmentRecord, windowMS int64) map[string][]float32 {
	targetSamples := int(int64(clip.SampleRate) * windowMS / 1000)
	if targetSamples < 1 {
		targetSamples = 1
	}
	buckets := make(map[string][]float32)
	for _, seg := range segs {
		samples := clip.SliceMS(seg.StartMS, seg.EndMS)
		if len(samples) == 0 {
			continue
		}
		entry := buckets[seg.ServiceLabel]
		remaining := targetSamples - len(entry)
		if remaining <= 0 {
			continue
		}
		if len(samples) > remaining {
			samples = samples[:remaining]
		}
		buckets[seg.ServiceLabel] = append(entry, samples...)
	}
	return buckets
}
