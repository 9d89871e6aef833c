package identify

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"recall/internal/audioio"
	"recall/internal/config"
	"recall/internal/embed"
	"recall/internal/logging"
	"recall/internal/store"
)

// fakeEmbedder returns a fixed vector per window signature: the mean
// sample value selects the vector, so tests control grouping by filling
// segment spans with distinct constants.
type fakeEmbedder struct {
	vectors map[float32][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, clip audioio.Clip) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var sum float64
	for _, s := range clip.Samples {
		sum += float64(s)
	}
	mean := float32(math.Round(sum / float64(len(clip.Samples)) * 10)) / 10
	vec, ok := f.vectors[mean]
	if !ok {
		return nil, embed.ErrInferenceUnavailable
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

func testEngine(t *testing.T, emb embed.Embedder) (*Engine, *store.Store) {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	st, err := store.Open(t.TempDir()+"/recall.db", "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(cfg, logging.NewTestLogger(), emb), st
}

// fillClip builds a clip where each segment span holds a constant value.
func fillClip(seconds int, spans map[[2]int64]float32) audioio.Clip {
	clip := audioio.Clip{Samples: make([]float32, seconds*16000), SampleRate: 16000}
	for span, v := range spans {
		start := int(span[0] * 16000 / 1000)
		end := int(span[1] * 16000 / 1000)
		for i := start; i < end && i < len(clip.Samples); i++ {
			clip.Samples[i] = v
		}
	}
	return clip
}

func seedSession(t *testing.T, st *store.Store, id string, segs []store.SegmentRecord) []store.SegmentRecord {
	t.Helper()
	if err := st.CreateSession(id, time.Now(), ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	stored, err := st.InsertSegments(id, segs)
	if err != nil {
		t.Fatalf("insert segments: %v", err)
	}
	return stored
}

func TestIdentifyEnrollsNewSpeakers(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[float32][]float32{
		0.1: {1, 0, 0},
		0.2: {0, 1, 0},
	}}
	e, st := testEngine(t, emb)

	clip := fillClip(10, map[[2]int64]float32{
		{0, 4000}:    0.1,
		{4000, 8000}: 0.2,
	})
	segs := seedSession(t, st, "s1", []store.SegmentRecord{
		{StartMS: 0, EndMS: 4000, ServiceLabel: "speaker_0", Text: "a"},
		{StartMS: 4000, EndMS: 8000, ServiceLabel: "speaker_1", Text: "b"},
	})

	out, err := e.Identify(context.Background(), st, clip, segs, "s1")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if len(out.Groups) != 2 {
		t.Fatalf("groups %d", len(out.Groups))
	}
	for _, g := range out.Groups {
		if !g.Created || g.SpeakerID == SpeakerUnknown {
			t.Fatalf("expected enrollment for %q: %+v", g.ServiceLabel, g)
		}
	}
	if out.Groups[0].SpeakerID == out.Groups[1].SpeakerID {
		t.Fatalf("distinct voices must enroll as distinct speakers")
	}
	if len(out.Assignments) != 2 || out.Unknown != 0 {
		t.Fatalf("assignments %d unknown %d", len(out.Assignments), out.Unknown)
	}

	speakers, _ := st.ListSpeakers()
	if len(speakers) != 2 {
		t.Fatalf("want 2 stored speakers, got %d", len(speakers))
	}
	embs, _ := st.ListEmbeddings()
	if len(embs) != 2 {
		t.Fatalf("want 2 stored embeddings, got %d", len(embs))
	}
}

func TestIdentifyMatchesKnownSpeaker(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[float32][]float32{
		0.1: {1, 0, 0},
	}}
	e, st := testEngine(t, emb)

	sp, _ := st.InsertSpeaker(nil)
	if _, err := st.InsertEmbedding(sp.ID, "earlier", []float32{0.995, 0.0999, 0}); err != nil {
		t.Fatalf("seed embedding: %v", err)
	}

	clip := fillClip(6, map[[2]int64]float32{{0, 5000}: 0.1})
	segs := seedSession(t, st, "s1", []store.SegmentRecord{
		{StartMS: 0, EndMS: 5000, ServiceLabel: "speaker_0", Text: "a"},
	})

	out, err := e.Identify(context.Background(), st, clip, segs, "s1")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	g := out.Groups[0]
	if g.Created || g.SpeakerID != sp.ID {
		t.Fatalf("expected match against enrolled speaker: %+v", g)
	}
	if g.Similarity < e.cfg.Identify.MatchThreshold {
		t.Fatalf("similarity %f below threshold", g.Similarity)
	}
	speakers, _ := st.ListSpeakers()
	if len(speakers) != 1 {
		t.Fatalf("match must not create a speaker")
	}
}

func TestIdentifyBlendsMatchedEmbedding(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[float32][]float32{
		0.1: {1, 0, 0},
	}}
	e, st := testEngine(t, emb)

	sp, _ := st.InsertSpeaker(nil)
	orig := []float32{0.9950372, 0.0995037, 0} // unit vector close to {1,0,0}
	if _, err := st.InsertEmbedding(sp.ID, "earlier", orig); err != nil {
		t.Fatalf("seed embedding: %v", err)
	}

	clip := fillClip(6, map[[2]int64]float32{{0, 5000}: 0.1})
	segs := seedSession(t, st, "s1", []store.SegmentRecord{
		{StartMS: 0, EndMS: 5000, ServiceLabel: "speaker_0", Text: "a"},
	})
	if _, err := e.Identify(context.Background(), st, clip, segs, "s1"); err != nil {
		t.Fatalf("identify: %v", err)
	}

	embs, _ := st.ListEmbeddings()
	if len(embs) != 1 {
		t.Fatalf("blend must update in place, got %d embeddings", len(embs))
	}
	got := embs[0].Vector
	if got[0] <= orig[0] || got[1] >= orig[1] {
		t.Fatalf("vector should move toward the sample: %v -> %v", orig, got)
	}
	var norm float64
	for _, v := range got {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-4 {
		t.Fatalf("blended vector not unit length: %f", norm)
	}
}

func TestIdentifyInferenceFailureLeavesUnknown(t *testing.T) {
	emb := &fakeEmbedder{err: embed.ErrInferenceUnavailable}
	e, st := testEngine(t, emb)

	clip := fillClip(6, map[[2]int64]float32{{0, 5000}: 0.1})
	segs := seedSession(t, st, "s1", []store.SegmentRecord{
		{StartMS: 0, EndMS: 5000, ServiceLabel: "speaker_0", Text: "a"},
	})

	out, err := e.Identify(context.Background(), st, clip, segs, "s1")
	if err != nil {
		t.Fatalf("inference failure must not fail the session: %v", err)
	}
	if out.Unknown != 1 || len(out.Assignments) != 0 {
		t.Fatalf("expected all segments unknown: %+v", out)
	}
	if out.Groups[0].SpeakerID != SpeakerUnknown {
		t.Fatalf("group should stay unresolved")
	}
	speakers, _ := st.ListSpeakers()
	if len(speakers) != 0 {
		t.Fatalf("no speaker rows on inference failure")
	}
}

func TestIdentifySameVoiceAcrossGroupsReuses(t *testing.T) {
	// Both service labels embed to the same vector; the second group must
	// match the speaker enrolled by the first, not create a duplicate.
	emb := &fakeEmbedder{vectors: map[float32][]float32{
		0.1: {1, 0, 0},
		0.2: {1, 0, 0},
	}}
	e, st := testEngine(t, emb)

	clip := fillClip(10, map[[2]int64]float32{
		{0, 4000}:    0.1,
		{4000, 8000}: 0.2,
	})
	segs := seedSession(t, st, "s1", []store.SegmentRecord{
		{StartMS: 0, EndMS: 4000, ServiceLabel: "speaker_0", Text: "a"},
		{StartMS: 4000, EndMS: 8000, ServiceLabel: "speaker_1", Text: "b"},
	})

	out, err := e.Identify(context.Background(), st, clip, segs, "s1")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if out.Groups[0].SpeakerID != out.Groups[1].SpeakerID {
		t.Fatalf("same voice should resolve to one speaker: %+v", out.Groups)
	}
	if !out.Groups[0].Created || out.Groups[1].Created {
		t.Fatalf("only the first group enrolls: %+v", out.Groups)
	}
	speakers, _ := st.ListSpeakers()
	if len(speakers) != 1 {
		t.Fatalf("want 1 speaker, got %d", len(speakers))
	}
}

// slowEmbedder returns the same vector for every window after a fixed
// delay, long enough that unsynchronized identifications overlap.
type slowEmbedder struct {
	delay time.Duration
	vec   []float32
}

func (s *slowEmbedder) Embed(context.Context, audioio.Clip) ([]float32, error) {
	time.Sleep(s.delay)
	out := make([]float32, len(s.vec))
	copy(out, s.vec)
	return out, nil
}

func TestIdentifyConcurrentSessionsShareSpeaker(t *testing.T) {
	// Two sessions with the same voice identified at the same time: the
	// slower one must match the speaker the faster one enrolled, not
	// enroll a duplicate.
	emb := &slowEmbedder{delay: 100 * time.Millisecond, vec: []float32{1, 0, 0}}
	e, st := testEngine(t, emb)

	clip := fillClip(6, map[[2]int64]float32{{0, 5000}: 0.1})
	segsA := seedSession(t, st, "sa", []store.SegmentRecord{
		{StartMS: 0, EndMS: 5000, ServiceLabel: "speaker_0", Text: "a"},
	})
	segsB := seedSession(t, st, "sb", []store.SegmentRecord{
		{StartMS: 0, EndMS: 5000, ServiceLabel: "speaker_0", Text: "b"},
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	run := func(sessionID string, segs []store.SegmentRecord) {
		defer wg.Done()
		_, err := e.Identify(context.Background(), st, clip, segs, sessionID)
		errs <- err
	}
	wg.Add(2)
	go run("sa", segsA)
	go run("sb", segsB)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("identify: %v", err)
		}
	}

	speakers, _ := st.ListSpeakers()
	if len(speakers) != 1 {
		t.Fatalf("one voice enrolled %d speakers, want 1", len(speakers))
	}
}

func TestIdentifyShortWindowFlagsLowConfidence(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[float32][]float32{
		0.1: {1, 0, 0},
	}}
	e, st := testEngine(t, emb)

	// 200ms of speech, below the 1s minimum window.
	clip := fillClip(2, map[[2]int64]float32{{0, 200}: 0.1})
	segs := seedSession(t, st, "s1", []store.SegmentRecord{
		{StartMS: 0, EndMS: 200, ServiceLabel: "speaker_0", Text: "hm"},
	})

	out, err := e.Identify(context.Background(), st, clip, segs, "s1")
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	g := out.Groups[0]
	if !g.LowConfidence {
		t.Fatalf("short window should be flagged: %+v", g)
	}
	if g.SpeakerID == SpeakerUnknown {
		t.Fatalf("short window is still processed")
	}
}

func TestCollectWindowsCapsAtTarget(t *testing.T) {
	clip := audioio.Clip{Samples: make([]float32, 30*16000), SampleRate: 16000}
	segs := []store.SegmentRecord{
		{StartMS: 0, EndMS: 8000, ServiceLabel: "speaker_0"},
		{StartMS: 8000, EndMS: 20000, ServiceLabel: "speaker_0"},
	}
	windows := collectWindows(clip, segs, 10_000)
	if got, want := len(windows["speaker_0"]), 10*16000; got != want {
		t.Fatalf("window %d samples, want %d", got, want)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if sim := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(sim-1) > 1e-6 {
		t.Fatalf("identical vectors: %f", sim)
	}
	if sim := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(sim) > 1e-6 {
		t.Fatalf("orthogonal vectors: %f", sim)
	}
	if sim := CosineSimilarity([]float32{1, 0}, []float32{-1, 0}); math.Abs(sim+1) > 1e-6 {
		t.Fatalf("opposite vectors: %f", sim)
	}
	if sim := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); sim != 0 {
		t.Fatalf("zero vector: %f", sim)
	}
}
