package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"recall/internal/audioio"
	"recall/internal/config"
	"recall/internal/logging"
)

func testClip(seconds int) audioio.Clip {
	return audioio.Clip{Samples: make([]float32, seconds*16000), SampleRate: 16000}
}

func writeTestWAV(t *testing.T, clip audioio.Clip) string {
	t.Helper()
	path := t.TempDir() + "/clip.wav"
	if err := audioio.WriteClip(path, clip); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	cfg.API.TimeoutSec = 5
	cfg.API.RetryBackoffMS = 10
	return New(cfg, logging.NewTestLogger())
}

func TestTranscribeNoServiceConfigured(t *testing.T) {
	o := newTestOrchestrator(t)
	clip := testClip(2)

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, "")
	if !res.Stub() {
		t.Fatalf("expected stub result")
	}
	if res.Text != StubText {
		t.Fatalf("stub text %q", res.Text)
	}
	if len(res.Segments) != 0 {
		t.Fatalf("stub result must carry no segments, got %d", len(res.Segments))
	}
}

func TestTranscribeUnreachableDegrades(t *testing.T) {
	o := newTestOrchestrator(t)
	clip := testClip(2)

	// Connection refused: a server that is already closed.
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, base)
	if !res.Stub() {
		t.Fatalf("expected stub on unreachable service")
	}
	if res.Reason == "" {
		t.Fatalf("degraded result should carry a reason")
	}
}

func TestTranscribeRejectedDegrades(t *testing.T) {
	o := newTestOrchestrator(t)
	clip := testClip(2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported codec", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, srv.URL)
	if !res.Stub() {
		t.Fatalf("expected stub on 4xx")
	}
}

func TestTranscribeMalformedResponseDegrades(t *testing.T) {
	o := newTestOrchestrator(t)
	clip := testClip(2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, srv.URL)
	if !res.Stub() {
		t.Fatalf("expected stub on malformed body")
	}
}

func TestTranscribeParsesRemoteResult(t *testing.T) {
	o := newTestOrchestrator(t)
	clip := testClip(10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transcribe" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"transcript": "hello there general",
			"speakers":   []string{"speaker_0", "speaker_1"},
			"segments": []map[string]any{
				{"speaker": "speaker_1", "start_ms": 4000, "end_ms": 9000, "text": "general"},
				{"speaker": "speaker_0", "start_ms": 0, "end_ms": 4000, "text": "hello there"},
			},
		})
	}))
	defer srv.Close()

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, srv.URL)
	if res.Stub() {
		t.Fatalf("expected remote result, got stub: %s", res.Reason)
	}
	if res.Text != "hello there general" {
		t.Fatalf("text %q", res.Text)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments %d", len(res.Segments))
	}
	// normalized: sorted by start
	if res.Segments[0].Speaker != "speaker_0" || res.Segments[1].Speaker != "speaker_1" {
		t.Fatalf("segments not sorted: %+v", res.Segments)
	}
}

func TestTranscribeEmptySegmentsGetsFullSpan(t *testing.T) {
	o := newTestOrchestrator(t)
	clip := testClip(5)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"transcript": "monologue"})
	}))
	defer srv.Close()

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, srv.URL)
	if res.Stub() {
		t.Fatalf("expected remote result")
	}
	if len(res.Segments) != 1 {
		t.Fatalf("want synthesized full-span segment, got %d", len(res.Segments))
	}
	s := res.Segments[0]
	if s.Speaker != "speaker_0" || s.StartMS != 0 || s.EndMS != clip.DurationMS() || s.Text != "monologue" {
		t.Fatalf("bad synthesized segment: %+v", s)
	}
}

func TestTranscribeChunkedReoffsetsTimestamps(t *testing.T) {
	o := newTestOrchestrator(t)
	o.cfg.API.MaxChunkSec = 2
	clip := testClip(5) // 3 chunks: 2s, 2s, 1s

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"transcript": "part",
			"segments": []map[string]any{
				{"speaker": "speaker_0", "start_ms": 0, "end_ms": 1000, "text": "part"},
			},
		})
	}))
	defer srv.Close()

	res := o.Transcribe(context.Background(), writeTestWAV(t, clip), clip, srv.URL)
	if res.Stub() {
		t.Fatalf("expected remote result: %s", res.Reason)
	}
	if calls.Load() != 3 {
		t.Fatalf("want 3 chunk submissions, got %d", calls.Load())
	}
	if res.Text != "part part part" {
		t.Fatalf("joined text %q", res.Text)
	}
	if len(res.Segments) != 3 {
		t.Fatalf("segments %d", len(res.Segments))
	}
	wantStarts := []int64{0, 2000, 4000}
	for i, s := range res.Segments {
		if s.StartMS != wantStarts[i] {
			t.Fatalf("segment %d start %d, want %d", i, s.StartMS, wantStarts[i])
		}
	}
}

func TestNormalizeSegmentsRepairsInvertedSpans(t *testing.T) {
	clip := testClip(10)
	segs := normalizeSegments([]Segment{
		{Speaker: "speaker_0", StartMS: 3000, EndMS: 2000, Text: "inverted"},
		{Speaker: "speaker_1", StartMS: 0, EndMS: 20000, Text: "overlong"},
	}, "x", clip)

	if segs[0].Speaker != "speaker_1" {
		t.Fatalf("expected sort by start")
	}
	if segs[0].EndMS != clip.DurationMS() {
		t.Fatalf("overlong end not clamped: %d", segs[0].EndMS)
	}
	if segs[1].EndMS != 4000 {
		t.Fatalf("inverted span not repaired to start+1000: %d", segs[1].EndMS)
	}
}
