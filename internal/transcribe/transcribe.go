// Package transcribe calls the remote transcription service and degrades
// to a stub result instead of failing the session.
package transcribe

import (
	"errors"
	"sort"

	"recall/internal/audioio"
)

// Result sources.
const (
	SourceRemote = "remote"
	SourceStub   = "stub"
)

// StubText is the placeholder transcript used when the service is
// unavailable or unconfigured.
const StubText = "(transcript unavailable)"

// Segment is one diarized span of the session. Speaker is the service's
// session-local label, not a durable identity.
type Segment struct {
	Speaker string
	StartMS int64
	EndMS   int64
	Text    string
}

// Result is the orchestrator output: either a real remote transcript with
// its diarized segments, or a stub with the degradation reason.
type Result struct {
	Source   string
	Text     string
	Reason   string
	Segments []Segment
}

// Stub reports whether the result is a degraded placeholder.
func (r Result) Stub() bool { return r.Source == SourceStub }

// Failure taxonomy for the remote service. None of these escape
// Transcribe; they select the fallback path and the log line.
var (
	ErrServiceUnreachable = errors.New("transcription service unreachable")
	ErrServiceRejected    = errors.New("transcription service rejected request")
	ErrServiceTimeout     = errors.New("transcription service timed out")
)

// normalizeSegments repairs service output into a well-formed ordered
// sequence: a missing segment list becomes one full-length segment,
// inverted spans are repaired, ends are clamped to the audio duration.
// Overlaps at speaker turns are preserved.
func normalizeSegments(segs []Segment, transcript string, clip audioio.Clip) []Segment {
	if len(segs) == 0 {
		endMS := clip.DurationMS()
		if endMS < 1000 {
			endMS = 1000
		}
		segs = []Segment{{Speaker: "speaker_0", StartMS: 0, EndMS: endMS, Text: transcript}}
	}
	maxEnd := clip.DurationMS()
	for i := range segs {
		if segs[i].EndMS == 0 || segs[i].EndMS < segs[i].StartMS {
			segs[i].EndMS = segs[i].StartMS + 1000
		}
		if maxEnd > 0 && segs[i].EndMS > maxEnd {
			segs[i].EndMS = maxEnd
		}
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].StartMS < segs[j].StartMS })
	return segs
}
