// Package store persists sessions, transcripts, diarized segments,
// speakers, embeddings, and segment-speaker assignments in SQLite.
package store

import "time"

// Session lifecycle states.
const (
	SessionProcessing = "processing"
	SessionComplete   = "complete"
	SessionFailed     = "failed"
)

// Session is one recording attempt.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	State     string
	APIBase   string
	Degraded  bool
}

// Transcript is the full session text, one per session.
type Transcript struct {
	SessionID string
	Source    string // "remote" or "stub"
	Text      string
	CreatedAt time.Time
}

// SegmentRecord is one diarized span. ServiceLabel is the session-local
// label from the transcription service, not a durable identity.
type SegmentRecord struct {
	ID           string
	SessionID    string
	StartMS      int64
	EndMS        int64
	ServiceLabel string
	Text         string
}

// Speaker is a durable cross-session identity. Label is nil until the
// user assigns a name.
type Speaker struct {
	ID        string
	Label     *string
	CreatedAt time.Time
}

// StoredEmbedding is a speaker's voice vector.
type StoredEmbedding struct {
	ID              string
	SpeakerID       string
	SpeakerLabel    *string
	Vector          []float32
	SourceSessionID string
	CreatedAt       time.Time
}

// Assignment links a segment to the speaker the identification engine
// resolved. Segments with no confident match get no row.
type Assignment struct {
	SegmentID  string
	SpeakerID  string
	Confidence float64
}
