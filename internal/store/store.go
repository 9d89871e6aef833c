package store

import (
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection. Individual writes are serialized
// by mu; the identification engine additionally holds speakerMu across
// its whole match-or-enroll phase so two concurrent sessions cannot
// both miss a voice and enroll it twice.
type Store struct {
	db        *sql.DB
	crypto    *Crypto
	mu        sync.Mutex
	speakerMu sync.Mutex
}

// LockSpeakerSet serializes read-match-enroll sequences over the
// speaker set. Callers pair it with UnlockSpeakerSet.
func (s *Store) LockSpeakerSet() { s.speakerMu.Lock() }

// UnlockSpeakerSet releases the speaker-set lock.
func (s *Store) UnlockSpeakerSet() { s.speakerMu.Unlock() }

// Open opens (creating if needed) the database at path and prepares the
// column cipher from the passphrase. Callers pair every Open with Close.
func Open(path, passphrase string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	salt, err := s.loadSalt()
	if err != nil {
		db.Close()
		return nil, err
	}
	if passphrase == "" && salt != nil {
		db.Close()
		return nil, fmt.Errorf("store %s is encrypted; set store.passphrase or RECALL_STORE_PASSPHRASE", path)
	}
	crypto, err := NewCrypto(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.crypto = crypto
	if salt == nil && crypto.Salt() != nil {
		if err := s.saveSalt(crypto.Salt()); err != nil {
			db.Close()
			return nil, err
		}
	}
	// A store written before a passphrase was configured still holds
	// plaintext rows; re-seal them on the first encrypted open. Runs on
	// every open with a cipher but is a no-op once migrated.
	if crypto.Enabled() {
		if err := s.encryptPlaintext(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// encryptPlaintext re-seals any rows whose nonce column is empty, the
// marker left by plaintext writes. All tables migrate in one
// transaction so a crash never leaves a half-sealed store.
func (s *Store) encryptPlaintext() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin encryption migration: %w", err)
	}
	tables := []struct {
		table, key, nonceCol, ctCol string
	}{
		{"transcripts", "session_id", "text_nonce", "text_ct"},
		{"segments", "id", "text_nonce", "text_ct"},
		{"embeddings", "id", "vector_nonce", "vector_ct"},
	}
	for _, t := range tables {
		if err := s.encryptTable(tx, t.table, t.key, t.nonceCol, t.ctCol); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit encryption migration: %w", err)
	}
	return nil
}

func (s *Store) encryptTable(tx *sql.Tx, table, key, nonceCol, ctCol string) error {
	rows, err := tx.Query(fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s IS NULL OR %s = ''`,
		key, ctCol, table, nonceCol, nonceCol))
	if err != nil {
		return fmt.Errorf("scan %s for encryption: %w", table, err)
	}
	type pending struct{ id, ct string }
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.ct); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s row: %w", table, err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("scan %s: %w", table, err)
	}
	rows.Close()
	for _, p := range todo {
		plain, err := base64.StdEncoding.DecodeString(p.ct)
		if err != nil {
			return fmt.Errorf("decode %s row %s: %w", table, p.id, err)
		}
		nonce, ct := s.crypto.Seal(plain)
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET %s=?, %s=? WHERE %s=?`, table, nonceCol, ctCol, key),
			nonce, ct, p.id); err != nil {
			return fmt.Errorf("encrypt %s row %s: %w", table, p.id, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Encrypted reports whether sensitive columns are encrypted at rest.
func (s *Store) Encrypted() bool { return s.crypto.Enabled() }

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			state TEXT NOT NULL,
			api_base TEXT,
			degraded INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			source TEXT NOT NULL,
			text_nonce TEXT,
			text_ct TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			start_ms INTEGER,
			end_ms INTEGER,
			service_label TEXT,
			text_nonce TEXT,
			text_ct TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS speakers (
			id TEXT PRIMARY KEY,
			label TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			speaker_id TEXT NOT NULL REFERENCES speakers(id) ON DELETE CASCADE,
			vector_nonce TEXT,
			vector_ct TEXT NOT NULL,
			source_session_id TEXT,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS assignments (
			segment_id TEXT PRIMARY KEY REFERENCES segments(id) ON DELETE CASCADE,
			speaker_id TEXT NOT NULL REFERENCES speakers(id) ON DELETE CASCADE,
			confidence REAL,
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) loadSalt() ([]byte, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key='salt'`).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}
	return base64.StdEncoding.DecodeString(v)
}

func (s *Store) saveSalt(salt []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES('salt', ?)`,
		base64.StdEncoding.EncodeToString(salt))
	return err
}

// CreateSession inserts a new session row in the processing state.
func (s *Store) CreateSession(id string, startedAt time.Time, apiBase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, started_at, state, api_base) VALUES(?, ?, ?, ?)`,
		id, startedAt.UTC().Format(time.RFC3339Nano), SessionProcessing, apiBase)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FinishSession records the terminal state and degradation flag.
func (s *Store) FinishSession(id string, endedAt time.Time, state string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at=?, state=?, degraded=? WHERE id=?`,
		endedAt.UTC().Format(time.RFC3339Nano), state, boolInt(degraded), id)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// SaveTranscript writes the session transcript, replacing any prior one.
func (s *Store) SaveTranscript(sessionID, source, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ct := s.crypto.Seal([]byte(text))
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO transcripts(session_id, source, text_nonce, text_ct, created_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, source, nonce, ct, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// UpdateTranscript replaces the transcript text, keeping its source tag.
func (s *Store) UpdateTranscript(sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ct := s.crypto.Seal([]byte(text))
	res, err := s.db.Exec(
		`UPDATE transcripts SET text_nonce=?, text_ct=? WHERE session_id=?`,
		nonce, ct, sessionID)
	if err != nil {
		return fmt.Errorf("update transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no transcript for session %s", sessionID)
	}
	return nil
}

// GetTranscript loads the session transcript.
func (s *Store) GetTranscript(sessionID string) (*Transcript, error) {
	var (
		t         Transcript
		nonce, ct string
		createdAt string
	)
	err := s.db.QueryRow(
		`SELECT session_id, source, text_nonce, text_ct, created_at FROM transcripts WHERE session_id=?`,
		sessionID).Scan(&t.SessionID, &t.Source, &nonce, &ct, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	text, err := s.crypto.Open(nonce, ct)
	if err != nil {
		return nil, err
	}
	t.Text = string(text)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// InsertSegments writes a session's diarized segments as one atomic
// batch, assigning row ids. Either all segments land or none do.
func (s *Store) InsertSegments(sessionID string, segs []SegmentRecord) ([]SegmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	out := make([]SegmentRecord, 0, len(segs))
	for _, seg := range segs {
		seg.ID = uuid.NewString()
		seg.SessionID = sessionID
		nonce, ct := s.crypto.Seal([]byte(seg.Text))
		if _, err := tx.Exec(
			`INSERT INTO segments(id, session_id, start_ms, end_ms, service_label, text_nonce, text_ct) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			seg.ID, seg.SessionID, seg.StartMS, seg.EndMS, seg.ServiceLabel, nonce, ct); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("insert segment: %w", err)
		}
		out = append(out, seg)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit segments: %w", err)
	}
	return out, nil
}

// ListSegments returns a session's segments ordered by start time.
func (s *Store) ListSegments(sessionID string) ([]SegmentRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, start_ms, end_ms, service_label, text_nonce, text_ct
		 FROM segments WHERE session_id=? ORDER BY start_ms ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segs []SegmentRecord
	for rows.Next() {
		var (
			seg       SegmentRecord
			nonce, ct string
		)
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.StartMS, &seg.EndMS, &seg.ServiceLabel, &nonce, &ct); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		text, err := s.crypto.Open(nonce, ct)
		if err != nil {
			return nil, err
		}
		seg.Text = string(text)
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, ended_at, state, api_base, degraded FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession loads one session, nil if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, state, api_base, degraded FROM sessions WHERE id=?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		sess      Session
		startedAt string
		endedAt   sql.NullString
		apiBase   sql.NullString
		degraded  int
	)
	if err := r.Scan(&sess.ID, &startedAt, &endedAt, &sess.State, &apiBase, &degraded); err != nil {
		return Session{}, err
	}
	sess.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		sess.EndedAt = &t
	}
	sess.APIBase = apiBase.String
	sess.Degraded = degraded != 0
	return sess, nil
}

// DeleteSession removes the session and everything scoped to it.
// Embeddings sourced from the session stay with their speakers.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// InsertSpeaker creates a durable speaker identity.
func (s *Store) InsertSpeaker(label *string) (Speaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := Speaker{ID: uuid.NewString(), Label: label, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(
		`INSERT INTO speakers(id, label, created_at) VALUES(?, ?, ?)`,
		sp.ID, sp.Label, sp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Speaker{}, fmt.Errorf("insert speaker: %w", err)
	}
	return sp, nil
}

// ListSpeakers returns speakers oldest first, so creation order is
// stable for deterministic matching.
func (s *Store) ListSpeakers() ([]Speaker, error) {
	rows, err := s.db.Query(`SELECT id, label, created_at FROM speakers ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query speakers: %w", err)
	}
	defer rows.Close()

	var speakers []Speaker
	for rows.Next() {
		var (
			sp        Speaker
			label     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&sp.ID, &label, &createdAt); err != nil {
			return nil, fmt.Errorf("scan speaker: %w", err)
		}
		if label.Valid {
			l := label.String
			sp.Label = &l
		}
		sp.CreatedAt = parseTime(createdAt)
		speakers = append(speakers, sp)
	}
	return speakers, rows.Err()
}

// RenameSpeaker sets the user-visible label.
func (s *Store) RenameSpeaker(id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE speakers SET label=? WHERE id=?`, label, id)
	if err != nil {
		return fmt.Errorf("rename speaker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no speaker %s", id)
	}
	return nil
}

// DeleteSpeaker removes the speaker; embeddings and assignments cascade.
func (s *Store) DeleteSpeaker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM speakers WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete speaker: %w", err)
	}
	return nil
}

// InsertEmbedding stores a speaker vector. Only the identification
// engine calls this.
func (s *Store) InsertEmbedding(speakerID, sessionID string, vector []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	nonce, ct := s.crypto.Seal(encodeVector(vector))
	_, err := s.db.Exec(
		`INSERT INTO embeddings(id, speaker_id, vector_nonce, vector_ct, source_session_id, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		id, speakerID, nonce, ct, sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert embedding: %w", err)
	}
	return id, nil
}

// UpdateEmbeddingVector replaces a stored vector after centroid blending.
func (s *Store) UpdateEmbeddingVector(id string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ct := s.crypto.Seal(encodeVector(vector))
	_, err := s.db.Exec(`UPDATE embeddings SET vector_nonce=?, vector_ct=? WHERE id=?`, nonce, ct, id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns all stored vectors with their speaker labels,
// ordered by speaker creation for deterministic matching.
func (s *Store) ListEmbeddings() ([]StoredEmbedding, error) {
	rows, err := s.db.Query(
		`SELECT e.id, e.speaker_id, sp.label, e.vector_nonce, e.vector_ct, e.source_session_id, e.created_at
		 FROM embeddings e
		 JOIN speakers sp ON e.speaker_id = sp.id
		 ORDER BY sp.created_at ASC, e.created_at ASC, e.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []StoredEmbedding
	for rows.Next() {
		var (
			e         StoredEmbedding
			label     sql.NullString
			nonce, ct string
			sourceID  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SpeakerID, &label, &nonce, &ct, &sourceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		raw, err := s.crypto.Open(nonce, ct)
		if err != nil {
			return nil, err
		}
		e.Vector = decodeVector(raw)
		if label.Valid {
			l := label.String
			e.SpeakerLabel = &l
		}
		e.SourceSessionID = sourceID.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertAssignments writes segment→speaker links in one transaction.
// Foreign keys reject any assignment to a speaker that does not exist.
func (s *Store) InsertAssignments(assignments []Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, a := range assignments {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO assignments(segment_id, speaker_id, confidence, created_at) VALUES(?, ?, ?, ?)`,
			a.SegmentID, a.SpeakerID, a.Confidence, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignments: %w", err)
	}
	return nil
}

// ListAssignments returns the assignments for a session's segments.
func (s *Store) ListAssignments(sessionID string) ([]Assignment, error) {
	rows, err := s.db.Query(
		`SELECT a.segment_id, a.speaker_id, a.confidence
		 FROM assignments a JOIN segments seg ON a.segment_id = seg.id
		 WHERE seg.session_id=? ORDER BY seg.start_ms ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a    Assignment
			conf sql.NullFloat64
		)
		if err := rows.Scan(&a.SegmentID, &a.SpeakerID, &conf); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Confidence = conf.Float64
		out = append(out, a)
	}
	return out, rows.Err()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
