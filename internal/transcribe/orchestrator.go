package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"recall/internal/audioio"
	"recall/internal/config"

	"github.com/sirupsen/logrus"
)

// apiResponse is the remote service contract for POST {base}/v1/transcribe.
type apiResponse struct {
	Transcript string       `json:"transcript"`
	Summary    *string      `json:"summary"`
	Speakers   []string     `json:"speakers"`
	Segments   []apiSegment `json:"segments"`
	AudioURL   *string      `json:"audio_url"`
}

type apiSegment struct {
	Speaker string `json:"speaker"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// Orchestrator submits sealed audio to the remote service, chunking if
// configured, and falls back to a stub result on any service failure.
type Orchestrator struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *http.Client
}

func New(cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec * float64(time.Second))},
	}
}

// Transcribe produces a Result for the sealed clip. It never returns an
// error: every failure path yields a stub-tagged Result so the session
// always gets some transcript.
func (o *Orchestrator) Transcribe(ctx context.Context, wavPath string, clip audioio.Clip, apiBase string) Result {
	if strings.TrimSpace(apiBase) == "" {
		o.logger.Info("no transcription service configured, using stub result")
		return o.stub(clip, "no service configured")
	}

	maxChunkMS := int64(o.cfg.API.MaxChunkSec) * 1000
	if maxChunkMS > 0 && clip.DurationMS() > maxChunkMS {
		return o.transcribeChunked(ctx, clip, apiBase, maxChunkMS)
	}

	resp, err := o.submitWithRetry(ctx, wavPath, apiBase)
	if err != nil {
		return o.degrade(clip, err)
	}
	return o.realResult(resp, clip, 0)
}

func (o *Orchestrator) realResult(resp apiResponse, clip audioio.Clip, offsetMS int64) Result {
	segs := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segs = append(segs, Segment{
			Speaker: s.Speaker,
			StartMS: s.StartMS + offsetMS,
			EndMS:   s.EndMS + offsetMS,
			Text:    s.Text,
		})
	}
	return Result{
		Source:   SourceRemote,
		Text:     resp.Transcript,
		Segments: normalizeSegments(segs, resp.Transcript, clip),
	}
}

// transcribeChunked splits the clip on fixed boundaries, submits the
// chunks sequentially, and re-offsets each chunk's timestamps by its
// start before concatenating.
func (o *Orchestrator) transcribeChunked(ctx context.Context, clip audioio.Clip, apiBase string, maxChunkMS int64) Result {
	var (
		allSegs []Segment
		texts   []string
	)
	total := clip.DurationMS()
	for startMS := int64(0); startMS < total; startMS += maxChunkMS {
		endMS := startMS + maxChunkMS
		if endMS > total {
			endMS = total
		}
		chunk := audioio.Clip{Samples: clip.SliceMS(startMS, endMS), SampleRate: clip.SampleRate}
		chunkPath := filepath.Join(os.TempDir(), fmt.Sprintf("recall-chunk-%d-%d.wav", time.Now().UnixNano(), startMS))
		if err := audioio.WriteClip(chunkPath, chunk); err != nil {
			o.logger.Errorf("write chunk: %v", err)
			return o.degrade(clip, ErrServiceUnreachable)
		}
		resp, err := o.submitWithRetry(ctx, chunkPath, apiBase)
		os.Remove(chunkPath)
		if err != nil {
			return o.degrade(clip, err)
		}
		for _, s := range resp.Segments {
			allSegs = append(allSegs, Segment{
				Speaker: s.Speaker,
				StartMS: s.StartMS + startMS,
				EndMS:   s.EndMS + startMS,
				Text:    s.Text,
			})
		}
		if t := strings.TrimSpace(resp.Transcript); t != "" {
			texts = append(texts, t)
		}
	}
	text := strings.Join(texts, " ")
	return Result{
		Source:   SourceRemote,
		Text:     text,
		Segments: normalizeSegments(allSegs, text, clip),
	}
}

// submitWithRetry submits once, retrying a single time with backoff when
// the failure is a timeout.
func (o *Orchestrator) submitWithRetry(ctx context.Context, wavPath, apiBase string) (apiResponse, error) {
	resp, err := o.submit(ctx, wavPath, apiBase)
	if err == nil || !errors.Is(err, ErrServiceTimeout) {
		return resp, err
	}
	backoff := time.Duration(o.cfg.API.RetryBackoffMS) * time.Millisecond
	o.logger.Warnf("transcription timed out, retrying in %s", backoff)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return apiResponse{}, ErrServiceTimeout
	}
	return o.submit(ctx, wavPath, apiBase)
}

func (o *Orchestrator) submit(ctx context.Context, wavPath, apiBase string) (apiResponse, error) {
	endpoint, err := url.JoinPath(apiBase, "v1/transcribe")
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: invalid api base %q", ErrServiceUnreachable, apiBase)
	}

	f, err := os.Open(wavPath)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceRejected, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	if err := mw.Close(); err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := o.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceTimeout, err)
		}
		return apiResponse{}, fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return apiResponse{}, fmt.Errorf("%w: http %d: %s", ErrServiceRejected, httpResp.StatusCode, strings.TrimSpace(string(b)))
	}
	if httpResp.StatusCode >= 300 {
		return apiResponse{}, fmt.Errorf("%w: http %d", ErrServiceUnreachable, httpResp.StatusCode)
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return apiResponse{}, fmt.Errorf("%w: malformed response: %v", ErrServiceUnreachable, err)
	}
	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

// degrade logs the taxonomy-specific line and returns the stub result.
func (o *Orchestrator) degrade(clip audioio.Clip, err error) Result {
	switch {
	case errors.Is(err, ErrServiceRejected):
		o.logger.Warnf("transcription rejected by service: %v", err)
	case errors.Is(err, ErrServiceTimeout):
		o.logger.Warnf("transcription timed out after retry: %v", err)
	default:
		o.logger.Warnf("transcription service unreachable: %v", err)
	}
	return o.stub(clip, err.Error())
}

// stub carries no diarized segments; the session records a degraded
// transcript and speaker identification is skipped.
func (o *Orchestrator) stub(clip audioio.Clip, reason string) Result {
	return Result{Source: SourceStub, Text: StubText, Reason: reason}
}
