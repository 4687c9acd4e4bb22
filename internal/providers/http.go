// Package providers implements the engine's boundary interfaces on top of
// HTTP upstreams: a speech-to-text service, a response generator and a
// text-to-speech service.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duplexvoice/duplex/internal/audio"
	"github.com/duplexvoice/duplex/internal/engine"
	"github.com/duplexvoice/duplex/internal/reliability"
	"github.com/duplexvoice/duplex/internal/vad"
)

const (
	defaultTimeout = 30 * time.Second
	synthChunkSize = 8 * 1024
	wavHeaderSize  = 44

	maxAttempts = 3
	backoffBase = 200 * time.Millisecond
	backoffCap  = 1500 * time.Millisecond
)

// doWithRetry retries transient transport errors and retryable status codes
// with capped exponential backoff. The request is rebuilt per attempt so the
// body reader starts fresh.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, backoffBase, backoffCap)):
			}
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		res, err := client.Do(req)
		if err != nil {
			if reliability.IsRetryableError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if reliability.IsRetryableHTTPStatus(res.StatusCode) && attempt < maxAttempts-1 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			res.Body.Close()
			lastErr = fmt.Errorf("http status %d: %s", res.StatusCode, string(msg))
			continue
		}
		return res, nil
	}
	return nil, lastErr
}

// Options carries the settings shared by all three HTTP providers.
type Options struct {
	APIKey  string
	Timeout time.Duration
}

func newClient(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func authorize(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// HTTPTranscriber posts captured segments as WAV to a speech-to-text endpoint.
type HTTPTranscriber struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPTranscriber(url string, opts Options) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:    strings.TrimSpace(url),
		apiKey: opts.APIKey,
		client: newClient(opts),
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, seg vad.SpeechSegment) (string, error) {
	wav, err := audio.EncodeWAVPCM16LE(seg.PCM, seg.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode segment: %w", err)
	}

	res, err := doWithRetry(ctx, t.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(wav))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "audio/wav")
		authorize(req, t.apiKey)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("transcriber http status %d: %s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		// Some endpoints return the transcript as plain text.
		return strings.TrimSpace(string(body)), nil
	}
	return strings.TrimSpace(extractField(obj, "text", "transcript")), nil
}

type responderPayload struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	UserID    string         `json:"user_id"`
	Text      string         `json:"text"`
	History   []historyEntry `json:"history,omitempty"`
}

type historyEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// HTTPResponder forwards turns to a response-generation endpoint. Streaming
// bodies (SSE or NDJSON) are consumed line by line and surfaced through
// onDelta; plain JSON bodies yield the full reply at once.
type HTTPResponder struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPResponder(url string, opts Options) *HTTPResponder {
	return &HTTPResponder{
		url:    strings.TrimSpace(url),
		apiKey: opts.APIKey,
		client: newClient(opts),
	}
}

func (r *HTTPResponder) Respond(ctx context.Context, req engine.Request, onDelta func(string) error) (engine.Reply, error) {
	payload := responderPayload{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		UserID:    req.UserID,
		Text:      req.Text,
	}
	for _, turn := range req.History {
		payload.History = append(payload.History, historyEntry{Role: turn.Role, Text: turn.Text})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return engine.Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return engine.Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	authorize(httpReq, r.apiKey)

	res, err := r.client.Do(httpReq)
	if err != nil {
		return engine.Reply{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return engine.Reply{}, fmt.Errorf("responder http status %d: %s", res.StatusCode, string(msg))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStreaming(res.Body, onDelta)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return engine.Reply{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		text := strings.TrimSpace(string(raw))
		return deliverWhole(text, "", onDelta)
	}
	return deliverWhole(extractField(obj, "text", "message"), extractField(obj, "emotion"), onDelta)
}

func deliverWhole(text, emotion string, onDelta func(string) error) (engine.Reply, error) {
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return engine.Reply{}, err
		}
	}
	return engine.Reply{Text: text, Emotion: emotion}, nil
}

func consumeStreaming(body io.Reader, onDelta func(string) error) (engine.Reply, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	var emotion string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractField(obj, "delta", "text")
			if e := extractField(obj, "emotion"); e != "" {
				emotion = e
			}
		}

		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return engine.Reply{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return engine.Reply{}, fmt.Errorf("stream read: %w", err)
	}

	return engine.Reply{Text: out.String(), Emotion: emotion}, nil
}

// HTTPSynthesizer posts reply text to a text-to-speech endpoint and streams
// the audio body back in fixed-size PCM chunks. A WAV body has its container
// header stripped so the engine always receives raw PCM16LE.
type HTTPSynthesizer struct {
	url        string
	apiKey     string
	sampleRate int
	client     *http.Client
}

func NewHTTPSynthesizer(url string, sampleRate int, opts Options) *HTTPSynthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &HTTPSynthesizer{
		url:        strings.TrimSpace(url),
		apiKey:     opts.APIKey,
		sampleRate: sampleRate,
		client:     newClient(opts),
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (<-chan engine.AudioChunk, error) {
	body, err := json.Marshal(map[string]any{
		"text":        text,
		"sample_rate": s.sampleRate,
		"format":      "pcm16",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	res, err := doWithRetry(ctx, s.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		authorize(req, s.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("synthesizer http status %d: %s", res.StatusCode, string(msg))
	}

	reader := io.Reader(res.Body)
	if strings.Contains(strings.ToLower(res.Header.Get("Content-Type")), "audio/wav") {
		header := make([]byte, wavHeaderSize)
		if _, err := io.ReadFull(reader, header); err != nil {
			res.Body.Close()
			return nil, fmt.Errorf("read wav header: %w", err)
		}
	}

	out := make(chan engine.AudioChunk, 8)
	go func() {
		defer close(out)
		defer res.Body.Close()
		for {
			buf := make([]byte, synthChunkSize)
			n, err := io.ReadFull(reader, buf)
			if n > 0 {
				// Truncate a trailing odd byte rather than ship half a sample.
				n -= n % 2
				chunk := engine.AudioChunk{
					Data:       buf[:n],
					Format:     "pcm16",
					SampleRate: s.sampleRate,
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

func extractField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
