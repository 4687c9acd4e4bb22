package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/duplexvoice/duplex/internal/vad"
)

// MockProviders is a local fallback used when no upstream services are
// configured. Transcripts are canned, replies echo the input, and synthesis
// produces silent PCM sized to the reply so playback timing stays realistic.
type MockProviders struct {
	SampleRate int
}

func NewMockProviders(sampleRate int) *MockProviders {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &MockProviders{SampleRate: sampleRate}
}

func (p *MockProviders) Transcribe(ctx context.Context, seg vad.SpeechSegment) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	if seg.Duration < 100*time.Millisecond {
		return "", nil
	}
	return fmt.Sprintf("simulated voice input lasting %dms", seg.Duration.Milliseconds()), nil
}

func (p *MockProviders) Respond(ctx context.Context, req Request, onDelta func(string) error) (Reply, error) {
	text := "You said: " + strings.TrimSpace(req.Text)
	if onDelta != nil {
		for _, word := range strings.Fields(text) {
			select {
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			if err := onDelta(word + " "); err != nil {
				return Reply{}, err
			}
		}
	}
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return Reply{Text: text, Emotion: "neutral"}, nil
}

func (p *MockProviders) Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error) {
	out := make(chan AudioChunk, 8)
	// 40ms of silence per word keeps the playback schedule proportional to
	// the reply length.
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	chunkBytes := p.SampleRate * 2 * 40 / 1000
	go func() {
		defer close(out)
		for i := 0; i < words; i++ {
			select {
			case <-ctx.Done():
				return
			case out <- AudioChunk{
				Data:       make([]byte, chunkBytes),
				Format:     "pcm16",
				SampleRate: p.SampleRate,
			}:
			}
		}
	}()
	return out, nil
}
