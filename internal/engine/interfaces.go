package engine

import (
	"context"

	"github.com/duplexvoice/duplex/internal/history"
	"github.com/duplexvoice/duplex/internal/vad"
)

// AudioChunk is one pre-encoded audio buffer emitted by a Synthesizer,
// compatible with the playback queue's Enqueue.
type AudioChunk struct {
	Data       []byte
	Format     string
	SampleRate int
}

// Request carries one user turn to the Responder.
type Request struct {
	SessionID string
	TurnID    string
	UserID    string
	Text      string
	History   []history.ConversationTurn
}

// Reply is the Responder's completed answer for one turn.
type Reply struct {
	Text    string
	Emotion string
}

// Transcriber turns a captured speech segment into text. An empty transcript
// with a nil error means nothing intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, seg vad.SpeechSegment) (string, error)
}

// Responder generates the assistant's answer. When onDelta is non-nil the
// provider streams incremental text fragments through it before returning
// the final Reply; fragments are display-only and are never synthesized on
// their own.
type Responder interface {
	Respond(ctx context.Context, req Request, onDelta func(string) error) (Reply, error)
}

// Synthesizer turns reply text into audio. The returned channel delivers
// chunks as they become available and is closed on completion; a provider
// that produces one finished buffer sends a single chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan AudioChunk, error)
}
