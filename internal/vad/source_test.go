package vad

import (
	"context"
	"testing"
	"time"

	"github.com/duplexvoice/duplex/internal/audio"
)

func TestPushSourceFraming(t *testing.T) {
	src := NewPushSource(20 * time.Millisecond)
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 50ms of 16kHz audio: two full 20ms frames plus a 10ms remainder.
	pcm := audio.EncodePCM16LE(make([]int16, 800))
	if err := src.Push(pcm, 16000); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case frame := <-frames:
			if len(frame.Samples) != 320 {
				t.Fatalf("frame %d samples = %d, want 320", i, len(frame.Samples))
			}
			if frame.SampleRate != 16000 {
				t.Fatalf("frame %d sample rate = %d, want 16000", i, frame.SampleRate)
			}
		default:
			t.Fatalf("frame %d not delivered", i)
		}
	}
	select {
	case <-frames:
		t.Fatalf("remainder delivered as a frame before enough audio arrived")
	default:
	}

	// The next push completes the pending 10ms into one more frame.
	if err := src.Push(audio.EncodePCM16LE(make([]int16, 160)), 16000); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	select {
	case frame := <-frames:
		if len(frame.Samples) != 320 {
			t.Fatalf("carry-over frame samples = %d, want 320", len(frame.Samples))
		}
	default:
		t.Fatalf("carry-over frame not delivered")
	}
}

func TestPushSourceSampleRateChangeDropsPending(t *testing.T) {
	src := NewPushSource(20 * time.Millisecond)
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := src.Push(audio.EncodePCM16LE(make([]int16, 100)), 16000); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	// A rate change invalidates buffered samples.
	if err := src.Push(audio.EncodePCM16LE(make([]int16, 480)), 24000); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	select {
	case frame := <-frames:
		if frame.SampleRate != 24000 || len(frame.Samples) != 480 {
			t.Fatalf("frame = %d samples @ %d Hz, want 480 @ 24000", len(frame.Samples), frame.SampleRate)
		}
	default:
		t.Fatalf("no frame after sample-rate change")
	}
}

func TestPushSourceStop(t *testing.T) {
	src := NewPushSource(0)
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := <-frames; ok {
		t.Fatalf("frames channel still open after Stop")
	}
	if err := src.Push([]byte{0, 0}, 16000); err == nil {
		t.Fatalf("Push() after Stop error = nil, want %v", ErrSourceClosed)
	}
	// Stop is idempotent.
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() second call error = %v", err)
	}
}

func TestPushSourceReopensAfterStop(t *testing.T) {
	src := NewPushSource(20 * time.Millisecond)
	old, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = src.Stop()

	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	if frames == old {
		t.Fatalf("reopened source returned the closed frame channel")
	}
	if err := src.Push(audio.EncodePCM16LE(make([]int16, 320)), 16000); err != nil {
		t.Fatalf("Push() after reopen error = %v", err)
	}
	select {
	case frame := <-frames:
		if len(frame.Samples) != 320 {
			t.Fatalf("frame samples = %d, want 320", len(frame.Samples))
		}
	default:
		t.Fatalf("no frame delivered after reopen")
	}
}

func TestPushSourceStaleContextDoesNotCloseReopen(t *testing.T) {
	src := NewPushSource(0)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := src.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = src.Stop()

	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}

	// The first generation's context fires late; the reopened source must
	// keep running.
	cancel()
	time.Sleep(50 * time.Millisecond)
	if err := src.Push([]byte{0, 0}, 16000); err != nil {
		t.Fatalf("Push() after stale cancel error = %v", err)
	}
	select {
	case _, ok := <-frames:
		if !ok {
			t.Fatalf("reopened frame channel closed by stale context")
		}
	default:
	}
}
