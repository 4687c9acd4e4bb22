package vad

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duplexvoice/duplex/internal/audio"
)

var ErrSourceClosed = errors.New("audio source closed")

// PushSource adapts an externally-fed byte stream (for example websocket
// audio chunks) into fixed-size analysis frames. One owner pushes, the
// detector reads.
type PushSource struct {
	frameDuration time.Duration

	mu      sync.Mutex
	started bool
	gen     int
	frames  chan Frame
	pending []int16
	rate    int
}

const defaultFrameDuration = 20 * time.Millisecond

func NewPushSource(frameDuration time.Duration) *PushSource {
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	return &PushSource{frameDuration: frameDuration}
}

// Start opens the source, or reopens it after a Stop with a fresh frame
// channel. The conversation loop keeps one source per session across listen
// restarts.
func (s *PushSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.frames, nil
	}
	s.started = true
	s.gen++
	gen := s.gen
	s.frames = make(chan Frame, 256)
	s.pending = nil
	frames := s.frames
	go func() {
		<-ctx.Done()
		s.stopGen(gen)
	}()
	return frames, nil
}

// Push slices raw PCM16LE bytes into frames and hands them to the detector.
// Leftover samples carry over to the next push. A full frame queue drops the
// oldest audio rather than blocking the network reader.
func (s *PushSource) Push(pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := audio.DecodePCM16LE(pcm)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrSourceClosed
	}
	if s.rate != sampleRate {
		s.rate = sampleRate
		s.pending = s.pending[:0]
	}
	s.pending = append(s.pending, samples...)

	frameSamples := int(s.frameDuration * time.Duration(sampleRate) / time.Second)
	if frameSamples <= 0 {
		frameSamples = sampleRate / 50
	}
	now := time.Now()
	for len(s.pending) >= frameSamples {
		frame := Frame{
			Samples:    append([]int16(nil), s.pending[:frameSamples]...),
			SampleRate: sampleRate,
			At:         now,
		}
		s.pending = s.pending[frameSamples:]
		select {
		case s.frames <- frame:
		default:
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- frame:
			default:
			}
		}
	}
	return nil
}

// Stop closes the current frame channel and drops buffered samples. The
// source can be started again afterward.
func (s *PushSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// stopGen tears down only the generation its watcher was started for, so a
// context cancelled after a restart cannot close the reopened channel.
func (s *PushSource) stopGen(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.stopLocked()
}

func (s *PushSource) stopLocked() {
	if !s.started {
		return
	}
	s.started = false
	close(s.frames)
	s.frames = nil
	s.pending = nil
}
