package vad

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duplexvoice/duplex/internal/audio"
)

// EventType identifies detector event variants.
type EventType string

const (
	// EventSpeechStart fires exactly once per speech episode, the instant the
	// smoothed energy crosses the silence threshold.
	EventSpeechStart EventType = "speech_start"
	// EventSegment carries a completed capture whose duration met the minimum.
	EventSegment EventType = "segment"
	// EventSpeechDiscarded marks an episode that ended below the minimum
	// duration. No segment exists; callers must not transcribe.
	EventSpeechDiscarded EventType = "speech_discarded"
)

type Event struct {
	Type    EventType
	Segment *SpeechSegment
	At      time.Time
}

// SpeechSegment is an immutable captured recording of one speech episode.
type SpeechSegment struct {
	PCM        []byte // PCM16LE mono
	SampleRate int
	StartedAt  time.Time
	Duration   time.Duration
}

// Level is one frame's smoothed energy reading, normalized to [0, 1].
type Level struct {
	Value float64
	At    time.Time
}

// Frame is one analysis window of input samples with its capture time.
type Frame struct {
	Samples    []int16
	SampleRate int
	At         time.Time
}

// Source models the audio input device. Start acquires it and yields frames
// until Stop releases it or the context ends.
type Source interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
}

// Config holds the per-session detector tunables. Immutable once normalized.
type Config struct {
	SilenceThreshold  float64
	SilenceDuration   time.Duration
	MinSpeechDuration time.Duration
	SmoothingAlpha    float64
	SampleRate        int
}

const (
	DefaultSilenceThreshold  = 0.015
	DefaultSilenceDuration   = 700 * time.Millisecond
	DefaultMinSpeechDuration = 250 * time.Millisecond
	DefaultSmoothingAlpha    = 0.7
	DefaultSampleRate        = 16000
)

var ErrInvalidConfig = errors.New("invalid vad config")

// Normalize applies defaults and clamps inconsistent values. A minimum speech
// duration above the silence window could never cut an episode short, so it
// is clamped down to the silence duration.
func (c Config) Normalize() (Config, error) {
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if c.SmoothingAlpha == 0 {
		c.SmoothingAlpha = DefaultSmoothingAlpha
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold >= 1 {
		return Config{}, ErrInvalidConfig
	}
	if c.SmoothingAlpha < 0 || c.SmoothingAlpha >= 1 {
		return Config{}, ErrInvalidConfig
	}
	if c.SilenceDuration <= 0 || c.MinSpeechDuration < 0 || c.SampleRate <= 0 {
		return Config{}, ErrInvalidConfig
	}
	if c.MinSpeechDuration > c.SilenceDuration {
		c.MinSpeechDuration = c.SilenceDuration
	}
	return c, nil
}

// Detector classifies a continuous audio stream into speech and non-speech
// regions using smoothed RMS energy. It owns the input source while running.
type Detector struct {
	cfg Config

	mu      sync.Mutex
	running bool
	paused  bool
	src     Source
	cancel  context.CancelFunc
	done    chan struct{}

	events chan Event
	levels chan Level

	// frame-loop state, touched only by the run goroutine (and reset under mu
	// once the loop has exited).
	smoothed    float64
	inSpeech    bool
	speechStart time.Time
	lastSpeech  time.Time
	buf         []byte
}

func NewDetector(cfg Config) (*Detector, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &Detector{
		cfg:    cfg,
		events: make(chan Event, 32),
		levels: make(chan Level, 64),
	}, nil
}

// Events delivers speech episode events. The channel is never closed.
func (d *Detector) Events() <-chan Event { return d.events }

// Levels delivers every frame's smoothed energy reading regardless of speech
// state. Slow consumers lose readings rather than stalling frame analysis.
func (d *Detector) Levels() <-chan Level { return d.levels }

// Start acquires the source and begins frame analysis. Idempotent while
// already running. An acquisition failure leaves the detector stopped and is
// not retried.
func (d *Detector) Start(ctx context.Context, src Source) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	frames, err := src.Start(runCtx)
	if err != nil {
		cancel()
		d.mu.Unlock()
		return err
	}
	d.running = true
	d.paused = false
	d.src = src
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				d.processFrame(frame)
			}
		}
	}()
	return nil
}

// Stop releases the input device, discards any in-progress capture and resets
// smoothing state. No partial segment is ever emitted.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	src := d.src
	cancel := d.cancel
	done := d.done
	d.src = nil
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()

	cancel()
	if src != nil {
		_ = src.Stop()
	}
	<-done

	d.mu.Lock()
	d.smoothed = 0
	d.inSpeech = false
	d.buf = nil
	d.speechStart = time.Time{}
	d.lastSpeech = time.Time{}
	d.paused = false
	d.mu.Unlock()
}

// Pause keeps the device open but suspends frame processing. Any in-progress
// episode is dropped so speech is never stitched across the gap.
func (d *Detector) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.paused {
		return
	}
	d.paused = true
	d.inSpeech = false
	d.buf = nil
	d.speechStart = time.Time{}
	d.lastSpeech = time.Time{}
}

// Resume re-enables frame processing after Pause.
func (d *Detector) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.paused = false
}

// Running reports whether the detector currently owns an input source.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Detector) processFrame(frame Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.paused {
		return
	}

	now := frame.At
	if now.IsZero() {
		now = time.Now()
	}
	raw := audio.RMS(frame.Samples)
	d.smoothed = d.cfg.SmoothingAlpha*d.smoothed + (1-d.cfg.SmoothingAlpha)*raw

	// Observers get every frame's level regardless of speech state.
	select {
	case d.levels <- Level{Value: d.smoothed, At: now}:
	default:
	}

	speech := d.smoothed > d.cfg.SilenceThreshold
	switch {
	case !d.inSpeech && speech:
		d.inSpeech = true
		d.speechStart = now
		d.lastSpeech = now
		d.buf = append(d.buf[:0], audio.EncodePCM16LE(frame.Samples)...)
		d.emit(Event{Type: EventSpeechStart, At: now})
	case d.inSpeech && speech:
		d.lastSpeech = now
		d.buf = append(d.buf, audio.EncodePCM16LE(frame.Samples)...)
	case d.inSpeech && !speech:
		d.buf = append(d.buf, audio.EncodePCM16LE(frame.Samples)...)
		if now.Sub(d.lastSpeech) < d.cfg.SilenceDuration {
			return
		}
		// Episode length counts speech only; the trailing silence window that
		// closed the episode would otherwise defeat the minimum-duration gate.
		episode := d.lastSpeech.Sub(d.speechStart)
		if episode >= d.cfg.MinSpeechDuration {
			seg := &SpeechSegment{
				PCM:        append([]byte(nil), d.buf...),
				SampleRate: frame.SampleRate,
				StartedAt:  d.speechStart,
				Duration:   episode,
			}
			if seg.SampleRate <= 0 {
				seg.SampleRate = d.cfg.SampleRate
			}
			d.emit(Event{Type: EventSegment, Segment: seg, At: now})
		} else {
			d.emit(Event{Type: EventSpeechDiscarded, At: now})
		}
		d.inSpeech = false
		d.buf = nil
		d.speechStart = time.Time{}
		d.lastSpeech = time.Time{}
	}
}

func (d *Detector) emit(evt Event) {
	select {
	case d.events <- evt:
	default:
		// Event consumers own the conversation loop; a full queue means the
		// session is already wedged and dropping is the lesser evil.
	}
}
