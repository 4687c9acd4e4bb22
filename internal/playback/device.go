package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duplexvoice/duplex/internal/audio"
)

var (
	ErrEmptyChunk   = errors.New("empty audio chunk")
	ErrTruncatedPCM = errors.New("truncated pcm16 chunk")
	errDeviceNoEmit = errors.New("stream device has no emit sink")
)

// StreamDevice is a Device that "plays" PCM16LE chunks by handing them to an
// emit sink at their scheduled time. The real loudspeaker lives on the far
// side of the sink (a websocket client, a speaker process); the device keeps
// the schedule and the clock.
type StreamDevice struct {
	sampleRate int
	epoch      time.Time
	emit       func(pcm []byte)

	mu   sync.Mutex
	gain float64
}

func NewStreamDevice(sampleRate int, emit func(pcm []byte)) *StreamDevice {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &StreamDevice{
		sampleRate: sampleRate,
		epoch:      time.Now(),
		emit:       emit,
		gain:       1.0,
	}
}

type pcmBuffer struct {
	pcm []byte
	dur time.Duration
}

func (b pcmBuffer) Duration() time.Duration { return b.dur }

func (d *StreamDevice) Decode(_ context.Context, encoded []byte) (Buffer, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyChunk
	}
	if len(encoded)%2 != 0 {
		return nil, ErrTruncatedPCM
	}
	return pcmBuffer{
		pcm: append([]byte(nil), encoded...),
		dur: audio.PCM16Duration(len(encoded), d.sampleRate),
	}, nil
}

func (d *StreamDevice) Now() time.Duration { return time.Since(d.epoch) }

func (d *StreamDevice) SetGain(level float64) {
	d.mu.Lock()
	d.gain = level
	d.mu.Unlock()
}

type timerHandle struct {
	mu     sync.Mutex
	timers []*time.Timer
}

func (h *timerHandle) add(t *time.Timer) {
	h.mu.Lock()
	h.timers = append(h.timers, t)
	h.mu.Unlock()
}

func (h *timerHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.timers {
		t.Stop()
	}
	h.timers = nil
}

func (d *StreamDevice) Play(buf Buffer, at time.Duration, done func()) (Handle, error) {
	pb, ok := buf.(pcmBuffer)
	if !ok {
		return nil, errors.New("buffer was not decoded by this device")
	}
	if d.emit == nil {
		return nil, errDeviceNoEmit
	}

	delay := at - d.Now()
	if delay < 0 {
		delay = 0
	}
	h := &timerHandle{}
	h.add(time.AfterFunc(delay, func() {
		d.emit(d.withGain(pb.pcm))
	}))
	h.add(time.AfterFunc(delay+pb.dur, done))
	return h, nil
}

func (d *StreamDevice) withGain(pcm []byte) []byte {
	d.mu.Lock()
	gain := d.gain
	d.mu.Unlock()
	if gain >= 1.0 {
		return pcm
	}
	samples := audio.DecodePCM16LE(pcm)
	audio.ApplyGain(samples, gain)
	return audio.EncodePCM16LE(samples)
}
