package playback

import (
	"context"
	"log"
	"sync"
	"time"
)

// Buffer is one decoded audio buffer held by the platform audio facility.
type Buffer interface {
	Duration() time.Duration
}

// Handle refers to a scheduled output node; Stop halts it immediately.
type Handle interface {
	Stop()
}

// Device is the platform audio output facility. The queue is its only owner
// for the lifetime of a session.
type Device interface {
	// Decode turns pre-encoded bytes into a playable buffer.
	Decode(ctx context.Context, encoded []byte) (Buffer, error)
	// Play schedules buf to start at the given device-clock time and invokes
	// done exactly once when the buffer finishes sounding.
	Play(buf Buffer, at time.Duration, done func()) (Handle, error)
	// Now reports the monotonic device clock.
	Now() time.Duration
	// SetGain scales output volume live without touching the schedule.
	SetGain(level float64)
}

type EventType string

const (
	// EventEnded fires exactly once when the last scheduled chunk finishes
	// with no further chunks pending.
	EventEnded EventType = "ended"
)

type Event struct {
	Type EventType
}

type chunk struct {
	seq     int64
	buf     Buffer
	startAt time.Duration
	handle  Handle
}

type decodeResult struct {
	c    *chunk
	skip bool
}

// Queue plays an ordered sequence of audio chunks back-to-back with no
// audible gap, supporting total interruption at any moment. Chunks are
// consumed in strict arrival order regardless of decode latency variance.
type Queue struct {
	device Device
	events chan Event

	mu             sync.Mutex
	gen            int64
	nextSeq        int64
	nextSchedule   int64
	decoded        map[int64]decodeResult
	pendingDecodes int
	playing        bool
	scheduledEnd   time.Duration
	active         map[int64]*chunk
	volume         float64
}

func NewQueue(device Device) *Queue {
	return &Queue{
		device:  device,
		events:  make(chan Event, 8),
		decoded: make(map[int64]decodeResult),
		active:  make(map[int64]*chunk),
		volume:  1.0,
	}
}

// Events delivers playback lifecycle events. The channel is never closed.
func (q *Queue) Events() <-chan Event { return q.events }

// Enqueue accepts pre-encoded bytes, decodes them asynchronously and appends
// the result to the ordered chunk list. Decode failures are logged and the
// chunk is skipped; the rest of the queue keeps playing.
func (q *Queue) Enqueue(encoded []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(encoded)
}

// Generation reports the current queue generation. Stop advances it; a
// producer snapshots it so EnqueueGen can refuse bytes that straddle an
// interruption.
func (q *Queue) Generation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen
}

// EnqueueGen enqueues only while gen still matches the queue's generation.
// A mismatch means Stop ran after the producer snapshotted it; the bytes are
// dropped and false is returned.
func (q *Queue) EnqueueGen(gen int64, encoded []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return false
	}
	q.enqueueLocked(encoded)
	return true
}

func (q *Queue) enqueueLocked(encoded []byte) {
	seq := q.nextSeq
	q.nextSeq++
	gen := q.gen
	q.pendingDecodes++

	go func() {
		buf, err := q.device.Decode(context.Background(), encoded)

		q.mu.Lock()
		defer q.mu.Unlock()
		if q.gen != gen {
			// The queue was interrupted while this decode was in flight.
			// The result is discarded silently.
			return
		}
		q.pendingDecodes--
		if err != nil {
			log.Printf("playback: decode failed for chunk %d, skipping: %v", seq, err)
			q.decoded[seq] = decodeResult{skip: true}
		} else {
			q.decoded[seq] = decodeResult{c: &chunk{seq: seq, buf: buf}}
		}
		q.scheduleReadyLocked()
		q.maybeEndedLocked()
	}()
}

// Play begins consuming the queue from the current device clock. Every
// already-decoded chunk is scheduled back-to-back; chunks enqueued afterward
// extend the running schedule.
func (q *Queue) Play() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing {
		return
	}
	q.playing = true
	q.scheduledEnd = q.device.Now()
	q.scheduleReadyLocked()
}

// Stop immediately halts every scheduled and currently-sounding chunk,
// releases their device resources and clears the queue. Safe to call at any
// time, including mid-decode; pending decodes complete and are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.gen++
	q.playing = false
	q.pendingDecodes = 0
	q.nextSchedule = q.nextSeq
	q.decoded = make(map[int64]decodeResult)
	q.scheduledEnd = 0
	stopped := make([]*chunk, 0, len(q.active))
	for _, c := range q.active {
		stopped = append(stopped, c)
	}
	q.active = make(map[int64]*chunk)
	q.mu.Unlock()

	for _, c := range stopped {
		if c.handle != nil {
			c.handle.Stop()
		}
	}
}

// Interrupt is Stop under its conversational name.
func (q *Queue) Interrupt() { q.Stop() }

// SetVolume scales output gain live. Level is clamped to [0, 1]; scheduling
// is unaffected.
func (q *Queue) SetVolume(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	q.mu.Lock()
	q.volume = level
	q.mu.Unlock()
	q.device.SetGain(level)
}

// Volume reports the current gain level.
func (q *Queue) Volume() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.volume
}

// Idle reports whether nothing is scheduled, sounding or awaiting decode.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) == 0 && len(q.decoded) == 0 && q.pendingDecodes == 0 && q.nextSchedule == q.nextSeq
}

// scheduleReadyLocked schedules decoded chunks in strict arrival order.
// Chunk i+1 starts exactly at chunk i's computed end, never before; a stale
// schedule (queue drained, then re-armed) snaps forward to the device clock.
func (q *Queue) scheduleReadyLocked() {
	if !q.playing {
		return
	}
	for {
		res, ok := q.decoded[q.nextSchedule]
		if !ok {
			return
		}
		delete(q.decoded, q.nextSchedule)
		seq := q.nextSchedule
		q.nextSchedule++
		if res.skip {
			continue
		}

		c := res.c
		start := q.scheduledEnd
		if now := q.device.Now(); now > start {
			start = now
		}
		gen := q.gen
		handle, err := q.device.Play(c.buf, start, func() {
			q.onChunkDone(gen, seq)
		})
		if err != nil {
			log.Printf("playback: schedule failed for chunk %d, skipping: %v", seq, err)
			continue
		}
		c.startAt = start
		c.handle = handle
		q.scheduledEnd = start + c.buf.Duration()
		q.active[seq] = c
	}
}

func (q *Queue) onChunkDone(gen, seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen {
		return
	}
	delete(q.active, seq)
	q.maybeEndedLocked()
}

func (q *Queue) maybeEndedLocked() {
	if !q.playing {
		return
	}
	if len(q.active) != 0 || len(q.decoded) != 0 || q.pendingDecodes != 0 || q.nextSchedule != q.nextSeq {
		return
	}
	select {
	case q.events <- Event{Type: EventEnded}:
	default:
	}
}
