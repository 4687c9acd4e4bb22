package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBuffer struct {
	dur time.Duration
}

func (b fakeBuffer) Duration() time.Duration { return b.dur }

type fakePlay struct {
	buf     Buffer
	at      time.Duration
	done    func()
	stopped bool
}

func (p *fakePlay) Stop() { p.stopped = true }

// fakeDevice decodes one chunk byte into a 100ms-per-byte buffer and records
// every scheduled play. The clock only moves when the test advances it.
type fakeDevice struct {
	mu     sync.Mutex
	now    time.Duration
	plays  []*fakePlay
	played chan *fakePlay
	gain   float64

	failDecode map[int]bool // by decode call index
	decodeGate chan struct{}
	decodes    int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{played: make(chan *fakePlay, 32), gain: 1.0}
}

func (d *fakeDevice) Decode(_ context.Context, encoded []byte) (Buffer, error) {
	d.mu.Lock()
	idx := d.decodes
	d.decodes++
	gate := d.decodeGate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if d.failDecode[idx] {
		return nil, errors.New("unsupported codec")
	}
	return fakeBuffer{dur: time.Duration(len(encoded)) * 100 * time.Millisecond}, nil
}

func (d *fakeDevice) Play(buf Buffer, at time.Duration, done func()) (Handle, error) {
	p := &fakePlay{buf: buf, at: at, done: done}
	d.mu.Lock()
	d.plays = append(d.plays, p)
	d.mu.Unlock()
	d.played <- p
	return p, nil
}

func (d *fakeDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

func (d *fakeDevice) advance(by time.Duration) {
	d.mu.Lock()
	d.now += by
	d.mu.Unlock()
}

func (d *fakeDevice) SetGain(level float64) {
	d.mu.Lock()
	d.gain = level
	d.mu.Unlock()
}

func waitPlay(t *testing.T, d *fakeDevice) *fakePlay {
	t.Helper()
	select {
	case p := <-d.played:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a scheduled chunk")
		return nil
	}
}

func waitIdleDecodes(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		pending := q.pendingDecodes
		q.mu.Unlock()
		if pending == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("decodes never drained")
}

func TestGaplessScheduling(t *testing.T) {
	dev := newFakeDevice()
	q := NewQueue(dev)

	// Three chunks of 100ms, 200ms, 300ms, all enqueued before playback.
	q.Enqueue([]byte{1})
	q.Enqueue([]byte{1, 2})
	q.Enqueue([]byte{1, 2, 3})
	waitIdleDecodes(t, q)

	q.Play()

	first := waitPlay(t, dev)
	second := waitPlay(t, dev)
	third := waitPlay(t, dev)

	if first.at != 0 {
		t.Fatalf("chunk 0 start = %s, want 0", first.at)
	}
	if want := first.at + first.buf.Duration(); second.at != want {
		t.Fatalf("chunk 1 start = %s, want %s (end of chunk 0)", second.at, want)
	}
	if want := second.at + second.buf.Duration(); third.at != want {
		t.Fatalf("chunk 2 start = %s, want %s (end of chunk 1)", third.at, want)
	}
}

func TestLateEnqueueExtendsRunningSchedule(t *testing.T) {
	dev := newFakeDevice()
	q := NewQueue(dev)

	q.Enqueue([]byte{1, 2, 3, 4}) // 400ms
	waitIdleDecodes(t, q)
	q.Play()
	first := waitPlay(t, dev)

	// Device clock has advanced 100ms into the first chunk when the next
	// chunk arrives: it must start at the first chunk's end, not at "now".
	dev.advance(100 * time.Millisecond)
	q.Enqueue([]byte{1})
	second := waitPlay(t, dev)

	if want := first.at + first.buf.Duration(); second.at != want {
		t.Fatalf("late chunk start = %s, want %s", second.at, want)
	}
}

func TestArrivalOrderSurvivesDecodeLatency(t *testing.T) {
	dev := newFakeDevice()
	gate := make(chan struct{})
	dev.decodeGate = gate
	q := NewQueue(dev)

	q.Enqueue([]byte{1, 2})
	q.Enqueue([]byte{1})
	q.Play()
	close(gate) // both decodes finish in whatever order the scheduler picks
	waitIdleDecodes(t, q)

	first := waitPlay(t, dev)
	second := waitPlay(t, dev)
	if first.buf.Duration() != 200*time.Millisecond {
		t.Fatalf("first scheduled chunk duration = %s, want 200ms (arrival order)", first.buf.Duration())
	}
	if second.buf.Duration() != 100*time.Millisecond {
		t.Fatalf("second scheduled chunk duration = %s, want 100ms", second.buf.Duration())
	}
}

func TestDecodeFailureSkipsChunk(t *testing.T) {
	dev := newFakeDevice()
	dev.failDecode = map[int]bool{1: true}
	q := NewQueue(dev)

	q.Enqueue([]byte{1}) // 100ms
	q.Enqueue([]byte{9}) // decode fails
	q.Enqueue([]byte{1, 2})
	waitIdleDecodes(t, q)
	q.Play()

	first := waitPlay(t, dev)
	second := waitPlay(t, dev)
	if want := first.at + first.buf.Duration(); second.at != want {
		t.Fatalf("chunk after skipped decode starts at %s, want %s", second.at, want)
	}
	select {
	case p := <-dev.played:
		t.Fatalf("unexpected third play at %s", p.at)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInterruptIdempotence(t *testing.T) {
	dev := newFakeDevice()
	q := NewQueue(dev)

	// Interrupting an idle queue is a no-op.
	q.Interrupt()
	q.Interrupt()
	if !q.Idle() {
		t.Fatalf("Idle() = false after interrupting an idle queue")
	}

	q.Enqueue([]byte{1, 2, 3})
	waitIdleDecodes(t, q)
	q.Play()
	p := waitPlay(t, dev)

	q.Interrupt()
	q.Interrupt()
	if !p.stopped {
		t.Fatalf("scheduled chunk was not stopped on interrupt")
	}
	if !q.Idle() {
		t.Fatalf("Idle() = false after interrupt, want empty queue")
	}
}

func TestStopMidDecodeDiscardsSilently(t *testing.T) {
	dev := newFakeDevice()
	gate := make(chan struct{})
	dev.decodeGate = gate
	q := NewQueue(dev)

	q.Enqueue([]byte{1, 2})
	q.Play()
	q.Stop()
	close(gate)

	select {
	case p := <-dev.played:
		t.Fatalf("discarded decode was scheduled at %s", p.at)
	case <-time.After(100 * time.Millisecond):
	}
	if !q.Idle() {
		t.Fatalf("Idle() = false after stop mid-decode")
	}
}

func TestEndedFiresOnceThenReArms(t *testing.T) {
	dev := newFakeDevice()
	q := NewQueue(dev)

	q.Enqueue([]byte{1})
	q.Enqueue([]byte{1})
	waitIdleDecodes(t, q)
	q.Play()
	first := waitPlay(t, dev)
	second := waitPlay(t, dev)

	first.done()
	select {
	case evt := <-q.Events():
		t.Fatalf("premature %s event with a chunk still sounding", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	second.done()
	select {
	case evt := <-q.Events():
		if evt.Type != EventEnded {
			t.Fatalf("event = %s, want %s", evt.Type, EventEnded)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no ended event after last chunk finished")
	}

	// Enqueue after idle re-arms from the current clock, not the stale end.
	dev.advance(10 * time.Second)
	q.Enqueue([]byte{1})
	rearmed := waitPlay(t, dev)
	if rearmed.at != 10*time.Second {
		t.Fatalf("re-armed chunk start = %s, want %s", rearmed.at, 10*time.Second)
	}

	rearmed.done()
	select {
	case evt := <-q.Events():
		if evt.Type != EventEnded {
			t.Fatalf("event = %s, want %s", evt.Type, EventEnded)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no second ended event for the re-armed cycle")
	}
}

func TestEnqueueGenRefusesStaleGeneration(t *testing.T) {
	dev := newFakeDevice()
	q := NewQueue(dev)

	gen := q.Generation()
	q.Enqueue([]byte{1})
	waitIdleDecodes(t, q)
	q.Play()
	waitPlay(t, dev)

	// Stop advances the generation; a producer holding the old snapshot must
	// not slip audio into the next playback cycle.
	q.Stop()
	if q.EnqueueGen(gen, []byte{1, 2}) {
		t.Fatalf("EnqueueGen accepted a stale generation")
	}
	if !q.Idle() {
		t.Fatalf("Idle() = false after a refused stale enqueue")
	}

	q.Play()
	select {
	case p := <-dev.played:
		t.Fatalf("stale chunk scheduled at %s", p.at)
	case <-time.After(100 * time.Millisecond):
	}

	if !q.EnqueueGen(q.Generation(), []byte{1}) {
		t.Fatalf("EnqueueGen refused the current generation")
	}
	waitPlay(t, dev)
}

func TestSetVolumeClampsAndForwards(t *testing.T) {
	dev := newFakeDevice()
	q := NewQueue(dev)

	q.SetVolume(0.5)
	if q.Volume() != 0.5 {
		t.Fatalf("Volume() = %v, want 0.5", q.Volume())
	}
	q.SetVolume(7)
	if q.Volume() != 1.0 {
		t.Fatalf("Volume() = %v, want clamped 1.0", q.Volume())
	}
	q.SetVolume(-1)
	if q.Volume() != 0 {
		t.Fatalf("Volume() = %v, want clamped 0", q.Volume())
	}
	dev.mu.Lock()
	gain := dev.gain
	dev.mu.Unlock()
	if gain != 0 {
		t.Fatalf("device gain = %v, want 0", gain)
	}
}
