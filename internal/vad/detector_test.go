package vad

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	cfg, err := Config{
		SilenceThreshold:  0.05,
		SilenceDuration:   500 * time.Millisecond,
		MinSpeechDuration: 200 * time.Millisecond,
		SmoothingAlpha:    0.001, // near-raw energy for deterministic thresholds
		SampleRate:        16000,
	}.Normalize()
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(testConfig())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}
	d.running = true
	return d
}

// frameAt builds a 20ms frame whose normalized RMS is approximately level.
func frameAt(level float64, at time.Time) Frame {
	samples := make([]int16, 320)
	amp := int16(level * 32768)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return Frame{Samples: samples, SampleRate: 16000, At: at}
}

func drainEvents(d *Detector) []Event {
	var out []Event
	for {
		select {
		case evt := <-d.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestNoSpeechStartBelowThreshold(t *testing.T) {
	d := newTestDetector(t)
	base := time.Now()
	for i := 0; i < 100; i++ {
		d.processFrame(frameAt(0.01, base.Add(time.Duration(i)*20*time.Millisecond)))
	}
	for _, evt := range drainEvents(d) {
		if evt.Type == EventSpeechStart {
			t.Fatalf("speech_start fired for signal held below threshold")
		}
	}
}

func TestShortEpisodeProducesNoSegment(t *testing.T) {
	d := newTestDetector(t)
	base := time.Now()
	at := base

	// ~100ms of speech: below the 200ms minimum.
	for i := 0; i < 5; i++ {
		d.processFrame(frameAt(0.3, at))
		at = at.Add(20 * time.Millisecond)
	}
	// Silence long enough to close the episode.
	for i := 0; i < 30; i++ {
		d.processFrame(frameAt(0.0, at))
		at = at.Add(20 * time.Millisecond)
	}

	events := drainEvents(d)
	sawStart := false
	for _, evt := range events {
		switch evt.Type {
		case EventSpeechStart:
			sawStart = true
		case EventSegment:
			t.Fatalf("segment emitted for %s episode below minimum", evt.Segment.Duration)
		}
	}
	if !sawStart {
		t.Fatalf("speech_start did not fire for above-threshold signal")
	}
	last := events[len(events)-1]
	if last.Type != EventSpeechDiscarded {
		t.Fatalf("final event = %s, want %s", last.Type, EventSpeechDiscarded)
	}
}

func TestValidEpisodeProducesSegment(t *testing.T) {
	d := newTestDetector(t)
	base := time.Now()
	at := base

	// 600ms of speech, then silence past the 500ms window.
	for i := 0; i < 30; i++ {
		d.processFrame(frameAt(0.3, at))
		at = at.Add(20 * time.Millisecond)
	}
	for i := 0; i < 30; i++ {
		d.processFrame(frameAt(0.0, at))
		at = at.Add(20 * time.Millisecond)
	}

	var seg *SpeechSegment
	for _, evt := range drainEvents(d) {
		if evt.Type == EventSegment {
			seg = evt.Segment
		}
	}
	if seg == nil {
		t.Fatalf("no segment emitted for valid episode")
	}
	if !seg.StartedAt.Equal(base) {
		t.Fatalf("segment StartedAt = %s, want %s", seg.StartedAt, base)
	}
	// 30 speech frames at 20ms: last speech lands 580ms after the start.
	if seg.Duration != 580*time.Millisecond {
		t.Fatalf("segment Duration = %s, want 580ms", seg.Duration)
	}
	if seg.SampleRate != 16000 {
		t.Fatalf("segment SampleRate = %d, want 16000", seg.SampleRate)
	}
	if len(seg.PCM) == 0 {
		t.Fatalf("segment PCM is empty")
	}
}

func TestLevelsEmittedEveryFrame(t *testing.T) {
	d := newTestDetector(t)
	base := time.Now()
	for i := 0; i < 10; i++ {
		d.processFrame(frameAt(0.01, base.Add(time.Duration(i)*20*time.Millisecond)))
	}
	count := 0
	for {
		select {
		case <-d.Levels():
			count++
			continue
		default:
		}
		break
	}
	if count != 10 {
		t.Fatalf("level readings = %d, want 10", count)
	}
}

func TestPauseSuspendsProcessing(t *testing.T) {
	d := newTestDetector(t)
	base := time.Now()

	d.processFrame(frameAt(0.3, base))
	if len(drainEvents(d)) == 0 {
		t.Fatalf("expected speech_start before pause")
	}

	d.Pause()
	for i := 1; i < 20; i++ {
		d.processFrame(frameAt(0.3, base.Add(time.Duration(i)*20*time.Millisecond)))
	}
	if evts := drainEvents(d); len(evts) != 0 {
		t.Fatalf("events while paused = %v, want none", evts)
	}

	d.Resume()
	d.processFrame(frameAt(0.3, base.Add(400*time.Millisecond)))
	evts := drainEvents(d)
	if len(evts) != 1 || evts[0].Type != EventSpeechStart {
		t.Fatalf("post-resume events = %v, want one speech_start", evts)
	}
}

func TestConfigClampsMinSpeechDuration(t *testing.T) {
	cfg, err := Config{
		SilenceDuration:   300 * time.Millisecond,
		MinSpeechDuration: 2 * time.Second,
	}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if cfg.MinSpeechDuration != cfg.SilenceDuration {
		t.Fatalf("MinSpeechDuration = %s, want clamped to %s", cfg.MinSpeechDuration, cfg.SilenceDuration)
	}
}

func TestConfigRejectsBadValues(t *testing.T) {
	if _, err := (Config{SilenceThreshold: 1.5}).Normalize(); err == nil {
		t.Fatalf("Normalize() accepted threshold >= 1")
	}
	if _, err := (Config{SmoothingAlpha: -0.2}).Normalize(); err == nil {
		t.Fatalf("Normalize() accepted negative alpha")
	}
}

type fakeSource struct {
	frames  chan Frame
	err     error
	stopped bool
}

func (s *fakeSource) Start(_ context.Context) (<-chan Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.frames, nil
}

func (s *fakeSource) Stop() error {
	if !s.stopped {
		s.stopped = true
		close(s.frames)
	}
	return nil
}

func TestStartStopLifecycle(t *testing.T) {
	d, err := NewDetector(testConfig())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}
	src := &fakeSource{frames: make(chan Frame, 16)}

	if err := d.Start(context.Background(), src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !d.Running() {
		t.Fatalf("Running() = false after Start")
	}
	// Second Start is a no-op while running.
	if err := d.Start(context.Background(), src); err != nil {
		t.Fatalf("Start() second call error = %v", err)
	}

	// Begin an episode, then stop mid-capture: no partial segment may leak.
	src.frames <- frameAt(0.3, time.Now())
	waitForEvent(t, d, EventSpeechStart)

	d.Stop()
	if d.Running() {
		t.Fatalf("Running() = true after Stop")
	}
	if evts := drainEvents(d); len(evts) != 0 {
		t.Fatalf("events after Stop = %v, want none", evts)
	}
	if d.smoothed != 0 || d.inSpeech || d.buf != nil {
		t.Fatalf("Stop did not reset detector state")
	}
}

func TestStartSourceFailureLeavesStopped(t *testing.T) {
	d, err := NewDetector(testConfig())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}
	src := &fakeSource{err: ErrSourceClosed}
	if err := d.Start(context.Background(), src); err == nil {
		t.Fatalf("Start() error = nil, want source failure")
	}
	if d.Running() {
		t.Fatalf("Running() = true after failed Start")
	}
}

func waitForEvent(t *testing.T, d *Detector, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-d.Events():
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}
