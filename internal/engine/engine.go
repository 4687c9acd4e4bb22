package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duplexvoice/duplex/internal/history"
	"github.com/duplexvoice/duplex/internal/observability"
	"github.com/duplexvoice/duplex/internal/playback"
	"github.com/duplexvoice/duplex/internal/policy"
	"github.com/duplexvoice/duplex/internal/protocol"
	"github.com/duplexvoice/duplex/internal/session"
	"github.com/duplexvoice/duplex/internal/vad"
)

const (
	frameDuration       = 20 * time.Millisecond
	historyContextLimit = 8
	historySaveTimeout  = 2 * time.Second
	sendTimeout         = 2 * time.Second
)

var errTurnSuperseded = errors.New("turn superseded")

// Engine wires the detector, the playback queue and the boundary providers
// into conversation sessions. One Engine serves many connections; per
// connection state lives in conn.
type Engine struct {
	sessions    *session.Manager
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer
	store       history.Store
	metrics     *observability.Metrics
	streamText  bool
	streamAudio bool
}

func New(
	sessions *session.Manager,
	transcriber Transcriber,
	responder Responder,
	synthesizer Synthesizer,
	store history.Store,
	metrics *observability.Metrics,
	streamText bool,
	streamAudio bool,
) *Engine {
	return &Engine{
		sessions:    sessions,
		transcriber: transcriber,
		responder:   responder,
		synthesizer: synthesizer,
		store:       store,
		metrics:     metrics,
		streamText:  streamText,
		streamAudio: streamAudio,
	}
}

// Run drives one websocket connection's conversation until the context or
// the inbound channel closes. All state transitions are serialized through
// this loop; asynchronous work posts results back via turn events tagged
// with a monotonically increasing token, and stale results are discarded.
func (e *Engine) Run(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	c := newConn(e, s, outbound)
	defer c.shutdown()
	return c.loop(ctx, inbound)
}

type turnEventKind int

const (
	turnTranscript turnEventKind = iota
	turnReply
	turnSynthDone
	turnNoAudio
	turnError
)

type turnEvent struct {
	token  int64
	turnID string
	kind   turnEventKind
	text   string
	reply  Reply
	err    error
	source string
}

type conn struct {
	e        *Engine
	s        *session.Session
	outbound chan<- any

	detector *vad.Detector
	source   *vad.PushSource
	queue    *playback.Queue

	vadEvents      <-chan vad.Event
	vadLevels      <-chan vad.Level
	playbackEvents <-chan playback.Event

	state           State
	alwaysListening bool
	currentEmotion  string
	synthDone       bool

	turnEvents chan turnEvent
	closed     chan struct{}

	turnMu       sync.Mutex
	turnCtx      context.Context
	turnCancel   context.CancelFunc
	activeTurnID string
	activeToken  int64
	nextToken    int64

	// Timeline marks for the active turn, written by the loop and read by
	// the device emit callback.
	speakMu        sync.Mutex
	speakTurnID    string
	speakSeq       int
	firstAudioSent bool
	segmentAt      time.Time
	replyAt        time.Time
}

func newConn(e *Engine, s *session.Session, outbound chan<- any) *conn {
	c := &conn{
		e:               e,
		s:               s,
		outbound:        outbound,
		state:           StateIdle,
		alwaysListening: s.AlwaysListening,
		turnEvents:      make(chan turnEvent, 16),
		closed:          make(chan struct{}),
	}

	detector, err := vad.NewDetector(s.VAD)
	if err != nil {
		// Session creation validated the config; an error here means the
		// snapshot was tampered with. Fall back to defaults.
		log.Printf("engine: invalid vad config for session %s, using defaults: %v", s.ID, err)
		detector, _ = vad.NewDetector(vad.Config{})
	}
	c.detector = detector
	c.source = vad.NewPushSource(frameDuration)
	c.vadEvents = detector.Events()
	c.vadLevels = detector.Levels()

	device := playback.NewStreamDevice(s.VAD.SampleRate, c.emitAudio)
	c.queue = playback.NewQueue(device)
	c.playbackEvents = c.queue.Events()
	return c
}

func (c *conn) loop(ctx context.Context, inbound <-chan any) error {
	if c.alwaysListening {
		c.startListening(ctx, "always_listening")
	}

	for {
		select {
		case <-ctx.Done():
			c.cancelActiveTurn("connection_closed")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				c.cancelActiveTurn("connection_closed")
				return nil
			}
			c.handleClientMessage(ctx, msg)
		case evt := <-c.vadEvents:
			c.handleVADEvent(ctx, evt)
		case lvl := <-c.vadLevels:
			c.send(protocol.AudioLevel{
				Type:      protocol.TypeAudioLevel,
				SessionID: c.s.ID,
				Level:     lvl.Value,
				TSMs:      lvl.At.UnixMilli(),
			})
		case evt := <-c.playbackEvents:
			if evt.Type == playback.EventEnded {
				c.handlePlaybackEnded(ctx)
			}
		case te := <-c.turnEvents:
			c.handleTurnEvent(ctx, te)
		}
	}
}

func (c *conn) shutdown() {
	close(c.closed)
	c.queue.Stop()
	c.detector.Stop()
	_ = c.source.Stop()
}

func (c *conn) handleClientMessage(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		_ = c.e.sessions.Touch(c.s.ID)
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			c.sendError("audio_decode_failed", "client", false, err.Error())
			return
		}
		if err := c.source.Push(pcm, m.SampleRate); err != nil {
			log.Printf("engine: dropping audio chunk for session %s: %v", c.s.ID, err)
		}
	case protocol.ClientControl:
		_ = c.e.sessions.Touch(c.s.ID)
		switch m.Action {
		case protocol.ActionStartListening:
			c.startListening(ctx, "user_request")
		case protocol.ActionStopListening:
			c.stopListening()
		case protocol.ActionInterrupt:
			c.interrupt(ctx, TriggerInterrupt, "user_interrupt")
		case protocol.ActionSendText:
			c.startTextTurn(ctx, m.Text)
		case protocol.ActionSetAlwaysListening:
			c.alwaysListening = *m.Enabled
			_ = c.e.sessions.SetAlwaysListening(c.s.ID, c.alwaysListening)
		case protocol.ActionSetVolume:
			c.queue.SetVolume(*m.Level)
		}
	}
}

// startListening covers the explicit command, always-on auto-resume and
// recovery out of the error state.
func (c *conn) startListening(ctx context.Context, reason string) {
	if c.state == StateListening {
		return
	}
	if !c.apply(TriggerListenRequested, reason) {
		return
	}
	if err := c.detector.Start(ctx, c.source); err != nil {
		c.fatal("vad_start_failed", "device", err)
		return
	}
	c.detector.Resume()
}

func (c *conn) stopListening() {
	if c.state != StateListening {
		return
	}
	// Manual stop releases the input device and discards any partial episode.
	c.detector.Stop()
	c.apply(TriggerStopRequested, "user_request")
}

func (c *conn) handleVADEvent(ctx context.Context, evt vad.Event) {
	switch evt.Type {
	case vad.EventSpeechStart:
		switch c.state {
		case StateIdle:
			if c.alwaysListening {
				c.apply(TriggerListenRequested, "speech_detected")
			}
		case StateProcessing, StateThinking, StateSpeaking:
			c.e.metrics.ObserveTurnIndicator("barge_in")
			c.interrupt(ctx, TriggerBargeIn, "barge_in")
		}
	case vad.EventSegment:
		if c.state != StateListening {
			// Segments are only actionable while listening; anything else
			// is leftover capture from a cancelled episode.
			return
		}
		c.startVoiceTurn(ctx, *evt.Segment)
	case vad.EventSpeechDiscarded:
		c.e.metrics.SessionEvents.WithLabelValues("speech_discarded").Inc()
	}
}

// startVoiceTurn runs the captured segment through the transcriber.
func (c *conn) startVoiceTurn(ctx context.Context, seg vad.SpeechSegment) {
	if !c.apply(TriggerSegmentCaptured, "segment_captured") {
		return
	}
	turnCtx, turnID, token := c.beginTurn(ctx)

	c.speakMu.Lock()
	c.segmentAt = time.Now()
	c.replyAt = time.Time{}
	c.speakMu.Unlock()

	go func() {
		text, err := c.e.transcriber.Transcribe(turnCtx, seg)
		c.post(turnEvent{token: token, turnID: turnID, kind: turnTranscript, text: text, err: err, source: "transcriber"})
	}()
}

// startTextTurn skips capture and transcription entirely.
func (c *conn) startTextTurn(ctx context.Context, text string) {
	if !c.apply(TriggerTextSubmitted, "send_text") {
		return
	}
	turnCtx, turnID, token := c.beginTurn(ctx)

	c.speakMu.Lock()
	c.segmentAt = time.Now()
	c.replyAt = time.Time{}
	c.speakMu.Unlock()

	c.send(protocol.UserTranscript{
		Type:      protocol.TypeUserTranscript,
		SessionID: c.s.ID,
		TurnID:    turnID,
		Text:      text,
		TSMs:      time.Now().UnixMilli(),
	})
	c.saveTurnBestEffort("user", text, "")
	c.startRespond(turnCtx, token, turnID, text)
}

func (c *conn) beginTurn(ctx context.Context) (context.Context, string, int64) {
	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)

	c.turnMu.Lock()
	c.nextToken++
	token := c.nextToken
	c.turnCtx = turnCtx
	c.turnCancel = cancel
	c.activeTurnID = turnID
	c.activeToken = token
	c.turnMu.Unlock()

	_ = c.e.sessions.StartTurn(c.s.ID, turnID)
	return turnCtx, turnID, token
}

func (c *conn) tokenActive(token int64) bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.activeToken == token
}

func (c *conn) post(te turnEvent) {
	select {
	case c.turnEvents <- te:
	case <-c.closed:
	}
}

func (c *conn) handleTurnEvent(ctx context.Context, te turnEvent) {
	// Results of a cancelled or superseded turn are discarded unconditionally.
	if !c.tokenActive(te.token) {
		return
	}

	switch te.kind {
	case turnTranscript:
		c.handleTranscript(ctx, te)
	case turnReply:
		c.handleReply(ctx, te)
	case turnSynthDone:
		c.synthDone = true
		if c.queue.Idle() {
			// Playback drained before the stream finished; no further queue
			// event is coming.
			c.handlePlaybackEnded(ctx)
		}
	case turnNoAudio:
		// Synthesis produced nothing to play; close out the turn as if
		// playback ended immediately.
		c.synthDone = true
		c.handlePlaybackEnded(ctx)
	case turnError:
		c.failTurn(ctx, te)
	}
}

func (c *conn) handleTranscript(ctx context.Context, te turnEvent) {
	if te.err != nil {
		c.failTurn(ctx, te)
		return
	}
	if te.text == "" {
		c.clearTurn()
		c.send(protocol.AssistantTurnEnd{
			Type:      protocol.TypeAssistantTurnEnd,
			SessionID: c.s.ID,
			TurnID:    te.turnID,
			Reason:    "no_speech",
		})
		if c.apply(TriggerTranscriptEmpty, "transcript_empty") {
			c.afterIdle(ctx)
		}
		return
	}

	c.speakMu.Lock()
	segmentAt := c.segmentAt
	c.speakMu.Unlock()
	if !segmentAt.IsZero() {
		c.e.metrics.ObserveTurnStage("segment_to_transcript", time.Since(segmentAt))
	}

	if !c.apply(TriggerTranscriptReady, "transcript_ready") {
		return
	}
	c.send(protocol.UserTranscript{
		Type:      protocol.TypeUserTranscript,
		SessionID: c.s.ID,
		TurnID:    te.turnID,
		Text:      te.text,
		TSMs:      time.Now().UnixMilli(),
	})
	c.saveTurnBestEffort("user", te.text, "")

	// Respond runs under the same turn context so one barge-in cancels the
	// whole pipeline.
	if turnCtx, ok := c.activeTurn(); ok {
		c.startRespond(turnCtx, te.token, te.turnID, te.text)
	}
}

func (c *conn) activeTurn() (context.Context, bool) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if c.turnCancel == nil {
		return nil, false
	}
	return c.turnCtx, true
}

func (c *conn) startRespond(turnCtx context.Context, token int64, turnID, text string) {
	transcriptAt := time.Now()
	go func() {
		req := Request{
			SessionID: c.s.ID,
			TurnID:    turnID,
			UserID:    c.s.UserID,
			Text:      text,
		}
		if c.e.store != nil {
			recent, err := c.e.store.RecentBySession(turnCtx, c.s.ID, historyContextLimit)
			if err != nil {
				log.Printf("engine: history context unavailable for session %s: %v", c.s.ID, err)
			} else {
				req.History = recent
			}
		}

		var onDelta func(string) error
		if c.e.streamText {
			first := true
			onDelta = func(delta string) error {
				if !c.tokenActive(token) {
					return errTurnSuperseded
				}
				if first {
					first = false
					c.e.metrics.ObserveTurnStage("transcript_to_first_delta", time.Since(transcriptAt))
				}
				c.send(protocol.AssistantTextDelta{
					Type:      protocol.TypeAssistantTextDelta,
					SessionID: c.s.ID,
					TurnID:    turnID,
					TextDelta: delta,
				})
				return nil
			}
		}

		reply, err := c.e.responder.Respond(turnCtx, req, onDelta)
		c.post(turnEvent{token: token, turnID: turnID, kind: turnReply, reply: reply, err: err, source: "responder"})
	}()
}

func (c *conn) handleReply(ctx context.Context, te turnEvent) {
	if te.err != nil {
		c.failTurn(ctx, te)
		return
	}
	if !c.apply(TriggerReplyReady, "reply_ready") {
		return
	}
	c.currentEmotion = te.reply.Emotion
	c.saveTurnBestEffort("assistant", te.reply.Text, te.reply.Emotion)

	if !c.e.streamText && te.reply.Text != "" {
		c.send(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: c.s.ID,
			TurnID:    te.turnID,
			TextDelta: te.reply.Text,
		})
	}

	c.speakMu.Lock()
	c.speakTurnID = te.turnID
	c.speakSeq = 0
	c.firstAudioSent = false
	c.replyAt = time.Now()
	c.speakMu.Unlock()

	if te.reply.Text == "" {
		c.post(turnEvent{token: te.token, turnID: te.turnID, kind: turnNoAudio})
		return
	}

	c.synthDone = false
	c.queue.Play()
	if turnCtx, ok := c.activeTurn(); ok {
		c.startSynthesis(turnCtx, te.token, te.turnID, c.queue.Generation(), te.reply.Text)
	}
}

func (c *conn) startSynthesis(turnCtx context.Context, token int64, turnID string, gen int64, text string) {
	go func() {
		ch, err := c.e.synthesizer.Synthesize(turnCtx, text)
		if err != nil {
			c.post(turnEvent{token: token, turnID: turnID, kind: turnError, err: err, source: "synthesizer"})
			return
		}

		enqueued := false
		if c.e.streamAudio {
			for chunk := range ch {
				if !c.tokenActive(token) {
					return
				}
				if len(chunk.Data) == 0 {
					continue
				}
				// A generation mismatch means barge-in stopped the queue
				// between the token check and this enqueue.
				if !c.queue.EnqueueGen(gen, chunk.Data) {
					return
				}
				enqueued = true
			}
		} else {
			var buf []byte
			for chunk := range ch {
				buf = append(buf, chunk.Data...)
			}
			if !c.tokenActive(token) {
				return
			}
			if len(buf) > 0 {
				if !c.queue.EnqueueGen(gen, buf) {
					return
				}
				enqueued = true
			}
		}

		if !enqueued {
			c.post(turnEvent{token: token, turnID: turnID, kind: turnNoAudio})
			return
		}
		c.post(turnEvent{token: token, turnID: turnID, kind: turnSynthDone})
	}()
}

func (c *conn) handlePlaybackEnded(ctx context.Context) {
	if c.state != StateSpeaking {
		return
	}
	if !c.synthDone {
		// The queue drained ahead of the synthesis stream; upcoming chunks
		// re-arm playback from the current clock.
		return
	}
	c.turnMu.Lock()
	turnID := c.activeTurnID
	c.turnMu.Unlock()

	c.speakMu.Lock()
	segmentAt := c.segmentAt
	c.speakTurnID = ""
	c.speakMu.Unlock()
	if !segmentAt.IsZero() {
		c.e.metrics.ObserveTurnStage("turn_total", time.Since(segmentAt))
	}

	c.clearTurn()
	c.send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: c.s.ID,
		TurnID:    turnID,
		Reason:    "completed",
		Emotion:   c.currentEmotion,
	})
	if c.apply(TriggerPlaybackEnded, "playback_ended") {
		c.afterIdle(ctx)
	}
}

// interrupt covers both barge-in and the explicit command. Ordering matters:
// playback stop and turn cancellation must complete before the transition so
// no delayed audio can resume afterward.
func (c *conn) interrupt(ctx context.Context, trig Trigger, reason string) {
	if !c.state.Active() {
		return
	}
	c.queue.Stop()
	c.cancelActiveTurn("interrupted")
	_ = c.e.sessions.Interrupt(c.s.ID)

	// Drop any partial capture episode without releasing the device.
	if c.detector.Running() {
		c.detector.Pause()
		c.detector.Resume()
	}

	c.speakMu.Lock()
	c.speakTurnID = ""
	c.speakMu.Unlock()

	if c.apply(trig, reason) {
		c.afterIdle(ctx)
	}
}

// afterIdle runs right after any transition into idle: always-on sessions
// re-enter listening immediately, others park the detector.
func (c *conn) afterIdle(ctx context.Context) {
	if c.state != StateIdle {
		return
	}
	if c.alwaysListening {
		c.startListening(ctx, "auto_resume")
		return
	}
	if c.detector.Running() {
		c.detector.Pause()
	}
}

func (c *conn) failTurn(ctx context.Context, te turnEvent) {
	if errors.Is(te.err, context.Canceled) || errors.Is(te.err, errTurnSuperseded) {
		// Cancellation is the normal outcome of barge-in, not an error.
		return
	}
	c.e.metrics.ProviderErrors.WithLabelValues(te.source, "call_failed").Inc()
	c.queue.Stop()
	c.clearTurn()
	c.sendError("turn_failed", te.source, true, te.err.Error())
	c.send(protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: c.s.ID,
		TurnID:    te.turnID,
		Reason:    "failed",
	})
	if c.apply(TriggerTurnFailed, "turn_failed") {
		c.afterIdle(ctx)
	}
}

// fatal handles device-level failures the session cannot recover from on
// its own. A fresh start_listening command restarts from scratch.
func (c *conn) fatal(code, source string, err error) {
	c.queue.Stop()
	c.cancelActiveTurn("failed")
	c.detector.Stop()
	c.sendError(code, source, false, err.Error())
	c.apply(TriggerFatalError, code)
}

func (c *conn) cancelActiveTurn(reason string) {
	c.turnMu.Lock()
	cancel := c.turnCancel
	turnID := c.activeTurnID
	c.turnCtx = nil
	c.turnCancel = nil
	c.activeTurnID = ""
	c.activeToken = 0
	c.turnMu.Unlock()

	if cancel != nil {
		cancel()
		c.send(protocol.AssistantTurnEnd{
			Type:      protocol.TypeAssistantTurnEnd,
			SessionID: c.s.ID,
			TurnID:    turnID,
			Reason:    reason,
		})
	}
}

// clearTurn releases the turn slot without emitting a turn-end message.
func (c *conn) clearTurn() {
	c.turnMu.Lock()
	cancel := c.turnCancel
	c.turnCtx = nil
	c.turnCancel = nil
	c.activeTurnID = ""
	c.activeToken = 0
	c.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// apply validates the transition against the table, mutates the state and
// notifies the host UI. Invalid transitions are logged and rejected.
func (c *conn) apply(trig Trigger, reason string) bool {
	to, ok := Next(c.state, trig)
	if !ok {
		log.Printf("engine: rejected transition from %s on %s (session %s)", c.state, trig, c.s.ID)
		c.e.metrics.SessionEvents.WithLabelValues("invalid_transition").Inc()
		return false
	}
	prev := c.state
	c.state = to
	c.e.metrics.StateTransitions.WithLabelValues(string(prev), string(to), string(trig)).Inc()
	c.send(protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: c.s.ID,
		State:     string(to),
		Previous:  string(prev),
		Reason:    reason,
	})
	return true
}

// emitAudio runs on the playback device's schedule, off the loop goroutine.
func (c *conn) emitAudio(pcm []byte) {
	c.speakMu.Lock()
	turnID := c.speakTurnID
	c.speakSeq++
	seq := c.speakSeq
	first := !c.firstAudioSent
	c.firstAudioSent = true
	segmentAt := c.segmentAt
	replyAt := c.replyAt
	c.speakMu.Unlock()

	if turnID == "" {
		return
	}
	if first {
		if !segmentAt.IsZero() {
			c.e.metrics.ObserveFirstAudioLatency(time.Since(segmentAt))
			c.e.metrics.ObserveTurnStage("segment_to_first_audio", time.Since(segmentAt))
		}
		if !replyAt.IsZero() {
			c.e.metrics.ObserveTurnStage("reply_to_first_audio", time.Since(replyAt))
		}
	}

	c.send(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   c.s.ID,
		TurnID:      turnID,
		Seq:         seq,
		Format:      "pcm16",
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *conn) sendError(code, source string, retryable bool, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.s.ID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

// send delivers an outbound message with a bounded wait so a stalled writer
// cannot wedge the loop.
func (c *conn) send(msg any) {
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
	case <-c.closed:
	case <-timer.C:
		log.Printf("engine: outbound send timed out, dropping %T (session %s)", msg, c.s.ID)
	}
}

func (c *conn) saveTurnBestEffort(role, text, emotion string) {
	if c.e.store == nil || text == "" {
		return
	}
	// Persisted history is PII-scrubbed; the live transcript sent to the
	// client is not.
	text, _ = policy.RedactPII(text)
	turn := history.ConversationTurn{
		ID:        uuid.NewString(),
		SessionID: c.s.ID,
		UserID:    c.s.UserID,
		Role:      role,
		Text:      text,
		Emotion:   emotion,
		CreatedAt: time.Now().UTC(),
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
		defer cancel()
		if err := c.e.store.SaveTurn(saveCtx, turn); err != nil {
			log.Printf("engine: history save failed for session %s: %v", c.s.ID, err)
		}
	}()
}
