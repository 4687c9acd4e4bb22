package engine

// State is the single authoritative conversation state. Exactly one exists
// per session; it is mutated only by the connection loop, never concurrently.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// Trigger names the event causing a state transition.
type Trigger string

const (
	TriggerListenRequested Trigger = "listen_requested"
	TriggerStopRequested   Trigger = "stop_requested"
	TriggerSegmentCaptured Trigger = "segment_captured"
	TriggerTextSubmitted   Trigger = "text_submitted"
	TriggerTranscriptReady Trigger = "transcript_ready"
	TriggerTranscriptEmpty Trigger = "transcript_empty"
	TriggerReplyReady      Trigger = "reply_ready"
	TriggerPlaybackEnded   Trigger = "playback_ended"
	TriggerBargeIn         Trigger = "barge_in"
	TriggerInterrupt       Trigger = "interrupt"
	TriggerTurnFailed      Trigger = "turn_failed"
	TriggerFatalError      Trigger = "fatal_error"
)

// transitions is the authoritative (state, trigger) table. Anything not
// listed is an invalid transition and is rejected by the connection loop.
// Barge-in and interrupt land on idle; always-listening auto-resume is a
// separate listen_requested transition issued immediately afterward.
var transitions = map[State]map[Trigger]State{
	StateIdle: {
		TriggerListenRequested: StateListening,
		TriggerTextSubmitted:   StateThinking,
		TriggerFatalError:      StateError,
	},
	StateListening: {
		TriggerSegmentCaptured: StateProcessing,
		TriggerStopRequested:   StateIdle,
		TriggerInterrupt:       StateIdle,
		TriggerFatalError:      StateError,
	},
	StateProcessing: {
		TriggerTranscriptReady: StateThinking,
		TriggerTranscriptEmpty: StateIdle,
		TriggerBargeIn:         StateIdle,
		TriggerInterrupt:       StateIdle,
		TriggerTurnFailed:      StateIdle,
		TriggerFatalError:      StateError,
	},
	StateThinking: {
		TriggerReplyReady: StateSpeaking,
		TriggerBargeIn:    StateIdle,
		TriggerInterrupt:  StateIdle,
		TriggerTurnFailed: StateIdle,
		TriggerFatalError: StateError,
	},
	StateSpeaking: {
		TriggerPlaybackEnded: StateIdle,
		TriggerBargeIn:       StateIdle,
		TriggerInterrupt:     StateIdle,
		TriggerTurnFailed:    StateIdle,
		TriggerFatalError:    StateError,
	},
	StateError: {
		TriggerListenRequested: StateListening,
	},
}

// Next reports the target state for a (state, trigger) pair, or false when
// the pair is not in the table.
func Next(from State, trig Trigger) (State, bool) {
	row, ok := transitions[from]
	if !ok {
		return from, false
	}
	to, ok := row[trig]
	return to, ok
}

// Active reports whether the state has a conversation in flight, i.e. a
// barge-in or interrupt means something.
func (s State) Active() bool {
	switch s {
	case StateListening, StateProcessing, StateThinking, StateSpeaking:
		return true
	}
	return false
}
