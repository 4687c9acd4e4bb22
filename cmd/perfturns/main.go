// Command perfturns replays synthetic voice turns against a running duplexd
// instance and prints the turn-stage latency snapshot when done. The audio is
// a locally generated tone loud enough to trip the detector, followed by
// silence long enough to close the segment.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplexvoice/duplex/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	chunkMS        int
	realtime       float64
	utteranceMS    int
	silenceMS      int
	sampleRate     int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturns: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "duplexd base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id used for the synthetic session")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&cfg.utteranceMS, "utterance-ms", 600, "length of the synthetic utterance in milliseconds")
	flag.IntVar(&cfg.silenceMS, "silence-ms", 1200, "trailing silence per turn in milliseconds")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "PCM sample rate in Hz")
	flag.IntVar(&startDelayMS, "start-delay-ms", 500, "delay before the first turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for assistant_turn_end per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.utteranceMS < 100 {
		return options{}, fmt.Errorf("utterance-ms must be at least 100")
	}
	if cfg.silenceMS < 100 {
		return options{}, fmt.Errorf("silence-ms must be at least 100")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfturns: session=%s turns=%d chunk_ms=%d realtime=%.2f\n", sessionID, cfg.turns, cfg.chunkMS, cfg.realtime)
	}

	clip := genUtterancePCM(cfg.utteranceMS, cfg.silenceMS, cfg.sampleRate)

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if err := sendControl(conn, sessionID, protocol.ActionStartListening); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	turnEndCh := make(chan string, 32)
	readErrCh := make(chan error, 1)
	go readLoop(conn, turnEndCh, readErrCh, cfg.verbose)

	seq := 0
	for i := 0; i < cfg.turns; i++ {
		select {
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		default:
		}

		if cfg.verbose {
			fmt.Printf("perfturns: turn %d/%d utterance_ms=%d bytes=%d\n", i+1, cfg.turns, cfg.utteranceMS, len(clip))
		}
		if err := sendTurnAudio(conn, sessionID, clip, cfg.sampleRate, cfg.chunkMS, cfg.realtime, &seq); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		reason, err := awaitTurnEnd(turnEndCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		if cfg.verbose && reason != "completed" {
			fmt.Fprintf(os.Stderr, "perfturns: turn %d ended with reason=%s\n", i+1, reason)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	snapshot, err := fetchPerfSnapshot(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("fetch perf snapshot: %w", err)
	}
	fmt.Println(snapshot)
	return nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(map[string]any{"user_id": cfg.userID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/conversation/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/conversation/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func fetchPerfSnapshot(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/turns", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return pretty.String(), nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/conversation/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, turnEndCh chan<- string, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeAssistantTurnEnd):
			select {
			case turnEndCh <- env.Reason:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfturns: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

// genUtterancePCM builds one turn of PCM16LE mono audio: a 220Hz tone at
// roughly -12dBFS for utteranceMS, then silence for silenceMS so the
// detector's silence window closes the segment.
func genUtterancePCM(utteranceMS, silenceMS, sampleRate int) []byte {
	toneSamples := sampleRate * utteranceMS / 1000
	silenceSamples := sampleRate * silenceMS / 1000
	out := make([]byte, (toneSamples+silenceSamples)*2)
	const amplitude = 0.25
	for i := 0; i < toneSamples; i++ {
		v := amplitude * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate))
		s := int16(v * 32767)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

func sendTurnAudio(conn *websocket.Conn, sessionID string, pcm []byte, sampleRate, chunkMS int, realtime float64, seq *int) error {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}

	for off := 0; off < len(pcm); {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		chunkBytes := end - off
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		off = end

		chunkDuration := time.Duration(float64(time.Duration(chunkBytes)*time.Second/time.Duration(sampleRate*2)) / realtime)
		if chunkDuration <= 0 {
			chunkDuration = 10 * time.Millisecond
		}
		time.Sleep(chunkDuration)
	}
	return nil
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	msg := protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
	}
	return conn.WriteJSON(msg)
}

func awaitTurnEnd(turnEndCh <-chan string, readErrCh <-chan error, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reason := <-turnEndCh:
		return reason, nil
	case err := <-readErrCh:
		return "", err
	case <-timer.C:
		return "", fmt.Errorf("timeout after %s", timeout)
	}
}
