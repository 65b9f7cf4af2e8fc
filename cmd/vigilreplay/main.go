// Command vigilreplay scores a recorded clip and transcript. Without
// -base-url it runs the detection pipeline in process and prints the
// assessment; with -base-url it streams the clip to a running server over
// the session websocket and prints every event it receives.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/config"
	"github.com/ent0n29/vigil/internal/pipeline"
	"github.com/ent0n29/vigil/internal/protocol"
	"github.com/ent0n29/vigil/internal/session"
	"github.com/ent0n29/vigil/internal/store"
)

type options struct {
	baseURL    string
	userID     string
	language   string
	text       string
	wavPath    string
	pcmPath    string
	sampleRate int
	channels   int
	chunkMS    int
	realtime   float64
	timeout    time.Duration
	verbose    bool
}

type audioClip struct {
	PCM16LE    []byte
	SampleRate int
	Channels   int
}

type createSessionRequest struct {
	UserID string         `json:"user_id,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigilreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vigilreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("vigilreplay", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "", "stream to a running server instead of scoring in process")
	fs.StringVar(&cfg.userID, "user-id", "replay", "user_id for the replay session")
	fs.StringVar(&cfg.language, "language", "english", "transcript language")
	fs.StringVar(&cfg.text, "text", "", "transcript text to score with the clip")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file")
	fs.StringVar(&cfg.pcmPath, "pcm", "", "raw PCM16 little-endian file")
	fs.IntVar(&cfg.sampleRate, "sample-rate", audio.CanonicalSampleRate, "sample rate of -pcm input")
	fs.IntVar(&cfg.channels, "channels", 1, "channel count of -pcm input")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds when streaming")
	fs.Float64Var(&cfg.realtime, "realtime", 4.0, "chunk pacing multiplier when streaming (1.0=realtime)")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall replay timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print replay progress to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.wavPath != "" && cfg.pcmPath != "" {
		return options{}, fmt.Errorf("use either -wav or -pcm, not both")
	}
	if cfg.wavPath == "" && cfg.pcmPath == "" && strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("nothing to replay: pass -wav, -pcm or -text")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.channels <= 0 {
		return options{}, fmt.Errorf("channels must be > 0")
	}
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	clip, err := loadClip(cfg)
	if err != nil {
		return err
	}
	if cfg.baseURL == "" {
		return runLocal(ctx, cfg, clip, out)
	}
	return runRemote(ctx, cfg, clip, out)
}

func loadClip(cfg options) (audioClip, error) {
	switch {
	case cfg.wavPath != "":
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return audioClip{}, err
		}
		info, err := audio.DecodeWAV(data)
		if err != nil {
			return audioClip{}, fmt.Errorf("decode %s: %w", cfg.wavPath, err)
		}
		return audioClip{PCM16LE: info.PCM, SampleRate: info.SampleRate, Channels: info.Channels}, nil
	case cfg.pcmPath != "":
		data, err := os.ReadFile(cfg.pcmPath)
		if err != nil {
			return audioClip{}, err
		}
		return audioClip{PCM16LE: data, SampleRate: cfg.sampleRate, Channels: cfg.channels}, nil
	default:
		return audioClip{}, nil
	}
}

// runLocal scores the clip with the built-in defaults.
func runLocal(ctx context.Context, cfg options, clip audioClip, out io.Writer) error {
	st := store.NewInMemoryStore()
	defer st.Close()
	svc, err := pipeline.New(pipeline.Deps{
		Sessions: session.NewManager(st, config.DefaultSessionConfig()),
		Store:    st,
	}, pipeline.Config{})
	if err != nil {
		return err
	}
	defer svc.Close(ctx)

	a, err := svc.Assess(ctx, pipeline.AssessRequest{
		Text:       cfg.text,
		Language:   cfg.language,
		PCM:        clip.PCM16LE,
		SampleRate: clip.SampleRate,
		Channels:   clip.Channels,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

// runRemote streams the clip, then the transcript, then ends the session and
// waits for the summary.
func runRemote(ctx context.Context, cfg options, clip audioClip, out io.Writer) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "vigilreplay: session=%s bytes=%d chunk_ms=%d realtime=%.2f\n", sessionID, len(clip.PCM16LE), cfg.chunkMS, cfg.realtime)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	endedCh := make(chan struct{})
	readErrCh := make(chan error, 1)
	go readLoop(conn, out, endedCh, readErrCh, cfg.verbose)

	if len(clip.PCM16LE) > 0 {
		if err := sendAudio(conn, sessionID, clip, cfg.chunkMS, cfg.realtime); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
	if strings.TrimSpace(cfg.text) != "" {
		if err := conn.WriteJSON(protocol.ClientTranscript{
			Type:      protocol.TypeClientTranscript,
			SessionID: sessionID,
			Text:      cfg.text,
			Final:     true,
			TSMs:      time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("send transcript: %w", err)
		}
	}
	if err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    protocol.ActionEnd,
		Reason:    "replay_complete",
		TSMs:      time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("send end: %w", err)
	}

	select {
	case <-endedCh:
		return nil
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		UserID: cfg.userID,
		Config: map[string]any{"language": cfg.language},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
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

	var created createSessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return created.SessionID, nil
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
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

// readLoop copies server frames to out, one JSON object per line, and
// signals endedCh on session_ended.
func readLoop(conn *websocket.Conn, out io.Writer, endedCh chan<- struct{}, readErrCh chan<- error, verbose bool) {
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
		switch protocol.MessageType(env.Type) {
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(os.Stderr, "vigilreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		case protocol.TypeSessionEnded:
			fmt.Fprintln(out, string(data))
			close(endedCh)
			return
		default:
			fmt.Fprintln(out, string(data))
		}
	}
}

// chunkBytes is the frame-aligned payload size for chunkMS of audio.
func chunkBytes(sampleRate, channels, chunkMS int) int {
	frame := 2 * channels
	n := sampleRate * frame * chunkMS / 1000
	n -= n % frame
	if n < frame {
		n = frame
	}
	return n
}

func sendAudio(conn *websocket.Conn, sessionID string, clip audioClip, chunkMS int, realtime float64) error {
	sampleRate := clip.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.CanonicalSampleRate
	}
	channels := clip.Channels
	if channels <= 0 {
		channels = 1
	}
	frame := 2 * channels
	usable := len(clip.PCM16LE) - len(clip.PCM16LE)%frame
	if usable == 0 {
		return fmt.Errorf("clip shorter than one frame")
	}
	size := chunkBytes(sampleRate, channels, chunkMS)

	var seq int64
	for off := 0; off < usable; {
		end := min(off+size, usable)
		seq++
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(clip.PCM16LE[off:end]),
			SampleRate:  sampleRate,
			Channels:    channels,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}

		pause := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(sampleRate*frame)) / realtime)
		if pause <= 0 {
			pause = time.Millisecond
		}
		time.Sleep(pause)
		off = end
	}
	return nil
}
