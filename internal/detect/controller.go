// Package detect runs incremental fusion over a live session's trailing
// audio and text windows and decides when an alert fires.
package detect

import (
	"strings"
	"time"

	"github.com/ent0n29/vigil/internal/acoustic"
	"github.com/ent0n29/vigil/internal/audio"
	"github.com/ent0n29/vigil/internal/fusion"
	"github.com/ent0n29/vigil/internal/lexical"
)

type State string

const (
	StateIdle         State = "idle"
	StateAccumulating State = "accumulating"
	StateEvaluated    State = "evaluated"
	StateAlerted      State = "alerted"
)

type Config struct {
	// Window bounds the trailing audio analyzed per evaluation.
	Window         time.Duration
	AlertThreshold float64
	Language       string
	// TurnEndSilence ends the turn once this much trailing silence follows
	// speech. Zero disables silence endpointing.
	TurnEndSilence time.Duration
	// MaxWords bounds the trailing text window.
	MaxWords int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 3 * time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 0.7
	}
	if c.MaxWords <= 0 {
		c.MaxWords = 60
	}
	return c
}

type Timings struct {
	Extract time.Duration
	Score   time.Duration
	Fuse    time.Duration
}

// Decision is the outcome of one evaluation.
type Decision struct {
	State      State
	Assessment fusion.Assessment
	Text       *lexical.TextSignal
	Features   *acoustic.FeatureVector
	// Alert is true exactly once per emergency occurrence.
	Alert     bool
	TurnEnded bool
	Timings   Timings
}

// Controller is the per-session state machine. It is not safe for concurrent
// use; the owning session worker is its only caller.
type Controller struct {
	cfg    Config
	scorer *lexical.Scorer
	engine *fusion.Engine
	buf    *audio.FrameBuffer

	state     State
	committed []string
	partial   string
	latched   bool

	textKey  string
	text     *lexical.TextSignal
	features *acoustic.FeatureVector
}

func NewController(cfg Config, scorer *lexical.Scorer, engine *fusion.Engine) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:    cfg,
		scorer: scorer,
		engine: engine,
		buf:    audio.NewFrameBuffer(cfg.Window),
		state:  StateIdle,
	}
}

func (c *Controller) State() State { return c.state }

// Latched reports whether an alert already fired in the current turn.
func (c *Controller) Latched() bool { return c.latched }

// PushAudio appends a chunk to the trailing window and re-evaluates.
// Out-of-order, duplicate and malformed chunks are rejected with the buffer
// untouched and no state change.
func (c *Controller) PushAudio(chunk audio.AudioChunk) ([]int16, Decision, error) {
	samples, err := c.buf.Push(chunk)
	if err != nil {
		return nil, Decision{State: c.state}, err
	}
	c.state = StateAccumulating

	window := c.buf.Window()
	start := time.Now()
	fv := acoustic.Extract(window, audio.CanonicalSampleRate)
	extract := time.Since(start)
	c.features = &fv

	d := c.evaluate()
	d.Timings.Extract = extract

	if c.cfg.TurnEndSilence > 0 && c.hasText() {
		windowMS := float64(len(window)) * 1000 / audio.CanonicalSampleRate
		vad := acoustic.DetectVoiceActivity(window, audio.CanonicalSampleRate)
		if len(vad.Segments) > 0 && vad.TrailingSilenceMS(windowMS) >= float64(c.cfg.TurnEndSilence.Milliseconds()) {
			c.endTurn()
			d.TurnEnded = true
			d.State = c.state
		}
	}
	return samples, d, nil
}

// PushTranscript replaces the in-progress partial text. A final transcript is
// evaluated and then closes the turn.
func (c *Controller) PushTranscript(text string, final bool) Decision {
	c.state = StateAccumulating
	c.partial = strings.TrimSpace(text)
	if !final {
		return c.evaluate()
	}
	if c.partial != "" {
		c.committed = append(c.committed, c.partial)
	}
	c.partial = ""
	d := c.evaluate()
	c.endTurn()
	d.TurnEnded = true
	d.State = c.state
	return d
}

// AppendSegment adds text transcribed from a slice of this turn's audio.
func (c *Controller) AppendSegment(text string) Decision {
	c.state = StateAccumulating
	if text = strings.TrimSpace(text); text != "" {
		c.committed = append(c.committed, text)
	}
	return c.evaluate()
}

// EndTurn closes the current turn explicitly.
func (c *Controller) EndTurn() {
	c.endTurn()
}

func (c *Controller) endTurn() {
	c.state = StateIdle
	c.committed = nil
	c.partial = ""
	c.latched = false
	c.textKey = ""
	c.text = nil
}

func (c *Controller) hasText() bool {
	return len(c.committed) > 0 || c.partial != ""
}

// windowText joins the turn's text and keeps the trailing MaxWords words.
func (c *Controller) windowText() string {
	parts := append([]string(nil), c.committed...)
	if c.partial != "" {
		parts = append(parts, c.partial)
	}
	words := strings.Fields(strings.Join(parts, " "))
	if len(words) > c.cfg.MaxWords {
		words = words[len(words)-c.cfg.MaxWords:]
	}
	return strings.Join(words, " ")
}

func (c *Controller) evaluate() Decision {
	var d Decision

	text := c.windowText()
	if text == "" {
		c.textKey, c.text = "", nil
	} else if text != c.textKey || c.text == nil {
		start := time.Now()
		sig := c.scorer.ScoreText(text, c.cfg.Language)
		d.Timings.Score = time.Since(start)
		c.textKey, c.text = text, &sig
	}

	start := time.Now()
	a := c.engine.Fuse(c.text, c.features)
	d.Timings.Fuse = time.Since(start)

	d.Assessment = a
	d.Text = c.text
	d.Features = c.features
	if !c.latched && c.text != nil && c.text.IsEmergency && a.Confidence > c.cfg.AlertThreshold {
		c.latched = true
		c.state = StateAlerted
		d.Alert = true
	} else {
		c.state = StateEvaluated
	}
	d.State = c.state
	return d
}
