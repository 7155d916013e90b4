package behavior

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxScore is the top of the behavior scale.
const MaxScore = 20

type EventType string

const (
	Mouse    EventType = "mouse"
	Touch    EventType = "touch"
	Keyboard EventType = "keyboard"
	Focus    EventType = "focus"
	Scroll   EventType = "scroll"
)

func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(s))); t {
	case Mouse, Touch, Keyboard, Focus, Scroll:
		return t, nil
	case "pointer", "click", "mousemove":
		return Mouse, nil
	case "key", "keydown", "keypress":
		return Keyboard, nil
	case "blur", "focusin":
		return Focus, nil
	}
	return "", fmt.Errorf("unknown interaction type %q", s)
}

// Event is one raw interaction signal.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
}

type Counts struct {
	Mouse    int `json:"mouse"`
	Keyboard int `json:"keyboard"`
	Focus    int `json:"focus"`
	Scroll   int `json:"scroll"`
}

func (c Counts) Total() int {
	return c.Mouse + c.Keyboard + c.Focus + c.Scroll
}

// diversity counts the interaction categories seen at least once.
func (c Counts) diversity() int {
	n := 0
	for _, v := range []int{c.Mouse, c.Keyboard, c.Focus, c.Scroll} {
		if v > 0 {
			n++
		}
	}
	return n
}

// Sample is the aggregated telemetry for one form.
type Sample struct {
	Counts Counts  `json:"counts"`
	Recent []Event `json:"recent"`
}

// Config holds the scoring thresholds. Each category earns one point per
// PerPoint events up to its cap; the caps sum to MaxScore.
type Config struct {
	MinScore        int
	MinInteractions int
	SampleWindow    time.Duration

	MousePerPoint    int
	KeyboardPerPoint int
	FocusPerPoint    int
	ScrollPerPoint   int

	MouseCap     int
	KeyboardCap  int
	FocusCap     int
	ScrollCap    int
	DiversityCap int
	TimeCap      int

	// TimeBonusAfter is how long the form must have been open for the time point.
	TimeBonusAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinScore:         8,
		MinInteractions:  2,
		SampleWindow:     30 * time.Second,
		MousePerPoint:    3,
		KeyboardPerPoint: 2,
		FocusPerPoint:    1,
		ScrollPerPoint:   2,
		MouseCap:         5,
		KeyboardCap:      5,
		FocusCap:         3,
		ScrollCap:        2,
		DiversityCap:     4,
		TimeCap:          1,
		TimeBonusAfter:   5 * time.Second,
	}
}

type Breakdown struct {
	Mouse     int
	Keyboard  int
	Focus     int
	Scroll    int
	Diversity int
	Time      int
}

func (b Breakdown) Total() int {
	total := b.Mouse + b.Keyboard + b.Focus + b.Scroll + b.Diversity + b.Time
	if total > MaxScore {
		return MaxScore
	}
	return total
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Passed       bool
	Score        int
	Interactions int
	Breakdown    Breakdown
}

// Analyzer accumulates interaction telemetry for a single form. It is safe
// for concurrent use.
type Analyzer struct {
	mu        sync.Mutex
	cfg       Config
	startedAt time.Time
	counts    Counts
	recent    []Event
}

func NewAnalyzer(cfg Config, startedAt time.Time) *Analyzer {
	return &Analyzer{cfg: cfg, startedAt: startedAt}
}

func (a *Analyzer) SetConfig(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
}

func (a *Analyzer) Record(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(ev)
}

func (a *Analyzer) RecordAll(events []Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range events {
		a.record(ev)
	}
}

func (a *Analyzer) record(ev Event) {
	switch ev.Type {
	case Mouse, Touch:
		a.counts.Mouse++
	case Keyboard:
		a.counts.Keyboard++
	case Focus:
		a.counts.Focus++
	case Scroll:
		a.counts.Scroll++
	default:
		return
	}
	a.recent = append(a.recent, ev)
	a.trim(ev.At)
}

// trim drops recent events older than the sample window relative to latest.
func (a *Analyzer) trim(latest time.Time) {
	if a.cfg.SampleWindow <= 0 {
		return
	}
	cutoff := latest.Add(-a.cfg.SampleWindow)
	i := 0
	for i < len(a.recent) && a.recent[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.recent = append(a.recent[:0], a.recent[i:]...)
	}
}

func (a *Analyzer) Sample() Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Sample{Counts: a.counts, Recent: append([]Event(nil), a.recent...)}
}

func points(count, perPoint, limit int) int {
	if perPoint <= 0 || count <= 0 {
		return 0
	}
	return min(count/perPoint, limit)
}

func (a *Analyzer) breakdown(now time.Time) Breakdown {
	c := a.counts
	b := Breakdown{
		Mouse:     points(c.Mouse, a.cfg.MousePerPoint, a.cfg.MouseCap),
		Keyboard:  points(c.Keyboard, a.cfg.KeyboardPerPoint, a.cfg.KeyboardCap),
		Focus:     points(c.Focus, a.cfg.FocusPerPoint, a.cfg.FocusCap),
		Scroll:    points(c.Scroll, a.cfg.ScrollPerPoint, a.cfg.ScrollCap),
		Diversity: min(c.diversity(), a.cfg.DiversityCap),
	}
	if c.Total() > 0 && now.Sub(a.startedAt) >= a.cfg.TimeBonusAfter {
		b.Time = a.cfg.TimeCap
	}
	return b
}

// Score returns the 0..MaxScore behavior score at now.
func (a *Analyzer) Score(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.breakdown(now).Total()
}

func (a *Analyzer) Evaluate(now time.Time) Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.breakdown(now)
	v := Verdict{
		Score:        b.Total(),
		Interactions: a.counts.Total(),
		Breakdown:    b,
	}
	v.Passed = v.Score >= a.cfg.MinScore && v.Interactions >= a.cfg.MinInteractions
	return v
}
