package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

type SecurityConfig interface {
	GetRequirePKCE() bool
	GetTuning() Tuning
	OnTuningChange(fn func(Tuning))
	LoadTuning(path string) error
	WatchTuning(ctx context.Context, path string) error
}

// Duration lets TOML files spell durations as "30m" or "1h30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}

type RateLimitTuning struct {
	Limit  int      `toml:"limit"`
	Window Duration `toml:"window"`
}

// maxBehaviorScore is the ceiling of the behavior score; the caps share it.
const maxBehaviorScore = 20

type BehaviorTuning struct {
	MinScore        int      `toml:"min_score"`
	MinInteractions int      `toml:"min_interactions"`
	SampleWindow    Duration `toml:"sample_window"`

	MousePerPoint    int `toml:"mouse_per_point"`
	KeyboardPerPoint int `toml:"keyboard_per_point"`
	FocusPerPoint    int `toml:"focus_per_point"`
	ScrollPerPoint   int `toml:"scroll_per_point"`

	MouseCap     int `toml:"mouse_cap"`
	KeyboardCap  int `toml:"keyboard_cap"`
	FocusCap     int `toml:"focus_cap"`
	ScrollCap    int `toml:"scroll_cap"`
	DiversityCap int `toml:"diversity_cap"`
	TimeCap      int `toml:"time_cap"`

	TimeBonusAfter Duration `toml:"time_bonus_after"`
}

func (b BehaviorTuning) validate() error {
	for name, v := range map[string]int{
		"mouse_per_point":    b.MousePerPoint,
		"keyboard_per_point": b.KeyboardPerPoint,
		"focus_per_point":    b.FocusPerPoint,
		"scroll_per_point":   b.ScrollPerPoint,
	} {
		if v <= 0 {
			return fmt.Errorf("behavior.%s must be positive", name)
		}
	}
	caps := []int{b.MouseCap, b.KeyboardCap, b.FocusCap, b.ScrollCap, b.DiversityCap, b.TimeCap}
	sum := 0
	for _, c := range caps {
		if c < 0 {
			return fmt.Errorf("behavior caps must not be negative")
		}
		sum += c
	}
	switch {
	case sum > maxBehaviorScore:
		return fmt.Errorf("behavior caps add up to %d, above the maximum score of %d", sum, maxBehaviorScore)
	case b.MinScore < 0 || b.MinScore > maxBehaviorScore:
		return fmt.Errorf("behavior.min_score must be within 0..%d", maxBehaviorScore)
	case b.MinInteractions < 0:
		return fmt.Errorf("behavior.min_interactions must not be negative")
	case b.SampleWindow.Duration < 0 || b.TimeBonusAfter.Duration < 0:
		return fmt.Errorf("behavior durations must not be negative")
	}
	return nil
}

type AbuseTuning struct {
	MinFormTime Duration `toml:"min_form_time"`
	MaxFormTime Duration `toml:"max_form_time"`
}

type LifecycleTuning struct {
	IdleTimeout         Duration `toml:"idle_timeout"`
	WarningTime         Duration `toml:"warning_time"`
	AbsoluteTimeout     Duration `toml:"absolute_timeout"`
	RefreshInterval     Duration `toml:"refresh_interval"`
	MaxExtensions       int      `toml:"max_extensions"`
	ReauthRequiredAfter Duration `toml:"reauth_required_after"`
	ReauthRedirectDelay Duration `toml:"reauth_redirect_delay"`
}

// Tuning holds the heuristic thresholds that operators may change at runtime.
type Tuning struct {
	RateLimit RateLimitTuning `toml:"rate_limit"`
	Behavior  BehaviorTuning  `toml:"behavior"`
	Abuse     AbuseTuning     `toml:"abuse"`
	Lifecycle LifecycleTuning `toml:"lifecycle"`
}

func DefaultTuning() Tuning {
	return Tuning{
		RateLimit: RateLimitTuning{Limit: 5, Window: Dur(10 * time.Minute)},
		Behavior: BehaviorTuning{
			MinScore:         8,
			MinInteractions:  2,
			SampleWindow:     Dur(30 * time.Second),
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
			TimeBonusAfter:   Dur(5 * time.Second),
		},
		Abuse:     AbuseTuning{MinFormTime: Dur(3 * time.Second), MaxFormTime: Dur(30 * time.Minute)},
		Lifecycle: LifecycleTuning{
			IdleTimeout:         Dur(30 * time.Minute),
			WarningTime:         Dur(5 * time.Minute),
			AbsoluteTimeout:     Dur(8 * time.Hour),
			RefreshInterval:     Dur(15 * time.Minute),
			MaxExtensions:       3,
			ReauthRequiredAfter: Dur(4 * time.Hour),
			ReauthRedirectDelay: Dur(2 * time.Second),
		},
	}
}

func (t Tuning) Validate() error {
	if err := t.Behavior.validate(); err != nil {
		return err
	}
	switch {
	case t.RateLimit.Limit <= 0:
		return fmt.Errorf("rate_limit.limit must be positive")
	case t.RateLimit.Window.Duration <= 0:
		return fmt.Errorf("rate_limit.window must be positive")
	case t.Abuse.MinFormTime.Duration < 0 || t.Abuse.MaxFormTime.Duration <= t.Abuse.MinFormTime.Duration:
		return fmt.Errorf("abuse.max_form_time must exceed abuse.min_form_time")
	case t.Lifecycle.WarningTime.Duration >= t.Lifecycle.IdleTimeout.Duration:
		return fmt.Errorf("lifecycle.warning_time must be shorter than lifecycle.idle_timeout")
	case t.Lifecycle.MaxExtensions < 0:
		return fmt.Errorf("lifecycle.max_extensions must not be negative")
	}
	return nil
}

// LoadTuningFile reads a TOML file on top of DefaultTuning.
func LoadTuningFile(path string) (Tuning, error) {
	t := DefaultTuning()
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Tuning{}, fmt.Errorf("[LoadTuningFile] decode %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("[LoadTuningFile] %s: %w", path, err)
	}
	return t, nil
}

type Security struct {
	mu        sync.RWMutex
	tuning    Tuning
	listeners []func(Tuning)
}

var _ SecurityConfig = (*Security)(nil)

func NewSecurity() *Security {
	return &Security{tuning: DefaultTuning()}
}

func (*Security) GetRequirePKCE() bool {
	return true
}

func (s *Security) GetTuning() Tuning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tuning
}

// OnTuningChange registers fn to receive every tuning update.
func (s *Security) OnTuningChange(fn func(Tuning)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Security) SetTuning(t Tuning) {
	s.mu.Lock()
	s.tuning = t
	listeners := append([]func(Tuning){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

func (s *Security) LoadTuning(path string) error {
	t, err := LoadTuningFile(path)
	if err != nil {
		return err
	}
	s.SetTuning(t)
	return nil
}

// WatchTuning reloads path whenever it changes until ctx is done. Invalid
// files are logged and the previous tuning stays in effect.
func (s *Security) WatchTuning(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("[Security.WatchTuning] %w", err)
	}
	// editors often replace the file, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("[Security.WatchTuning] watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.LoadTuning(path); err != nil {
					log.Err(err).Str("file", path).Msg("tuning reload rejected")
					continue
				}
				log.Info().Str("file", path).Msg("tuning reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Err(err).Msg("tuning watcher error")
			}
		}
	}()
	return nil
}
