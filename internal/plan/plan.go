// Package plan models the scene plan submitted for rendering and validates it
// against configured limits.
package plan

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"reelforge/internal/config"
	"reelforge/internal/services"
)

// Effect keys understood by the renderer.
const (
	EffectFadeIn  = "fade_in"
	EffectFadeOut = "fade_out"
	EffectZoom    = "zoom"
)

// Scene is the atomic unit of a plan: one image, one narration span, one duration.
type Scene struct {
	Index        int               `json:"index" toml:"index"`
	Text         string            `json:"text,omitempty" toml:"text,omitempty"`
	Voice        string            `json:"voice,omitempty" toml:"voice,omitempty"`
	ImageRef     string            `json:"image_ref,omitempty" toml:"image_ref,omitempty"`
	NarrationRef string            `json:"narration_ref,omitempty" toml:"narration_ref,omitempty"`
	DurationSec  float64           `json:"duration_sec" toml:"duration_sec"`
	Effects      map[string]string `json:"effects,omitempty" toml:"effects,omitempty"`
}

// ScenePlan is an ordered list of scenes plus job-wide assembly inputs.
type ScenePlan struct {
	Title      string  `json:"title,omitempty" toml:"title,omitempty"`
	Scenes     []Scene `json:"scenes" toml:"scenes"`
	AudioTrack string  `json:"audio_track,omitempty" toml:"audio_track,omitempty"`
	Watermark  string  `json:"watermark,omitempty" toml:"watermark,omitempty"`
}

// Limits bounds scene count and duration.
type Limits struct {
	MinSceneSeconds float64
	MaxSceneSeconds float64
	MaxScenes       int
}

// LimitsFromConfig extracts plan limits from the [render] section.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MinSceneSeconds: cfg.Render.MinSceneSeconds,
		MaxSceneSeconds: cfg.Render.MaxSceneSeconds,
		MaxScenes:       cfg.Render.MaxScenes,
	}
}

// Clone returns a deep copy so the pipeline never shares state with the submitter.
func (p ScenePlan) Clone() ScenePlan {
	out := p
	out.Scenes = make([]Scene, len(p.Scenes))
	for i, s := range p.Scenes {
		s.Effects = maps.Clone(s.Effects)
		out.Scenes[i] = s
	}
	return out
}

// Normalize trims string fields and assigns indices in plan order.
func (p *ScenePlan) Normalize() {
	p.Title = strings.TrimSpace(p.Title)
	p.AudioTrack = strings.TrimSpace(p.AudioTrack)
	p.Watermark = strings.TrimSpace(p.Watermark)
	for i := range p.Scenes {
		s := &p.Scenes[i]
		s.Index = i
		s.Text = strings.TrimSpace(s.Text)
		s.Voice = strings.TrimSpace(s.Voice)
		s.ImageRef = strings.TrimSpace(s.ImageRef)
		s.NarrationRef = strings.TrimSpace(s.NarrationRef)
		if len(s.Effects) > 0 {
			cleaned := make(map[string]string, len(s.Effects))
			for k, v := range s.Effects {
				cleaned[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
			}
			s.Effects = cleaned
		}
	}
}

// TotalDuration sums scene durations.
func (p ScenePlan) TotalDuration() float64 {
	total := 0.0
	for _, s := range p.Scenes {
		total += s.DurationSec
	}
	return total
}

// Validate checks plan-level invariants. A scene may omit its image and duration
// when it carries text for the asset generator to render from.
func (p ScenePlan) Validate(limits Limits) error {
	if len(p.Scenes) == 0 {
		return invalid("plan has no scenes")
	}
	if limits.MaxScenes > 0 && len(p.Scenes) > limits.MaxScenes {
		return invalid(fmt.Sprintf("plan has %d scenes; limit is %d", len(p.Scenes), limits.MaxScenes))
	}
	for i, s := range p.Scenes {
		if s.Index != i {
			return invalid(fmt.Sprintf("scene %d has index %d; scenes must be ordered", i, s.Index))
		}
		if s.ImageRef == "" && s.Text == "" {
			return invalid(fmt.Sprintf("scene %d needs image_ref or text", i))
		}
		if s.DurationSec == 0 && s.NarrationRef == "" && s.Text == "" {
			return invalid(fmt.Sprintf("scene %d needs duration_sec, narration or text", i))
		}
		if s.DurationSec != 0 {
			if err := CheckDuration(s.DurationSec, limits); err != nil {
				return invalid(fmt.Sprintf("scene %d: %v", i, err))
			}
		}
		if err := ValidateEffects(s.Effects, s.DurationSec); err != nil {
			return invalid(fmt.Sprintf("scene %d: %v", i, err))
		}
	}
	return nil
}

// CheckDuration enforces the configured per-scene bounds.
func CheckDuration(d float64, limits Limits) error {
	if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return fmt.Errorf("duration %v must be a positive number", d)
	}
	if limits.MinSceneSeconds > 0 && d < limits.MinSceneSeconds {
		return fmt.Errorf("duration %.3fs below minimum %.3fs", d, limits.MinSceneSeconds)
	}
	if limits.MaxSceneSeconds > 0 && d > limits.MaxSceneSeconds {
		return fmt.Errorf("duration %.3fs above maximum %.3fs", d, limits.MaxSceneSeconds)
	}
	return nil
}

// ValidateEffects checks effect names and values. duration may be zero when not yet known.
func ValidateEffects(effects map[string]string, duration float64) error {
	for _, key := range slices.Sorted(maps.Keys(effects)) {
		value := effects[key]
		switch key {
		case EffectFadeIn, EffectFadeOut:
			secs, err := strconv.ParseFloat(value, 64)
			if err != nil || secs < 0 || math.IsNaN(secs) {
				return fmt.Errorf("effect %s=%q must be non-negative seconds", key, value)
			}
			if duration > 0 && secs > duration {
				return fmt.Errorf("effect %s=%q exceeds scene duration", key, value)
			}
		case EffectZoom:
			if value != "in" && value != "out" {
				return fmt.Errorf("effect zoom=%q must be in or out", value)
			}
		default:
			return fmt.Errorf("unknown effect %q", key)
		}
	}
	return nil
}

func invalid(msg string) error {
	return services.Wrap(services.ErrInvalidPlan, "plan", "validate", msg, nil)
}
