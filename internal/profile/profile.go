// Package profile defines the preview and final encode tiers.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"reelforge/internal/config"
	"reelforge/internal/services"
)

// Tier names a quality tier.
type Tier string

const (
	TierPreview Tier = "preview"
	TierFinal   Tier = "final"
)

// ParseTier validates a tier name.
func ParseTier(value string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierPreview:
		return TierPreview, nil
	case TierFinal, "":
		return TierFinal, nil
	default:
		return "", services.Wrap(services.ErrValidation, "profile", "parse tier", fmt.Sprintf("unknown profile %q (want preview or final)", value), nil)
	}
}

// Profile holds the encode parameters of one tier. Values are immutable per job.
type Profile struct {
	Tier Tier
	// Preset uses x264 names; hardware encoders map it to their own scale.
	Preset          string
	ConstantQuality int
	// BitrateTarget, MaxBitrate and BufferSize use ffmpeg notation ("8M"); empty means CRF only.
	BitrateTarget string
	MaxBitrate    string
	BufferSize    string
	FPS           int
	Width         int
	Height        int
}

// Defaults returns the built-in parameters for tier.
func Defaults(tier Tier) Profile {
	switch tier {
	case TierPreview:
		return Profile{Tier: TierPreview, Preset: "veryfast", ConstantQuality: 30, FPS: 24, Width: 1080, Height: 1920}
	default:
		return Profile{Tier: TierFinal, Preset: "slow", ConstantQuality: 20, MaxBitrate: "12M", BufferSize: "24M", FPS: 30, Width: 1080, Height: 1920}
	}
}

// FromConfig applies config overrides and render geometry to the tier defaults.
func FromConfig(cfg *config.Config, tier Tier) Profile {
	p := Defaults(tier)
	if cfg == nil {
		return p
	}
	override := cfg.Profiles.Final
	if tier == TierPreview {
		override = cfg.Profiles.Preview
	}
	if override.Preset != "" {
		p.Preset = override.Preset
	}
	if override.ConstantQuality > 0 {
		p.ConstantQuality = override.ConstantQuality
	}
	if override.BitrateTarget != "" {
		p.BitrateTarget = override.BitrateTarget
	}
	if override.MaxBitrate != "" {
		p.MaxBitrate = override.MaxBitrate
	}
	if override.BufferSize != "" {
		p.BufferSize = override.BufferSize
	}
	if override.FPS > 0 {
		p.FPS = override.FPS
	}
	if cfg.Render.Width > 0 && cfg.Render.Height > 0 {
		p.Width, p.Height = cfg.Render.Width, cfg.Render.Height
	}
	return p
}

// Validate reports whether p can drive an encode.
func (p Profile) Validate() error {
	switch {
	case p.Tier != TierPreview && p.Tier != TierFinal:
		return fmt.Errorf("profile tier %q invalid", p.Tier)
	case p.Preset == "":
		return fmt.Errorf("profile %s: preset required", p.Tier)
	case p.ConstantQuality < 0 || p.ConstantQuality > 51:
		return fmt.Errorf("profile %s: constant quality %d out of range", p.Tier, p.ConstantQuality)
	case p.FPS <= 0:
		return fmt.Errorf("profile %s: fps must be positive", p.Tier)
	case p.Width <= 0 || p.Height <= 0 || p.Width%2 != 0 || p.Height%2 != 0:
		return fmt.Errorf("profile %s: geometry %dx%d must be positive and even", p.Tier, p.Width, p.Height)
	}
	return nil
}

// Fingerprint is a stable digest of every parameter that affects encoded output.
func (p Profile) Fingerprint() string {
	canonical := fmt.Sprintf("tier=%s;preset=%s;cq=%d;b=%s;max=%s;buf=%s;fps=%d;size=%dx%d",
		p.Tier, p.Preset, p.ConstantQuality, p.BitrateTarget, p.MaxBitrate, p.BufferSize, p.FPS, p.Width, p.Height)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Resolution renders the geometry as WxH.
func (p Profile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}
