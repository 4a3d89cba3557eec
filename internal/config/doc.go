// Package config loads, normalizes, and validates reelforge configuration.
//
// Configuration lives in a TOML file (default ~/.config/reelforge/config.toml, or
// ./reelforge.toml in the working directory). Missing files fall back to Default().
// Paths are tilde-expanded and made absolute, FFMPEG_BINARY and REELFORGE_NTFY_TOPIC
// fill blanks from the environment, and Validate rejects values the render pipeline
// cannot honour.
//
// Use CreateSample to seed a documented starting file; it is embedded from
// sample_config.toml so the CLI and the package stay in sync.
package config
