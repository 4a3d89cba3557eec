package scenecache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func baseInput() KeyInput {
	return KeyInput{
		Text:               "A quiet harbour at dawn",
		Voice:              "narrator-1",
		ImageIdentity:      "sha256:aaaa",
		NarrationIdentity:  "sha256:bbbb",
		DurationSec:        3,
		Precision:          3,
		Effects:            map[string]string{"zoom": "in", "fade_in": "0.5"},
		ProfileFingerprint: "fp-preview",
		Width:              1080,
		Height:             1920,
		Encoder:            "h264_nvenc",
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey(baseInput())
	b := DeriveKey(baseInput())
	if a != b {
		t.Fatalf("identical inputs produced different keys: %s %s", a, b)
	}
	if !a.Valid() {
		t.Fatalf("derived key not valid: %q", a)
	}
}

func TestDeriveKeySensitivity(t *testing.T) {
	base := DeriveKey(baseInput())
	mutations := map[string]func(*KeyInput){
		"text":      func(in *KeyInput) { in.Text = "A loud harbour at dawn" },
		"voice":     func(in *KeyInput) { in.Voice = "narrator-2" },
		"image":     func(in *KeyInput) { in.ImageIdentity = "sha256:cccc" },
		"narration": func(in *KeyInput) { in.NarrationIdentity = "" },
		"duration":  func(in *KeyInput) { in.DurationSec = 3.5 },
		"effects":   func(in *KeyInput) { in.Effects = map[string]string{"zoom": "out", "fade_in": "0.5"} },
		"profile":   func(in *KeyInput) { in.ProfileFingerprint = "fp-final" },
		"geometry":  func(in *KeyInput) { in.Width = 1920 },
		"encoder":   func(in *KeyInput) { in.Encoder = "libx264" },
	}
	for name, mutate := range mutations {
		in := baseInput()
		mutate(&in)
		if DeriveKey(in) == base {
			t.Fatalf("changing %s did not change the key", name)
		}
	}
}

func TestDeriveKeyNormalization(t *testing.T) {
	base := DeriveKey(baseInput())

	in := baseInput()
	in.Text = "  A quiet   harbour\tat\ndawn "
	if DeriveKey(in) != base {
		t.Fatal("whitespace differences should not change the key")
	}

	in = baseInput()
	in.DurationSec = 3.0004
	if DeriveKey(in) != base {
		t.Fatal("sub-precision duration noise should not change the key")
	}

	in = baseInput()
	in.Effects = map[string]string{"FADE_IN": "0.5", "zoom": "IN"}
	if DeriveKey(in) != base {
		t.Fatal("effect case should not change the key")
	}

	composed := baseInput()
	composed.Text = "café"
	decomposed := baseInput()
	decomposed.Text = "café"
	if DeriveKey(composed) != DeriveKey(decomposed) {
		t.Fatal("NFC-equivalent text should share a key")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in        float64
		precision int
		want      string
	}{
		{3, 3, "3.000"},
		{2.99951, 3, "3.000"},
		{2.9994, 3, "2.999"},
		{-0.0001, 3, "0.000"},
		{4.44, 0, "4"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in, tt.precision); got != tt.want {
			t.Fatalf("FormatDuration(%v, %d) = %q want %q", tt.in, tt.precision, got, tt.want)
		}
	}
}

func TestContentIdentity(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	if err := os.WriteFile(a, []byte("same-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("same-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	idA, idB := ContentIdentity(a), ContentIdentity(b)
	if !strings.HasPrefix(idA, "sha256:") || idA != idB {
		t.Fatalf("files with equal content should share identity: %q %q", idA, idB)
	}
	if got := ContentIdentity("https://cdn.example/x.png"); got != "ref:https://cdn.example/x.png" {
		t.Fatalf("unexpected ref identity %q", got)
	}
	if ContentIdentity("  ") != "" {
		t.Fatal("blank ref should have empty identity")
	}
}
