package scenecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"reelforge/internal/fileutil"
)

// Key is the hex SHA-256 address of a cache entry.
type Key string

// Valid reports whether k looks like a derived key.
func (k Key) Valid() bool {
	if len(k) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil
}

func (k Key) shard() string { return string(k[:2]) }

// KeyInput is every input that influences a rendered segment. Scene position
// is deliberately absent so identical scenes in different plans share entries.
type KeyInput struct {
	Text              string
	Voice             string
	ImageIdentity     string
	NarrationIdentity string
	DurationSec       float64
	// Precision is the number of decimals duration is rounded to.
	Precision          int
	Effects            map[string]string
	ProfileFingerprint string
	Width              int
	Height             int
	Encoder            string
}

const keyVersion = "reelforge-scene-v1"

// DeriveKey hashes a canonical rendering of in.
func DeriveKey(in KeyInput) Key {
	h := sha256.New()
	write := func(field, value string) {
		// Length-prefixed so adjacent fields cannot bleed into each other.
		fmt.Fprintf(h, "%s:%d:%s\n", field, len(value), value)
	}
	write("v", keyVersion)
	write("text", NormalizeText(in.Text))
	write("voice", strings.ToLower(strings.TrimSpace(in.Voice)))
	write("image", in.ImageIdentity)
	write("narration", in.NarrationIdentity)
	write("duration", FormatDuration(in.DurationSec, in.Precision))
	for _, k := range slices.Sorted(maps.Keys(in.Effects)) {
		write("effect."+strings.ToLower(strings.TrimSpace(k)), strings.ToLower(strings.TrimSpace(in.Effects[k])))
	}
	write("profile", in.ProfileFingerprint)
	write("geometry", fmt.Sprintf("%dx%d", in.Width, in.Height))
	write("encoder", strings.TrimSpace(in.Encoder))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeText applies Unicode NFC and collapses whitespace runs.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// FormatDuration rounds d to precision decimals with a stable textual form.
func FormatDuration(d float64, precision int) string {
	if precision < 0 {
		precision = 0
	}
	scale := math.Pow10(precision)
	rounded := math.Round(d*scale) / scale
	if rounded == 0 {
		rounded = 0 // normalise -0
	}
	return strconv.FormatFloat(rounded, 'f', precision, 64)
}

// ContentIdentity identifies an asset by the SHA-256 of its bytes when the
// reference is a readable file, otherwise by its normalized reference string.
func ContentIdentity(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if sum, err := fileutil.HashFile(ref); err == nil {
		return "sha256:" + sum
	}
	return "ref:" + NormalizeText(ref)
}
