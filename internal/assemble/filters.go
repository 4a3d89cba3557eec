package assemble

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"reelforge/internal/profile"
	"reelforge/internal/render"
)

// Watermark corner positions.
const (
	PositionTopLeft     = "top_left"
	PositionTopRight    = "top_right"
	PositionBottomLeft  = "bottom_left"
	PositionBottomRight = "bottom_right"
)

// Span is a half-open interval on the output timeline, in seconds.
type Span struct {
	Start float64
	End   float64
}

// NarrationSpans returns the intervals covered by narrated segments, merging
// neighbours so the ducking expression stays short.
func NarrationSpans(segments []render.SegmentResult) []Span {
	var spans []Span
	offset := 0.0
	for _, seg := range segments {
		end := offset + seg.DurationSec
		if seg.HasNarration && seg.DurationSec > 0 {
			if n := len(spans); n > 0 && spans[n-1].End >= offset {
				spans[n-1].End = end
			} else {
				spans = append(spans, Span{Start: offset, End: end})
			}
		}
		offset = end
	}
	return spans
}

// DuckFilter builds the background-music chain: nominal gain, then an extra
// attenuation of duckDB while any span is active.
func DuckFilter(input string, spans []Span, nominalDB, duckDB float64, output string) string {
	chain := []string{
		"aresample=48000",
		"aformat=sample_fmts=fltp:channel_layouts=stereo",
		fmt.Sprintf("volume=%sdB", formatNumber(nominalDB)),
	}
	if len(spans) > 0 && duckDB != 0 {
		terms := make([]string, len(spans))
		for i, s := range spans {
			terms[i] = fmt.Sprintf("between(t,%s,%s)", formatNumber(s.Start), formatNumber(s.End))
		}
		chain = append(chain, fmt.Sprintf("volume=%sdB:enable='%s'", formatNumber(duckDB), strings.Join(terms, "+")))
	}
	return fmt.Sprintf("[%s]%s[%s]", input, strings.Join(chain, ","), output)
}

// OverlayPosition returns the overlay x:y expressions for a corner.
func OverlayPosition(position string, margin int) string {
	m := strconv.Itoa(margin)
	switch position {
	case PositionTopLeft:
		return m + ":" + m
	case PositionTopRight:
		return "main_w-overlay_w-" + m + ":" + m
	case PositionBottomLeft:
		return m + ":main_h-overlay_h-" + m
	default:
		return "main_w-overlay_w-" + m + ":main_h-overlay_h-" + m
	}
}

// normalizeSegment conforms one heterogeneous input to the profile so the
// concat filter accepts it.
func normalizeSegment(index int, p profile.Profile) string {
	return fmt.Sprintf(
		"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1,fps=%d,format=yuv420p[v%d];"+
			"[%d:a]aresample=48000,aformat=sample_fmts=fltp:channel_layouts=stereo[a%d]",
		index, p.Width, p.Height, p.Width, p.Height, p.FPS, index, index, index)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}
