package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"reelforge/internal/procexec"
)

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecType     string `json:"codec_type"`
	Profile       string `json:"profile"`
	Duration      string `json:"duration"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	PixFmt        string `json:"pix_fmt"`
	RFrameRate    string `json:"r_frame_rate"`
	SampleRate    string `json:"sample_rate"`
	Channels      int    `json:"channels"`
	ChannelLayout string `json:"channel_layout"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Inspector inspects media files.
type Inspector interface {
	Inspect(ctx context.Context, path string) (Result, error)
}

// Client runs ffprobe through a procexec.Runner.
type Client struct {
	Binary  string
	Runner  procexec.Runner
	Timeout time.Duration
}

// New returns a Client for binary using runner. A nil runner uses procexec.NewExecRunner.
func New(binary string, runner procexec.Runner) *Client {
	if runner == nil {
		runner = procexec.NewExecRunner()
	}
	return &Client{Binary: binary, Runner: runner, Timeout: 30 * time.Second}
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func (c *Client) Inspect(ctx context.Context, path string) (Result, error) {
	binary := strings.TrimSpace(c.Binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}
	res, err := c.Runner.Run(ctx, procexec.Command{
		Name:    binary,
		Args:    []string{"-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path},
		Timeout: c.Timeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe inspect %s: %w", path, err)
	}
	return Parse([]byte(res.Stdout))
}

// Parse decodes ffprobe JSON output.
func Parse(payload []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// VideoStream returns the first video stream.
func (r Result) VideoStream() (Stream, bool) {
	return r.firstOfType("video")
}

// AudioStream returns the first audio stream.
func (r Result) AudioStream() (Stream, bool) {
	return r.firstOfType("audio")
}

func (r Result) firstOfType(kind string) (Stream, bool) {
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, kind) {
			return stream, true
		}
	}
	return Stream{}, false
}

// VideoStreamCount returns the number of video streams discovered.
func (r Result) VideoStreamCount() int {
	return r.countOfType("video")
}

// AudioStreamCount returns the number of audio streams discovered.
func (r Result) AudioStreamCount() int {
	return r.countOfType("audio")
}

func (r Result) countOfType(kind string) int {
	count := 0
	for _, stream := range r.Streams {
		if strings.EqualFold(stream.CodecType, kind) {
			count++
		}
	}
	return count
}

// DurationSeconds returns the container duration in seconds, falling back to the
// longest stream duration. Returns 0 when unavailable and NaN when unparsable.
func (r Result) DurationSeconds() float64 {
	if d := parseFloat(r.Format.Duration); d != 0 {
		return d
	}
	longest := 0.0
	for _, s := range r.Streams {
		if d := parseFloat(s.Duration); !math.IsNaN(d) && d > longest {
			longest = d
		}
	}
	return longest
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// Signature summarises the stream parameters that must match for the concat
// demuxer to join files without re-encoding.
func (r Result) Signature() string {
	var parts []string
	if v, ok := r.VideoStream(); ok {
		parts = append(parts, fmt.Sprintf("v:%s/%s/%dx%d/%s/%s", v.CodecName, strings.ToLower(v.Profile), v.Width, v.Height, v.PixFmt, v.RFrameRate))
	} else {
		parts = append(parts, "v:none")
	}
	if a, ok := r.AudioStream(); ok {
		parts = append(parts, fmt.Sprintf("a:%s/%s/%d", a.CodecName, a.SampleRate, a.Channels))
	} else {
		parts = append(parts, "a:none")
	}
	return strings.Join(parts, ";")
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" || cleaned == "N/A" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
