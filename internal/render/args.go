package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"reelforge/internal/capability"
	"reelforge/internal/plan"
	"reelforge/internal/profile"
)

// Uniform audio parameters across every segment so the assembler can stream-copy.
const (
	audioSampleRate = 48000
	audioChannels   = 2
	zoomAmount      = 0.15
)

// EncodeSpec is everything needed to build one ffmpeg invocation.
type EncodeSpec struct {
	ImagePath     string
	NarrationPath string
	DurationSec   float64
	Effects       map[string]string
	Profile       profile.Profile
	Encoder       string
	AudioBitrate  string
	VAAPIDevice   string
	Output        string
}

// BuildEncodeArgs renders a still image (looped for the scene duration) with
// narration or silence into an H.264/AAC MP4 segment.
func BuildEncodeArgs(spec EncodeSpec) []string {
	p := spec.Profile
	duration := formatSeconds(spec.DurationSec)
	family := capability.Family(spec.Encoder)

	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}
	if family == "vaapi" {
		args = append(args, "-vaapi_device", spec.VAAPIDevice)
	}
	args = append(args,
		"-loop", "1", "-framerate", strconv.Itoa(p.FPS), "-t", duration, "-i", spec.ImagePath,
	)
	if spec.NarrationPath != "" {
		args = append(args, "-i", spec.NarrationPath)
	} else {
		args = append(args, "-f", "lavfi", "-t", duration, "-i",
			fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=%d", audioSampleRate))
	}

	args = append(args,
		"-filter_complex", videoFilter(spec, family)+";"+audioFilter(spec),
		"-map", "[v]", "-map", "[a]",
	)
	args = append(args, VideoCodecArgs(spec.Encoder, p)...)
	args = append(args,
		"-r", strconv.Itoa(p.FPS),
		"-c:a", "aac", "-b:a", audioBitrate(spec.AudioBitrate),
		"-ar", strconv.Itoa(audioSampleRate), "-ac", strconv.Itoa(audioChannels),
		"-t", duration,
		"-movflags", "+faststart",
		"-f", "mp4",
		spec.Output,
	)
	return args
}

func videoFilter(spec EncodeSpec, family string) string {
	p := spec.Profile
	w, h := p.Width, p.Height
	chain := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", w, h),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", w, h),
		"setsar=1",
	}
	switch spec.Effects[plan.EffectZoom] {
	case "in":
		chain = append(chain, zoomFilter(w, h, fmt.Sprintf("t/%s", formatSeconds(spec.DurationSec)))...)
	case "out":
		chain = append(chain, zoomFilter(w, h, fmt.Sprintf("(1-t/%s)", formatSeconds(spec.DurationSec)))...)
	}
	if d := effectSeconds(spec.Effects, plan.EffectFadeIn); d > 0 {
		chain = append(chain, fmt.Sprintf("fade=t=in:st=0:d=%s", formatSeconds(d)))
	}
	if d := effectSeconds(spec.Effects, plan.EffectFadeOut); d > 0 {
		start := math.Max(0, spec.DurationSec-d)
		chain = append(chain, fmt.Sprintf("fade=t=out:st=%s:d=%s", formatSeconds(start), formatSeconds(d)))
	}
	if family == "vaapi" {
		chain = append(chain, "format=nv12", "hwupload")
	} else {
		chain = append(chain, "format=yuv420p")
	}
	return "[0:v]" + strings.Join(chain, ",") + "[v]"
}

// zoomFilter scales the frame by 1+zoomAmount*progress each frame and crops the centre.
func zoomFilter(w, h int, progress string) []string {
	factor := fmt.Sprintf("(1+%s*%s)", formatSeconds(zoomAmount), progress)
	return []string{
		fmt.Sprintf("scale=w='trunc(%d*%s/2)*2':h='trunc(%d*%s/2)*2':eval=frame", w, factor, h, factor),
		fmt.Sprintf("crop=%d:%d", w, h),
	}
}

func audioFilter(spec EncodeSpec) string {
	duration := formatSeconds(spec.DurationSec)
	return fmt.Sprintf("[1:a]aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo,apad,atrim=0:%s[a]",
		audioSampleRate, duration)
}

// VideoCodecArgs returns the -c:v flags for encoder, tuned to the profile's
// quality and bitrate targets in the encoder's own vocabulary.
func VideoCodecArgs(encoder string, p profile.Profile) []string {
	cq := strconv.Itoa(p.ConstantQuality)
	args := []string{"-c:v", encoder}
	switch capability.Family(encoder) {
	case "nvenc":
		args = append(args, "-preset", nvencPreset(p.Preset), "-rc", "vbr", "-cq", cq)
		if p.BitrateTarget != "" {
			args = append(args, "-b:v", p.BitrateTarget)
		} else {
			args = append(args, "-b:v", "0")
		}
		args = append(args, "-profile:v", "high")
	case "qsv":
		args = append(args, "-preset", qsvPreset(p.Preset), "-global_quality", cq)
		if p.BitrateTarget != "" {
			args = append(args, "-b:v", p.BitrateTarget)
		}
	case "vaapi":
		args = append(args, "-rc_mode", "CQP", "-qp", cq)
	case "videotoolbox":
		args = append(args, "-q:v", strconv.Itoa(videotoolboxQuality(p.ConstantQuality)), "-allow_sw", "1")
		if p.BitrateTarget != "" {
			args = append(args, "-b:v", p.BitrateTarget)
		}
	case "amf":
		args = append(args, "-quality", amfQuality(p.Preset), "-rc", "cqp", "-qp_i", cq, "-qp_p", cq)
	default:
		if encoder == "libopenh264" {
			target := p.BitrateTarget
			if target == "" {
				target = "6M"
			}
			args = append(args, "-b:v", target)
		} else {
			args = append(args, "-preset", p.Preset, "-profile:v", "high")
			if p.BitrateTarget != "" {
				args = append(args, "-b:v", p.BitrateTarget)
			} else {
				args = append(args, "-crf", cq)
			}
		}
	}
	if p.MaxBitrate != "" {
		args = append(args, "-maxrate", p.MaxBitrate)
	}
	if p.BufferSize != "" {
		args = append(args, "-bufsize", p.BufferSize)
	}
	args = append(args, "-g", strconv.Itoa(p.FPS*2))
	return args
}

// nvencPreset maps x264 preset names onto NVENC's p1 (fastest) to p7 (slowest).
func nvencPreset(preset string) string {
	switch preset {
	case "ultrafast":
		return "p1"
	case "superfast", "veryfast":
		return "p2"
	case "faster", "fast":
		return "p3"
	case "slow":
		return "p5"
	case "slower":
		return "p6"
	case "veryslow":
		return "p7"
	default:
		return "p4"
	}
}

func qsvPreset(preset string) string {
	switch preset {
	case "ultrafast", "superfast":
		return "veryfast"
	case "":
		return "medium"
	default:
		return preset
	}
}

func amfQuality(preset string) string {
	switch preset {
	case "ultrafast", "superfast", "veryfast", "faster", "fast":
		return "speed"
	case "slow", "slower", "veryslow":
		return "quality"
	default:
		return "balanced"
	}
}

// videotoolboxQuality maps a CRF-style value (lower is better) to -q:v (higher is better).
func videotoolboxQuality(cq int) int {
	q := 100 - cq*2
	return min(max(q, 1), 100)
}

func effectSeconds(effects map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(effects[key], 64)
	if err != nil || v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func audioBitrate(v string) string {
	if strings.TrimSpace(v) == "" {
		return "192k"
	}
	return v
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
