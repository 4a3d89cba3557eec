package capability

import (
	"bufio"
	"strings"
)

// ParseEncoders extracts video encoder names from `ffmpeg -encoders` output.
// Lines look like " V....D h264_nvenc   NVIDIA NVENC H.264 encoder"; everything
// before the "------" separator is legend.
func ParseEncoders(output string) []string {
	var encoders []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	inList := !strings.Contains(output, "------")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inList {
			if strings.HasPrefix(line, "------") {
				inList = true
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		flags := fields[0]
		if len(flags) != 6 || flags[0] != 'V' {
			continue
		}
		encoders = append(encoders, fields[1])
	}
	return encoders
}

// isGPUEncoder reports whether name belongs to a hardware encoder family.
func isGPUEncoder(name string) bool {
	for _, suffix := range []string{"_nvenc", "_qsv", "_vaapi", "_videotoolbox", "_amf", "_v4l2m2m", "_mf"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Family returns the hardware family of an encoder name ("nvenc", "qsv", ...),
// or "cpu" for software encoders.
func Family(encoder string) string {
	if idx := strings.LastIndexByte(encoder, '_'); idx >= 0 && isGPUEncoder(encoder) {
		return encoder[idx+1:]
	}
	return "cpu"
}
