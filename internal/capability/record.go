package capability

import (
	"slices"
	"time"
)

// Record is the result of one capability probe. It is treated as immutable
// once built; callers receive copies.
type Record struct {
	// GPUEncoders lists verified hardware H.264 encoders in preference order.
	GPUEncoders []string
	// CPUEncoder is the software H.264 encoder, empty when none is available.
	CPUEncoder string
	// Advertised is every video encoder ffmpeg reported.
	Advertised []string
	ProbedAt   time.Time
	// Warnings collects non-fatal problems observed while probing.
	Warnings []string
}

// HasGPU reports whether a hardware encoder is available.
func (r Record) HasGPU() bool {
	return len(r.GPUEncoders) > 0
}

// HasCPU reports whether a software encoder is available.
func (r Record) HasCPU() bool {
	return r.CPUEncoder != ""
}

// PreferredGPU returns the first GPU encoder.
func (r Record) PreferredGPU() (string, bool) {
	if len(r.GPUEncoders) == 0 {
		return "", false
	}
	return r.GPUEncoders[0], true
}

// WithoutGPU returns a copy with GPU encoders removed.
func (r Record) WithoutGPU() Record {
	out := r.clone()
	out.GPUEncoders = nil
	return out
}

func (r Record) clone() Record {
	out := r
	out.GPUEncoders = slices.Clone(r.GPUEncoders)
	out.Advertised = slices.Clone(r.Advertised)
	out.Warnings = slices.Clone(r.Warnings)
	return out
}

// Static builds a Record for callers that already know the toolchain, such as tests.
func Static(cpu string, gpu ...string) Record {
	return Record{GPUEncoders: slices.Clone(gpu), CPUEncoder: cpu, ProbedAt: time.Now().UTC()}
}
