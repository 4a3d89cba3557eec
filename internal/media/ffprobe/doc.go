// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Client.Inspect runs ffprobe through a procexec.Runner so callers share the
// same timeout and cancellation handling as encodes. Result helpers expose
// durations and a stream Signature used to decide whether segments can be
// concatenated with stream copy.
package ffprobe
