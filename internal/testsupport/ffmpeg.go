package testsupport

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"reelforge/internal/media/ffprobe"
	"reelforge/internal/procexec"
)

// FakeFFmpeg imitates ffmpeg for pipeline tests. Outputs are small text files
// carrying "duration=" and "encoder=" lines that StubProbe reads back.
//
// Scene encodes take their duration from the last -t argument. Concat runs sum
// the durations of their segment inputs, read from a concat list or from plain
// -i inputs; looped inputs (background audio, stills) are ignored.
type FakeFFmpeg struct {
	// Encoders is the list advertised for -encoders.
	Encoders []string
	// FailEncoders makes any invocation using these -c:v values exit 1.
	FailEncoders map[string]bool
	// Delay is applied to every encode and honours cancellation.
	Delay time.Duration
	// DelayFor overrides Delay for outputs whose base name contains the key.
	DelayFor map[string]time.Duration

	mu    sync.Mutex
	calls []procexec.Command
}

// NewFakeFFmpeg returns a fake advertising the given encoders.
func NewFakeFFmpeg(encoders ...string) *FakeFFmpeg {
	return &FakeFFmpeg{Encoders: encoders, FailEncoders: map[string]bool{}}
}

// Calls returns a copy of every command seen so far.
func (f *FakeFFmpeg) Calls() []procexec.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// EncodeCalls counts invocations that used encoder as -c:v.
func (f *FakeFFmpeg) EncodeCalls(encoder string) int {
	n := 0
	for _, c := range f.Calls() {
		if argValue(c.Args, "-c:v") == encoder {
			n++
		}
	}
	return n
}

// Run implements procexec.Runner.
func (f *FakeFFmpeg) Run(ctx context.Context, cmd procexec.Command) (procexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	failing := f.FailEncoders[argValue(cmd.Args, "-c:v")]
	delay := f.Delay
	for key, d := range f.DelayFor {
		if len(cmd.Args) > 0 && strings.Contains(filepath.Base(cmd.Args[len(cmd.Args)-1]), key) {
			delay = d
		}
	}
	f.mu.Unlock()

	if slices.Contains(cmd.Args, "-encoders") {
		var b strings.Builder
		b.WriteString("Encoders:\n ------\n")
		for _, e := range f.Encoders {
			fmt.Fprintf(&b, " V....D %-20s fake\n", e)
		}
		return procexec.Result{Stdout: b.String()}, nil
	}
	if !slices.Contains(f.Encoders, argValue(cmd.Args, "-c:v")) && argValue(cmd.Args, "-c:v") != "copy" && argValue(cmd.Args, "-c:v") != "" {
		failing = true
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return procexec.Result{ExitCode: -1}, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return procexec.Result{ExitCode: -1}, err
	}
	if failing {
		res := procexec.Result{ExitCode: 1, Stderr: "Error while opening encoder"}
		return res, &procexec.ExitError{Command: cmd.Name, Result: res}
	}

	output := cmd.Args[len(cmd.Args)-1]
	if output == "-" {
		return procexec.Result{}, nil
	}
	duration, err := outputDuration(cmd.Args)
	if err != nil {
		res := procexec.Result{ExitCode: 1, Stderr: err.Error()}
		return res, &procexec.ExitError{Command: cmd.Name, Result: res}
	}
	body := fmt.Sprintf("duration=%.3f\nencoder=%s\n", duration, argValue(cmd.Args, "-c:v"))
	if fps := argValue(cmd.Args, "-r"); fps != "" {
		body += "fps=" + fps + "\n"
	}
	if err := os.WriteFile(output, []byte(body), 0o644); err != nil {
		res := procexec.Result{ExitCode: 1, Stderr: err.Error()}
		return res, &procexec.ExitError{Command: cmd.Name, Result: res}
	}
	return procexec.Result{}, nil
}

func outputDuration(args []string) (float64, error) {
	if idx := lastIndex(args, "-t"); idx >= 0 && idx+1 < len(args) && idx > lastIndex(args, "-i") {
		return strconv.ParseFloat(args[idx+1], 64)
	}
	if list, ok := concatInput(args); ok {
		return concatListDuration(list)
	}
	total := 0.0
	for i := 0; i < len(args)-1; i++ {
		if args[i] != "-i" {
			continue
		}
		if i >= 2 && (args[i-2] == "-stream_loop" || args[i-2] == "-loop") {
			continue
		}
		if d, ok := ReadDuration(args[i+1]); ok {
			total += d
		}
	}
	return total, nil
}

// concatInput returns the -i following "-f concat".
func concatInput(args []string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-f" || args[i+1] != "concat" {
			continue
		}
		for j := i + 2; j+1 < len(args); j++ {
			if args[j] == "-i" {
				return args[j+1], true
			}
		}
	}
	return "", false
}

func concatListDuration(list string) (float64, error) {
	f, err := os.Open(list)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	total := 0.0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, "file ")
		if !ok {
			continue
		}
		path := strings.Trim(rest, "'")
		path = strings.ReplaceAll(path, `'\''`, "'")
		if d, ok := ReadDuration(path); ok {
			total += d
		}
	}
	return total, scanner.Err()
}

// ReadDuration parses the duration line of a placeholder media file.
func ReadDuration(path string) (float64, bool) {
	fields := readFields(path)
	v, ok := fields["duration"]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(v, 64)
	return d, err == nil
}

func readFields(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	fields := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			fields[k] = v
		}
	}
	return fields
}

func argValue(args []string, flag string) string {
	if idx := lastIndex(args, flag); idx >= 0 && idx+1 < len(args) {
		return args[idx+1]
	}
	return ""
}

func lastIndex(args []string, flag string) int {
	for i := len(args) - 1; i >= 0; i-- {
		if args[i] == flag {
			return i
		}
	}
	return -1
}

// StubProbe answers ffprobe queries from placeholder media files.
type StubProbe struct{}

// Inspect implements ffprobe.Inspector.
func (StubProbe) Inspect(_ context.Context, path string) (ffprobe.Result, error) {
	fields := readFields(path)
	if fields == nil {
		return ffprobe.Result{}, fmt.Errorf("stub probe: cannot read %s", path)
	}
	fps := fields["fps"]
	if fps == "" {
		fps = "30"
	}
	return ffprobe.Result{
		Streams: []ffprobe.Stream{
			{Index: 0, CodecType: "video", CodecName: "h264", Width: 1080, Height: 1920, PixFmt: "yuv420p", RFrameRate: fps + "/1"},
			{Index: 1, CodecType: "audio", CodecName: "aac", SampleRate: "48000", Channels: 2},
		},
		Format: ffprobe.Format{Filename: path, Duration: fields["duration"]},
	}, nil
}
