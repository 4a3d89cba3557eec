// Package scheduler renders the scenes of a plan on a bounded worker pool and
// returns the segments in plan order.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"reelforge/internal/capability"
	"reelforge/internal/logging"
	"reelforge/internal/plan"
	"reelforge/internal/profile"
	"reelforge/internal/render"
)

// DefaultMaxWorkers applies when Options.MaxWorkers is not positive.
const DefaultMaxWorkers = 4

// SceneRenderer renders one scene. *render.Renderer satisfies it.
type SceneRenderer interface {
	Render(ctx context.Context, scene plan.Scene, prof profile.Profile, rec capability.Record, workDir string) (render.SegmentResult, error)
}

// Options tunes a RenderAll call.
type Options struct {
	MaxWorkers int
	WorkDir    string
	// OnSceneDone is called after each successful scene with the number of
	// completed scenes so far. Calls are serialised.
	OnSceneDone func(done, total int, result render.SegmentResult)
	Logger      *slog.Logger
}

// SceneFailure pairs a scene index with its error.
type SceneFailure struct {
	Index int
	Err   error
}

// BatchError reports a batch that stopped early.
type BatchError struct {
	// First is the first scene error observed, or the cancellation cause.
	First error
	// FailedIndex is the scene that produced First, -1 for cancellation.
	FailedIndex int
	// Failures lists every failed scene in index order.
	Failures []SceneFailure
	// NotStarted lists scenes that were never dispatched.
	NotStarted []int
}

func (e *BatchError) Error() string {
	if e.FailedIndex < 0 {
		return fmt.Sprintf("scene batch stopped (%d not started): %v", len(e.NotStarted), e.First)
	}
	return fmt.Sprintf("scene %d failed (%d failed, %d not started): %v",
		e.FailedIndex, len(e.Failures), len(e.NotStarted), e.First)
}

func (e *BatchError) Unwrap() error {
	return e.First
}

// RenderAll renders scenes with at most opts.MaxWorkers in flight. Scenes are
// dispatched in plan order. After the first failure or cancellation nothing new
// is dispatched, but scenes already running are left to finish so no partial
// files are abandoned. On success the result has one entry per scene, in order.
func RenderAll(ctx context.Context, r SceneRenderer, scenes []plan.Scene, prof profile.Profile, rec capability.Record, opts Options) ([]render.SegmentResult, error) {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	logger := logging.NewComponentLogger(opts.Logger, "scheduler")

	results := make([]render.SegmentResult, len(scenes))
	started := make([]bool, len(scenes))
	sem := make(chan struct{}, workers)
	stop := make(chan struct{})

	var (
		mu        sync.Mutex
		stopOnce  sync.Once
		failures  []SceneFailure
		first     error
		failedIdx = -1
		done      int
		g         errgroup.Group
	)
	halt := func() { stopOnce.Do(func() { close(stop) }) }

dispatch:
	for i, scene := range scenes {
		select {
		case sem <- struct{}{}:
		case <-stop:
			break dispatch
		case <-ctx.Done():
			break dispatch
		}
		// A slot and the stop signal may become ready together.
		select {
		case <-stop:
			<-sem
			break dispatch
		default:
		}
		if ctx.Err() != nil {
			<-sem
			break dispatch
		}

		started[i] = true
		g.Go(func() error {
			defer func() { <-sem }()
			res, err := r.Render(ctx, scene, prof, rec, opts.WorkDir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, SceneFailure{Index: scene.Index, Err: err})
				if first == nil {
					first, failedIdx = err, scene.Index
					halt()
				}
				return err
			}
			results[i] = res
			done++
			if opts.OnSceneDone != nil {
				opts.OnSceneDone(done, len(scenes), res)
			}
			return nil
		})
	}
	_ = g.Wait()

	var notStarted []int
	for i, ok := range started {
		if !ok {
			notStarted = append(notStarted, scenes[i].Index)
		}
	}

	if first == nil && ctx.Err() != nil && (len(notStarted) > 0 || len(failures) > 0) {
		first = context.Cause(ctx)
		failedIdx = -1
	}
	if first == nil {
		return results, nil
	}

	slices.SortFunc(failures, func(a, b SceneFailure) int { return a.Index - b.Index })
	logging.WarnWithContext(logging.WithContext(ctx, logger), "scene batch stopped", "render_batch_failed",
		logging.Int("failed_index", failedIdx),
		logging.Int("failures", len(failures)),
		logging.Int("not_started", len(notStarted)),
		logging.Error(first),
		logging.String(logging.FieldImpact, "job cannot be assembled"),
	)
	return results, &BatchError{
		First:       first,
		FailedIndex: failedIdx,
		Failures:    failures,
		NotStarted:  notStarted,
	}
}
