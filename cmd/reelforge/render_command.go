package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"reelforge/internal/config"
	"reelforge/internal/deps"
	"reelforge/internal/jobs"
	"reelforge/internal/logging"
	"reelforge/internal/plan"
	"reelforge/internal/profile"
	"reelforge/internal/services"
)

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var (
		tierFlag   string
		outputFlag string
		jsonOutput bool
		noGPU      bool
	)

	cmd := &cobra.Command{
		Use:   "render <plan>",
		Short: "Render a scene plan (JSON or TOML) into a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if ctx.runner == nil {
				if missing := deps.MissingRequired(deps.CheckBinaries(deps.PipelineRequirements(cfg))); len(missing) > 0 {
					return fmt.Errorf("missing required binary: %s (%s)", missing[0].Command, missing[0].Detail)
				}
			}
			tier, err := profile.ParseTier(tierFlag)
			if err != nil {
				return err
			}
			if out := strings.TrimSpace(outputFlag); out != "" {
				expanded, err := config.ExpandPath(out)
				if err != nil {
					return fmt.Errorf("resolve output dir: %w", err)
				}
				cfg.Paths.OutputDir = expanded
				if err := os.MkdirAll(expanded, 0o755); err != nil {
					return fmt.Errorf("create output dir: %w", err)
				}
			}
			if noGPU {
				cfg.Encoder.DisableGPU = true
			}

			p, err := plan.Load(args[0])
			if err != nil {
				return err
			}

			var progress *progressRenderer
			var observer jobs.ProgressObserver
			if !jsonOutput {
				progress = newProgressRenderer(cmd.ErrOrStderr())
				observer = progress
			}
			pipe, err := ctx.buildPipeline(observer)
			if err != nil {
				return err
			}
			defer pipe.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runCtx = services.WithRequestID(runCtx, uuid.NewString())
			if pipe.watcher != nil {
				if err := pipe.watcher.Start(runCtx); err != nil {
					pipe.logger.Warn("device watcher unavailable", logging.Error(err))
				}
			}

			id, err := pipe.orch.Submit(runCtx, p, profile.FromConfig(cfg, tier))
			if err != nil {
				return err
			}
			res, err := waitForJob(runCtx, pipe.orch, id)
			if progress != nil {
				progress.Finish()
			}
			if err != nil {
				return err
			}
			if res.State != jobs.StateSuccess && res.Error != nil {
				notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), 15*time.Second)
				if nerr := pipe.notifier.NotifyJobFailed(notifyCtx, p.Title, res.Error.Code, res.Error.Message); nerr != nil {
					pipe.logger.Warn("failure notification not delivered", logging.Error(nerr))
				}
				cancel()
			}

			if jsonOutput {
				if err := writeJSON(cmd, res); err != nil {
					return err
				}
			} else {
				printJobResult(cmd.OutOrStdout(), res)
			}
			if res.State != jobs.StateSuccess {
				failure := &jobFailure{code: string(res.State)}
				if res.Error != nil {
					failure.code, failure.message = res.Error.Code, res.Error.Message
				}
				return failure
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tierFlag, "profile", "p", string(profile.TierPreview), "Quality profile: preview or final")
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Directory for the finished video (defaults to paths.output_dir)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the job result as JSON")
	cmd.Flags().BoolVar(&noGPU, "no-gpu", false, "Encode on the CPU even when a GPU encoder is available")
	return cmd
}

// waitForJob blocks until the job is terminal. A canceled ctx cancels the job
// and still waits for it to drain.
func waitForJob(ctx context.Context, orch *jobs.Orchestrator, id string) (jobs.JobResult, error) {
	res, err := orch.Wait(ctx, id)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return jobs.JobResult{}, err
	}
	if cerr := orch.Cancel(id); cerr != nil {
		return jobs.JobResult{}, cerr
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return orch.Wait(drainCtx, id)
}

func printJobResult(out io.Writer, res jobs.JobResult) {
	fmt.Fprintf(out, "Job:      %s\n", res.JobID)
	fmt.Fprintf(out, "State:    %s\n", res.State)
	if res.ArtifactRef != "" {
		fmt.Fprintf(out, "Artifact: %s\n", res.ArtifactRef)
	}
	if res.DurationSec > 0 {
		fmt.Fprintf(out, "Duration: %.2fs\n", res.DurationSec)
	}
	if enc := res.Metadata["encoder_used"]; enc != "" {
		fmt.Fprintf(out, "Encoder:  %s (%s)\n", enc, strings.Join(res.Encoders, ", "))
	}
	if res.Error != nil {
		fmt.Fprintf(out, "Error:    [%s] %s\n", res.Error.Code, res.Error.Message)
	}
	if len(res.Steps) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderStepTable(res.Steps))
	}
}

func renderStepTable(steps []jobs.StepRecord) string {
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		rows = append(rows, []string{
			s.Step,
			string(s.Status),
			s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String(),
			fmt.Sprintf("%d", s.RetryCount),
			s.EncoderUsed,
			truncate(s.Detail, 60),
		})
	}
	return renderTable(
		[]string{"Step", "Status", "Took", "Retries", "Encoder", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
