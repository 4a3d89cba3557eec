package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reelforge/internal/status"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect recorded render jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	return jobsCmd
}

func withStore(ctx *commandContext, fn func(*status.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := status.Open(cfg)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *status.Store) error {
				list, err := store.ListJobs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, list)
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "No jobs recorded")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, j := range list {
					rows = append(rows, []string{
						shortID(j.ID),
						string(j.State),
						j.Tier,
						fmt.Sprintf("%d", j.SceneCount),
						truncate(j.Title, 32),
						j.ErrorCode,
						j.CreatedAt.Local().Format(time.DateTime),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "State", "Profile", "Scenes", "Title", "Error", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON output")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job document with its step records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *status.Store) error {
				job, err := findJob(cmd, store, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, job)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job:      %s\n", job.ID)
				fmt.Fprintf(out, "Title:    %s\n", job.Title)
				fmt.Fprintf(out, "State:    %s\n", job.State)
				fmt.Fprintf(out, "Profile:  %s\n", job.Tier)
				if job.RetryOf != "" {
					fmt.Fprintf(out, "Retry of: %s\n", job.RetryOf)
				}
				if job.ArtifactRef != "" {
					fmt.Fprintf(out, "Artifact: %s (%.2fs)\n", job.ArtifactRef, job.DurationSec)
				}
				if len(job.Encoders) > 0 {
					fmt.Fprintf(out, "Encoders: %s\n", strings.Join(job.Encoders, ", "))
				}
				if job.ErrorCode != "" {
					fmt.Fprintf(out, "Error:    [%s] at %s: %s\n", job.ErrorCode, job.ErrorStep, job.ErrorMessage)
				}
				if len(job.Steps) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderStepTable(job.Steps))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON output")
	return cmd
}

// findJob resolves a full id or a unique prefix of one.
func findJob(cmd *cobra.Command, store *status.Store, id string) (*status.Job, error) {
	job, err := store.GetJob(cmd.Context(), id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, status.ErrNotFound) || len(id) < 4 {
		return nil, err
	}
	list, lerr := store.ListJobs(cmd.Context(), 500)
	if lerr != nil {
		return nil, lerr
	}
	var match string
	for _, j := range list {
		if strings.HasPrefix(j.ID, id) {
			if match != "" {
				return nil, fmt.Errorf("job id prefix %q is ambiguous", id)
			}
			match = j.ID
		}
	}
	if match == "" {
		return nil, err
	}
	return store.GetJob(cmd.Context(), match)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
