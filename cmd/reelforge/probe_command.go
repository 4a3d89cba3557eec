package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"reelforge/internal/capability"
	"reelforge/internal/deps"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show detected encoders and toolchain binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.loggerFor(cfg)
			prober := capability.NewProber(capability.OptionsFromConfig(cfg), ctx.execRunner(), logger)
			rec := prober.Probe(cmd.Context())

			statuses := deps.CheckBinaries(deps.PipelineRequirements(cfg))
			if jsonOutput {
				return writeJSON(cmd, map[string]any{
					"capability":   rec,
					"dependencies": statuses,
				})
			}

			out := cmd.OutOrStdout()
			rows := make([][]string, 0, len(rec.GPUEncoders)+1)
			for i, enc := range rec.GPUEncoders {
				rows = append(rows, []string{enc, "gpu", capability.Family(enc), yesNo(i == 0 && !cfg.Encoder.DisableGPU)})
			}
			if rec.CPUEncoder != "" {
				rows = append(rows, []string{rec.CPUEncoder, "cpu", "software", yesNo(len(rows) == 0 || cfg.Encoder.DisableGPU)})
			}
			if len(rows) == 0 {
				fmt.Fprintln(out, "No usable H.264 encoder detected; renders will fail with encoder_unavailable.")
			} else {
				fmt.Fprintln(out, renderTable([]string{"Encoder", "Class", "Family", "Preferred"}, rows, nil))
			}
			for _, w := range rec.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}

			depRows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				state := "ok"
				if !s.Available {
					state = s.Detail
				}
				depRows = append(depRows, []string{s.Name, s.Command, yesNo(!s.Optional), state, strings.TrimSpace(s.Path)})
			}
			fmt.Fprintln(out, renderTable([]string{"Binary", "Command", "Required", "Status", "Path"}, depRows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON output")
	return cmd
}
