package main

import (
	"fmt"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <disk>",
	Short: "Reconstruct every fragment of one disk from the others",
	Long: `Reconstruct every fragment of one disk from the fragments on the other
disks. Only the named disk is written to. Objects that have lost a second
fragment cannot be recovered and are listed at the end.

The command works on the disks directly. Against a running server, prefer
POST /admin/rebuild/{disk}, which holds the per-object locks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		disk, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid disk index %q", args[0])
		}

		quiet, err := cmd.Flags().GetBool("quiet")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		e, closeMeta, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer closeMeta()

		names, err := e.RebuildNames(ctx, disk)
		if err != nil {
			return err
		}

		var bar *progressbar.ProgressBar
		if quiet {
			bar = progressbar.DefaultSilent(int64(len(names)))
		} else {
			bar = progressbar.NewOptions(len(names),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription(fmt.Sprintf("rebuilding disk %d", disk)),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}

		report, err := e.Rebuild(ctx, disk, func(string, error) {
			_ = bar.Add(1)
		})
		_ = bar.Finish()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "disk %d: %d rebuilt, %d failed\n", disk, len(report.Rebuilt), len(report.Failed))
		for _, f := range report.Failed {
			fmt.Fprintf(out, "  %s: %v\n", f.Name, f.Err)
		}
		return err
	},
}

func init() {
	rebuildCmd.Flags().BoolP("quiet", "q", false, "do not show a progress bar")
	rootCmd.AddCommand(rebuildCmd)
}
