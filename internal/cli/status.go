package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"reposentinel/pkg/systemd"
)

// StatusCmd shows the systemd unit running the daemon.
func StatusCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd status of the sentinel service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := systemd.QueryUnit(cmd.Context(), unit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := color.New(color.FgRed).Sprint(st.Active)
			if st.Running() {
				state = color.New(color.FgGreen).Sprint(st.Active)
			}
			fmt.Fprintf(out, "%s: %s (%s)\n", st.Name, state, st.SubState)
			if st.Description != "" {
				fmt.Fprintf(out, "  %s\n", st.Description)
			}
			fmt.Fprintf(out, "  loaded: %s\n", st.LoadState)
			if st.Running() {
				fmt.Fprintf(out, "  pid:    %d\n", st.MainPID)
				if !st.ActiveSince.IsZero() {
					fmt.Fprintf(out, "  since:  %s (%s)\n", st.ActiveSince.Local().Format(time.RFC3339), time.Since(st.ActiveSince).Round(time.Second))
				}
				if st.Memory > 0 {
					fmt.Fprintf(out, "  memory: %.1f MiB\n", float64(st.Memory)/(1<<20))
				}
			} else if !st.StateChange.IsZero() {
				fmt.Fprintf(out, "  changed: %s\n", st.StateChange.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&unit, "unit", "u", "reposentinel", "systemd unit name")
	return cmd
}
