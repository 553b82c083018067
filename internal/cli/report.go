package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"reposentinel/internal/app"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

// ReportCmd prints a report for one repository without delivering or
// recording it.
func ReportCmd(opts *Options) *cobra.Command {
	var (
		repo     string
		track    []string
		lookback time.Duration
		summary  bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a report for one repository without sending it",
		Long: `report fetches one repository, assembles the report in the configured format
and prints it. Nothing is sent and the ledger is not read or written, so
updates that were already delivered show up again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lookback < 0 {
				return fmt.Errorf("--lookback must be positive")
			}
			kinds, err := update.ParseKinds(track)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := app.RunPreview(ctx, cfg, app.PreviewRequest{
				Entity:   repo,
				Kinds:    kinds,
				Lookback: lookback,
				Summary:  summary,
			}, logx.NewConsole("warn"))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), p.Text)
			errOut := cmd.ErrOrStderr()
			for _, e := range p.Errors {
				fmt.Fprintf(errOut, "%s %v\n", color.New(color.FgYellow).Sprint("!"), e)
			}
			fmt.Fprintf(errOut, "%d update(s):", p.Report.Total)
			for _, k := range update.Kinds {
				if n := p.Report.Count(k); n > 0 {
					fmt.Fprintf(errOut, " %s=%d", k, n)
				}
			}
			fmt.Fprintln(errOut)
			if summary && !p.Summarized && !p.Report.Empty() {
				fmt.Fprintln(errOut, color.New(color.FgYellow).Sprint("summary unavailable; printed the full report"))
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&repo, "repo", "r", "", "repository to report on (owner/name)")
	fs.StringSliceVarP(&track, "track", "t", nil, "kinds to include; the subscription's kinds when unset")
	fs.DurationVar(&lookback, "lookback", 0, "how far back to look, e.g. 72h; cycle.lookback when unset")
	fs.BoolVar(&summary, "summary", false, "summarize with Gemini (summary.api_key must be set)")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}
