package cli

import (
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"reposentinel/internal/app"
	"reposentinel/internal/config"
	"reposentinel/internal/ledger"
	"reposentinel/internal/update"
)

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// StatsCmd prints ledger counts per kind.
func StatsCmd(opts *Options) *cobra.Command {
	var f filters
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how many updates the ledger has recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, kind, since, err := f.parse(time.Now())
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), opts, func(_ *config.Config, l ledger.Ledger) error {
				st, err := l.Stats(cmd.Context(), ledger.StatsQuery{Entity: entity, Kind: kind, Since: since})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KIND\tCOUNT\tFIRST\tLAST")
				kinds := make([]update.Kind, 0, len(st.ByKind))
				for k := range st.ByKind {
					kinds = append(kinds, k)
				}
				slices.Sort(kinds)
				for _, k := range kinds {
					ks := st.ByKind[k]
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", k, ks.Count, fmtTime(ks.First), fmtTime(ks.Last))
				}
				fmt.Fprintf(w, "%s\t%d\t\t\n", color.New(color.Bold).Sprint("total"), st.Total)
				return w.Flush()
			})
		},
	}
	addFilterFlags(cmd.Flags(), &f)
	return cmd
}

// HistoryCmd lists the most recently committed records.
func HistoryCmd(opts *Options) *cobra.Command {
	var (
		f     filters
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently reported updates, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, kind, since, err := f.parse(time.Now())
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), opts, func(_ *config.Config, l ledger.Ledger) error {
				recs, err := l.Processed(cmd.Context(), ledger.ProcessedQuery{Entity: entity, Kind: kind, Since: since, Limit: limit})
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No records.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "REPORTED\tREPOSITORY\tKIND\tID\tTITLE")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", fmtTime(r.CommittedAt), r.Entity, r.Kind, r.ID, truncate(r.Title, 60))
				}
				return w.Flush()
			})
		},
	}
	addFilterFlags(cmd.Flags(), &f)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show")
	return cmd
}

// TrimCmd drops old ledger records now instead of waiting for the trim job.
func TrimCmd(opts *Options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "trim",
		Short: "Delete ledger records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(cfg *config.Config, l ledger.Ledger) error {
				keep := olderThan
				if keep <= 0 {
					var err error
					if keep, err = app.Retention(cfg); err != nil {
						return err
					}
				}
				n, err := l.Trim(cmd.Context(), time.Now().Add(-keep))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) older than %s.\n", n, keep)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override ledger.retention, e.g. 720h")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
