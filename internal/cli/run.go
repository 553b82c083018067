package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"reposentinel/internal/app"
	"reposentinel/internal/cycle"
)

const stopTimeout = 60 * time.Second

// RunCmd starts the daemon: scheduled cycles until SIGINT or SIGTERM.
func RunCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.NewApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = stopReason(sig)
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func stopReason(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	}
	return app.StopUnknown
}

// CheckCmd runs exactly one cycle and exits non-zero when it fails.
func CheckCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one cycle now and report the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.RunOnce(ctx)
			printResult(cmd, res)
			return err
		},
	}
}

func printResult(cmd *cobra.Command, res cycle.Result) {
	out := cmd.OutOrStdout()
	if res.ID == "" {
		return
	}
	status := color.New(color.FgGreen).Sprint("OK")
	if !res.OK() {
		status = color.New(color.FgRed).Sprintf("FAILED in %s", res.FailedIn)
	}
	fmt.Fprintf(out, "Cycle %s: %s\n", res.ID, status)
	fmt.Fprintf(out, "  window:       %s .. %s\n", res.Window.Since.Format(time.RFC3339), res.Window.Until.Format(time.RFC3339))
	fmt.Fprintf(out, "  repositories: %d\n", res.Entities)
	fmt.Fprintf(out, "  fetched:      %d (%d errors)\n", res.Fetched, len(res.FetchErrors))
	fmt.Fprintf(out, "  new:          %d\n", res.New)
	for _, e := range res.FetchErrors {
		fmt.Fprintf(out, "    %s %v\n", color.New(color.FgYellow).Sprint("!"), e)
	}
	for _, o := range res.Outcomes {
		mark := color.New(color.FgGreen).Sprint("✓")
		detail := fmt.Sprintf("%d part(s) in %s", o.Chunks, o.Took.Round(time.Millisecond))
		if !o.OK {
			mark = color.New(color.FgRed).Sprint("✗")
			detail = fmt.Sprintf("%s: %v", o.Class, o.Err)
		}
		fmt.Fprintf(out, "  %s %-12s %s\n", mark, o.Channel, detail)
	}
	fmt.Fprintf(out, "  committed:    %t\n", res.Committed)
}
