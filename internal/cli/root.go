// Package cli holds the sentinel subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"reposentinel/internal/app"
	"reposentinel/internal/config"
	"reposentinel/internal/ledger"
	"reposentinel/internal/subscription"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

const defaultConfigPath = "./config.yaml"

// Options are the persistent flags shared by every subcommand.
type Options struct {
	ConfigPath string
	EnvFile    string
}

// Root builds the command tree.
func Root(version string) *cobra.Command {
	opts := &Options{}
	root := &cobra.Command{
		Use:     "sentinel",
		Short:   "Watch GitHub repositories and deliver digests of new activity",
		Version: version,
		Long: `sentinel polls the GitHub repositories listed in its config, keeps a ledger
of what it already reported, and sends a digest of new commits, issues,
pull requests and releases to the configured channels.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.EnvFile)
		},
	}
	addPersistentFlags(root.PersistentFlags(), opts)

	root.AddCommand(RunCmd(opts))
	root.AddCommand(CheckCmd(opts))
	root.AddCommand(StatsCmd(opts))
	root.AddCommand(HistoryCmd(opts))
	root.AddCommand(TrimCmd(opts))
	root.AddCommand(SubsCmd(opts))
	root.AddCommand(ReportCmd(opts))
	root.AddCommand(StatusCmd())
	return root
}

func addPersistentFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVarP(&opts.ConfigPath, "config", "c", envOr("SENTINEL_CONFIG", defaultConfigPath), "path to the config file (yaml, json or jsonc)")
	fs.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with secrets; missing is fine")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// loadEnvFile never overrides variables already set in the environment.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func loadConfig(opts *Options) (*config.Config, error) {
	return config.NewManager(opts.ConfigPath).Load()
}

// withLedger opens the configured ledger for a one-shot command.
func withLedger(ctx context.Context, opts *Options, fn func(cfg *config.Config, l ledger.Ledger) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	l, err := app.OpenLedger(ctx, cfg, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer l.Close()
	err = fn(cfg, l)
	if ledger.IsRead(err) {
		return fmt.Errorf("%w (check the ledger section of %s)", err, opts.ConfigPath)
	}
	return err
}

// filters are the ledger query flags shared by stats and history.
type filters struct {
	repo  string
	kind  string
	since time.Duration
}

func addFilterFlags(fs *pflag.FlagSet, f *filters) {
	fs.StringVar(&f.repo, "repo", "", "only this repository (owner/name)")
	fs.StringVar(&f.kind, "kind", "", "only this kind (commit, issue, pull_request, release)")
	fs.DurationVar(&f.since, "since", 0, "only records newer than this, e.g. 72h")
}

func (f filters) parse(now time.Time) (entity string, kind update.Kind, since time.Time, err error) {
	if strings.TrimSpace(f.repo) != "" {
		if entity, err = subscription.ParseEntity(f.repo); err != nil {
			return "", "", time.Time{}, err
		}
	}
	if strings.TrimSpace(f.kind) != "" {
		if kind, err = update.ParseKind(f.kind); err != nil {
			return "", "", time.Time{}, err
		}
	}
	if f.since < 0 {
		return "", "", time.Time{}, fmt.Errorf("--since must be positive")
	}
	if f.since > 0 {
		since = now.Add(-f.since)
	}
	return entity, kind, since, nil
}
