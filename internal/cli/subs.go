package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"reposentinel/internal/config"
	"reposentinel/internal/subscription"
	"reposentinel/internal/update"
)

// SubsCmd lists the subscriptions the config resolves to. Its subcommands
// edit the list in the config file; a running daemon reloads it.
func SubsCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subs",
		Short: "List watched repositories and what is tracked for each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			subs, err := cfg.Subscriptions.Build()
			if err != nil {
				return err
			}
			return printSubs(cmd.OutOrStdout(), subs)
		},
	}
	cmd.AddCommand(subsAddCmd(opts), subsRemoveCmd(opts), subsTrackCmd(opts))
	return cmd
}

func printSubs(out io.Writer, subs []subscription.Subscription) error {
	if len(subs) == 0 {
		fmt.Fprintln(out, "No repositories configured.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tTRACKS")
	for _, s := range subs {
		fmt.Fprintf(w, "%s\t%s\n", s.Entity, joinKinds(s.Kinds))
	}
	return w.Flush()
}

func joinKinds(kinds []update.Kind) string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return strings.Join(out, ", ")
}

func subsAddCmd(opts *Options) *cobra.Command {
	var track []string
	cmd := &cobra.Command{
		Use:   "add <owner/repo>",
		Short: "Start watching a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSubs(cmd.Context(), opts, func(e *subsEdit) error {
				kinds := track
				if len(kinds) == 0 {
					kinds = e.cfg.Subscriptions.DefaultTrack
				}
				sub, err := subscription.New(args[0], kinds)
				if err != nil {
					return err
				}
				if err := e.store.Add(sub); err != nil {
					return err
				}
				e.explicit[sub.Entity] = len(track) > 0
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s).\n", sub.Entity, joinKinds(sub.Kinds))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&track, "track", "t", nil, "kinds to track (commits, issues, pull_requests, releases); default_track when unset")
	return cmd
}

func subsRemoveCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <owner/repo>",
		Aliases: []string{"rm"},
		Short:   "Stop watching a repository",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editSubs(cmd.Context(), opts, func(e *subsEdit) error {
				entity, err := subscription.ParseEntity(args[0])
				if err != nil {
					return err
				}
				if err := e.store.Remove(entity); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", entity)
				return nil
			})
		},
	}
}

func subsTrackCmd(opts *Options) *cobra.Command {
	var track []string
	cmd := &cobra.Command{
		Use:   "track <owner/repo>",
		Short: "Replace what is tracked for a watched repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := update.ParseKinds(track)
			if err != nil {
				return err
			}
			if len(kinds) == 0 {
				return errors.New("--track needs at least one kind")
			}
			return editSubs(cmd.Context(), opts, func(e *subsEdit) error {
				entity, err := subscription.ParseEntity(args[0])
				if err != nil {
					return err
				}
				before, err := e.store.Get(entity)
				if err != nil {
					return err
				}
				if err := e.store.Update(entity, kinds); err != nil {
					return err
				}
				e.explicit[entity] = true
				after := subscription.Subscription{Entity: entity, Kinds: kinds}
				var added, dropped []update.Kind
				for _, k := range update.Kinds {
					switch {
					case after.Tracks(k) && !before.Tracks(k):
						added = append(added, k)
					case before.Tracks(k) && !after.Tracks(k):
						dropped = append(dropped, k)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now tracks %s", entity, joinKinds(kinds))
				if len(added) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "; added %s", joinKinds(added))
				}
				if len(dropped) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "; dropped %s", joinKinds(dropped))
				}
				fmt.Fprintln(cmd.OutOrStdout(), ".")
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&track, "track", "t", nil, "kinds to track (commits, issues, pull_requests, releases)")
	_ = cmd.MarkFlagRequired("track")
	return cmd
}

// subsEdit is the config's subscription list loaded into a store. explicit
// marks entities that carry their own track list in the file.
type subsEdit struct {
	cfg      *config.Config
	store    *subscription.Store
	explicit map[string]bool
}

// editSubs applies fn to the configured subscriptions and writes the result
// back to the config file.
func editSubs(ctx context.Context, opts *Options, fn func(e *subsEdit) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	subs, err := cfg.Subscriptions.Build()
	if err != nil {
		return err
	}
	store, err := subscription.NewStore(subs)
	if err != nil {
		return err
	}
	e := &subsEdit{cfg: cfg, store: store, explicit: map[string]bool{}}
	for _, r := range cfg.Subscriptions.Repositories {
		if entity, err := subscription.ParseEntity(r.Repo); err == nil {
			e.explicit[entity] = len(r.Track) > 0
		}
	}
	if err := fn(e); err != nil {
		return err
	}

	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	repos := make([]config.RepositoryConfig, 0, len(list))
	for _, s := range list {
		r := config.RepositoryConfig{Repo: s.Entity}
		if e.explicit[s.Entity] {
			for _, k := range s.Kinds {
				r.Track = append(r.Track, string(k))
			}
		}
		repos = append(repos, r)
	}
	return config.SetRepositories(opts.ConfigPath, repos)
}
