package app

import (
	"context"
	"fmt"
	"time"

	"reposentinel/internal/config"
	"reposentinel/internal/report"
	"reposentinel/internal/source"
	"reposentinel/internal/subscription"
	"reposentinel/internal/summarize"
	"reposentinel/internal/update"
	logx "reposentinel/pkg/logx"
)

// PreviewRequest selects one repository for an on-demand report.
type PreviewRequest struct {
	Entity string

	// Kinds overrides what is fetched. Empty uses the subscription's kinds,
	// or default_track for a repository that is not subscribed.
	Kinds []update.Kind

	Lookback time.Duration // zero uses cycle.lookback
	Summary  bool
}

// Preview is an assembled report that was never delivered or committed.
type Preview struct {
	Report     report.Report
	Text       string // in the configured report format, or the summary
	Summarized bool
	Errors     []error // per-kind fetch failures
}

// RunPreview fetches one repository and renders a report. The ledger and the
// notification channels are not touched, so every update in the window is
// shown, delivered or not.
func RunPreview(ctx context.Context, cfg *config.Config, req PreviewRequest, log logx.Logger) (Preview, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "preview"))

	sub, err := previewTarget(cfg, req)
	if err != nil {
		return Preview{}, err
	}
	dcfg, err := driverConfig(cfg)
	if err != nil {
		return Preview{}, err
	}
	lookback := req.Lookback
	if lookback <= 0 {
		lookback = dcfg.Lookback
	}
	fetcher, err := buildFetcher(cfg, log)
	if err != nil {
		return Preview{}, err
	}
	asm, err := buildAssembler(cfg)
	if err != nil {
		return Preview{}, err
	}

	until := time.Now()
	w := report.Window{Since: until.Add(-lookback), Until: until}
	batch := fetcher.FetchAll(ctx, []source.Target{{Entity: sub.Entity, Kinds: sub.Kinds}}, w.Since)
	if err := ctx.Err(); err != nil {
		return Preview{}, err
	}
	var ups []update.Update
	for _, e := range batch.Entities {
		ups = append(ups, e.Updates...)
	}

	p := Preview{Report: asm.Assemble(ups, w), Errors: batch.Errors}
	if p.Text, err = asm.Render(p.Report); err != nil {
		return Preview{}, fmt.Errorf("render report: %w", err)
	}
	if !req.Summary || p.Report.Empty() {
		return p, nil
	}

	g, err := summarize.NewGemini(ctx, summarize.Config{APIKey: cfg.Summary.APIKey, Models: cfg.Summary.Models}, log)
	if err != nil {
		return Preview{}, fmt.Errorf("summary: %w", err)
	}
	if text, ok := summarize.Apply(ctx, g, asm.RenderMarkdown(p.Report), dcfg.SummaryTimeout, log); ok {
		p.Text, p.Summarized = text, true
	}
	return p, nil
}

func previewTarget(cfg *config.Config, req PreviewRequest) (subscription.Subscription, error) {
	entity, err := subscription.ParseEntity(req.Entity)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if len(req.Kinds) > 0 {
		return subscription.Subscription{Entity: entity, Kinds: req.Kinds}, nil
	}
	subs, err := cfg.Subscriptions.Build()
	if err != nil {
		return subscription.Subscription{}, err
	}
	store, err := subscription.NewStore(subs)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if sub, err := store.Get(entity); err == nil {
		return sub, nil
	}
	return subscription.New(entity, cfg.Subscriptions.DefaultTrack)
}
