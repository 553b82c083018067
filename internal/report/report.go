// Package report groups a batch of updates by kind and renders it as
// markdown or HTML. Everything here is pure; the clock is injected.
package report

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"reposentinel/internal/update"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat accepts "markdown"/"md" and "html"; empty means markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

const (
	DefaultTitle    = "GitHub Repository Updates"
	DefaultMaxItems = 10
)

type Config struct {
	Title              string
	Sections           []update.Kind // order; kinds not listed follow in default order
	MaxItemsPerSection int
	IncludeStats       bool
	Format             Format
	Location           *time.Location // timestamps in the rendered text; nil means UTC
}

// Window is the time range a report covers.
type Window struct {
	Since time.Time
	Until time.Time
}

// Section is one kind's slice of the report. Items is already capped; Total
// counts everything that was assembled.
type Section struct {
	Kind  update.Kind
	Total int
	Items []update.Update
}

// Omitted is how many items the display cap hid.
func (s Section) Omitted() int { return s.Total - len(s.Items) }

type Report struct {
	Title       string
	GeneratedAt time.Time
	Window      Window
	Entities    []string
	Sections    []Section
	Total       int
}

// Empty reports whether no section has items.
func (r Report) Empty() bool { return r.Total == 0 }

// Count returns the number of assembled updates of kind.
func (r Report) Count(kind update.Kind) int {
	for _, s := range r.Sections {
		if s.Kind == kind {
			return s.Total
		}
	}
	return 0
}

type Assembler struct {
	cfg Config
	now func() time.Time
}

func NewAssembler(cfg Config) *Assembler {
	if strings.TrimSpace(cfg.Title) == "" {
		cfg.Title = DefaultTitle
	}
	if cfg.MaxItemsPerSection <= 0 {
		cfg.MaxItemsPerSection = DefaultMaxItems
	}
	if cfg.Format == "" {
		cfg.Format = FormatMarkdown
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.Sections = sectionOrder(cfg.Sections)
	return &Assembler{cfg: cfg, now: time.Now}
}

// Format is the configured output format.
func (a *Assembler) Format() Format { return a.cfg.Format }

func sectionOrder(configured []update.Kind) []update.Kind {
	out := make([]update.Kind, 0, len(update.Kinds))
	for _, k := range configured {
		if k.Valid() && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return slices.Clone(update.Kinds)
	}
	return out
}

// Assemble groups updates by kind in section order, newest first with ties
// broken by id. Every configured section is present even when empty; a kind
// outside the configured sections gets a trailing section only if it has
// updates.
func (a *Assembler) Assemble(updates []update.Update, w Window) Report {
	byKind := map[update.Kind][]update.Update{}
	entities := map[string]bool{}
	for _, u := range updates {
		byKind[u.Kind] = append(byKind[u.Kind], u)
		if u.Entity != "" {
			entities[u.Entity] = true
		}
	}

	order := slices.Clone(a.cfg.Sections)
	for _, k := range update.Kinds {
		if !slices.Contains(order, k) && len(byKind[k]) > 0 {
			order = append(order, k)
		}
	}

	r := Report{
		Title:       a.cfg.Title,
		GeneratedAt: a.now().UTC(),
		Window:      Window{Since: w.Since.UTC(), Until: w.Until.UTC()},
		Total:       len(updates),
	}
	for e := range entities {
		r.Entities = append(r.Entities, e)
	}
	sort.Strings(r.Entities)

	for _, k := range order {
		items := slices.Clone(byKind[k])
		sort.SliceStable(items, func(i, j int) bool {
			if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].CreatedAt.After(items[j].CreatedAt)
			}
			if items[i].ID != items[j].ID {
				return items[i].ID < items[j].ID
			}
			return items[i].Entity < items[j].Entity
		})
		total := len(items)
		if len(items) > a.cfg.MaxItemsPerSection {
			items = items[:a.cfg.MaxItemsPerSection]
		}
		r.Sections = append(r.Sections, Section{Kind: k, Total: total, Items: items})
	}
	return r
}

// Render renders r in the configured format.
func (a *Assembler) Render(r Report) (string, error) {
	switch a.cfg.Format {
	case FormatHTML:
		return a.RenderHTML(r)
	default:
		return a.RenderMarkdown(r), nil
	}
}
