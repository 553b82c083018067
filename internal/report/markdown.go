package report

import (
	"fmt"
	"strings"
	"time"

	"reposentinel/internal/update"
)

const dateLayout = "2006-01-02 15:04:05 MST"

// RenderMarkdown renders the report as markdown. Lines ending in two spaces
// are markdown hard breaks.
func (a *Assembler) RenderMarkdown(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	fmt.Fprintf(&b, "Generated at: %s  \n", a.date(r.GeneratedAt))
	if !r.Window.Since.IsZero() {
		fmt.Fprintf(&b, "Window: %s → %s  \n", a.date(r.Window.Since), a.date(r.Window.Until))
	}
	if len(r.Entities) > 0 {
		fmt.Fprintf(&b, "Repositories: %s\n", strings.Join(r.Entities, ", "))
	}
	b.WriteString("\n")

	if a.cfg.IncludeStats {
		b.WriteString("## Statistics\n\n")
		for _, s := range r.Sections {
			fmt.Fprintf(&b, "- %s: %d %s\n", s.Kind.Title(), s.Total, plural(s.Total, "update", "updates"))
		}
		b.WriteString("\n")
	}

	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n", s.Kind.Title())
		if len(s.Items) == 0 {
			fmt.Fprintf(&b, "_No new %s._\n\n", strings.ToLower(s.Kind.Title()))
			continue
		}
		for _, u := range s.Items {
			a.writeItem(&b, u)
		}
		if n := s.Omitted(); n > 0 {
			fmt.Fprintf(&b, "_…and %d more_\n\n", n)
		}
	}
	return b.String()
}

func (a *Assembler) writeItem(b *strings.Builder, u update.Update) {
	switch p := u.Payload.(type) {
	case update.CommitPayload:
		fmt.Fprintf(b, "### %s\n\n", orDash(u.Title))
		a.meta(b, u)
		fmt.Fprintf(b, "**Date:** %s  \n", a.date(u.CreatedAt))
		fmt.Fprintf(b, "**Hash:** %s\n\n", link(shortHash(u.ID), u.URL))
		if msg := strings.TrimSpace(p.Message); msg != "" {
			b.WriteString(CodeBlock(msg))
			b.WriteString("\n")
		}
	case update.PullRequestPayload:
		fmt.Fprintf(b, "### %s\n\n", link(orDash(u.Title), u.URL))
		status := "🔴 Closed"
		switch {
		case p.Merged:
			status = "🟢 Merged"
		case strings.EqualFold(p.State, "open"):
			status = "🟡 Open"
		}
		fmt.Fprintf(b, "**Status:** %s  \n", status)
		a.meta(b, u)
		a.dates(b, u)
		if p.HeadRef != "" || p.BaseRef != "" {
			fmt.Fprintf(b, "**Branch:** `%s` → `%s`\n", p.HeadRef, p.BaseRef)
		}
		b.WriteString("\n")
	case update.IssuePayload:
		fmt.Fprintf(b, "### %s\n\n", link(orDash(u.Title), u.URL))
		status := "🔴 Closed"
		if strings.EqualFold(p.State, "open") {
			status = "🟢 Open"
		}
		fmt.Fprintf(b, "**Status:** %s  \n", status)
		a.meta(b, u)
		a.dates(b, u)
		if len(p.Labels) > 0 {
			labels := make([]string, 0, len(p.Labels))
			for _, l := range p.Labels {
				labels = append(labels, "`"+l+"`")
			}
			fmt.Fprintf(b, "**Labels:** %s\n", strings.Join(labels, ", "))
		}
		b.WriteString("\n")
	case update.ReleasePayload:
		fmt.Fprintf(b, "### %s\n\n", link(orDash(u.Title), u.URL))
		fmt.Fprintf(b, "**Tag:** %s  \n", p.Tag)
		a.meta(b, u)
		fmt.Fprintf(b, "**Date:** %s  \n", a.date(u.CreatedAt))
		typ := "Release"
		if p.Prerelease {
			typ = "Pre-release"
		}
		fmt.Fprintf(b, "**Type:** %s\n\n", typ)
		if body := strings.TrimSpace(p.Body); body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
	default:
		fmt.Fprintf(b, "### %s\n\n", link(orDash(u.Title), u.URL))
		a.meta(b, u)
		b.WriteString("\n")
	}
}

func (a *Assembler) meta(b *strings.Builder, u update.Update) {
	if u.Entity != "" {
		fmt.Fprintf(b, "**Repository:** %s  \n", u.Entity)
	}
	fmt.Fprintf(b, "**Author:** %s  \n", orDash(u.Author))
}

func (a *Assembler) dates(b *strings.Builder, u update.Update) {
	fmt.Fprintf(b, "**Created:** %s  \n", a.date(u.CreatedAt))
	if !u.UpdatedAt.IsZero() {
		fmt.Fprintf(b, "**Updated:** %s  \n", a.date(u.UpdatedAt))
	}
}

func (a *Assembler) date(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(a.cfg.Location).Format(dateLayout)
}

func link(text, url string) string {
	text = strings.NewReplacer("[", `\[`, "]", `\]`).Replace(text)
	if url == "" {
		return text
	}
	return "[" + text + "](" + url + ")"
}

func shortHash(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}

// CodeBlock wraps s in a fenced block that s itself cannot terminate.
func CodeBlock(s string) string {
	f := fence(s)
	return f + "\n" + s + "\n" + f + "\n"
}

// fence returns a backtick fence longer than any backtick run in s.
func fence(s string) string {
	longest, run := 0, 0
	for _, r := range s {
		if r == '`' {
			run++
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return strings.Repeat("`", max(3, longest+1))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
