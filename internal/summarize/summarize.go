// Package summarize rewrites a rendered report into a short narrative with
// Gemini. Summaries are optional: any failure leaves the report untouched.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	logx "reposentinel/pkg/logx"
)

var ErrNoCandidates = errors.New("model returned no text")

// Summarizer turns a markdown report into a markdown summary.
type Summarizer interface {
	Summarize(ctx context.Context, report string) (string, error)
}

const systemPrompt = `You are a technical project manager writing the daily status report for a set of GitHub repositories.
Rewrite the provided update list into a concise but complete report in Markdown with these sections:
1. Title and basic information (date, repositories)
2. Overview (short statistics)
3. Key updates (the important pull requests, issues and releases)
4. Problems and risks, if any
5. Suggested next steps
Use a formal tone, keep every link from the input, and do not invent updates.`

var DefaultModels = []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}

type Config struct {
	APIKey string
	// Models are tried in order; the next one is used when a model is rate
	// limited, exhausted or missing.
	Models      []string
	Temperature float32
	// MaxInputRunes truncates very large reports before sending.
	MaxInputRunes int
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Gemini struct {
	gen    generator
	models []string
	cfg    Config
	log    logx.Logger
}

var _ Summarizer = (*Gemini)(nil)

func NewGemini(ctx context.Context, cfg Config, log logx.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, err
	}
	return newGemini(client.Models, cfg, log), nil
}

func newGemini(gen generator, cfg Config, log logx.Logger) *Gemini {
	if log.IsZero() {
		log = logx.Nop()
	}
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxInputRunes <= 0 {
		cfg.MaxInputRunes = 60000
	}
	return &Gemini{gen: gen, models: models, cfg: cfg, log: log.With(logx.String("comp", "summarize"))}
}

func (g *Gemini) Summarize(ctx context.Context, report string) (string, error) {
	input := report
	if r := []rune(input); len(r) > g.cfg.MaxInputRunes {
		input = string(r[:g.cfg.MaxInputRunes])
	}
	temp := g.cfg.Temperature
	conf := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       &temp,
	}
	prompt := "Write the report for the following GitHub updates:\n\n" + input

	var lastErr error
	for _, model := range g.models {
		resp, err := g.gen.GenerateContent(ctx, model, genai.Text(prompt), conf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if fallThrough(err) {
				g.log.Debug("model unavailable, trying next", logx.String("model", model), logx.Err(err))
				lastErr = err
				continue
			}
			return "", fmt.Errorf("%s: %w", model, err)
		}
		text := responseText(resp)
		if text == "" {
			lastErr = fmt.Errorf("%s: %w", model, ErrNoCandidates)
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("all models failed: %w", lastErr)
}

// fallThrough reports errors that another model may not share.
func fallThrough(err error) bool {
	s := strings.ToLower(err.Error())
	for _, needle := range []string{"429", "rate limit", "exhausted", "404", "not found"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// Apply returns the summary of text, or text itself when s is nil, fails or
// runs past timeout.
func Apply(ctx context.Context, s Summarizer, text string, timeout time.Duration, log logx.Logger) (string, bool) {
	if s == nil {
		return text, false
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := s.Summarize(ctx, text)
	if err != nil || strings.TrimSpace(out) == "" {
		if !log.IsZero() {
			log.Warn("summary skipped, sending full report", logx.Err(err))
		}
		return text, false
	}
	return out, true
}
