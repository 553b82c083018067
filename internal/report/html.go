package report

import (
	"bytes"
	"html/template"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// The goldmark instance is safe to share; Convert keeps per-call state.
var (
	markdownOnce sync.Once
	markdownConv goldmark.Markdown
)

func converter() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownConv = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdownConv
}

// MarkdownToHTML converts a markdown fragment. Raw HTML in the input is
// dropped, so titles and bodies coming from the source cannot inject markup.
func MarkdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := converter().Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var pageTmpl = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif; max-width: 860px; margin: 2em auto; padding: 0 1em; color: #24292f; line-height: 1.5; }
h1 { border-bottom: 1px solid #d0d7de; padding-bottom: .3em; }
h2 { border-bottom: 1px solid #d8dee4; padding-bottom: .2em; margin-top: 1.6em; }
h3 { margin-bottom: .2em; }
code { background: #f6f8fa; padding: .1em .3em; border-radius: 4px; }
pre { background: #f6f8fa; padding: .8em; border-radius: 6px; overflow-x: auto; }
a { color: #0969da; text-decoration: none; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// RenderHTML renders the markdown form through goldmark and wraps it in a
// standalone page.
func (a *Assembler) RenderHTML(r Report) (string, error) {
	return HTMLPage(r.Title, a.RenderMarkdown(r))
}

// HTMLPage converts md and wraps it in a standalone page titled title.
func HTMLPage(title, md string) (string, error) {
	body, err := MarkdownToHTML(md)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = pageTmpl.Execute(&buf, struct {
		Title string
		Body  template.HTML
	}{Title: title, Body: template.HTML(body)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
