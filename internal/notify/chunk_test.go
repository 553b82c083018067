package notify

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "fits", text: "a\nb\n", limit: 10, want: []string{"a\nb\n"}},
		{name: "disabled", text: "aaaa\nbbbb\n", limit: 0, want: []string{"aaaa\nbbbb\n"}},
		{name: "line boundaries", text: "aaa\nbbb\nccc\n", limit: 8, want: []string{"aaa\nbbb\n", "ccc\n"}},
		{name: "no trailing newline", text: "aaa\nbbb\nccc", limit: 8, want: []string{"aaa\nbbb\n", "ccc"}},
		{name: "oversized line", text: "a\nbbbbbbbbbb\nc\n", limit: 4, want: []string{"a\n", "bbbbbbbbbb\n", "c\n"}},
		{name: "runes not bytes", text: "ééé\nààà\n", limit: 4, want: []string{"ééé\n", "ààà\n"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Chunk(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("Chunk = %q, want %q", got, tt.want)
			}
			if strings.Join(got, "") != tt.text {
				t.Fatal("parts do not reassemble the text")
			}
		})
	}
}

func TestChunkLargeReport(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString(strings.Repeat("x", i%37))
		b.WriteString("\n")
	}
	text := b.String()
	parts := Chunk(text, 300)
	if len(parts) < 2 {
		t.Fatalf("parts = %d", len(parts))
	}
	for i, p := range parts {
		if utf8.RuneCountInString(p) > 300 {
			t.Fatalf("part %d has %d runes", i, utf8.RuneCountInString(p))
		}
		if i < len(parts)-1 && !strings.HasSuffix(p, "\n") {
			t.Fatalf("part %d does not end on a line boundary", i)
		}
	}
	if strings.Join(parts, "") != text {
		t.Fatal("parts do not reassemble the text")
	}
}

func TestFitHardSplitsLongLines(t *testing.T) {
	t.Parallel()
	text := "ok\n" + strings.Repeat("ü", 10) + "\n"
	parts := fit(text, 4)
	for i, p := range parts {
		if n := utf8.RuneCountInString(p); n > 4 {
			t.Fatalf("part %d has %d runes", i, n)
		}
		if !utf8.ValidString(p) {
			t.Fatalf("part %d split a rune", i)
		}
	}
	if strings.Join(parts, "") != text {
		t.Fatal("parts do not reassemble the text")
	}
}
