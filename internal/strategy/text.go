package strategy

import (
	"context"
	"strings"
	"unicode/utf8"
)

var matchTextTypes = MatchTypes("text/*", "application/json", "txt", "csv", "md", "json")

// Text handles plain-text formats.
type Text struct{}

func (Text) Name() string                { return "text" }
func (Text) Matches(docType string) bool { return matchTextTypes(docType) }

func (Text) Process(_ context.Context, content []byte, meta Metadata) (*Result, error) {
	raw := string(content)
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "�")
	}
	text := NormalizeText(raw)

	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	fields := mergeFields(ExtractFields(text), map[string]any{
		"line_count": lines,
		"word_count": len(strings.Fields(text)),
	})

	return &Result{
		Text:           text,
		Fields:         fields,
		Classification: Classify(meta.Filename, text),
	}, nil
}
