package strategy

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"unicode"
	"unicode/utf8"
)

// Generic accepts anything. It is meant to be registered as the default so
// unknown types still complete with basic facts about the content.
type Generic struct{}

func (Generic) Name() string        { return "generic" }
func (Generic) Matches(string) bool { return false }

func (Generic) Process(_ context.Context, content []byte, meta Metadata) (*Result, error) {
	var text string
	if looksLikeText(content) {
		text = NormalizeText(string(content))
	}
	fields := mergeFields(ExtractFields(text), map[string]any{
		"size":          len(content),
		"sha256":        fmt.Sprintf("%x", sha256.Sum256(content)),
		"detected_type": http.DetectContentType(content),
	})
	return &Result{
		Text:           text,
		Fields:         fields,
		Classification: Classify(meta.Filename, text),
	}, nil
}

// looksLikeText reports whether b is valid UTF-8 with at most 5% control
// characters other than whitespace.
func looksLikeText(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	var control, total int
	for _, r := range string(b) {
		total++
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			control++
		}
	}
	return control*20 <= total
}
