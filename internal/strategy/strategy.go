// Package strategy holds the pluggable document processors and the registry
// workers use to pick one per document type.
package strategy

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrUnsupportedContent is returned by a strategy whose input is not in the
// format it handles. Workers record it like any other processing failure.
var ErrUnsupportedContent = errors.New("unsupported content")

// Metadata describes the document a strategy is asked to process.
type Metadata struct {
	DocumentID uuid.UUID
	TenantID   uuid.UUID
	Filename   string
	FileType   string
	Size       int64
	Extra      map[string]any
}

// Result is what a strategy extracts from one document.
type Result struct {
	Text           string
	Fields         map[string]any
	Classification string
}

// Strategy processes documents of the types it matches. Implementations
// must be safe for concurrent use: every worker shares the same instance.
type Strategy interface {
	Name() string
	Matches(docType string) bool
	Process(ctx context.Context, content []byte, meta Metadata) (*Result, error)
}

// SchemaProvider is implemented by strategies that constrain the fields
// they produce. The schema is a JSON Schema document.
type SchemaProvider interface {
	FieldSchema() string
}

// ProcessFunc is the processing half of a Strategy.
type ProcessFunc func(ctx context.Context, content []byte, meta Metadata) (*Result, error)

type funcStrategy struct {
	name  string
	match func(string) bool
	fn    ProcessFunc
}

// New builds a Strategy from a name, a type predicate and a process function.
func New(name string, match func(docType string) bool, fn ProcessFunc) Strategy {
	return &funcStrategy{name: name, match: match, fn: fn}
}

func (s *funcStrategy) Name() string { return s.name }

func (s *funcStrategy) Matches(docType string) bool {
	return s.match != nil && s.match(docType)
}

func (s *funcStrategy) Process(ctx context.Context, content []byte, meta Metadata) (*Result, error) {
	return s.fn(ctx, content, meta)
}

// MatchTypes returns a predicate accepting any of types. Entries are MIME
// types ("application/pdf"), MIME wildcards ("text/*") or bare extensions
// ("pdf"). Comparison ignores case, a leading dot and MIME parameters.
func MatchTypes(types ...string) func(string) bool {
	want := make(map[string]bool, len(types))
	var prefixes []string
	for _, t := range types {
		t = normalizeType(t)
		if strings.HasSuffix(t, "/*") {
			prefixes = append(prefixes, strings.TrimSuffix(t, "*"))
			continue
		}
		want[t] = true
	}
	return func(docType string) bool {
		docType = normalizeType(docType)
		if want[docType] {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(docType, p) {
				return true
			}
		}
		return false
	}
}

// MatchAll accepts every document type.
func MatchAll(string) bool { return true }

func normalizeType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.TrimPrefix(t, ".")
}
