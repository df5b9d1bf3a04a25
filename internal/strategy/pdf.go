package strategy

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

const businessFieldProps = `
	"invoice_number": {"type": "string"},
	"dates": {"type": "array", "items": {"type": "string"}},
	"total": {"type": "string"},
	"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
	"emails": {"type": "array", "items": {"type": "string"}}`

const pdfSchema = `{
	"type": "object",
	"properties": {
	"page_count": {"type": "integer", "minimum": 0},` + businessFieldProps + `
	},
	"required": ["page_count"]
}`

var matchPDFTypes = MatchTypes("application/pdf", "pdf")

// PDF extracts the text layer of a PDF, page by page. Font encodings and
// ToUnicode maps are honoured; scanned pages yield no text.
type PDF struct{}

func (PDF) Name() string                { return "pdf" }
func (PDF) Matches(docType string) bool { return matchPDFTypes(docType) }
func (PDF) FieldSchema() string         { return pdfSchema }

func (PDF) Process(ctx context.Context, content []byte, meta Metadata) (*Result, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(content, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing PDF header", ErrUnsupportedContent)
	}

	raw, pages, err := pdfText(ctx, content)
	if err != nil {
		return nil, err
	}

	text := NormalizeText(raw)
	fields := mergeFields(ExtractFields(text), map[string]any{
		"page_count": pages,
	})

	return &Result{
		Text:           text,
		Fields:         fields,
		Classification: Classify(meta.Filename, text),
	}, nil
}

// pdfText returns the text of every page and the page count. The reader
// panics on some malformed inputs; those are reported as unsupported content.
func pdfText(ctx context.Context, content []byte) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed PDF: %v", ErrUnsupportedContent, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnsupportedContent, err)
	}

	pages = r.NumPage()
	fonts := make(map[string]*pdf.Font)
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		for _, name := range p.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := p.Font(name)
				fonts[name] = &f
			}
		}
		pageText, err := p.GetPlainText(fonts)
		if err != nil {
			return "", 0, fmt.Errorf("%w: page %d: %v", ErrUnsupportedContent, i, err)
		}
		sb.WriteString(pageText)
		sb.WriteByte('\n')
	}
	return sb.String(), pages, nil
}

func mergeFields(base, extra map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
