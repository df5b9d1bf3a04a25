package strategy

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// MaxTextBytes caps the extracted text stored on a document.
const MaxTextBytes = 1 << 20

// Classification labels.
const (
	ClassInvoice  = "invoice"
	ClassContract = "contract"
	ClassReceipt  = "receipt"
	ClassUnknown  = "unknown"
)

// Patterns compiled once at package init.
var (
	reWhitespace = regexp.MustCompile(`[ \t\f\v]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)

	reInvoiceNo = regexp.MustCompile(`(?i)\binvoice\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9/-]*\d[A-Z0-9/-]*)`)
	reISODate   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	reEUDate    = regexp.MustCompile(`\b\d{2}[./]\d{2}[./]\d{4}\b`)
	reTotal     = regexp.MustCompile(`(?i)\b(?:grand\s+)?total\b[^0-9\n]{0,20}(\d+(?:[ ,.]\d{3})*(?:[.,]\d{2})?)`)
	reCurrency  = regexp.MustCompile(`\b(EUR|USD|GBP|RON|CHF)\b|[€$£]`)
	reEmail     = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// classRules are checked in order; the first hit wins.
var classRules = []struct {
	class    string
	filename *regexp.Regexp
	text     *regexp.Regexp
}{
	{
		class:    ClassInvoice,
		filename: regexp.MustCompile(`(?i)invoice|factura`),
		text:     regexp.MustCompile(`(?i)\binvoice\b|\bbill to\b|\bamount due\b`),
	},
	{
		class:    ClassContract,
		filename: regexp.MustCompile(`(?i)contract`),
		text:     regexp.MustCompile(`(?i)\bagreement\b|\bcontract\b|\bhereinafter\b`),
	},
	{
		class:    ClassReceipt,
		filename: regexp.MustCompile(`(?i)receipt|\bbon\b`),
		text:     regexp.MustCompile(`(?i)\breceipt\b|thank you for your purchase`),
	},
}

var currencySymbols = map[string]string{"€": "EUR", "$": "USD", "£": "GBP"}

// Classify labels a document from its filename, falling back to its text.
func Classify(filename, text string) string {
	for _, r := range classRules {
		if r.filename.MatchString(filename) {
			return r.class
		}
	}
	for _, r := range classRules {
		if r.text.MatchString(text) {
			return r.class
		}
	}
	return ClassUnknown
}

// ExtractFields pulls well-known business fields out of text. Returns nil
// when nothing is recognised.
func ExtractFields(text string) map[string]any {
	fields := make(map[string]any)

	if m := reInvoiceNo.FindStringSubmatch(text); m != nil {
		fields["invoice_number"] = m[1]
	}
	if dates := uniqueMatches(text, reISODate, reEUDate); len(dates) > 0 {
		fields["dates"] = dates
	}
	if m := reTotal.FindStringSubmatch(text); m != nil {
		fields["total"] = m[1]
	}
	if m := reCurrency.FindStringSubmatch(text); m != nil {
		code := m[1]
		if code == "" {
			code = currencySymbols[m[0]]
		}
		fields["currency"] = code
	}
	if emails := uniqueMatches(text, reEmail); len(emails) > 0 {
		fields["emails"] = emails
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}

// NormalizeText collapses runs of horizontal whitespace and blank lines and
// caps the result at MaxTextBytes.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = reWhitespace.ReplaceAllString(text, " ")
	text = reBlankLines.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	return truncateString(text, MaxTextBytes)
}

func uniqueMatches(text string, res ...*regexp.Regexp) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range res {
		for _, m := range re.FindAllString(text, -1) {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
