package strategy_test

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/kiranshivaraju/docworker/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

// assemblePDF numbers objects from 1 (the catalog) and writes a matching
// xref table and trailer.
func assemblePDF(objects ...string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func streamObject(t *testing.T, data []byte, compress bool) string {
	t.Helper()
	if !compress {
		return fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(data), data)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return fmt.Sprintf("<< /Length %d /Filter /FlateDecode >>\nstream\n%s\nendstream", buf.Len(), buf.Bytes())
}

// buildPDF assembles a PDF with one page per content stream, all sharing
// font F1 (the given font object).
func buildPDF(t *testing.T, compress bool, font string, extra []string, streams ...string) []byte {
	t.Helper()
	const firstPage = 4
	objects := []string{"<< /Type /Catalog /Pages 2 0 R >>", "", font}
	var kids []string
	for i, stream := range streams {
		pageObj := firstPage + 2*i
		kids = append(kids, fmt.Sprintf("%d 0 R", pageObj))
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", pageObj+1),
			streamObject(t, []byte(stream), compress),
		)
	}
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(streams))
	return assemblePDF(append(objects, extra...)...)
}

const helvetica = "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>"

func textPDF(t *testing.T, text string, compress bool) []byte {
	t.Helper()
	return buildPDF(t, compress, helvetica, nil, "BT /F1 12 Tf 72 712 Td ("+text+") Tj ET")
}

func TestPDF_ExtractsPlainAndFlateStreams(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			content := textPDF(t, `Invoice INV-2024-001 Total: 120.50 EUR`, compress)

			res, err := strategy.PDF{}.Process(context.Background(), content, strategy.Metadata{Filename: "scan.pdf"})
			require.NoError(t, err)

			assert.Equal(t, "Invoice INV-2024-001 Total: 120.50 EUR", res.Text)
			assert.Equal(t, strategy.ClassInvoice, res.Classification)
			assert.Equal(t, 1, res.Fields["page_count"])
			assert.Equal(t, "INV-2024-001", res.Fields["invoice_number"])
			assert.Equal(t, "120.50", res.Fields["total"])
			assert.Equal(t, "EUR", res.Fields["currency"])
		})
	}
}

func TestPDF_IdentityEncodedFontUsesToUnicode(t *testing.T) {
	cmap := `/CIDInit /ProcSet findresource begin
12 dict begin
begincmap
/CMapName /Adobe-Identity-UCS def
/CMapType 2 def
1 begincodespacerange
<0000> <FFFF>
endcodespacerange
3 beginbfchar
<0001> <0048>
<0002> <0069>
<0003> <0021>
endbfchar
endcmap
CMapName currentdict /CMap defineresource pop
end
end`
	type0 := "<< /Type /Font /Subtype /Type0 /BaseFont /Embedded /Encoding /Identity-H /DescendantFonts [6 0 R] /ToUnicode 7 0 R >>"
	cidFont := "<< /Type /Font /Subtype /CIDFontType2 /BaseFont /Embedded /CIDSystemInfo << /Registry (Adobe) /Ordering (Identity) /Supplement 0 >> >>"
	content := buildPDF(t, true, type0,
		[]string{cidFont, streamObject(t, []byte(cmap), false)},
		"BT /F1 12 Tf 72 712 Td <000100020003> Tj ET")

	res, err := strategy.PDF{}.Process(context.Background(), content, strategy.Metadata{Filename: "modern.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "Hi!", res.Text)
}

func TestPDF_CountsPages(t *testing.T) {
	content := buildPDF(t, true, helvetica, nil,
		"BT /F1 12 Tf 72 712 Td (Contract between the parties) Tj ET",
		"BT /F1 12 Tf 72 712 Td (Signed 2024-03-01) Tj ET",
	)

	res, err := strategy.PDF{}.Process(context.Background(), content, strategy.Metadata{Filename: "agreement.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fields["page_count"])
	assert.Contains(t, res.Text, "Contract between the parties")
	assert.Contains(t, res.Text, "Signed 2024-03-01")
}

func TestPDF_CorruptBodyIsUnsupported(t *testing.T) {
	_, err := strategy.PDF{}.Process(context.Background(), []byte("%PDF-1.4\ngarbage\n%%EOF\n"), strategy.Metadata{})
	assert.ErrorIs(t, err, strategy.ErrUnsupportedContent)
}

func TestPDF_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := strategy.PDF{}.Process(ctx, textPDF(t, "hello", false), strategy.Metadata{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPDF_EscapedLiteral(t *testing.T) {
	content := textPDF(t, `Terms \(see annex\) apply\051`, false)

	res, err := strategy.PDF{}.Process(context.Background(), content, strategy.Metadata{Filename: "doc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "Terms (see annex) apply)", res.Text)
}

func TestPDF_RejectsNonPDF(t *testing.T) {
	_, err := strategy.PDF{}.Process(context.Background(), []byte("hello"), strategy.Metadata{})
	assert.ErrorIs(t, err, strategy.ErrUnsupportedContent)
}

func TestPDF_Matches(t *testing.T) {
	assert.True(t, strategy.PDF{}.Matches("application/pdf"))
	assert.True(t, strategy.PDF{}.Matches("pdf"))
	assert.False(t, strategy.PDF{}.Matches("image/png"))
}

func TestSpreadsheet_FlattensSheets(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Invoice"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "INV-77"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Total"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "99.00"))
	_, err := f.NewSheet("Notes")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Notes", "A1", "paid"))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := strategy.Spreadsheet{}.Process(context.Background(), buf.Bytes(), strategy.Metadata{Filename: "book.xlsx"})
	require.NoError(t, err)

	assert.Contains(t, res.Text, "# Sheet1\nInvoice\tINV-77\nTotal\t99.00")
	assert.Contains(t, res.Text, "# Notes\npaid")
	assert.Equal(t, []string{"Sheet1", "Notes"}, res.Fields["sheets"])
	assert.Equal(t, 2, res.Fields["sheet_count"])
	assert.Equal(t, 3, res.Fields["row_count"])
	assert.Equal(t, "INV-77", res.Fields["invoice_number"])
	assert.Equal(t, strategy.ClassInvoice, res.Classification)
}

func TestSpreadsheet_RejectsGarbage(t *testing.T) {
	_, err := strategy.Spreadsheet{}.Process(context.Background(), []byte("not a zip"), strategy.Metadata{})
	assert.ErrorIs(t, err, strategy.ErrUnsupportedContent)
}

func TestText_CountsAndClassifies(t *testing.T) {
	content := []byte("SERVICE AGREEMENT\r\n\r\n\r\n\r\nSigned on 2024-03-01 by  ops@example.com\n")

	res, err := strategy.Text{}.Process(context.Background(), content, strategy.Metadata{Filename: "notes.txt"})
	require.NoError(t, err)

	assert.Equal(t, "SERVICE AGREEMENT\n\nSigned on 2024-03-01 by ops@example.com", res.Text)
	assert.Equal(t, 3, res.Fields["line_count"])
	assert.Equal(t, 7, res.Fields["word_count"])
	assert.Equal(t, []string{"2024-03-01"}, res.Fields["dates"])
	assert.Equal(t, []string{"ops@example.com"}, res.Fields["emails"])
	assert.Equal(t, strategy.ClassContract, res.Classification)
}

func TestText_InvalidUTF8IsRepaired(t *testing.T) {
	res, err := strategy.Text{}.Process(context.Background(), []byte("ok \xff done"), strategy.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "ok � done", res.Text)
}

func TestImage_Dimensions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 3, 2))))

	res, err := strategy.Image{}.Process(context.Background(), buf.Bytes(), strategy.Metadata{Filename: "receipt-0412.png"})
	require.NoError(t, err)

	assert.Empty(t, res.Text)
	assert.Equal(t, 3, res.Fields["width"])
	assert.Equal(t, 2, res.Fields["height"])
	assert.Equal(t, "png", res.Fields["format"])
	assert.Equal(t, strategy.ClassReceipt, res.Classification)
}

func TestImage_RejectsGarbage(t *testing.T) {
	_, err := strategy.Image{}.Process(context.Background(), []byte("nope"), strategy.Metadata{})
	assert.ErrorIs(t, err, strategy.ErrUnsupportedContent)
}

func TestGeneric_TextAndBinary(t *testing.T) {
	res, err := strategy.Generic{}.Process(context.Background(), []byte("plain words"), strategy.Metadata{Filename: "x.bin"})
	require.NoError(t, err)
	assert.Equal(t, "plain words", res.Text)
	assert.Equal(t, 11, res.Fields["size"])
	assert.Len(t, res.Fields["sha256"], 64)
	assert.Equal(t, strategy.ClassUnknown, res.Classification)

	res, err = strategy.Generic{}.Process(context.Background(), []byte{0x00, 0x01, 0x02, 0xff}, strategy.Metadata{})
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Equal(t, "application/octet-stream", res.Fields["detected_type"])
}

func TestBuiltin_Unknown(t *testing.T) {
	_, err := strategy.Builtin("ocr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown strategy "ocr"`)
}

func TestNewDefaultRegistry(t *testing.T) {
	r, err := strategy.NewDefaultRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{"pdf", "spreadsheet", "image", "text", "generic"}, r.List())

	tests := map[string]string{
		"application/pdf": "pdf",
		"xlsx":            "spreadsheet",
		"image/jpeg":      "image",
		"text/csv":        "text",
		"application/zip": "generic",
		"":                "generic",
	}
	for docType, want := range tests {
		s, ok := r.Resolve(docType)
		require.True(t, ok, docType)
		assert.Equal(t, want, s.Name(), docType)
	}
}

func TestNewDefaultRegistry_PDFResultPassesSchema(t *testing.T) {
	r, err := strategy.NewDefaultRegistry()
	require.NoError(t, err)

	res, err := strategy.PDF{}.Process(context.Background(), textPDF(t, "hello", true), strategy.Metadata{})
	require.NoError(t, err)
	assert.NoError(t, r.Validate("pdf", res.Fields))

	assert.ErrorIs(t, r.Validate("pdf", map[string]any{"currency": "euro"}), strategy.ErrInvalidFields)
}
