package strategy

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

var matchImageTypes = MatchTypes("image/jpeg", "image/png", "image/gif", "jpg", "jpeg", "png", "gif")

// Image records dimensions and format. There is no OCR, so Text stays empty
// and classification relies on the filename.
type Image struct{}

func (Image) Name() string                { return "image" }
func (Image) Matches(docType string) bool { return matchImageTypes(docType) }

func (Image) Process(_ context.Context, content []byte, meta Metadata) (*Result, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrUnsupportedContent, err)
	}
	return &Result{
		Fields: map[string]any{
			"width":  cfg.Width,
			"height": cfg.Height,
			"format": format,
		},
		Classification: Classify(meta.Filename, ""),
	}, nil
}
