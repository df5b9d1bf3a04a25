// Package blob fetches document content by reference.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/kiranshivaraju/docworker/internal/config"
)

// Sentinel errors for content fetch failures.
var (
	ErrNotFound          = errors.New("blob not found")
	ErrUnreachable       = errors.New("blob store unreachable")
	ErrTimeout           = errors.New("blob fetch timeout")
	ErrTooLarge          = errors.New("blob exceeds size limit")
	ErrUnsupportedScheme = errors.New("unsupported blob reference scheme")
)

// Fetcher returns the full content behind a document's blob reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Router dispatches a reference to the fetcher registered for its scheme.
// References without a scheme are treated as file paths.
type Router struct {
	schemes map[string]Fetcher
}

// NewRouter wires file:// (and bare paths) and http(s):// fetchers from cfg.
func NewRouter(cfg config.BlobConfig) *Router {
	file := NewFileFetcher(cfg.RootDir, cfg.MaxBytes)
	web := NewHTTPFetcher(cfg.HTTPTimeout, cfg.MaxBytes)
	return &Router{schemes: map[string]Fetcher{
		"":      file,
		"file":  file,
		"http":  web,
		"https": web,
	}}
}

// Handle registers f for scheme, replacing any existing fetcher.
func (r *Router) Handle(scheme string, f Fetcher) {
	r.schemes[strings.ToLower(scheme)] = f
}

func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	scheme := ""
	if u, err := url.Parse(ref); err == nil && len(u.Scheme) > 1 {
		// Single-letter schemes are Windows drive letters.
		scheme = strings.ToLower(u.Scheme)
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f.Fetch(ctx, ref)
}

// readLimited reads at most limit bytes from r, failing with ErrTooLarge
// when more are available.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return b, nil
}

// Compile-time check that Router implements Fetcher.
var _ Fetcher = (*Router)(nil)
