package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher reads blobs from a directory tree. References are resolved
// under root and cannot escape it, by ".." or through a symlink.
type FileFetcher struct {
	root     string
	maxBytes int64
}

// NewFileFetcher creates a FileFetcher rooted at root.
func NewFileFetcher(root string, maxBytes int64) *FileFetcher {
	return &FileFetcher{root: root, maxBytes: maxBytes}
}

func (f *FileFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	rel, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(f.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer root.Close()

	// Open through the root so symlinks pointing outside it are refused.
	file, err := root.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, ref, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, ref)
	}

	return readLimited(file, f.maxBytes)
}

func (f *FileFetcher) resolve(ref string) (string, error) {
	p := ref
	if strings.HasPrefix(strings.ToLower(ref), "file:") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("parse blob reference: %w", err)
		}
		p = u.Path
	}
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	// Cleaning against "/" drops any leading "..".
	rel := strings.TrimPrefix(filepath.Clean("/"+filepath.ToSlash(p)), "/")
	if rel == "" {
		rel = "."
	}
	return filepath.FromSlash(rel), nil
}

// Compile-time check that FileFetcher implements Fetcher.
var _ Fetcher = (*FileFetcher)(nil)
