// Package photo reads the locally captured coordinate photos.
package photo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoImage is returned for a coordinate without an image reference.
var ErrNoImage = errors.New("coordinate has no image")

// FileSource reads images from the local filesystem. Relative references
// resolve under Root.
type FileSource struct {
	Root string
}

// ReadImage returns the bytes behind ref, which is a plain path or a
// file:// URL.
func (s FileSource) ReadImage(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Resolve(ref)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image %q: %w", ref, err)
	}
	return b, nil
}

// Resolve maps an image reference to a filesystem path.
func (s FileSource) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNoImage
	}
	if strings.HasPrefix(ref, "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("parsing image reference %q: %w", ref, err)
		}
		ref = u.Path
	}
	if filepath.IsAbs(ref) || s.Root == "" {
		return filepath.Clean(ref), nil
	}
	return filepath.Join(s.Root, ref), nil
}
