package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend writes objects below a directory that is served at PublicURL.
type LocalBackend struct {
	root      string
	publicURL string
}

func NewLocalBackend(root, publicURL string) (*LocalBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("media: local directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: create %s: %w", root, err)
	}
	return &LocalBackend{root: root, publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/")}, nil
}

// Root returns the directory objects are written to.
func (b *LocalBackend) Root() string {
	return b.root
}

func (b *LocalBackend) Put(ctx context.Context, key, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(b.root, filepath.FromSlash(key))
	if !strings.HasPrefix(target, filepath.Clean(b.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("media: key %q escapes the media directory", key)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	temporary := target + ".part"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(temporary, target); err != nil {
		_ = os.Remove(temporary)
		return "", err
	}
	return b.publicURL + "/" + key, nil
}
