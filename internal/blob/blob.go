// Package blob stores uploaded files (recharge proofs, profile photos) and
// hands back the public URL they are served from.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/example/moto-dispatch/internal/models"
)

// MaxImageBytes caps profile photo uploads.
const MaxImageBytes = 2 << 20

type Store interface {
	Upload(ctx context.Context, bucket, name string, r io.Reader) (string, error)
	Remove(ctx context.Context, bucket, name string) error
}

// CheckImage rejects anything that is not an image or exceeds MaxImageBytes.
func CheckImage(contentType string, size int64) error {
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("content type %q is not an image: %w", contentType, models.ErrInvalidInput)
	}
	if size > MaxImageBytes {
		return fmt.Errorf("image of %d bytes exceeds %d: %w", size, MaxImageBytes, models.ErrInvalidInput)
	}
	return nil
}

// FS keeps blobs under dir/bucket/name and serves them below baseURL.
type FS struct {
	dir     string
	baseURL string
}

func NewFS(dir, baseURL string) *FS {
	return &FS{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (f *FS) Dir() string { return f.dir }

func (f *FS) Upload(ctx context.Context, bucket, name string, r io.Reader) (string, error) {
	p, err := f.path(bucket, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", err
	}
	return f.baseURL + "/" + path.Join(url.PathEscape(bucket), url.PathEscape(name)), nil
}

func (f *FS) Remove(_ context.Context, bucket, name string) error {
	p, err := f.path(bucket, name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FS) path(bucket, name string) (string, error) {
	for _, part := range []string{bucket, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("blob path element %q: %w", part, models.ErrInvalidInput)
		}
	}
	return filepath.Join(f.dir, bucket, name), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
