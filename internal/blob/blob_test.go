package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/moto-dispatch/internal/models"
)

func TestUploadAndRemove(t *testing.T) {
	dir := t.TempDir()
	fs := NewFS(dir, "/blobs/")

	url, err := fs.Upload(context.Background(), "wallet", "d1-proof.jpg", strings.NewReader("jpeg bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if url != "/blobs/wallet/d1-proof.jpg" {
		t.Fatalf("url = %s", url)
	}
	b, err := os.ReadFile(filepath.Join(dir, "wallet", "d1-proof.jpg"))
	if err != nil || string(b) != "jpeg bytes" {
		t.Fatalf("stored %q, %v", b, err)
	}
	if err := fs.Remove(context.Background(), "wallet", "d1-proof.jpg"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(context.Background(), "wallet", "d1-proof.jpg"); err != nil {
		t.Fatalf("removing twice: %v", err)
	}
}

func TestUploadRejectsTraversal(t *testing.T) {
	fs := NewFS(t.TempDir(), "/blobs")
	for _, name := range []string{"..", "a/b", `a\b`, ""} {
		if _, err := fs.Upload(context.Background(), "wallet", name, strings.NewReader("x")); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("name %q: want ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestCheckImage(t *testing.T) {
	if err := CheckImage("image/png", 1024); err != nil {
		t.Fatal(err)
	}
	if err := CheckImage("application/pdf", 10); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("pdf accepted: %v", err)
	}
	if err := CheckImage("image/jpeg", MaxImageBytes+1); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("oversize accepted: %v", err)
	}
}
