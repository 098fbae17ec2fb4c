package retrieve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/SirClappington/modelq/internal/domain"
	"github.com/SirClappington/modelq/internal/store"
)

func newTestRetriever(t *testing.T) (*Retriever, *store.FS) {
	t.Helper()
	st, err := store.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return New(st, zap.NewNop()), st
}

func TestDownload(t *testing.T) {
	t.Parallel()
	r, st := newTestRetriever(t)
	ctx := context.Background()

	if err := st.Put(ctx, "jobs/j-1/out/result", strings.NewReader("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "deep", "nested", "result")
	if err := r.Download(ctx, "jobs/j-1/out/result", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "payload" {
		t.Errorf("Expected %q, got %q", "payload", b)
	}
}

func TestDownloadMissingKey(t *testing.T) {
	t.Parallel()
	r, _ := newTestRetriever(t)
	dest := filepath.Join(t.TempDir(), "x")
	err := r.Download(context.Background(), "jobs/none/out/x", dest)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(dest); err == nil {
		t.Error("Failed download left a local file behind")
	}
}

func TestDownloadAll(t *testing.T) {
	t.Parallel()
	r, st := newTestRetriever(t)
	ctx := context.Background()

	for key, body := range map[string]string{
		"jobs/j-1/out/a":         "a",
		"jobs/j-1/out/sub/b":     "b",
		"jobs/j-1/log/stdout":    "log",
		"jobs/j-2/out/unrelated": "z",
	} {
		if err := st.Put(ctx, key, strings.NewReader(body)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	dest := t.TempDir()
	fetched, err := r.DownloadAll(ctx, "jobs/j-1/", dest, false)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	if len(fetched) != 3 {
		t.Errorf("Expected 3 files, got %v", fetched)
	}
	b, err := os.ReadFile(filepath.Join(dest, "out", "sub", "b"))
	if err != nil || string(b) != "b" {
		t.Errorf("Nested file wrong: %q %v", b, err)
	}
}

func TestDownloadAllSkipsExisting(t *testing.T) {
	t.Parallel()
	r, st := newTestRetriever(t)
	ctx := context.Background()

	if err := st.Put(ctx, "jobs/j-1/out/a", strings.NewReader("remote")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dest := t.TempDir()
	local := filepath.Join(dest, "out", "a")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(local, []byte("local"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fetched, err := r.DownloadAll(ctx, "jobs/j-1/", dest, false)
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	if len(fetched) != 0 {
		t.Errorf("Expected 0 fetched, got %v", fetched)
	}
	if b, _ := os.ReadFile(local); string(b) != "local" {
		t.Errorf("Existing file was overwritten: %q", b)
	}

	fetched, err = r.DownloadAll(ctx, "jobs/j-1/", dest, true)
	if err != nil {
		t.Fatalf("DownloadAll overwrite: %v", err)
	}
	if len(fetched) != 1 {
		t.Errorf("Expected 1 fetched with overwrite, got %v", fetched)
	}
	if b, _ := os.ReadFile(local); string(b) != "remote" {
		t.Errorf("Expected overwrite, got %q", b)
	}
}
