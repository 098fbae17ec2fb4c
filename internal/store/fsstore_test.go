package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/SirClappington/modelq/internal/domain"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func TestFSPutGet(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	ctx := context.Background()

	if err := s.Put(ctx, "jobs/j-1/in/data.csv", strings.NewReader("a,b,c")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := s.Get(ctx, "jobs/j-1/in/data.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "a,b,c" {
		t.Errorf("Expected %q, got %q", "a,b,c", b)
	}
}

func TestFSOverwriteLastWriterWins(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	ctx := context.Background()

	key := "jobs/j-1/out/result"
	if err := s.Put(ctx, key, bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, key, bytes.NewReader([]byte("second"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "second" {
		t.Errorf("Expected last write to win, got %q", b)
	}
}

func TestFSGetMissing(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	_, err := s.Get(context.Background(), "jobs/nope/out/x")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFSList(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	ctx := context.Background()

	for _, key := range []string{
		"jobs/j-2/out/b",
		"jobs/j-1/in/a",
		"jobs/j-1/out/a",
		"other/x",
	} {
		if err := s.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := s.List(ctx, "jobs/j-1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"jobs/j-1/in/a", "jobs/j-1/out/a"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, keys)
			break
		}
	}
}

func TestFSDeleteIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	ctx := context.Background()

	if err := s.Put(ctx, "jobs/j-1/in/a", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "jobs/j-1/in/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "jobs/j-1/in/a"); err != nil {
		t.Errorf("Second delete should be a no-op, got %v", err)
	}
	if _, err := s.Get(ctx, "jobs/j-1/in/a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "jobs/../../etc/passwd", "/etc/passwd"} {
		if err := s.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}
}
