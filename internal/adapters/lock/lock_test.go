package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/udifuchs/blue-backup/internal/usecase"
)

func TestAdapterAcquireAndRelease(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.lock")
	a := New()

	h, err := a.TryAcquire(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
}

func TestAdapterContention(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.lock")
	a := New()

	h, err := a.TryAcquire(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = h.Release() }()

	_, err = a.TryAcquire(context.Background(), path)
	if err == nil {
		t.Fatal("expected contention error")
	}
	want := "Failed locking " + path + ": [Errno 11] Resource temporarily unavailable"
	if err.Error() != want+": lock busy" {
		t.Fatalf("got %q, want prefix %q", err.Error(), want)
	}
	if !errors.Is(err, usecase.ErrLockBusy) {
		t.Fatal("expected errors.Is ErrLockBusy")
	}
}

func TestAdapterPermissionErrorPropagatesUntouched(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("skip permission test running as root")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.Chmod(path, 0); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = os.Chmod(path, 0o644) }()

	a := New()
	_, err := a.TryAcquire(context.Background(), path)
	if err == nil {
		t.Fatal("expected permission error")
	}
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected *os.PathError, got %T: %v", err, err)
	}
}
