package shard

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSQLiteShard(t *testing.T) *SQLiteShard {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard-a.db")
	s, err := NewSQLiteShard(path, "", 64<<20)
	if err != nil {
		t.Fatalf("NewSQLiteShard failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLitePutAndOpen(t *testing.T) {
	s := newTestSQLiteShard(t)
	ctx := context.Background()

	content := "blob in a table"
	written, err := s.Put(ctx, "obj-1", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("written = %d, want %d", written, len(content))
	}

	reader, size, err := s.Open(ctx, "obj-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()

	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", string(data), content)
	}
}

func TestSQLitePutOverwrites(t *testing.T) {
	s := newTestSQLiteShard(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "obj-1", strings.NewReader("first"), 5); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, "obj-1", strings.NewReader("second!"), 7); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	reader, _, err := s.Open(ctx, "obj-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reader.Close()
	data, _ := io.ReadAll(reader)
	if string(data) != "second!" {
		t.Errorf("data = %q, want %q", string(data), "second!")
	}

	// The overwritten row counts once.
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.UsedBytes != 7 {
		t.Errorf("UsedBytes = %d, want 7", stats.UsedBytes)
	}
}

func TestSQLiteOpenMissing(t *testing.T) {
	s := newTestSQLiteShard(t)

	_, _, err := s.Open(context.Background(), "absent")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := newTestSQLiteShard(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "obj-1", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(ctx, "obj-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err := s.Exists(ctx, "obj-1")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("object should be gone after Delete")
	}

	if err := s.Delete(ctx, "obj-1"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("deleting a missing object: expected ErrObjectNotFound, got %v", err)
	}
}

func TestSQLiteStats(t *testing.T) {
	s := newTestSQLiteShard(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.UsedBytes != 0 {
		t.Errorf("UsedBytes = %d for an empty shard", stats.UsedBytes)
	}

	if _, err := s.Put(ctx, "obj-1", strings.NewReader("abc"), 3); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, "obj-2", strings.NewReader("defgh"), 5); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	stats, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.UsedBytes != 8 {
		t.Errorf("UsedBytes = %d, want 8", stats.UsedBytes)
	}
	if stats.CapacityBytes != 64<<20 {
		t.Errorf("CapacityBytes = %d, want %d", stats.CapacityBytes, 64<<20)
	}
}

func TestSQLiteNameDefaultsToFileName(t *testing.T) {
	s := newTestSQLiteShard(t)
	if s.Name() != "shard-a" {
		t.Errorf("Name() = %q, want %q", s.Name(), "shard-a")
	}
}
