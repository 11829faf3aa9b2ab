package shard

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalShard implements the Shard interface using a directory on the local
// filesystem. Each object is one file named by its identifier. Writes use
// the temp-fsync-rename pattern so a crash never leaves a partially visible
// object.
type LocalShard struct {
	name     string
	rootDir  string
	capacity int64
}

// NewLocalShard creates a LocalShard rooted at the given directory, creating
// the directory and its .tmp subdirectory if needed. The shard name is the
// directory base name unless overridden.
func NewLocalShard(rootDir, name string, capacityBytes int64) (*LocalShard, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating shard root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	if name == "" {
		name = filepath.Base(filepath.Clean(rootDir))
	}
	return &LocalShard{name: name, rootDir: rootDir, capacity: capacityBytes}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Called on startup;
// temp files left behind indicate incomplete writes from a previous crash.
func (s *LocalShard) CleanTempFiles() error {
	tmpDir := filepath.Join(s.rootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// Name returns the shard name.
func (s *LocalShard) Name() string {
	return s.name
}

// objectPath returns the full filesystem path for an object.
func (s *LocalShard) objectPath(objectID string) string {
	return filepath.Join(s.rootDir, objectID)
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (s *LocalShard) tempPath() string {
	return filepath.Join(s.rootDir, ".tmp", "tmp-"+uuid.NewString())
}

// Put writes object data using the atomic write pattern: write to temp file,
// fsync, rename. Returns the number of bytes written.
func (s *LocalShard) Put(ctx context.Context, objectID string, reader io.Reader, size int64) (int64, error) {
	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	bytesWritten, err := io.Copy(tmpFile, reader)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing object data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.objectPath(objectID)); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}

	return bytesWritten, nil
}

// Open opens the object file for reading. The caller is responsible for
// closing the returned ReadCloser.
func (s *LocalShard) Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error) {
	file, err := os.Open(s.objectPath(objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("opening object %q: %w", objectID, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat object %q: %w", objectID, err)
	}

	return file, info.Size(), nil
}

// Delete removes the object file.
func (s *LocalShard) Delete(ctx context.Context, objectID string) error {
	err := os.Remove(s.objectPath(objectID))
	if os.IsNotExist(err) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("removing object %q: %w", objectID, err)
	}
	return nil
}

// Exists checks whether the object file is present.
func (s *LocalShard) Exists(ctx context.Context, objectID string) (bool, error) {
	info, err := os.Stat(s.objectPath(objectID))
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking object existence %q: %w", objectID, err)
}

// Stats walks the shard directory and sums file sizes. The .tmp directory is
// excluded; in-flight writes do not count as usage.
func (s *LocalShard) Stats(ctx context.Context) (Stats, error) {
	var used int64
	err := filepath.WalkDir(s.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".tmp" && path != s.rootDir {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walking shard directory %q: %w", s.rootDir, err)
	}
	return Stats{UsedBytes: used, CapacityBytes: s.capacity}, nil
}
