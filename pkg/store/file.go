package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andrew-markin/blobs/pkg/log"
	"github.com/andrew-markin/blobs/pkg/metrics"
	"github.com/andrew-markin/blobs/pkg/types"
)

const backupSuffix = ".backup"

// FileStore implements Store on a local filesystem. Each record lives at
// <root>/<bucket>/<ref[0:2]>/<ref>.json; a sibling .backup file exists only
// during a write transition and is restored on the read path after a crash.
type FileStore struct {
	root string
}

// NewFileStore creates a filesystem-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the storage root directory.
func (s *FileStore) Root() string {
	return s.root
}

// path returns the primary file path for a key. The two-character prefix
// shards bucket directories.
func (s *FileStore) path(key types.Key) (string, error) {
	if err := types.ValidateBucket(key.Bucket); err != nil {
		return "", err
	}
	ref, err := types.NormalizeRef(key.Ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, key.Bucket, ref[:2], ref+".json"), nil
}

// Read returns the record for a key. A leftover backup sidecar means the
// previous write crashed between its rename and cleanup steps, so the last
// durable content is in the backup; it is restored before reading. Missing
// and unparseable files both read as absent.
func (s *FileStore) Read(key types.Key) (*types.Blob, error) {
	primary, err := s.path(key)
	if err != nil {
		return nil, err
	}
	backup := primary + backupSuffix

	if _, err := os.Stat(backup); err == nil {
		// A concurrent reader may have completed the same restore;
		// losing that race is not an error.
		if err := os.Rename(backup, primary); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to restore backup: %w", err)
		}
		metrics.StorageRecoveries.Inc()
		storeLogger := log.WithComponent("store")
		storeLogger.Warn().
			Str("key", key.String()).
			Msg("restored record from backup")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}

	data, err := os.ReadFile(primary)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var blob types.Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		storeLogger := log.WithComponent("store")
		storeLogger.Warn().
			Str("key", key.String()).
			Err(err).
			Msg("unparseable record treated as absent")
		return nil, nil
	}
	return &blob, nil
}

// Write replaces the record for a key. The existing primary is renamed to
// the backup sidecar first, so a crash at any point leaves either the old
// content (in the backup, restored on read) or the new content durable.
func (s *FileStore) Write(key types.Key, blob *types.Blob) error {
	primary, err := s.path(key)
	if err != nil {
		return err
	}
	backup := primary + backupSuffix

	if err := os.MkdirAll(filepath.Dir(primary), 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	hadPrimary := true
	if err := os.Rename(primary, backup); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stash backup: %w", err)
		}
		hadPrimary = false
	}

	if err := writeFileDurable(primary, data); err != nil {
		return err
	}

	if hadPrimary {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove backup: %w", err)
		}
	}
	return nil
}

// writeFileDurable writes data to a temp file in the target directory,
// fsyncs it, renames it over path and fsyncs the directory.
func writeFileDurable(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace record: %w", err)
	}

	if dirFd, err := os.Open(dir); err == nil {
		// Durability of the rename itself; failures here leave the new
		// file in place but not guaranteed on disk.
		_ = dirFd.Sync()
		dirFd.Close()
	}
	return nil
}
