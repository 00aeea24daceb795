package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// defaultCacheDuration is how long a directory scan result is reused.
const defaultCacheDuration = 10 * time.Second

// StorageMonitor reports the data directory's disk usage against a limit.
// Scans are cached so the ingest path can ask on every batch.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor for dataDir. A maxBytes of zero
// disables the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: defaultCacheDuration,
	}
}

// GetUsage returns current storage usage in bytes (cached).
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := calculateDirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// calculateDirSize sums the disk usage of every file under path. Files that
// vanish mid-walk (badger rotates its logs) are skipped.
func calculateDirSize(path string) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}

	var size int64
	err := filepath.WalkDir(path, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && filePath != path {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		actualSize, err := getActualFileSize(filePath, info)
		if err != nil {
			size += info.Size()
		} else {
			size += actualSize
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
