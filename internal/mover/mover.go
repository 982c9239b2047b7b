// Package mover transfers media files between the bulk tier and the cache
// tier. Every transfer writes to a sibling temp file on the destination
// filesystem and renames into place, so a partial file is never observable
// at the final path.
package mover

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"cacherr/internal/domain"
	"cacherr/internal/domain/ports"
	"cacherr/internal/metrics"
)

// spaceHeadroom refuses transfers that would consume more than this share of
// the destination's free space.
const spaceHeadroom = 0.95

type Config struct {
	ArrayRoot  string
	CacheRoot  string
	Method     domain.CacheMethod
	MaxToCache int64
	MaxToArray int64
}

type Mover struct {
	arrayRoot string
	cacheRoot string
	method    domain.CacheMethod
	logger    *slog.Logger

	toCache *semaphore.Weighted
	toArray *semaphore.Weighted

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex

	// diskFree is swappable in tests; defaults to the platform Statfs.
	diskFree func(path string) (int64, error)
}

func New(cfg Config, logger *slog.Logger) *Mover {
	if cfg.MaxToCache <= 0 {
		cfg.MaxToCache = 1
	}
	if cfg.MaxToArray <= 0 {
		cfg.MaxToArray = 1
	}
	return &Mover{
		arrayRoot: filepath.Clean(cfg.ArrayRoot),
		cacheRoot: filepath.Clean(cfg.CacheRoot),
		method:    cfg.Method,
		logger:    logger,
		toCache:   semaphore.NewWeighted(cfg.MaxToCache),
		toArray:   semaphore.NewWeighted(cfg.MaxToArray),
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// CachePath maps a bulk-tier path onto the cache tier.
func (m *Mover) CachePath(originalPath string) string {
	rel, err := filepath.Rel(m.arrayRoot, originalPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		// Path outside the array root keeps its basename under the cache root.
		return filepath.Join(m.cacheRoot, filepath.Base(originalPath))
	}
	return filepath.Join(m.cacheRoot, rel)
}

// IsCached reports whether the file is resident on the cache tier.
func (m *Mover) IsCached(originalPath string) bool {
	info, err := os.Stat(m.CachePath(originalPath))
	return err == nil && info.Mode().IsRegular()
}

// lockPath serializes transfers targeting the same original path.
func (m *Mover) lockPath(path string) func() {
	m.mu.Lock()
	l, ok := m.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		m.pathLocks[path] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CopyToCache transfers originalPath and its subtitle siblings to the cache
// tier. A file already present on the cache tier is a no-op success with
// zero bytes transferred.
func (m *Mover) CopyToCache(ctx context.Context, originalPath string) (ports.TransferResult, error) {
	if err := m.toCache.Acquire(ctx, 1); err != nil {
		return ports.TransferResult{}, err
	}
	defer m.toCache.Release(1)
	unlock := m.lockPath(originalPath)
	defer unlock()

	dest := m.CachePath(originalPath)
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		return ports.TransferResult{DestPath: dest}, nil
	}

	if _, err := os.Stat(originalPath); err != nil {
		if os.IsNotExist(err) {
			return ports.TransferResult{}, fmt.Errorf("%w: %s", domain.ErrSourceMissing, originalPath)
		}
		return ports.TransferResult{}, err
	}

	units := []string{originalPath}
	siblings := Siblings(originalPath)
	units = append(units, siblings...)

	var totalSize int64
	for _, u := range units {
		if info, err := os.Stat(u); err == nil {
			totalSize += info.Size()
		}
	}
	if err := m.checkSpace(filepath.Dir(dest), totalSize); err != nil {
		return ports.TransferResult{}, err
	}

	result := ports.TransferResult{DestPath: dest}
	for _, src := range units {
		dst := m.CachePath(src)
		n, err := m.transfer(src, dst)
		if err != nil {
			return ports.TransferResult{}, err
		}
		result.BytesTransferred += n
		if src == originalPath {
			result.FileBytes = n
		} else {
			result.Sidecars = append(result.Sidecars, dst)
		}
		if err := m.finishCacheTransfer(src, dst); err != nil {
			return ports.TransferResult{}, err
		}
	}

	metrics.TransfersTotal.WithLabelValues("to_cache").Inc()
	metrics.BytesTransferredTotal.WithLabelValues("to_cache").Add(float64(result.BytesTransferred))
	m.logger.Info("cached file",
		slog.String("path", originalPath),
		slog.String("dest", dest),
		slog.Int64("bytes", result.BytesTransferred),
		slog.Int("siblings", len(result.Sidecars)),
	)
	return result, nil
}

// finishCacheTransfer applies the configured cache method to the source
// after the destination rename has succeeded.
func (m *Mover) finishCacheTransfer(src, dst string) error {
	switch m.method {
	case domain.MethodCopy:
		return nil
	case domain.MethodMove:
		return os.Remove(src)
	case domain.MethodMoveWithSymlink:
		if err := os.Remove(src); err != nil {
			return err
		}
		return os.Symlink(dst, src)
	default:
		return nil
	}
}

// RestoreToArray re-materializes the file at its original path and removes
// whatever sits at the cache path, regardless of the method used to cache it.
func (m *Mover) RestoreToArray(ctx context.Context, originalPath string) (ports.TransferResult, error) {
	if err := m.toArray.Acquire(ctx, 1); err != nil {
		return ports.TransferResult{}, err
	}
	defer m.toArray.Release(1)
	unlock := m.lockPath(originalPath)
	defer unlock()

	cachePath := m.CachePath(originalPath)
	if _, err := os.Stat(cachePath); err != nil {
		if os.IsNotExist(err) {
			return ports.TransferResult{}, fmt.Errorf("%w: %s", domain.ErrNotCached, originalPath)
		}
		return ports.TransferResult{}, err
	}

	units := []string{cachePath}
	units = append(units, Siblings(cachePath)...)

	result := ports.TransferResult{DestPath: originalPath}
	for _, src := range units {
		rel, err := filepath.Rel(m.cacheRoot, src)
		if err != nil {
			continue
		}
		dst := filepath.Join(m.arrayRoot, rel)

		// A move_with_symlink original is a dangling-or-live link; clear it
		// before the rename lands.
		if info, err := os.Lstat(dst); err == nil && info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(dst); err != nil {
				return ports.TransferResult{}, err
			}
		}

		if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
			// Copy mode: the original never left the array. Drop the cache copy.
			if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
				return ports.TransferResult{}, err
			}
			continue
		}

		n, err := m.transfer(src, dst)
		if err != nil {
			return ports.TransferResult{}, err
		}
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return ports.TransferResult{}, err
		}
		result.BytesTransferred += n
		if src == cachePath {
			result.FileBytes = n
		} else {
			result.Sidecars = append(result.Sidecars, dst)
		}
	}

	metrics.TransfersTotal.WithLabelValues("to_array").Inc()
	metrics.BytesTransferredTotal.WithLabelValues("to_array").Add(float64(result.BytesTransferred))
	m.logger.Info("restored file",
		slog.String("path", originalPath),
		slog.Int64("bytes", result.BytesTransferred),
	)
	return result, nil
}

// DeleteFromCache removes the cache-tier copy and its siblings, returning
// the bytes freed. Deleting an absent file succeeds with zero bytes.
func (m *Mover) DeleteFromCache(originalPath string) (int64, error) {
	unlock := m.lockPath(originalPath)
	defer unlock()

	cachePath := m.CachePath(originalPath)
	units := []string{cachePath}
	units = append(units, Siblings(cachePath)...)

	var freed int64
	for _, p := range units {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return freed, err
		}
		freed += info.Size()
	}
	return freed, nil
}

// transfer copies src to dst via a temp file in dst's directory, fsyncs and
// renames. On any failure the temp file is removed and src is untouched.
func (m *Mover) transfer(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", domain.ErrSourceMissing, src)
		}
		return 0, err
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".cacherr-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, in)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Chmod(srcInfo.Mode().Perm()); err != nil {
		cleanup()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// checkSpace refuses a transfer that would not comfortably fit on the
// destination. The check is advisory; the rename is the source of truth.
func (m *Mover) checkSpace(destDir string, size int64) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	freeFn := m.diskFree
	if freeFn == nil {
		freeFn = diskFreeBytes
	}
	free, err := freeFn(destDir)
	if err != nil {
		m.logger.Warn("free space check failed, proceeding",
			slog.String("dir", destDir),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if float64(size) > float64(free)*spaceHeadroom {
		return fmt.Errorf("%w: need %d bytes, %d free", domain.ErrInsufficientSpace, size, free)
	}
	return nil
}
