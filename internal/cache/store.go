// Package cache implements the on-device, content-addressed file cache used
// by the sync (delta) transfer path: a JSON metadata sidecar per server path
// plus a mirrored tree of raw file bytes, rooted at a single "termweb-cache"
// directory. Data is always written and
// flushed before the metadata entry that describes it.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/metrics"
)

// FileMeta is the per-file metadata entry stored in .termweb-meta.
type FileMeta struct {
	Size  uint64 `json:"size"`
	Mtime uint64 `json:"mtime"`
	Hash  uint64 `json:"hash"`
}

// Usage summarizes disk consumption for a server path.
type Usage struct {
	TotalBytes uint64
	FileCount  int
}

const metaFileName = ".termweb-meta"

// Store roots a persistent cache at a single base directory (design name
// "termweb-cache"). All operations are safe for concurrent use; writers
// serialize per server path.
type Store struct {
	baseDir string

	mu     sync.Mutex
	pathMu map[string]*sync.Mutex
}

// New opens (without creating) a cache rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir, pathMu: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(serverPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.pathMu[serverPath]
	if !ok {
		m = &sync.Mutex{}
		s.pathMu[serverPath] = m
	}
	return m
}

// serverPathDir maps a server path to its on-disk directory, escaping path
// separators so the server path cannot climb outside the cache root.
func (s *Store) serverPathDir(serverPath string) string {
	safe := strings.ReplaceAll(serverPath, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	if safe == "" {
		safe = "_root_"
	}
	if safe == "." || safe == ".." {
		safe = "_" + safe + "_"
	}
	return filepath.Join(s.baseDir, safe)
}

func (s *Store) metaPath(serverPath string) string {
	return filepath.Join(s.serverPathDir(serverPath), metaFileName)
}

func (s *Store) filePath(serverPath, relPath string) string {
	return filepath.Join(s.serverPathDir(serverPath), "files", filepath.FromSlash(relPath))
}

func (s *Store) readMeta(serverPath string) (map[string]FileMeta, error) {
	b, err := os.ReadFile(s.metaPath(serverPath))
	if os.IsNotExist(err) {
		return map[string]FileMeta{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache: read metadata")
	}
	meta := map[string]FileMeta{}
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, errors.Wrap(err, "cache: decode metadata")
	}
	return meta, nil
}

func (s *Store) writeMeta(serverPath string, meta map[string]FileMeta) error {
	dir := s.serverPathDir(serverPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "cache: create server path dir")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "cache: encode metadata")
	}
	tmp := s.metaPath(serverPath) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "cache: write metadata temp file")
	}
	return errors.Wrap(os.Rename(tmp, s.metaPath(serverPath)), "cache: commit metadata")
}

// PutFile writes data then, on success, updates metadata: data flush before
// metadata write, per the cache's write ordering contract.
func (s *Store) PutFile(serverPath, relPath string, data []byte, meta FileMeta) error {
	lock := s.lockFor(serverPath)
	lock.Lock()
	defer lock.Unlock()

	fp := s.filePath(serverPath, relPath)
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return errors.Wrap(err, "cache: create file dir")
	}
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		return errors.Wrap(err, "cache: write file")
	}

	all, err := s.readMeta(serverPath)
	if err != nil {
		return err
	}
	all[relPath] = meta
	return s.writeMeta(serverPath, all)
}

// GetFile reads cached bytes. A metadata entry whose size disagrees with the
// file on disk, or a metadata entry with no backing file, is treated as
// absent rather than as an error.
func (s *Store) GetFile(serverPath, relPath string) ([]byte, FileMeta, bool) {
	lock := s.lockFor(serverPath)
	lock.Lock()
	defer lock.Unlock()

	all, err := s.readMeta(serverPath)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, FileMeta{}, false
	}
	meta, ok := all[relPath]
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, FileMeta{}, false
	}
	data, err := os.ReadFile(s.filePath(serverPath, relPath))
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, FileMeta{}, false
	}
	if uint64(len(data)) != meta.Size {
		logging.Debugf(s, "cache: %s/%s metadata size %d disagrees with file size %d, treating as absent", serverPath, relPath, meta.Size, len(data))
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, FileMeta{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return data, meta, true
}

// ListFiles returns the metadata map for a server path.
func (s *Store) ListFiles(serverPath string) (map[string]FileMeta, error) {
	lock := s.lockFor(serverPath)
	lock.Lock()
	defer lock.Unlock()
	return s.readMeta(serverPath)
}

// RemoveFile deletes one cached file and its metadata entry.
func (s *Store) RemoveFile(serverPath, relPath string) error {
	lock := s.lockFor(serverPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.filePath(serverPath, relPath)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "cache: remove file")
	}
	all, err := s.readMeta(serverPath)
	if err != nil {
		return err
	}
	delete(all, relPath)
	return s.writeMeta(serverPath, all)
}

// ClearPath removes the entire cache subtree for one server path.
func (s *Store) ClearPath(serverPath string) error {
	lock := s.lockFor(serverPath)
	lock.Lock()
	defer lock.Unlock()
	return errors.Wrap(os.RemoveAll(s.serverPathDir(serverPath)), "cache: clear path")
}

// ClearAll removes the entire cache.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(os.RemoveAll(s.baseDir), "cache: clear all")
}

// Usage walks a server path's files directory and sums size, without
// relying on any cached counter (per the no-cached-counters contract).
func (s *Store) Usage(serverPath string) (Usage, error) {
	lock := s.lockFor(serverPath)
	lock.Lock()
	defer lock.Unlock()

	var u Usage
	root := filepath.Join(s.serverPathDir(serverPath), "files")
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			u.TotalBytes += uint64(info.Size())
			u.FileCount++
		}
		return nil
	})
	if err != nil {
		return Usage{}, errors.Wrap(err, "cache: usage walk")
	}
	return u, nil
}
