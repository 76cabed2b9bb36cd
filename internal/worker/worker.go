// Package worker implements the off-main-thread execution environment:
// compression, synchronous temp/cache file access, block-checksum
// computation, delta application, and zip assembly, all served through
// Host's methods so call sites never touch file-system state directly. The
// methods are plain synchronous calls; there is no message channel between
// caller and Host.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/cache"
	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/rsync"
	"github.com/teamchong/termweb-sub002/internal/zipwriter"
)

// ErrCancelled is returned for any request whose transferId has been marked
// cancelled.
var ErrCancelled = errors.New("worker: transfer cancelled")

// retryDelays is the exponential backoff schedule for acquiring a contended
// per-file handle.
var retryDelays = []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}

// Host runs heavy work and owns synchronous on-device file access. It is
// the exclusive owner of the CacheStore; other components only reach the
// cache through Host's request methods.
type Host struct {
	tempDir  string
	cache    *cache.Store
	checksums *cache.ChecksumCache

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	nextID uint32

	mu         sync.Mutex
	cancelled  map[uint32]bool
	fileLocks  map[string]*sync.Mutex
}

// New builds a Host rooted at tempDir for transient per-transfer staging,
// backed by cacheStore for persistent content-addressed storage. checksums
// may be nil to disable the block-checksum reuse index.
func New(tempDir string, cacheStore *cache.Store, checksums *cache.ChecksumCache) (*Host, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "worker: create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, errors.Wrap(err, "worker: create zstd decoder")
	}
	return &Host{
		tempDir:   tempDir,
		cache:     cacheStore,
		checksums: checksums,
		encoder:   enc,
		decoder:   dec,
		cancelled: make(map[uint32]bool),
		fileLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases codec resources.
func (h *Host) Close() {
	h.encoder.Close()
	h.decoder.Close()
}

// NextRequestID returns a fresh monotonic request id for correlating a
// request to its eventual response (PendingWorkerRequest in the data model).
func (h *Host) NextRequestID() uint32 {
	return atomic.AddUint32(&h.nextID, 1)
}

// Compress zstd-compresses bytes.
func (h *Host) Compress(data []byte) []byte {
	return h.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

// Decompress zstd-decompresses bytes.
func (h *Host) Decompress(data []byte, expectedSize int) ([]byte, error) {
	out, err := h.decoder.DecodeAll(data, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, errors.Wrap(err, "worker: decompress")
	}
	return out, nil
}

func lockKey(transferID uint32, path string) string {
	return filepath.Join(filepath.FromSlash(path)) + "#" + itoa(transferID)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (h *Host) lockFor(transferID uint32, path string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := lockKey(transferID, path)
	m, ok := h.fileLocks[key]
	if !ok {
		m = &sync.Mutex{}
		h.fileLocks[key] = m
	}
	return m
}

// acquireWithRetry locks m, retrying with the exponential backoff schedule
// if it is already contended, and gives up after the schedule is exhausted.
func acquireWithRetry(ctx context.Context, m *sync.Mutex) error {
	if m.TryLock() {
		return nil
	}
	for _, d := range retryDelays {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		if m.TryLock() {
			return nil
		}
	}
	return errors.New("worker: timed out acquiring file handle")
}

// Cancel marks a transferId cancelled: subsequent writes for it are no-ops
// and its temp directory may be removed without violating invariants.
func (h *Host) Cancel(transferID uint32) {
	h.mu.Lock()
	h.cancelled[transferID] = true
	h.mu.Unlock()
}

func (h *Host) isCancelled(transferID uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled[transferID]
}

func (h *Host) transferTempDir(transferID uint32) string {
	return filepath.Join(h.tempDir, itoa(transferID))
}

// WriteTempFile stages a downloaded file's bytes under the transfer's temp
// area, used by zip-mode assembly. Best-effort: errors are logged, never
// propagated to the caller's transfer state.
func (h *Host) WriteTempFile(ctx context.Context, transferID uint32, relPath string, data []byte) {
	if h.isCancelled(transferID) {
		return
	}
	lock := h.lockFor(transferID, relPath)
	if err := acquireWithRetry(ctx, lock); err != nil {
		logging.Errorf(transferID, "worker: write-temp-file could not acquire handle for %s: %v", relPath, err)
		return
	}
	defer lock.Unlock()

	if h.isCancelled(transferID) {
		return
	}
	fp := filepath.Join(h.transferTempDir(transferID), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		logging.Errorf(transferID, "worker: write-temp-file mkdir %s: %v", fp, err)
		return
	}
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		logging.Errorf(transferID, "worker: write-temp-file %s: %v", fp, err)
	}
}

// DecompressAndWrite decompresses a chunk and appends it to a temp file at
// offset, reporting whether the write landed (it never lands for a
// cancelled transfer).
func (h *Host) DecompressAndWrite(ctx context.Context, transferID uint32, relPath string, offset int64, compressed []byte, fileSize int64) (bytesWritten int, complete bool, err error) {
	if h.isCancelled(transferID) {
		return 0, false, ErrCancelled
	}
	data, err := h.Decompress(compressed, int(fileSize))
	if err != nil {
		return 0, false, err
	}

	lock := h.lockFor(transferID, relPath)
	if err := acquireWithRetry(ctx, lock); err != nil {
		return 0, false, err
	}
	defer lock.Unlock()

	if h.isCancelled(transferID) {
		return 0, false, ErrCancelled
	}
	fp := filepath.Join(h.transferTempDir(transferID), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return 0, false, errors.Wrap(err, "worker: decompress-and-write mkdir")
	}
	f, err := os.OpenFile(fp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, false, errors.Wrap(err, "worker: decompress-and-write open")
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return 0, false, errors.Wrap(err, "worker: decompress-and-write")
	}
	st, err := f.Stat()
	if err != nil {
		return len(data), false, nil
	}
	return len(data), st.Size() >= fileSize, nil
}

// GetFile reads a temp file's current bytes back for the main thread.
func (h *Host) GetFile(transferID uint32, relPath string) ([]byte, error) {
	fp := filepath.Join(h.transferTempDir(transferID), filepath.FromSlash(relPath))
	data, err := os.ReadFile(fp)
	if err != nil {
		return nil, errors.Wrap(err, "worker: get-file")
	}
	return data, nil
}

// CreateZipFromTemp assembles a stored-only zip from every file under a
// transfer's temp area.
func (h *Host) CreateZipFromTemp(transferID uint32, folderName string) ([]byte, string, error) {
	root := h.transferTempDir(transferID)
	var entries []zipwriter.Entry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, zipwriter.Entry{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "worker: create-zip-from-temp walk")
	}
	return zipwriter.Build(entries), folderName + ".zip", nil
}

// CleanupTemp removes a transfer's temp staging directory.
func (h *Host) CleanupTemp(transferID uint32) error {
	return errors.Wrap(os.RemoveAll(h.transferTempDir(transferID)), "worker: cleanup-temp")
}

// transfersDir holds per-transfer resume metadata, a sibling of the temp
// staging root.
func (h *Host) transfersDir(transferID uint32) string {
	return filepath.Join(filepath.Dir(h.tempDir), "termweb-transfers", itoa(transferID))
}

// TransferMeta is the resume record persisted for an active transfer and
// removed on completion or cancel.
type TransferMeta struct {
	TransferID       uint32 `json:"transferId"`
	Direction        uint8  `json:"direction"`
	ServerPath       string `json:"serverPath"`
	FileIndex        uint32 `json:"fileIndex"`
	FileOffset       uint64 `json:"fileOffset"`
	BytesTransferred uint64 `json:"bytesTransferred"`
}

// WriteTransferMeta persists a transfer's resume metadata. Best-effort, like
// every other piece of derived on-device state.
func (h *Host) WriteTransferMeta(meta TransferMeta) {
	dir := h.transfersDir(meta.TransferID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Debugf(meta.TransferID, "worker: transfer meta mkdir: %v", err)
		return
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		logging.Debugf(meta.TransferID, "worker: transfer meta write: %v", err)
	}
}

// RemoveTransferMeta deletes a transfer's resume record.
func (h *Host) RemoveTransferMeta(transferID uint32) {
	if err := os.RemoveAll(h.transfersDir(transferID)); err != nil {
		logging.Debugf(transferID, "worker: transfer meta remove: %v", err)
	}
}

// CachePut stores a file in the persistent cache.
func (h *Host) CachePut(serverPath, relPath string, data []byte, meta cache.FileMeta) error {
	return h.cache.PutFile(serverPath, relPath, data, meta)
}

// CacheGet reads a file from the persistent cache.
func (h *Host) CacheGet(serverPath, relPath string) ([]byte, cache.FileMeta, bool) {
	return h.cache.GetFile(serverPath, relPath)
}

// CacheList lists a server path's cached metadata.
func (h *Host) CacheList(serverPath string) (map[string]cache.FileMeta, error) {
	return h.cache.ListFiles(serverPath)
}

// CacheRemove removes one cached file.
func (h *Host) CacheRemove(serverPath, relPath string) error {
	return h.cache.RemoveFile(serverPath, relPath)
}

// CacheClearPath clears one server path's cache subtree.
func (h *Host) CacheClearPath(serverPath string) error {
	return h.cache.ClearPath(serverPath)
}

// CacheClearAll clears the entire cache.
func (h *Host) CacheClearAll() error {
	return h.cache.ClearAll()
}

// CacheUsage reports disk usage for a server path.
func (h *Host) CacheUsage(serverPath string) (cache.Usage, error) {
	return h.cache.Usage(serverPath)
}

// ComputeChecksums computes block checksums for a cached file, consulting
// the checksum index first so an unchanged file is never rehashed.
func (h *Host) ComputeChecksums(serverPath, relPath string, blockSize int) ([]rsync.BlockSum, error) {
	data, meta, ok := h.cache.GetFile(serverPath, relPath)
	if !ok {
		return nil, nil
	}
	if h.checksums != nil {
		if cached, found := h.checksums.Get(meta.Hash, blockSize); found {
			return fromCacheEntries(cached), nil
		}
	}
	sums := rsync.ComputeBlockSums(data, blockSize)
	if h.checksums != nil {
		if err := h.checksums.Put(meta.Hash, blockSize, toCacheEntries(sums)); err != nil {
			logging.Debugf(serverPath, "worker: checksum cache put failed: %v", err)
		}
	}
	return sums, nil
}

func toCacheEntries(sums []rsync.BlockSum) []cache.BlockSumEntry {
	out := make([]cache.BlockSumEntry, len(sums))
	for i, s := range sums {
		out[i] = cache.BlockSumEntry{Rolling: s.Rolling, Strong: s.Strong}
	}
	return out
}

func fromCacheEntries(entries []cache.BlockSumEntry) []rsync.BlockSum {
	out := make([]rsync.BlockSum, len(entries))
	for i, e := range entries {
		out[i] = rsync.BlockSum{Rolling: e.Rolling, Strong: e.Strong}
	}
	return out
}

// ApplyDelta applies a decoded COPY/LITERAL command stream against a cached
// file and returns the reconstructed bytes.
func (h *Host) ApplyDelta(serverPath, relPath string, deltaBytes []byte) ([]byte, error) {
	data, _, ok := h.cache.GetFile(serverPath, relPath)
	var cached *bytes.Reader
	if ok {
		cached = bytes.NewReader(data)
	} else {
		cached = bytes.NewReader(nil)
	}
	return rsync.ApplyDelta(deltaBytes, cached)
}
