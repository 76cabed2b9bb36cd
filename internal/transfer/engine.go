// Package transfer implements FileTransferEngine: upload, download, and
// delta-sync on top of a single file-stream transport, with zip-mode
// staging, resume-on-reconnect, and cancellation. Orchestration (which
// transfer is in which state) is kept separate from how a single file
// moves; both share one accounting/state model.
package transfer

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/teamchong/termweb-sub002/internal/cache"
	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/metrics"
	"github.com/teamchong/termweb-sub002/internal/rsync"
	"github.com/teamchong/termweb-sub002/internal/transfer/protocol"
	"github.com/teamchong/termweb-sub002/internal/worker"
)

// zipFallbackDelay is the quiet period after TRANSFER_COMPLETE with no new
// file completions before the engine forces zip assembly with whatever
// arrived.
const zipFallbackDelay = 2 * time.Second

// chunkSize is the upload chunk size.
const chunkSize = 256 * 1024

// Transport is the file stream's byte-message transport.
type Transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// UploadSource resolves local file bytes for an upload's source handles.
type UploadSource interface {
	Open(path string) (io.ReadCloser, error)
}

// Engine owns every TransferState and drives the upload/download/sync
// message flows over a single file-stream Transport.
type Engine struct {
	mu sync.Mutex

	transport Transport
	worker    *worker.Host
	cache     *cache.Store
	source    UploadSource

	limiter *rate.Limiter

	pendingTransfer    *TransferState
	activeTransfers    map[uint32]*TransferState
	interruptedUploads map[uint32]*TransferState
	terminalFired      map[uint32]bool
	zipTimers          map[uint32]*time.Timer
	zipAssembled       map[uint32]bool

	// Callbacks. Any may be nil.
	OnStart        func(transferID uint32)
	OnProgress     func(transferID uint32, bytesTransferred, totalBytes uint64)
	OnComplete     func(transferID uint32)
	OnError        func(transferID uint32, message string)
	OnCancelled    func(transferID uint32)
	OnDryRunReport func(transferID uint32, report protocol.DryRunReportMsg)
	OnZipReady     func(transferID uint32, zipBytes []byte, filename string)
	OnFileSaved    func(transferID uint32, path string, data []byte)
}

// New builds an Engine. transport may be nil until SetTransport is
// called (e.g. before the file stream has dialed).
func New(w *worker.Host, store *cache.Store, source UploadSource) *Engine {
	return &Engine{
		worker:              w,
		cache:               store,
		source:              source,
		activeTransfers:     make(map[uint32]*TransferState),
		interruptedUploads:  make(map[uint32]*TransferState),
		terminalFired:       make(map[uint32]bool),
		zipTimers:           make(map[uint32]*time.Timer),
		zipAssembled:        make(map[uint32]bool),
	}
}

// SetTransport installs (or replaces) the file-stream transport.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()
}

// SetBandwidthLimit caps upload pacing at bytesPerSec; zero or negative
// removes the cap.
func (e *Engine) SetBandwidthLimit(bytesPerSec float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bytesPerSec <= 0 {
		e.limiter = nil
		return
	}
	e.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
}

func (e *Engine) send(msg []byte) error {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t == nil {
		return errors.New("transfer: no file stream transport")
	}
	return t.Send(msg)
}

// StartUpload begins an upload of files (the client's own manifest, built
// from whatever local paths the user chose); only one transfer may be
// pending at a time.
func (e *Engine) StartUpload(opts Options, files []protocol.FileEntry) error {
	return e.start(protocol.DirectionUpload, opts, files)
}

// StartDownload begins a download; the file manifest arrives later from the
// server's FILE_LIST.
func (e *Engine) StartDownload(opts Options) error {
	return e.start(protocol.DirectionDownload, opts, nil)
}

func (e *Engine) start(dir protocol.Direction, opts Options, files []protocol.FileEntry) error {
	e.mu.Lock()
	if e.pendingTransfer != nil {
		e.mu.Unlock()
		return errors.New("transfer: a transfer is already pending")
	}
	ts := newTransferState(dir, opts, files)
	e.pendingTransfer = ts
	e.mu.Unlock()
	return e.send(protocol.EncodeTransferInit(dir, opts.flags(), opts.Path, opts.Excludes))
}

// StartSync begins a delta-sync transfer.
func (e *Engine) StartSync(opts Options) error {
	e.mu.Lock()
	if e.pendingTransfer != nil {
		e.mu.Unlock()
		return errors.New("transfer: a transfer is already pending")
	}
	ts := newTransferState(protocol.DirectionDownload, opts, nil)
	ts.IsSync = true
	e.pendingTransfer = ts
	e.mu.Unlock()
	return e.send(protocol.EncodeSyncRequest(opts.flags(), opts.Path, opts.Excludes))
}

// Cancel purges local state for an active or pending transfer and tells the
// server to stop.
func (e *Engine) Cancel(transferID uint32) error {
	e.mu.Lock()
	e.purgeLocked(transferID)
	e.worker.Cancel(transferID)
	e.mu.Unlock()
	if err := e.worker.CleanupTemp(transferID); err != nil {
		logging.Debugf(transferID, "transfer: cleanup-temp on cancel: %v", err)
	}
	e.fireTerminal(transferID, func() {
		if e.OnCancelled != nil {
			e.OnCancelled(transferID)
		}
	})
	return e.send(protocol.EncodeTransferCancel(transferID))
}

func (e *Engine) purgeLocked(transferID uint32) {
	delete(e.activeTransfers, transferID)
	delete(e.interruptedUploads, transferID)
	if e.pendingTransfer != nil && e.pendingTransfer.ID == transferID {
		e.pendingTransfer = nil
	}
	if t, ok := e.zipTimers[transferID]; ok {
		t.Stop()
		delete(e.zipTimers, transferID)
	}
	e.worker.RemoveTransferMeta(transferID)
	metrics.ActiveTransfers.Set(float64(len(e.activeTransfers)))
}

// fireTerminal invokes fn at most once per transferID; a transfer never
// reports more than one of complete, error, and cancelled.
func (e *Engine) fireTerminal(transferID uint32, fn func()) {
	e.mu.Lock()
	if e.terminalFired[transferID] {
		e.mu.Unlock()
		return
	}
	e.terminalFired[transferID] = true
	e.mu.Unlock()
	fn()
}

func (e *Engine) failTransfer(transferID uint32, message string) {
	e.mu.Lock()
	if ts, ok := e.activeTransfers[transferID]; ok {
		ts.State = StateError
		ts.errMessage = message
	}
	e.purgeLocked(transferID)
	e.mu.Unlock()
	e.fireTerminal(transferID, func() {
		if e.OnError != nil {
			e.OnError(transferID, message)
		}
	})
}

// HandleDisconnect moves active uploads to interruptedUploads (their source
// handles remain valid) and fails every active download/sync.
func (e *Engine) HandleDisconnect() {
	e.mu.Lock()
	var toFail []uint32
	for id, ts := range e.activeTransfers {
		if ts.Direction == protocol.DirectionUpload && !ts.IsSync {
			e.interruptedUploads[id] = ts
			delete(e.activeTransfers, id)
		} else {
			toFail = append(toFail, id)
		}
	}
	metrics.ActiveTransfers.Set(float64(len(e.activeTransfers)))
	e.mu.Unlock()
	for _, id := range toFail {
		e.failTransfer(id, "connection lost")
	}
}

// HandleReconnect re-requests resume for every interrupted upload.
func (e *Engine) HandleReconnect() {
	e.mu.Lock()
	ids := make([]uint32, 0, len(e.interruptedUploads))
	for id := range e.interruptedUploads {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		if err := e.send(protocol.EncodeTransferResume(id)); err != nil {
			logging.Errorf(id, "transfer: resume send failed: %v", err)
		}
	}
}

// Dispatch decodes and handles one inbound file-stream message.
func (e *Engine) Dispatch(msg []byte) error {
	if len(msg) < 1 {
		return errors.New("transfer: empty message")
	}
	switch msg[0] {
	case protocol.TransferReady:
		return e.handleTransferReady(msg)
	case protocol.FileList:
		return e.handleFileList(msg, false)
	case protocol.SyncFileList:
		return e.handleFileList(msg, true)
	case protocol.FileRequest:
		return e.handleFileRequest(msg)
	case protocol.FileAck:
		return e.handleFileAck(msg)
	case protocol.TransferComplete:
		return e.handleTransferComplete(msg)
	case protocol.TransferError:
		return e.handleTransferError(msg)
	case protocol.DryRunReport:
		return e.handleDryRunReport(msg)
	case protocol.BatchData:
		return e.handleBatchData(msg)
	case protocol.DeltaData:
		return e.handleDeltaData(msg)
	case protocol.SyncComplete:
		return e.handleSyncComplete(msg)
	default:
		logging.Logf(nil, "transfer: unknown message code 0x%02X", msg[0])
		return nil
	}
}

func (e *Engine) handleTransferReady(msg []byte) error {
	tr, err := protocol.DecodeTransferReady(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts := e.pendingTransfer
	if ts == nil {
		ts, _ = e.interruptedUploads[tr.TransferID]
	}
	if ts == nil {
		e.mu.Unlock()
		logging.Logf(tr.TransferID, "transfer: TRANSFER_READY for unknown transfer")
		return nil
	}
	ts.ID = tr.TransferID
	ts.State = StateReady
	if tr.IsResume {
		ts.ResumePosition = &ResumePoint{FileIndex: tr.FileIndex, FileOffset: tr.FileOffset, BytesTransferred: tr.BytesTransferred}
		ts.CurrentFileIndex = tr.FileIndex
		ts.CurrentChunkOffset = tr.FileOffset
		ts.BytesTransferred = tr.BytesTransferred
		delete(e.interruptedUploads, tr.TransferID)
	}
	e.pendingTransfer = nil
	e.activeTransfers[ts.ID] = ts
	metrics.ActiveTransfers.Set(float64(len(e.activeTransfers)))
	e.mu.Unlock()

	if e.OnStart != nil {
		e.OnStart(ts.ID)
	}
	if ts.Options.DryRun {
		return nil
	}
	if ts.Direction == protocol.DirectionUpload {
		e.worker.WriteTransferMeta(worker.TransferMeta{
			TransferID:       ts.ID,
			Direction:        uint8(ts.Direction),
			ServerPath:       ts.ServerPath,
			FileIndex:        ts.CurrentFileIndex,
			FileOffset:       ts.CurrentChunkOffset,
			BytesTransferred: ts.BytesTransferred,
		})
		if err := e.send(protocol.EncodeFileListRequest(ts.ID, ts.TotalBytes, ts.Files)); err != nil {
			return err
		}
		return e.sendNextUploadChunk(ts)
	}
	return nil
}

func (e *Engine) handleTransferError(msg []byte) error {
	em, err := protocol.DecodeTransferError(msg)
	if err != nil {
		return err
	}
	e.failTransfer(em.TransferID, em.Message)
	return nil
}

func (e *Engine) handleDryRunReport(msg []byte) error {
	report, err := protocol.DecodeDryRunReport(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.purgeLocked(report.TransferID)
	e.mu.Unlock()
	if e.OnDryRunReport != nil {
		e.OnDryRunReport(report.TransferID, report)
	}
	return nil
}

// handleFileList applies a FILE_LIST or SYNC_FILE_LIST to its transfer:
// installs the manifest, decides zip-mode for a plain download, and kicks
// off the sync comparison pass for a sync.
func (e *Engine) handleFileList(msg []byte, isSync bool) error {
	fl, err := protocol.DecodeFileList(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.activeTransfers[fl.TransferID]
	if !ok {
		e.mu.Unlock()
		logging.Logf(fl.TransferID, "transfer: FILE_LIST for unknown transfer")
		return nil
	}
	ts.Files = fl.Files
	ts.TotalBytes = fl.TotalBytes
	nonDir := 0
	for _, f := range fl.Files {
		if !f.IsDir {
			nonDir++
		}
	}
	ts.nonDirCount = nonDir
	ts.UseZipMode = !isSync && nonDir > 1
	e.mu.Unlock()

	if isSync {
		return e.beginSync(ts)
	}
	return nil
}

// beginSync compares every non-directory entry against the local cache and
// requests block checksums for anything changed or uncached.
func (e *Engine) beginSync(ts *TransferState) error {
	metaMap, err := e.worker.CacheList(ts.ServerPath)
	if err != nil {
		logging.Errorf(ts.ID, "transfer: sync cache list for %s: %v", ts.ServerPath, err)
		metaMap = map[string]cache.FileMeta{}
	}
	changed := false
	for idx, f := range ts.Files {
		if f.IsDir {
			continue
		}
		if m, ok := metaMap[f.Path]; ok && m.Size == f.Size && m.Mtime == f.Mtime {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			continue
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		changed = true
		if err := e.sendBlockChecksums(ts, uint32(idx), f); err != nil {
			logging.Errorf(ts.ID, "transfer: send block checksums for %s: %v", f.Path, err)
		}
	}
	if !changed && ts.nonDirCount == 0 {
		// Nothing to compare at all; the server still owns emitting
		// SYNC_COMPLETE once it sees no outstanding BLOCK_CHECKSUMS.
		return nil
	}
	return nil
}

func (e *Engine) sendBlockChecksums(ts *TransferState, fileIndex uint32, entry protocol.FileEntry) error {
	data, _, ok := e.worker.CacheGet(ts.ServerPath, entry.Path)
	if !ok {
		return e.send(protocol.EncodeBlockChecksums(ts.ID, fileIndex, 0, nil))
	}
	blockSize := rsync.AdaptiveBlockSize(int64(len(data)))
	sums, err := e.worker.ComputeChecksums(ts.ServerPath, entry.Path, blockSize)
	if err != nil {
		return err
	}
	protoSums := make([]protocol.BlockChecksum, len(sums))
	for i, s := range sums {
		protoSums[i] = protocol.BlockChecksum{Rolling: s.Rolling, Strong: s.Strong}
	}
	return e.send(protocol.EncodeBlockChecksums(ts.ID, fileIndex, uint32(blockSize), protoSums))
}

// handleFileRequest applies one FILE_REQUEST chunk of a plain download,
// writing to temp storage in zip mode or reconstructing in memory for a
// single-file download, and reports the file complete once its accumulated
// bytes reach the size FILE_LIST declared.
func (e *Engine) handleFileRequest(msg []byte) error {
	fr, err := protocol.DecodeFileRequest(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.activeTransfers[fr.TransferID]
	e.mu.Unlock()
	if !ok {
		logging.Logf(fr.TransferID, "transfer: FILE_REQUEST for unknown transfer")
		return nil
	}
	if int(fr.FileIndex) >= len(ts.Files) {
		logging.Logf(fr.TransferID, "transfer: FILE_REQUEST for out-of-range file index %d", fr.FileIndex)
		return nil
	}
	entry := ts.Files[fr.FileIndex]

	e.mu.Lock()
	useZip := ts.UseZipMode
	e.mu.Unlock()

	var chunkLen int
	if useZip {
		// Zip-mode chunks are written straight to their offset in the
		// per-transfer temp file; DecompressAndWrite owns decompression so
		// out-of-order chunks never need reassembly in memory.
		n, _, err := e.worker.DecompressAndWrite(context.Background(), fr.TransferID, entry.Path, int64(fr.ChunkOffset), fr.Compressed, int64(entry.Size))
		if err != nil {
			e.failTransfer(fr.TransferID, "chunk decompression failed")
			return nil
		}
		chunkLen = n
	} else {
		data, err := e.worker.Decompress(fr.Compressed, int(fr.UncompressedSize))
		if err != nil {
			e.failTransfer(fr.TransferID, "chunk decompression failed")
			return nil
		}
		e.mu.Lock()
		if ts.directBuf == nil {
			ts.directBuf = make(map[uint32][]byte)
		}
		buf := ts.directBuf[fr.FileIndex]
		need := int(fr.ChunkOffset) + len(data)
		if len(buf) < need {
			grown := make([]byte, need)
			copy(grown, buf)
			buf = grown
		}
		copy(buf[fr.ChunkOffset:], data)
		ts.directBuf[fr.FileIndex] = buf
		e.mu.Unlock()
		chunkLen = len(data)
	}

	e.mu.Lock()
	ts.ReceivedChunks[fr.FileIndex] = append(ts.ReceivedChunks[fr.FileIndex], ChunkRange{Offset: fr.ChunkOffset, Length: uint64(chunkLen)})
	ts.BytesTransferred += uint64(chunkLen)
	received := chunkBytesReceived(ts, fr.FileIndex)
	progress, total := ts.BytesTransferred, ts.TotalBytes
	e.mu.Unlock()

	metrics.BytesTransferred.WithLabelValues("download").Add(float64(chunkLen))
	if e.OnProgress != nil {
		e.OnProgress(fr.TransferID, progress, total)
	}
	if received >= entry.Size {
		e.handleFileComplete(ts, fr.FileIndex, entry)
	}
	return nil
}

func chunkBytesReceived(ts *TransferState, fileIndex uint32) uint64 {
	var total uint64
	for _, c := range ts.ReceivedChunks[fileIndex] {
		total += c.Length
	}
	return total
}

// handleFileComplete finalizes one file of a download: zip mode, once
// TRANSFER_COMPLETE has been seen, resets the fallback-assembly timer (or
// assembles immediately if every file has now landed); single-file mode
// saves directly.
func (e *Engine) handleFileComplete(ts *TransferState, fileIndex uint32, entry protocol.FileEntry) {
	e.mu.Lock()
	ts.FilesCompleted++
	zip := ts.UseZipMode
	seen := ts.completeSeen
	allIn := seen && ts.nonDirCount > 0 && int(ts.FilesCompleted) >= ts.nonDirCount
	e.mu.Unlock()

	if zip {
		if allIn {
			e.assembleZip(ts.ID)
		} else if seen {
			e.resetZipFallback(ts.ID)
		}
		return
	}

	e.mu.Lock()
	data := ts.directBuf[fileIndex]
	delete(ts.directBuf, fileIndex)
	e.mu.Unlock()
	if e.OnFileSaved != nil {
		e.OnFileSaved(ts.ID, entry.Path, data)
	}
}

// resetZipFallback (re)arms the 2s force-assembly timer for a zip-mode
// transfer; called on TRANSFER_COMPLETE and on every subsequent file
// completion until assembly actually fires.
func (e *Engine) resetZipFallback(transferID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.zipTimers[transferID]; ok {
		t.Stop()
	}
	e.zipTimers[transferID] = time.AfterFunc(zipFallbackDelay, func() {
		e.assembleZip(transferID)
	})
}

// assembleZip commands the worker to build the archive from whatever
// arrived, fires OnZipReady/OnFileSaved exactly once (the first caller
// wins; duplicate zip-created races between the fallback timer and the
// natural all-files-in path are logged and dropped), and completes the
// transfer.
func (e *Engine) assembleZip(transferID uint32) {
	e.mu.Lock()
	if e.zipAssembled[transferID] {
		e.mu.Unlock()
		logging.Logf(transferID, "transfer: duplicate zip assembly for transfer, dropping")
		return
	}
	e.zipAssembled[transferID] = true
	if t, ok := e.zipTimers[transferID]; ok {
		t.Stop()
		delete(e.zipTimers, transferID)
	}
	ts, ok := e.activeTransfers[transferID]
	e.mu.Unlock()
	if !ok {
		return
	}

	folderName := filepath.Base(ts.ServerPath)
	if folderName == "." || folderName == "/" {
		folderName = "download"
	}
	zipBytes, filename, err := e.worker.CreateZipFromTemp(transferID, folderName)
	if err != nil {
		e.failTransfer(transferID, "zip assembly failed: "+err.Error())
		return
	}
	if e.OnZipReady != nil {
		e.OnZipReady(transferID, zipBytes, filename)
	}
	if e.OnFileSaved != nil {
		e.OnFileSaved(transferID, filename, zipBytes)
	}
	if err := e.worker.CleanupTemp(transferID); err != nil {
		logging.Debugf(transferID, "transfer: cleanup-temp after zip assembly: %v", err)
	}

	e.mu.Lock()
	e.purgeLocked(transferID)
	e.mu.Unlock()
	e.fireTerminal(transferID, func() {
		if e.OnComplete != nil {
			e.OnComplete(transferID)
		}
	})
}

// handleBatchData applies a BATCH_DATA envelope: one compression block
// amortized over several small files.
func (e *Engine) handleBatchData(msg []byte) error {
	bd, err := protocol.DecodeBatchData(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.activeTransfers[bd.TransferID]
	e.mu.Unlock()
	if !ok {
		logging.Logf(bd.TransferID, "transfer: BATCH_DATA for unknown transfer")
		return nil
	}

	decompressed, err := e.worker.Decompress(bd.Compressed, int(bd.UncompressedSize))
	if err != nil {
		e.failTransfer(bd.TransferID, "batch decompression failed")
		return nil
	}
	files, err := protocol.DecodeBatchFiles(decompressed)
	if err != nil {
		e.failTransfer(bd.TransferID, "batch payload malformed")
		return nil
	}

	for _, bf := range files {
		if int(bf.FileIndex) >= len(ts.Files) {
			continue
		}
		entry := ts.Files[bf.FileIndex]

		e.mu.Lock()
		ts.ReceivedChunks[bf.FileIndex] = append(ts.ReceivedChunks[bf.FileIndex], ChunkRange{Offset: 0, Length: uint64(len(bf.Raw))})
		ts.BytesTransferred += uint64(len(bf.Raw))
		zip := ts.UseZipMode
		progress, total := ts.BytesTransferred, ts.TotalBytes
		e.mu.Unlock()

		metrics.BytesTransferred.WithLabelValues("download").Add(float64(len(bf.Raw)))
		if e.OnProgress != nil {
			e.OnProgress(bd.TransferID, progress, total)
		}

		if zip {
			e.worker.WriteTempFile(context.Background(), bd.TransferID, entry.Path, bf.Raw)
			e.handleFileComplete(ts, bf.FileIndex, entry)
			continue
		}
		e.mu.Lock()
		ts.FilesCompleted++
		e.mu.Unlock()
		if e.OnFileSaved != nil {
			e.OnFileSaved(bd.TransferID, entry.Path, bf.Raw)
		}
	}
	return nil
}

// handleFileAck advances an upload: the server's ack is the flow-control
// cue for the next chunk.
func (e *Engine) handleFileAck(msg []byte) error {
	fa, err := protocol.DecodeFileAck(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.activeTransfers[fa.TransferID]
	if ok {
		ts.BytesTransferred = fa.BytesReceived
	}
	var total uint64
	if ok {
		total = ts.TotalBytes
	}
	e.mu.Unlock()
	if !ok {
		logging.Logf(fa.TransferID, "transfer: FILE_ACK for unknown transfer")
		return nil
	}
	if e.OnProgress != nil {
		e.OnProgress(fa.TransferID, fa.BytesReceived, total)
	}
	return e.sendNextUploadChunk(ts)
}

// sendNextUploadChunk reads, compresses, and sends the next chunk of the
// upload's file list, advancing past directories and finished files. It is
// a no-op once every file has been fully sent; the server's subsequent
// TRANSFER_COMPLETE ends the transfer.
func (e *Engine) sendNextUploadChunk(ts *TransferState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for int(ts.CurrentFileIndex) < len(ts.Files) {
		f := ts.Files[ts.CurrentFileIndex]
		if f.IsDir || ts.CurrentChunkOffset >= f.Size {
			if ts.uploadReader != nil {
				ts.uploadReader.Close()
				ts.uploadReader = nil
			}
			ts.CurrentFileIndex++
			ts.CurrentChunkOffset = 0
			continue
		}

		if ts.uploadReader == nil {
			rc, err := e.source.Open(f.Path)
			if err != nil {
				return errors.Wrapf(err, "transfer: open upload source %s", f.Path)
			}
			if ts.CurrentChunkOffset > 0 {
				if _, err := io.CopyN(io.Discard, rc, int64(ts.CurrentChunkOffset)); err != nil {
					rc.Close()
					return errors.Wrapf(err, "transfer: seek upload source %s", f.Path)
				}
			}
			ts.uploadReader = rc
		}

		remaining := f.Size - ts.CurrentChunkOffset
		n := uint64(chunkSize)
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(ts.uploadReader, buf); err != nil {
			ts.uploadReader.Close()
			ts.uploadReader = nil
			return errors.Wrapf(err, "transfer: read upload source %s", f.Path)
		}

		compressed := e.worker.Compress(buf)
		fileIndex := ts.CurrentFileIndex
		offset := ts.CurrentChunkOffset
		ts.CurrentChunkOffset += n
		if ts.CurrentChunkOffset >= f.Size {
			ts.uploadReader.Close()
			ts.uploadReader = nil
		}
		metrics.BytesTransferred.WithLabelValues("upload").Add(float64(n))

		if e.limiter != nil {
			if err := e.limiter.WaitN(context.Background(), int(n)); err != nil {
				return errors.Wrap(err, "transfer: bandwidth limiter")
			}
		}
		t := e.transport
		if t == nil {
			return errors.New("transfer: no file stream transport")
		}
		return t.Send(protocol.EncodeFileData(ts.ID, fileIndex, offset, uint32(len(buf)), compressed))
	}
	return nil
}

// handleTransferComplete finalizes a transfer: a zip-mode download arms (or
// fires) zip assembly, everything else completes immediately.
func (e *Engine) handleTransferComplete(msg []byte) error {
	tc, err := protocol.DecodeTransferComplete(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.activeTransfers[tc.TransferID]
	if !ok {
		e.mu.Unlock()
		logging.Logf(tc.TransferID, "transfer: TRANSFER_COMPLETE for unknown transfer")
		return nil
	}
	ts.State = StateComplete
	ts.TotalBytes = tc.TotalBytes
	ts.completeSeen = true
	zip := ts.UseZipMode
	allIn := ts.nonDirCount > 0 && int(ts.FilesCompleted) >= ts.nonDirCount
	e.mu.Unlock()

	if zip {
		if allIn {
			e.assembleZip(tc.TransferID)
		} else {
			e.resetZipFallback(tc.TransferID)
		}
		return nil
	}

	e.mu.Lock()
	e.purgeLocked(tc.TransferID)
	e.mu.Unlock()
	e.fireTerminal(tc.TransferID, func() {
		if e.OnComplete != nil {
			e.OnComplete(tc.TransferID)
		}
	})
	return nil
}

// handleDeltaData applies one DELTA_DATA file's COPY/LITERAL command stream
// against the cached copy, updates the cache (data then metadata), and
// acknowledges with SYNC_ACK.
func (e *Engine) handleDeltaData(msg []byte) error {
	dd, err := protocol.DecodeDeltaData(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ts, ok := e.activeTransfers[dd.TransferID]
	e.mu.Unlock()
	if !ok {
		logging.Logf(dd.TransferID, "transfer: DELTA_DATA for unknown transfer")
		return nil
	}
	if int(dd.FileIndex) >= len(ts.Files) {
		logging.Logf(dd.TransferID, "transfer: DELTA_DATA for out-of-range file index %d", dd.FileIndex)
		return nil
	}
	entry := ts.Files[dd.FileIndex]

	decompressed, err := e.worker.Decompress(dd.Compressed, int(dd.UncompressedSize))
	if err != nil {
		e.failTransfer(dd.TransferID, "delta decompression failed")
		return nil
	}
	newBytes, err := e.worker.ApplyDelta(ts.ServerPath, entry.Path, decompressed)
	if err != nil {
		e.failTransfer(dd.TransferID, "delta application failed")
		return nil
	}
	if err := e.worker.CachePut(ts.ServerPath, entry.Path, newBytes, cache.FileMeta{Size: entry.Size, Mtime: entry.Mtime, Hash: entry.Hash}); err != nil {
		// Cache writes are best-effort; a failed write never fails the
		// surrounding transfer.
		logging.Errorf(dd.TransferID, "transfer: cache put for %s failed: %v", entry.Path, err)
	}

	e.mu.Lock()
	ts.BytesTransferred += uint64(len(newBytes))
	ts.FilesCompleted++
	progress, total := ts.BytesTransferred, ts.TotalBytes
	e.mu.Unlock()
	if e.OnProgress != nil {
		e.OnProgress(dd.TransferID, progress, total)
	}

	return e.send(protocol.EncodeSyncAck(dd.TransferID, dd.FileIndex, uint64(len(newBytes))))
}

// handleSyncComplete finalizes a sync transfer once every changed file has
// been acknowledged.
func (e *Engine) handleSyncComplete(msg []byte) error {
	sc, err := protocol.DecodeSyncComplete(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.purgeLocked(sc.TransferID)
	e.mu.Unlock()
	e.fireTerminal(sc.TransferID, func() {
		if e.OnComplete != nil {
			e.OnComplete(sc.TransferID)
		}
	})
	return nil
}
