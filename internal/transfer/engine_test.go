package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchong/termweb-sub002/internal/cache"
	"github.com/teamchong/termweb-sub002/internal/transfer/protocol"
	"github.com/teamchong/termweb-sub002/internal/wire"
	"github.com/teamchong/termweb-sub002/internal/worker"
)

// fakeTransport records every message the engine sends.
type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) { return nil, io.EOF }
func (f *fakeTransport) Close() error             { return nil }

func (f *fakeTransport) byCode(code byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.sent {
		if len(m) > 0 && m[0] == code {
			out = append(out, m)
		}
	}
	return out
}

// memSource serves upload bytes from a map.
type memSource map[string][]byte

func (s memSource) Open(path string) (io.ReadCloser, error) {
	data, ok := s[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// recorder captures the callback sequence a transfer UI would observe.
type recorder struct {
	mu     sync.Mutex
	events []string
	saved  map[string][]byte
	zips   [][]byte
}

func (r *recorder) hook(e *Engine) {
	r.saved = make(map[string][]byte)
	e.OnStart = func(id uint32) { r.add("start") }
	e.OnProgress = func(id uint32, done, total uint64) { r.add(fmt.Sprintf("progress(%d)", done)) }
	e.OnComplete = func(id uint32) { r.add("complete") }
	e.OnError = func(id uint32, msg string) { r.add("error:" + msg) }
	e.OnCancelled = func(id uint32) { r.add("cancelled") }
	e.OnFileSaved = func(id uint32, path string, data []byte) {
		r.mu.Lock()
		r.saved[path] = append([]byte(nil), data...)
		r.mu.Unlock()
	}
	e.OnZipReady = func(id uint32, zipBytes []byte, filename string) {
		r.mu.Lock()
		r.zips = append(r.zips, append([]byte(nil), zipBytes...))
		r.mu.Unlock()
	}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestEngine(t *testing.T, source UploadSource) (*Engine, *fakeTransport, *worker.Host, *recorder) {
	t.Helper()
	store := cache.New(filepath.Join(t.TempDir(), "cache"))
	w, err := worker.New(filepath.Join(t.TempDir(), "temp"), store, nil)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	e := New(w, store, source)
	ft := &fakeTransport{}
	e.SetTransport(ft)
	rec := &recorder{}
	rec.hook(e)
	return e, ft, w, rec
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func transferReady(id uint32) []byte {
	return wire.NewWriter(5).Byte(protocol.TransferReady).U32(id).Build()
}

func fileList(code byte, id uint32, total uint64, files []protocol.FileEntry) []byte {
	w := wire.NewWriter(64).Byte(code).U32(id).U32(uint32(len(files))).U64(total)
	for _, f := range files {
		isDir := byte(0)
		if f.IsDir {
			isDir = 1
		}
		w.StringU16(f.Path).U64(f.Size).U64(f.Mtime).U64(f.Hash).Byte(isDir)
	}
	return w.Build()
}

func fileAck(id uint32, received uint64) []byte {
	return wire.NewWriter(13).Byte(protocol.FileAck).U32(id).U64(received).Build()
}

func transferComplete(id uint32, total uint64) []byte {
	return wire.NewWriter(13).Byte(protocol.TransferComplete).U32(id).U64(total).Build()
}

func fileRequest(t *testing.T, id, fileIndex uint32, offset uint64, raw []byte) []byte {
	comp := compress(t, raw)
	return wire.NewWriter(17 + len(comp)).Byte(protocol.FileRequest).U32(id).U32(fileIndex).
		U64(offset).U32(uint32(len(raw))).Bytes(comp).Build()
}

func syncComplete(id, filesSynced uint32, total uint64) []byte {
	return wire.NewWriter(17).Byte(protocol.SyncComplete).U32(id).U32(filesSynced).U64(total).Build()
}

func TestUploadTwoFiles(t *testing.T) {
	src := memSource{
		"a.txt": bytes.Repeat([]byte{'A'}, 10),
		"b.txt": bytes.Repeat([]byte{'B'}, 20),
	}
	e, ft, _, rec := newTestEngine(t, src)

	files := []protocol.FileEntry{
		{Path: "a.txt", Size: 10},
		{Path: "b.txt", Size: 20},
	}
	require.NoError(t, e.StartUpload(Options{Path: "/remote/dir"}, files))
	require.Len(t, ft.byCode(protocol.TransferInit), 1)

	require.NoError(t, e.Dispatch(transferReady(7)))
	require.Len(t, ft.byCode(protocol.FileListRequest), 1)
	require.Len(t, ft.byCode(protocol.FileData), 1, "first chunk sent on ready")

	require.NoError(t, e.Dispatch(fileAck(7, 10)))
	require.Len(t, ft.byCode(protocol.FileData), 2, "ack drives the next chunk")

	require.NoError(t, e.Dispatch(fileAck(7, 30)))
	require.Len(t, ft.byCode(protocol.FileData), 2, "no data left to send")

	require.NoError(t, e.Dispatch(transferComplete(7, 30)))
	assert.Equal(t, []string{"start", "progress(10)", "progress(30)", "complete"}, rec.list())

	// the chunk payloads round-trip to the source bytes
	data := ft.byCode(protocol.FileData)
	msg, err := protocol.DecodeFileRequest(data[0]) // same layout as FILE_DATA
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(msg.Compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, src["a.txt"], raw)
}

func TestZipModeMultiFileDownload(t *testing.T) {
	e, _, w, rec := newTestEngine(t, nil)

	require.NoError(t, e.StartDownload(Options{Path: "/srv/project"}))
	require.NoError(t, e.Dispatch(transferReady(9)))

	files := []protocol.FileEntry{
		{Path: "one.txt", Size: 3},
		{Path: "sub/two.txt", Size: 4},
		{Path: "three.txt", Size: 5},
	}
	require.NoError(t, e.Dispatch(fileList(protocol.FileList, 9, 12, files)))

	require.NoError(t, e.Dispatch(fileRequest(t, 9, 0, 0, []byte("abc"))))
	require.NoError(t, e.Dispatch(fileRequest(t, 9, 1, 0, []byte("defg"))))
	require.NoError(t, e.Dispatch(fileRequest(t, 9, 2, 0, []byte("hijkl"))))
	require.NoError(t, e.Dispatch(transferComplete(9, 12)))

	require.Len(t, rec.zips, 1, "exactly one zip save fires")
	zip := rec.zips[0]
	assert.Equal(t, []byte{0x50, 0x4B, 0x03, 0x04}, zip[:4])

	// EOCD total-entry count lives 10 bytes before the comment-length field
	eocd := zip[len(zip)-22:]
	assert.Equal(t, []byte{0x50, 0x4B, 0x05, 0x06}, eocd[:4])
	assert.Equal(t, uint16(3), uint16(eocd[10])|uint16(eocd[11])<<8)

	events := rec.list()
	assert.Equal(t, "complete", events[len(events)-1])

	// cleanup-temp ran: the staging area is gone
	_, err := w.GetFile(9, "one.txt")
	assert.Error(t, err)
}

func TestSingleFileDownloadOutOfOrderChunks(t *testing.T) {
	e, _, _, rec := newTestEngine(t, nil)

	require.NoError(t, e.StartDownload(Options{Path: "/srv/big"}))
	require.NoError(t, e.Dispatch(transferReady(3)))
	require.NoError(t, e.Dispatch(fileList(protocol.FileList, 3, 8, []protocol.FileEntry{{Path: "big.bin", Size: 8}})))

	// second half arrives first
	require.NoError(t, e.Dispatch(fileRequest(t, 3, 0, 4, []byte("WXYZ"))))
	require.NoError(t, e.Dispatch(fileRequest(t, 3, 0, 0, []byte("STUV"))))

	assert.Equal(t, []byte("STUVWXYZ"), rec.saved["big.bin"])
}

func TestSyncUnchangedFileSkipped(t *testing.T) {
	e, ft, w, rec := newTestEngine(t, nil)

	content := bytes.Repeat([]byte{'m'}, 100)
	require.NoError(t, w.CachePut("/srv/x", "m.txt", content, cache.FileMeta{Size: 100, Mtime: 1700000000, Hash: 42}))

	require.NoError(t, e.StartSync(Options{Path: "/srv/x"}))
	require.NoError(t, e.Dispatch(transferReady(5)))
	require.NoError(t, e.Dispatch(fileList(protocol.SyncFileList, 5, 100, []protocol.FileEntry{
		{Path: "m.txt", Size: 100, Mtime: 1700000000, Hash: 42},
	})))

	assert.Empty(t, ft.byCode(protocol.BlockChecksums), "unchanged file sends no checksums")

	require.NoError(t, e.Dispatch(syncComplete(5, 0, 0)))
	assert.Equal(t, []string{"start", "complete"}, rec.list())

	got, _, ok := w.CacheGet("/srv/x", "m.txt")
	require.True(t, ok)
	assert.Equal(t, content, got)
}

func TestSyncLiteralOnlyDelta(t *testing.T) {
	e, ft, w, rec := newTestEngine(t, nil)

	require.NoError(t, e.StartSync(Options{Path: "/srv/x"}))
	require.NoError(t, e.Dispatch(transferReady(6)))
	require.NoError(t, e.Dispatch(fileList(protocol.SyncFileList, 6, 5, []protocol.FileEntry{
		{Path: "n.txt", Size: 5, Mtime: 1700000100, Hash: 99},
	})))

	sums := ft.byCode(protocol.BlockChecksums)
	require.Len(t, sums, 1)
	// [0x26][id:4][fileIndex:4][blockSize:4][count:4] with no cached copy
	assert.Equal(t, wire.NewWriter(17).Byte(protocol.BlockChecksums).U32(6).U32(0).U32(0).U32(0).Build(), sums[0])

	delta := []byte{0x01, 5, 0, 0, 0, 'H', 'E', 'L', 'L', 'O'}
	comp := compress(t, delta)
	msg := wire.NewWriter(13 + len(comp)).Byte(protocol.DeltaData).U32(6).U32(0).U32(uint32(len(delta))).Bytes(comp).Build()
	require.NoError(t, e.Dispatch(msg))

	acks := ft.byCode(protocol.SyncAck)
	require.Len(t, acks, 1)
	assert.Equal(t, wire.NewWriter(17).Byte(protocol.SyncAck).U32(6).U32(0).U64(5).Build(), acks[0])

	require.NoError(t, e.Dispatch(syncComplete(6, 1, 5)))

	got, meta, ok := w.CacheGet("/srv/x", "n.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("HELLO"), got)
	assert.Equal(t, uint64(5), meta.Size)

	events := rec.list()
	assert.Equal(t, "complete", events[len(events)-1])
}

func TestSecondPendingTransferFails(t *testing.T) {
	e, ft, _, _ := newTestEngine(t, nil)

	require.NoError(t, e.StartDownload(Options{Path: "/a"}))
	err := e.StartDownload(Options{Path: "/b"})
	require.Error(t, err)

	// only the first TRANSFER_INIT went out; engine state is untouched
	assert.Len(t, ft.byCode(protocol.TransferInit), 1)
	require.NoError(t, e.Dispatch(transferReady(1)))
}

func TestTerminalStateExclusivity(t *testing.T) {
	e, _, _, rec := newTestEngine(t, nil)

	require.NoError(t, e.StartDownload(Options{Path: "/srv/one"}))
	require.NoError(t, e.Dispatch(transferReady(4)))
	require.NoError(t, e.Dispatch(fileList(protocol.FileList, 4, 2, []protocol.FileEntry{{Path: "f", Size: 2}})))
	require.NoError(t, e.Dispatch(fileRequest(t, 4, 0, 0, []byte("ok"))))
	require.NoError(t, e.Dispatch(transferComplete(4, 2)))

	// a late error for the same id must not fire a second terminal callback
	errMsg := wire.NewWriter(11).Byte(protocol.TransferError).U32(4).StringU16("boom").Build()
	require.NoError(t, e.Dispatch(errMsg))

	events := rec.list()
	assert.Contains(t, events, "complete")
	for _, ev := range events {
		assert.NotContains(t, ev, "error")
	}
}

func TestCancelPurgesAndNotifiesOnce(t *testing.T) {
	e, ft, _, rec := newTestEngine(t, nil)

	require.NoError(t, e.StartDownload(Options{Path: "/srv/c"}))
	require.NoError(t, e.Dispatch(transferReady(8)))
	require.NoError(t, e.Cancel(8))

	require.Len(t, ft.byCode(protocol.TransferCancel), 1)
	assert.Equal(t, []string{"start", "cancelled"}, rec.list())

	// a straggling TRANSFER_COMPLETE is ignored
	require.NoError(t, e.Dispatch(transferComplete(8, 0)))
	assert.Equal(t, []string{"start", "cancelled"}, rec.list())
}

func TestDisconnectInterruptsUploadAndFailsDownload(t *testing.T) {
	src := memSource{"u.bin": bytes.Repeat([]byte{'u'}, 4)}
	e, ft, _, rec := newTestEngine(t, src)

	require.NoError(t, e.StartUpload(Options{Path: "/up"}, []protocol.FileEntry{{Path: "u.bin", Size: 4}}))
	require.NoError(t, e.Dispatch(transferReady(11)))

	// a concurrent download does not survive the disconnect
	require.NoError(t, e.StartDownload(Options{Path: "/down"}))
	require.NoError(t, e.Dispatch(transferReady(12)))

	e.HandleDisconnect()
	events := rec.list()
	assert.Contains(t, events, "error:connection lost", "downloads fail on stream loss")
	assert.Equal(t, 1, countOf(events, "error:connection lost"), "only the download fails; the upload is interrupted")

	e.HandleReconnect()
	resumes := ft.byCode(protocol.TransferResume)
	require.Len(t, resumes, 1)
	assert.Equal(t, wire.NewWriter(5).Byte(protocol.TransferResume).U32(11).Build(), resumes[0])

	// extended (25-byte) TRANSFER_READY carries the resume point
	ready := wire.NewWriter(25).Byte(protocol.TransferReady).U32(11).U32(0).U64(0).U64(0).Build()
	require.NoError(t, e.Dispatch(ready))
	require.NoError(t, e.Dispatch(transferComplete(11, 4)))
	events = rec.list()
	assert.Equal(t, "complete", events[len(events)-1])
}

func countOf(events []string, want string) int {
	n := 0
	for _, ev := range events {
		if ev == want {
			n++
		}
	}
	return n
}

func TestDryRunReportSurfaced(t *testing.T) {
	e, _, _, rec := newTestEngine(t, nil)
	var report *protocol.DryRunReportMsg
	e.OnDryRunReport = func(id uint32, r protocol.DryRunReportMsg) { report = &r }

	require.NoError(t, e.StartDownload(Options{Path: "/srv/d", DryRun: true}))
	require.NoError(t, e.Dispatch(transferReady(12)))

	msg := wire.NewWriter(32).Byte(protocol.DryRunReport).U32(12).U32(1).U32(0).U32(0).
		Byte(0).StringU16("new.txt").U64(9).Build()
	require.NoError(t, e.Dispatch(msg))

	require.NotNil(t, report)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "new.txt", report.Entries[0].Path)
	assert.NotContains(t, rec.list(), "complete", "dry run never completes a transfer")
}
