package transfer

import (
	"io"

	"github.com/teamchong/termweb-sub002/internal/transfer/protocol"
)

// State is a TransferState's lifecycle stage. Complete and Error are the
// only terminal states; a TransferState reaches one of them at most once.
type State int

// The five TransferState lifecycle stages.
const (
	StatePending State = iota
	StateReady
	StateTransferring
	StateComplete
	StateError
)

// ChunkRange is one received (offset, length) span of a file being
// downloaded; the engine reassembles out-of-order chunks by offset.
type ChunkRange struct {
	Offset uint64
	Length uint64
}

// ResumePoint is where an interrupted upload should continue from.
type ResumePoint struct {
	FileIndex        uint32
	FileOffset       uint64
	BytesTransferred uint64
}

// Options mirrors TRANSFER_INIT's flags byte plus the path/exclude list the
// engine must remember to re-issue TRANSFER_INIT on dry-run confirmation.
type Options struct {
	DeleteExtra   bool
	DryRun        bool
	UseGitignore  bool
	Path          string
	Excludes      []string
}

func (o Options) flags() byte {
	var f byte
	if o.DeleteExtra {
		f |= protocol.FlagDeleteExtra
	}
	if o.DryRun {
		f |= protocol.FlagDryRun
	}
	if o.UseGitignore {
		f |= protocol.FlagUseGitignore
	}
	return f
}

// TransferState is the full per-transfer record the data model describes.
type TransferState struct {
	ID                uint32
	Direction         protocol.Direction
	IsSync            bool
	Files             []protocol.FileEntry
	TotalBytes        uint64
	BytesTransferred  uint64
	CurrentFileIndex  uint32
	CurrentChunkOffset uint64
	State             State
	ReceivedChunks    map[uint32][]ChunkRange
	ServerPath        string
	Options           Options
	UseZipMode        bool
	FilesCompleted    uint32
	ResumePosition    *ResumePoint

	errMessage string

	// nonDirCount and completeSeen drive the zip-mode fallback-timer
	// policy: the timer only matters once the server has reported
	// TRANSFER_COMPLETE, and assembly fires the instant every non-directory
	// file has landed.
	nonDirCount  int
	completeSeen bool

	// directBuf reconstructs a single-file (non-zip-mode) download in
	// memory, keyed by fileIndex so out-of-order chunks land at the right
	// offset.
	directBuf map[uint32][]byte

	// uploadReader is the open source handle for the file currently being
	// chunked; kept across sendNextUploadChunk calls so an upload with many
	// chunks doesn't reopen its source file per chunk.
	uploadReader io.ReadCloser
}

func newTransferState(dir protocol.Direction, opts Options, files []protocol.FileEntry) *TransferState {
	var total uint64
	nonDir := 0
	for _, f := range files {
		total += f.Size
		if !f.IsDir {
			nonDir++
		}
	}
	return &TransferState{
		Direction:      dir,
		Options:        opts,
		ServerPath:     opts.Path,
		State:          StatePending,
		Files:          files,
		TotalBytes:     total,
		nonDirCount:    nonDir,
		ReceivedChunks: make(map[uint32][]ChunkRange),
	}
}
