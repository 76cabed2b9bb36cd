package protocol

import (
	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/wire"
)

// TransferReadyMsg is the decoded TRANSFER_READY payload. The server uses two
// layouts: a 5-byte basic form for a fresh transfer, and a 25-byte extended
// form carrying the resume point when the transfer is a resume. IsResume
// distinguishes which form arrived.
type TransferReadyMsg struct {
	TransferID       uint32
	IsResume         bool
	FileIndex        uint32
	FileOffset       uint64
	BytesTransferred uint64
}

// DecodeTransferReady branches on message length to accept both forms.
func DecodeTransferReady(msg []byte) (TransferReadyMsg, error) {
	var tr TransferReadyMsg
	r := wire.NewReader(msg[1:])
	transferID, err := r.U32()
	if err != nil {
		return tr, err
	}
	tr.TransferID = transferID
	switch len(msg) {
	case 5:
		return tr, nil
	case 25:
		tr.IsResume = true
		if tr.FileIndex, err = r.U32(); err != nil {
			return tr, err
		}
		if tr.FileOffset, err = r.U64(); err != nil {
			return tr, err
		}
		if tr.BytesTransferred, err = r.U64(); err != nil {
			return tr, err
		}
		return tr, nil
	default:
		return tr, errors.Errorf("protocol: TRANSFER_READY has unexpected length %d", len(msg))
	}
}

// FileListMsg is the decoded FILE_LIST / SYNC_FILE_LIST payload; both share
// the same entry layout.
type FileListMsg struct {
	TransferID uint32
	TotalBytes uint64
	Files      []FileEntry
}

// DecodeFileList decodes a FILE_LIST or SYNC_FILE_LIST message; msg is the
// whole message and its type byte msg[0] is skipped.
func DecodeFileList(msg []byte) (FileListMsg, error) {
	var fl FileListMsg
	r := wire.NewReader(msg[1:])
	transferID, err := r.U32()
	if err != nil {
		return fl, err
	}
	fileCount, err := r.U32()
	if err != nil {
		return fl, err
	}
	totalBytes, err := r.U64()
	if err != nil {
		return fl, err
	}
	fl.TransferID, fl.TotalBytes = transferID, totalBytes
	for i := uint32(0); i < fileCount; i++ {
		path, err := r.StringU16()
		if err != nil {
			return fl, err
		}
		size, err := r.U64()
		if err != nil {
			return fl, err
		}
		mtime, err := r.U64()
		if err != nil {
			return fl, err
		}
		hash, err := r.U64()
		if err != nil {
			return fl, err
		}
		isDir, err := r.Byte()
		if err != nil {
			return fl, err
		}
		fl.Files = append(fl.Files, FileEntry{Path: path, Size: size, Mtime: mtime, Hash: hash, IsDir: isDir != 0})
	}
	return fl, nil
}

// FileRequestMsg is the decoded FILE_REQUEST payload.
type FileRequestMsg struct {
	TransferID       uint32
	FileIndex        uint32
	ChunkOffset      uint64
	UncompressedSize uint32
	Compressed       []byte
}

// DecodeFileRequest decodes a FILE_REQUEST message.
func DecodeFileRequest(msg []byte) (FileRequestMsg, error) {
	var m FileRequestMsg
	r := wire.NewReader(msg[1:])
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.FileIndex, err = r.U32(); err != nil {
		return m, err
	}
	if m.ChunkOffset, err = r.U64(); err != nil {
		return m, err
	}
	if m.UncompressedSize, err = r.U32(); err != nil {
		return m, err
	}
	m.Compressed = r.Rest()
	return m, nil
}

// FileAckMsg is the decoded FILE_ACK payload.
type FileAckMsg struct {
	TransferID    uint32
	BytesReceived uint64
}

// DecodeFileAck decodes a FILE_ACK message.
func DecodeFileAck(msg []byte) (FileAckMsg, error) {
	var m FileAckMsg
	r := wire.NewReader(msg[1:])
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.BytesReceived, err = r.U64(); err != nil {
		return m, err
	}
	return m, nil
}

// TransferCompleteMsg is the decoded TRANSFER_COMPLETE payload.
type TransferCompleteMsg struct {
	TransferID uint32
	TotalBytes uint64
}

// DecodeTransferComplete decodes a TRANSFER_COMPLETE message. The wire
// layout is the same shape as FileAck (id + 8-byte total); kept distinct so
// call sites read clearly.
func DecodeTransferComplete(msg []byte) (TransferCompleteMsg, error) {
	r := wire.NewReader(msg[1:])
	var m TransferCompleteMsg
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.TotalBytes, err = r.U64(); err != nil {
		return m, err
	}
	return m, nil
}

// TransferErrorMsg is the decoded TRANSFER_ERROR payload.
type TransferErrorMsg struct {
	TransferID uint32
	Message    string
}

// DecodeTransferError decodes a TRANSFER_ERROR message.
func DecodeTransferError(msg []byte) (TransferErrorMsg, error) {
	r := wire.NewReader(msg[1:])
	var m TransferErrorMsg
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.Message, err = r.StringU16(); err != nil {
		return m, err
	}
	return m, nil
}

// DryRunAction is the action kind of one DRY_RUN_REPORT entry.
type DryRunAction uint8

// The three dry-run action kinds.
const (
	DryRunCreate DryRunAction = 0
	DryRunUpdate DryRunAction = 1
	DryRunDelete DryRunAction = 2
)

// DryRunEntry is one entry of a DRY_RUN_REPORT.
type DryRunEntry struct {
	Action DryRunAction
	Path   string
	Size   uint64
}

// DryRunReportMsg is the decoded DRY_RUN_REPORT payload.
type DryRunReportMsg struct {
	TransferID              uint32
	NewCount, UpdateCount, DeleteCount uint32
	Entries                 []DryRunEntry
}

// DecodeDryRunReport decodes a DRY_RUN_REPORT message.
func DecodeDryRunReport(msg []byte) (DryRunReportMsg, error) {
	var m DryRunReportMsg
	r := wire.NewReader(msg[1:])
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.NewCount, err = r.U32(); err != nil {
		return m, err
	}
	if m.UpdateCount, err = r.U32(); err != nil {
		return m, err
	}
	if m.DeleteCount, err = r.U32(); err != nil {
		return m, err
	}
	total := m.NewCount + m.UpdateCount + m.DeleteCount
	for i := uint32(0); i < total; i++ {
		actionByte, err := r.Byte()
		if err != nil {
			return m, err
		}
		path, err := r.StringU16()
		if err != nil {
			return m, err
		}
		size, err := r.U64()
		if err != nil {
			return m, err
		}
		m.Entries = append(m.Entries, DryRunEntry{Action: DryRunAction(actionByte), Path: path, Size: size})
	}
	return m, nil
}

// BatchDataMsg is the decoded BATCH_DATA envelope; the caller decompresses
// Compressed and passes it to DecodeBatchFiles.
type BatchDataMsg struct {
	TransferID       uint32
	UncompressedSize uint32
	Compressed       []byte
}

// DecodeBatchData decodes the BATCH_DATA envelope.
func DecodeBatchData(msg []byte) (BatchDataMsg, error) {
	var m BatchDataMsg
	r := wire.NewReader(msg[1:])
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.UncompressedSize, err = r.U32(); err != nil {
		return m, err
	}
	m.Compressed = r.Rest()
	return m, nil
}

// BatchFile is one file of a decompressed BATCH_DATA payload.
type BatchFile struct {
	FileIndex uint32
	Raw       []byte
}

// DecodeBatchFiles parses the decompressed batch payload:
// [fileCount:2] then per file (fileIndex:4, size:4, rawBytes).
func DecodeBatchFiles(decompressed []byte) ([]BatchFile, error) {
	r := wire.NewReader(decompressed)
	fileCount, err := r.U16()
	if err != nil {
		return nil, err
	}
	files := make([]BatchFile, 0, fileCount)
	for i := uint16(0); i < fileCount; i++ {
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		size, err := r.U32()
		if err != nil {
			return nil, err
		}
		raw, err := r.Bytes(int(size))
		if err != nil {
			return nil, err
		}
		files = append(files, BatchFile{FileIndex: idx, Raw: raw})
	}
	return files, nil
}

// DeltaDataMsg is the decoded DELTA_DATA envelope; Compressed decompresses
// to a sequence of delta commands (see rsync.ApplyDelta).
type DeltaDataMsg struct {
	TransferID       uint32
	FileIndex        uint32
	UncompressedSize uint32
	Compressed       []byte
}

// DecodeDeltaData decodes the DELTA_DATA envelope.
func DecodeDeltaData(msg []byte) (DeltaDataMsg, error) {
	var m DeltaDataMsg
	r := wire.NewReader(msg[1:])
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.FileIndex, err = r.U32(); err != nil {
		return m, err
	}
	if m.UncompressedSize, err = r.U32(); err != nil {
		return m, err
	}
	m.Compressed = r.Rest()
	return m, nil
}

// SyncCompleteMsg is the decoded SYNC_COMPLETE payload.
type SyncCompleteMsg struct {
	TransferID       uint32
	FilesSynced      uint32
	BytesTransferred uint64
}

// DecodeSyncComplete decodes a SYNC_COMPLETE message.
func DecodeSyncComplete(msg []byte) (SyncCompleteMsg, error) {
	var m SyncCompleteMsg
	r := wire.NewReader(msg[1:])
	var err error
	if m.TransferID, err = r.U32(); err != nil {
		return m, err
	}
	if m.FilesSynced, err = r.U32(); err != nil {
		return m, err
	}
	if m.BytesTransferred, err = r.U64(); err != nil {
		return m, err
	}
	return m, nil
}
