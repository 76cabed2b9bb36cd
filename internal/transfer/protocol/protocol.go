// Package protocol implements the file-transfer wire messages: encoding for
// every client-to-server message and decoding for every server-to-client
// message, per the binary layouts in the file-transfer engine design. All
// multi-byte integers are little-endian; strings are UTF-8 with an explicit
// u16 length prefix unless noted.
package protocol

import "github.com/teamchong/termweb-sub002/internal/wire"

// Client -> server message type codes.
const (
	TransferInit     = 0x20
	FileListRequest  = 0x21
	FileData         = 0x22
	TransferResume   = 0x23
	TransferCancel   = 0x24
	SyncRequest      = 0x25
	BlockChecksums   = 0x26
	SyncAck          = 0x27
)

// Server -> client message type codes.
const (
	TransferReady    = 0x30
	FileList         = 0x31
	FileRequest      = 0x32
	FileAck          = 0x33
	TransferComplete = 0x34
	TransferError    = 0x35
	DryRunReport     = 0x36
	BatchData        = 0x37
	SyncFileList     = 0x38
	DeltaData        = 0x39
	SyncComplete     = 0x3A
)

// Direction distinguishes an upload transfer from a download.
type Direction uint8

// The two transfer directions carried in TRANSFER_INIT.
const (
	DirectionUpload   Direction = 0
	DirectionDownload Direction = 1
)

// Init flag bits, packed into TRANSFER_INIT's single flags byte.
const (
	FlagDeleteExtra = 1 << 0
	FlagDryRun      = 1 << 1
	FlagUseGitignore = 1 << 2
)

// FileEntry is one entry of a FILE_LIST / SYNC_FILE_LIST payload.
type FileEntry struct {
	Path  string
	Size  uint64
	Mtime uint64
	Hash  uint64
	IsDir bool
}

// EncodeTransferInit builds a TRANSFER_INIT message.
func EncodeTransferInit(dir Direction, flags byte, path string, excludes []string) []byte {
	w := wire.NewWriter(16 + len(path))
	w.Byte(TransferInit).Byte(byte(dir)).Byte(flags).Byte(byte(len(excludes)))
	w.StringU16(path)
	for _, e := range excludes {
		w.Byte(byte(len(e))).Bytes([]byte(e))
	}
	return w.Build()
}

// EncodeFileListRequest builds a FILE_LIST_REQUEST message. For a download
// it carries no entries (an empty manifest asking the server to push its
// FILE_LIST); for an upload the client already knows what it intends to
// send and uses the same message, populated with its own manifest, to
// declare file paths/sizes/mtimes the per-chunk FILE_DATA messages never
// carry. Entry layout matches FILE_LIST/SYNC_FILE_LIST for symmetry.
func EncodeFileListRequest(transferID uint32, totalBytes uint64, files []FileEntry) []byte {
	w := wire.NewWriter(17)
	w.Byte(FileListRequest).U32(transferID).U32(uint32(len(files))).U64(totalBytes)
	for _, f := range files {
		w.StringU16(f.Path).U64(f.Size).U64(f.Mtime).U64(f.Hash)
		var isDir byte
		if f.IsDir {
			isDir = 1
		}
		w.Byte(isDir)
	}
	return w.Build()
}

// EncodeFileData builds a FILE_DATA chunk message.
func EncodeFileData(transferID, fileIndex uint32, chunkOffset uint64, uncompressedSize uint32, compressed []byte) []byte {
	w := wire.NewWriter(21 + len(compressed))
	w.Byte(FileData).U32(transferID).U32(fileIndex).U64(chunkOffset).U32(uncompressedSize).Bytes(compressed)
	return w.Build()
}

// EncodeTransferResume builds a TRANSFER_RESUME message.
func EncodeTransferResume(transferID uint32) []byte {
	return wire.NewWriter(5).Byte(TransferResume).U32(transferID).Build()
}

// EncodeTransferCancel builds a TRANSFER_CANCEL message.
func EncodeTransferCancel(transferID uint32) []byte {
	return wire.NewWriter(5).Byte(TransferCancel).U32(transferID).Build()
}

// EncodeSyncRequest builds a SYNC_REQUEST message.
func EncodeSyncRequest(flags byte, path string, excludes []string) []byte {
	w := wire.NewWriter(8 + len(path))
	w.Byte(SyncRequest).Byte(flags).StringU16(path).Byte(byte(len(excludes)))
	for _, e := range excludes {
		w.Byte(byte(len(e))).Bytes([]byte(e))
	}
	return w.Build()
}

// BlockChecksum is one (rolling, strong) pair of a BLOCK_CHECKSUMS message.
type BlockChecksum struct {
	Rolling uint32
	Strong  uint64
}

// EncodeBlockChecksums builds a BLOCK_CHECKSUMS message. Pass blockSize=0
// and no checksums to signal "no cached copy exists".
func EncodeBlockChecksums(transferID, fileIndex, blockSize uint32, sums []BlockChecksum) []byte {
	w := wire.NewWriter(17 + len(sums)*12)
	w.Byte(BlockChecksums).U32(transferID).U32(fileIndex).U32(blockSize).U32(uint32(len(sums)))
	for _, s := range sums {
		w.U32(s.Rolling).U64(s.Strong)
	}
	return w.Build()
}

// EncodeSyncAck builds a SYNC_ACK message.
func EncodeSyncAck(transferID, fileIndex uint32, bytesApplied uint64) []byte {
	return wire.NewWriter(17).Byte(SyncAck).U32(transferID).U32(fileIndex).U64(bytesApplied).Build()
}
