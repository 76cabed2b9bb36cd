// Package zipwriter streams a ZIP archive out of stored (uncompressed)
// entries, matching the exact on-wire field values the transfer protocol
// requires:
// version-needed 20, flags 0, compression method 0 (stored), zeroed mod-time
// and mod-date. This is a minimal hand-written encoder rather than
// archive/zip, because archive/zip's FileHeader does not let a caller pin
// every one of those fields to the literal values the contract requires.
package zipwriter

import (
	"hash/crc32"

	"github.com/teamchong/termweb-sub002/internal/wire"
)

const (
	localFileHeaderSig = 0x04034b50
	centralDirSig       = 0x02014b50
	eocdSig              = 0x06054b50
	versionNeeded         = 20
)

// Entry is one file to stage into the archive.
type Entry struct {
	Name string
	Data []byte
}

// Build assembles a complete ZIP archive from entries, stored uncompressed.
func Build(entries []Entry) []byte {
	w := wire.NewWriter(0)

	type centralRecord struct {
		name      string
		crc       uint32
		size      uint32
		offset    uint32
	}
	var central []centralRecord

	for _, e := range entries {
		offset := uint32(len(w.Build()))
		crc := crc32.ChecksumIEEE(e.Data)
		size := uint32(len(e.Data))

		w.U32(localFileHeaderSig)
		w.U16(versionNeeded)
		w.U16(0) // flags
		w.U16(0) // compression method: stored
		w.U16(0) // mod time
		w.U16(0) // mod date
		w.U32(crc)
		w.U32(size) // compressed size == uncompressed size (stored)
		w.U32(size)
		w.U16(uint16(len(e.Name)))
		w.U16(0) // extra field length
		w.Bytes([]byte(e.Name))
		w.Bytes(e.Data)

		central = append(central, centralRecord{name: e.Name, crc: crc, size: size, offset: offset})
	}

	centralStart := uint32(len(w.Build()))
	for _, c := range central {
		w.U32(centralDirSig)
		w.U16(versionNeeded) // version made by
		w.U16(versionNeeded) // version needed
		w.U16(0)             // flags
		w.U16(0)             // compression method
		w.U16(0)             // mod time
		w.U16(0)             // mod date
		w.U32(c.crc)
		w.U32(c.size)
		w.U32(c.size)
		w.U16(uint16(len(c.name)))
		w.U16(0) // extra length
		w.U16(0) // comment length
		w.U16(0) // disk number start
		w.U16(0) // internal attributes
		w.U32(0) // external attributes
		w.U32(c.offset)
		w.Bytes([]byte(c.name))
	}
	centralSize := uint32(len(w.Build())) - centralStart

	w.U32(eocdSig)
	w.U16(0) // disk number
	w.U16(0) // disk with central directory
	w.U16(uint16(len(central)))
	w.U16(uint16(len(central)))
	w.U32(centralSize)
	w.U32(centralStart)
	w.U16(0) // comment length

	return w.Build()
}

// EntryCount reads back the EOCD record's total-entry-count field, used by
// tests to sanity-check an assembled archive.
func EntryCount(zipBytes []byte) (int, bool) {
	if len(zipBytes) < 22 {
		return 0, false
	}
	tail := zipBytes[len(zipBytes)-22:]
	r := wire.NewReader(tail)
	sig, err := r.U32()
	if err != nil || sig != eocdSig {
		return 0, false
	}
	if _, err := r.U16(); err != nil {
		return 0, false
	}
	if _, err := r.U16(); err != nil {
		return 0, false
	}
	if _, err := r.U16(); err != nil {
		return 0, false
	}
	total, err := r.U16()
	if err != nil {
		return 0, false
	}
	return int(total), true
}
