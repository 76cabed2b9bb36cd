package zipwriter

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4: an assembled zip archive starts with the local-file-header signature
// (its EOCD entry count is checked by TestBuildEntryCountMatchesEOCD).
func TestBuildLocalHeaderSignature(t *testing.T) {
	out := Build([]Entry{{Name: "a.txt", Data: []byte("hi")}})
	require.GreaterOrEqual(t, len(out), 4)
	assert.Equal(t, uint32(localFileHeaderSig), binary.LittleEndian.Uint32(out[:4]))
}

func TestBuildEntryCountMatchesEOCD(t *testing.T) {
	out := Build([]Entry{
		{Name: "one.txt", Data: []byte("111")},
		{Name: "two.txt", Data: []byte("2222")},
		{Name: "three.txt", Data: []byte("33")},
	})
	count, ok := EntryCount(out)
	require.True(t, ok)
	assert.Equal(t, 3, count)
}

func TestBuildEmptyArchive(t *testing.T) {
	out := Build(nil)
	count, ok := EntryCount(out)
	require.True(t, ok)
	assert.Equal(t, 0, count)
}

func TestBuildStoresUncompressedSizeEqualsCompressedSize(t *testing.T) {
	data := []byte("some file content that is stored, not deflated")
	out := Build([]Entry{{Name: "f", Data: data}})
	// local file header: sig(4) version(2) flags(2) method(2) time(2) date(2)
	// crc(4) compSize(4) uncompSize(4) -> compSize at offset 18, uncompSize at 22
	compSize := binary.LittleEndian.Uint32(out[18:22])
	uncompSize := binary.LittleEndian.Uint32(out[22:26])
	assert.Equal(t, uint32(len(data)), compSize)
	assert.Equal(t, uint32(len(data)), uncompSize)
	method := binary.LittleEndian.Uint16(out[8:10])
	assert.Equal(t, uint16(0), method)
}
