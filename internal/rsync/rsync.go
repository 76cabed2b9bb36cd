// Package rsync implements the block-checksum and delta-application halves
// of the rsync-style sync path: adaptive block sizing, the rolling/strong
// checksum pair used to identify unchanged blocks, and applying a
// COPY/LITERAL delta command stream against a cached file.
package rsync

import (
	"hash/adler32"
	"hash/fnv"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/wire"
)

// Delta command bytes.
const (
	CmdCopy    = 0x00
	CmdLiteral = 0x01
)

// Block size bounds for AdaptiveBlockSize.
const (
	MinBlockSize = 512
	MaxBlockSize = 65536
)

// AdaptiveBlockSize implements blockSize = clamp(floor(sqrt(fileSize)), 512, 65536).
func AdaptiveBlockSize(fileSize int64) int {
	b := int(math.Floor(math.Sqrt(float64(fileSize))))
	if b < MinBlockSize {
		return MinBlockSize
	}
	if b > MaxBlockSize {
		return MaxBlockSize
	}
	return b
}

// BlockSum is the (rolling, strong) checksum pair for one fixed-size block.
type BlockSum struct {
	Rolling uint32
	Strong  uint64
}

// RollingChecksum computes the Adler-32 rolling checksum of a block.
// Adler-32's value for a shifted window can be updated incrementally, which
// is what makes it suitable here.
func RollingChecksum(block []byte) uint32 {
	return adler32.Checksum(block)
}

// StrongChecksum computes a 64-bit FNV-1a content hash: fast, deterministic,
// and collision-resistant enough for block identification.
func StrongChecksum(block []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(block)
	return h.Sum64()
}

// ComputeBlockSums splits data into blockSize chunks (the final block may be
// short) and checksums each.
func ComputeBlockSums(data []byte, blockSize int) []BlockSum {
	if blockSize <= 0 {
		return nil
	}
	var sums []BlockSum
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		block := data[off:end]
		sums = append(sums, BlockSum{Rolling: RollingChecksum(block), Strong: StrongChecksum(block)})
	}
	return sums
}

// ApplyDelta executes a decoded command stream against cached, producing the
// new file content. cached is read at arbitrary offsets for COPY commands;
// LITERAL bytes are taken from the stream itself.
func ApplyDelta(commands []byte, cached io.ReaderAt) ([]byte, error) {
	r := wire.NewReader(commands)
	var out []byte
	for r.Len() > 0 {
		cmd, err := r.Byte()
		if err != nil {
			return nil, err
		}
		switch cmd {
		case CmdCopy:
			offset, err := r.U64()
			if err != nil {
				return nil, err
			}
			length, err := r.U32()
			if err != nil {
				return nil, err
			}
			buf := make([]byte, length)
			if _, err := cached.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
				return nil, errors.Wrapf(err, "rsync: COPY read at offset %d length %d", offset, length)
			}
			out = append(out, buf...)
		case CmdLiteral:
			length, err := r.U32()
			if err != nil {
				return nil, err
			}
			lit, err := r.Bytes(int(length))
			if err != nil {
				return nil, err
			}
			out = append(out, lit...)
		default:
			return nil, errors.Errorf("rsync: unknown delta command 0x%02X", cmd)
		}
	}
	return out, nil
}

// EncodeCopy builds one COPY command (used by tests and by any server-side
// simulation of delta generation).
func EncodeCopy(w *wire.Writer, cachedOffset uint64, length uint32) {
	w.Byte(CmdCopy).U64(cachedOffset).U32(length)
}

// EncodeLiteral builds one LITERAL command.
func EncodeLiteral(w *wire.Writer, data []byte) {
	w.Byte(CmdLiteral).U32(uint32(len(data))).Bytes(data)
}
