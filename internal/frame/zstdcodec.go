package frame

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ZstdCodec backs Codec with klauspost/compress's pure-Go zstd implementation.
type ZstdCodec struct {
	decoder *zstd.Decoder
}

// NewZstdCodec builds a reusable decoder. Decoders are safe for concurrent
// use by multiple goroutines but a single panel decodes sequentially anyway.
func NewZstdCodec() (*ZstdCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "frame: creating zstd decoder")
	}
	return &ZstdCodec{decoder: dec}, nil
}

// Decompress decompresses compressed into a buffer sized to expectedSize as a hint.
func (c *ZstdCodec) Decompress(compressed []byte, expectedSize int) ([]byte, error) {
	out, err := c.decoder.DecodeAll(compressed, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, errors.Wrap(err, "frame: zstd decompress")
	}
	return out, nil
}

// Close releases decoder resources.
func (c *ZstdCodec) Close() {
	c.decoder.Close()
}
