package rsync

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchong/termweb-sub002/internal/wire"
)

func TestAdaptiveBlockSizeBounds(t *testing.T) {
	assert.Equal(t, MinBlockSize, AdaptiveBlockSize(1))
	assert.Equal(t, MaxBlockSize, AdaptiveBlockSize(1<<40))
	assert.Equal(t, 1000, AdaptiveBlockSize(1_000_000))
}

// S6: literal-only delta writes the literal bytes verbatim.
func TestApplyDeltaLiteralOnly(t *testing.T) {
	w := wire.NewWriter(16)
	EncodeLiteral(w, []byte("HELLO"))
	out, err := ApplyDelta(w.Build(), bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(out))
}

// A delta that is entirely COPYs builds its output purely from cached
// ranges, in command order.
func TestApplyDeltaCopyOnly(t *testing.T) {
	cached := []byte("the quick brown fox")
	w := wire.NewWriter(16)
	EncodeCopy(w, 4, 5)  // "quick"
	EncodeCopy(w, 0, 4)  // "the "
	out, err := ApplyDelta(w.Build(), bytes.NewReader(cached))
	require.NoError(t, err)
	assert.Equal(t, "quickthe ", string(out))
}

func TestApplyDeltaMixedCopyAndLiteral(t *testing.T) {
	cached := []byte("abcdefgh")
	w := wire.NewWriter(16)
	EncodeCopy(w, 0, 3)
	EncodeLiteral(w, []byte("XYZ"))
	EncodeCopy(w, 5, 3)
	out, err := ApplyDelta(w.Build(), bytes.NewReader(cached))
	require.NoError(t, err)
	assert.Equal(t, "abcXYZfgh", string(out))
}

func TestComputeBlockSumsDeterministic(t *testing.T) {
	data := []byte("0123456789abcdef")
	a := ComputeBlockSums(data, 4)
	b := ComputeBlockSums(data, 4)
	require.Equal(t, a, b)
	require.Len(t, a, 4)
}
