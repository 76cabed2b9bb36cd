package panel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchong/termweb-sub002/internal/frame"
)

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
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type noopPresenter struct{}

func (noopPresenter) Reallocate(w, h int) error       { return nil }
func (noopPresenter) Present(b []byte, w, h int) error { return nil }

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	codec, err := frame.NewZstdCodec()
	require.NoError(t, err)
	tr := &fakeTransport{}
	dec := frame.New(codec, noopPresenter{})
	return NewSession(tr, dec), tr
}

func TestOpenCreateEncodesMessage(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.OpenCreate(800, 600, 1.5))
	msgs := tr.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(0x01), msgs[0][0])
	assert.Equal(t, StateCreatePending, s.State())
}

func TestPauseThenResumeRequestsKeyframe(t *testing.T) {
	s, tr := newTestSession(t)
	require.NoError(t, s.OpenCreate(800, 600, 1))
	s.MarkStreaming()

	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume())
	assert.Equal(t, StateStreaming, s.State())

	msgs := tr.all()
	// create, pause, resume, request-keyframe
	require.Len(t, msgs, 4)
	assert.Equal(t, byte(0x21), msgs[1][0])
	assert.Equal(t, byte(0x22), msgs[2][0])
	assert.Equal(t, byte(0x20), msgs[3][0])
}

func TestResizeDebounce(t *testing.T) {
	s, _ := newTestSession(t)
	var got [][2]int
	var mu sync.Mutex
	s.OnResize = func(w, h int) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, [2]int{w, h})
	}

	s.ReportSize(100, 100)
	s.ReportSize(200, 200)
	s.ReportSize(300, 300)

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, [2]int{300, 300}, got[0])
}

func TestHandleFrameSuppressedWhilePaused(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.OpenCreate(4, 4, 1))
	s.MarkStreaming()
	require.NoError(t, s.Pause())

	err := s.HandleFrame([]byte{'K'})
	assert.NoError(t, err) // dropped silently, not decoded as malformed
}
