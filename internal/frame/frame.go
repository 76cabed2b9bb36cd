// Package frame implements the per-panel binary frame protocol: keyframe,
// delta and partial-delta decoding into a previous-frame RGB buffer, and the
// handoff to a GPU presentation pipeline. The GPU pipeline itself (compute
// passes, render pass, device/queue management) is out of scope for this
// package; Presenter is the narrow contract the decoder drives it through.
package frame

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/metrics"
	"github.com/teamchong/termweb-sub002/internal/wire"
)

// Kind is the first byte of every frame message.
type Kind byte

// The three frame kinds distinguished by the first wire byte.
const (
	KindKeyframe     Kind = 'K'
	KindDelta        Kind = 'D'
	KindPartialDelta Kind = 'P'
)

const bytesPerPixel = 3 // row-major RGB

// ErrUnknownKind is returned by Decode for an unrecognized first byte.
var ErrUnknownKind = errors.New("frame: unknown frame kind")

// Codec decompresses a frame payload. In production this wraps the zstd
// worker round-trip; Decode never inspects compression details itself.
type Codec interface {
	Decompress(compressed []byte, expectedSize int) ([]byte, error)
}

// Presenter is the GPU-facing sink for a reconstructed RGB buffer (XOR
// reconstruction has already happened in the Decoder). A real
// implementation uploads the buffer into a storage texture and runs the
// full-screen render pass; it is a collaborator injected into Decoder so the
// decode/reconstruction logic can be exercised without a GPU device.
type Presenter interface {
	// Reallocate is called whenever the frame size changes; it must drop any
	// GPU resources sized for the previous dimensions.
	Reallocate(width, height int) error
	// Present uploads rgb (width*height*3 bytes) and draws it.
	Present(rgb []byte, width, height int) error
}

// Header is the common 13-byte prefix shared by keyframe and delta frames.
type Header struct {
	Seq    uint32
	Width  uint16
	Height uint16
}

// Decoder holds one panel's previous-frame buffer and reconstruction state.
// It is single-threaded cooperative: the owning PanelSession must not call
// Decode concurrently with itself.
type Decoder struct {
	mu sync.Mutex

	codec     Codec
	presenter Presenter

	width, height int
	prev          []byte

	haveSeq bool
	lastSeq uint32

	// RequestKeyframe is invoked (outside the lock) whenever the decoder
	// needs a fresh keyframe: on a size mismatch, or after a decode miss.
	RequestKeyframe func()

	disconnected bool
}

// New constructs a Decoder with no allocated buffer; the first frame of any
// kind triggers allocation.
func New(codec Codec, presenter Presenter) *Decoder {
	return &Decoder{codec: codec, presenter: presenter}
}

// Disconnected reports whether the decoder gave up after a device-lost error.
func (d *Decoder) Disconnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnected
}

// Decode dispatches one wire message to the keyframe/delta/partial-delta path.
func (d *Decoder) Decode(msg []byte) error {
	if len(msg) < 1 {
		return wire.ErrShortBuffer
	}
	switch Kind(msg[0]) {
	case KindKeyframe:
		return d.decodeKeyframe(msg[1:])
	case KindDelta:
		return d.decodeDelta(msg[1:])
	case KindPartialDelta:
		return d.decodePartialDelta(msg[1:])
	default:
		return ErrUnknownKind
	}
}

func parseHeader(r *wire.Reader) (Header, error) {
	var h Header
	seq, err := r.U32()
	if err != nil {
		return h, err
	}
	w, err := r.U16()
	if err != nil {
		return h, err
	}
	ht, err := r.U16()
	if err != nil {
		return h, err
	}
	h.Seq, h.Width, h.Height = seq, w, ht
	return h, nil
}

func (d *Decoder) checkSeq(seq uint32) {
	if d.haveSeq && seq != d.lastSeq+1 {
		logging.Logf(nil, "frame: sequence gap %d -> %d", d.lastSeq, seq)
	}
	d.haveSeq = true
	d.lastSeq = seq
}

// reallocateLocked resizes the previous-frame buffer and asks the presenter
// to drop size-dependent GPU resources. Caller holds d.mu.
func (d *Decoder) reallocateLocked(w, h int) error {
	d.width, d.height = w, h
	d.prev = make([]byte, w*h*bytesPerPixel)
	return d.presenter.Reallocate(w, h)
}

func (d *Decoder) requestKeyframe() {
	if d.RequestKeyframe != nil {
		d.RequestKeyframe()
	}
}

func (d *Decoder) decodeKeyframe(rest []byte) error {
	r := wire.NewReader(rest)
	h, err := parseHeader(r)
	if err != nil {
		return err
	}
	compSize, err := r.U32()
	if err != nil {
		return err
	}
	compressed, err := r.Bytes(int(compSize))
	if err != nil {
		return err
	}

	expected := int(h.Width) * int(h.Height) * bytesPerPixel
	payload, err := d.codec.Decompress(compressed, expected)
	if err != nil {
		logging.Errorf(nil, "frame: keyframe decompress failed: %v", err)
		metrics.FramesDropped.Inc()
		return nil // dropped, not fatal
	}
	if len(payload) != expected {
		logging.Errorf(nil, "frame: keyframe size mismatch: got %d want %d", len(payload), expected)
		metrics.FramesDropped.Inc()
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkSeq(h.Seq)
	if int(h.Width) != d.width || int(h.Height) != d.height {
		if err := d.reallocateLocked(int(h.Width), int(h.Height)); err != nil {
			return err
		}
	}
	copy(d.prev, payload)
	metrics.FramesDecoded.WithLabelValues("keyframe").Inc()
	return d.presenter.Present(d.prev, d.width, d.height)
}

func (d *Decoder) decodeDelta(rest []byte) error {
	r := wire.NewReader(rest)
	h, err := parseHeader(r)
	if err != nil {
		return err
	}
	compSize, err := r.U32()
	if err != nil {
		return err
	}
	compressed, err := r.Bytes(int(compSize))
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if int(h.Width) != d.width || int(h.Height) != d.height {
		// Size changed; a delta can never seed a new buffer, it is a miss.
		if err := d.reallocateLocked(int(h.Width), int(h.Height)); err != nil {
			return err
		}
		d.mu.Unlock()
		d.requestKeyframe()
		d.mu.Lock()
		return nil
	}

	expected := d.width * d.height * bytesPerPixel
	payload, err := d.codec.Decompress(compressed, expected)
	if err != nil {
		logging.Errorf(nil, "frame: delta decompress failed: %v", err)
		metrics.FramesDropped.Inc()
		return nil
	}
	if len(payload) != expected {
		logging.Errorf(nil, "frame: delta size mismatch: got %d want %d", len(payload), expected)
		metrics.FramesDropped.Inc()
		return nil
	}

	d.checkSeq(h.Seq)
	xorInto(d.prev, payload)
	metrics.FramesDecoded.WithLabelValues("delta").Inc()
	return d.presenter.Present(d.prev, d.width, d.height)
}

func (d *Decoder) decodePartialDelta(rest []byte) error {
	r := wire.NewReader(rest)
	h, err := parseHeader(r)
	if err != nil {
		return err
	}
	offset, err := r.U32()
	if err != nil {
		return err
	}
	length, err := r.U32()
	if err != nil {
		return err
	}
	payload, err := r.Bytes(int(length))
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if int(h.Width) != d.width || int(h.Height) != d.height {
		if err := d.reallocateLocked(int(h.Width), int(h.Height)); err != nil {
			return err
		}
		d.mu.Unlock()
		d.requestKeyframe()
		d.mu.Lock()
		return nil
	}

	d.checkSeq(h.Seq)
	end := int(offset) + int(length)
	if end > len(d.prev) {
		return errors.Errorf("frame: partial-delta range [%d,%d) exceeds buffer size %d", offset, end, len(d.prev))
	}
	xorInto(d.prev[offset:end], payload)
	metrics.FramesDecoded.WithLabelValues("partial_delta").Inc()
	return d.presenter.Present(d.prev, d.width, d.height)
}

// xorInto XORs src into dst in place; both must be the same length.
func xorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// DeviceLost marks the decoder disconnected; the owning PanelSession should
// surface this and stop feeding frames until the device is reinitialized.
func (d *Decoder) DeviceLost(err error) {
	d.mu.Lock()
	d.disconnected = true
	d.mu.Unlock()
	logging.Errorf(nil, "frame: GPU device lost: %v", err)
}

// Reconnect clears the disconnected flag and drops the buffer so the next
// frame (expected to be a keyframe) reallocates from scratch.
func (d *Decoder) Reconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = false
	d.width, d.height = 0, 0
	d.prev = nil
	d.haveSeq = false
}
