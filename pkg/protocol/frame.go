package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the largest accepted frame body (flags + payload), 1 MiB.
	MaxFrameSize = 1024 * 1024

	// CompressionThreshold is the smallest payload worth compressing.
	CompressionThreshold = 512

	// HeaderSize is the length prefix plus the flags byte.
	HeaderSize = 5
)

// FlagCompressed marks an LZ4 block payload prefixed by its uncompressed size.
const FlagCompressed byte = 0x01

var (
	ErrFrameTooLarge       = errors.New("frame exceeds maximum size (1 MiB)")
	ErrInvalidFrameLength  = errors.New("invalid frame length")
	ErrDecompressionFailed = errors.New("decompression failed")
)

// CompressPayload compresses data with LZ4 and prepends the uncompressed size.
// Format: [uncompressed size (4 bytes, big-endian)][LZ4 block]
// The second result is false, and data is returned unchanged, when
// compression would not make the payload smaller.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data))) //nolint:gosec // bounded by MaxFrameSize
	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil || n == 0 || 4+n >= len(data) {
		return data, false
	}
	return out[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrDecompressionFailed
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// AppendFrame appends one frame carrying payload to dst.
// Format: [length (4 bytes, big-endian)][flags (1 byte)][payload]
// where length counts the flags byte and the payload. Payloads of at least
// CompressionThreshold bytes are LZ4-compressed when that shrinks them.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	var flags byte
	if len(payload) >= CompressionThreshold {
		if c, ok := CompressPayload(payload); ok {
			payload = c
			flags |= FlagCompressed
		}
	}
	length := 1 + len(payload)
	if length > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(length)) //nolint:gosec // length bounds-checked above
	dst = append(dst, flags)
	return append(dst, payload...), nil
}

// WriteFrame writes payload as a single frame with one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and returns its decompressed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("protocol: read frame: %w", ErrFrameTooLarge)
	}
	if length < 1 {
		return nil, fmt.Errorf("protocol: read frame: %w", ErrInvalidFrameLength)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return unwrapPayload(hdr[4], payload)
}

func unwrapPayload(flags byte, payload []byte) ([]byte, error) {
	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	out, err := DecompressPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: frame payload: %w", err)
	}
	return out, nil
}

// WriteMessage encodes env and writes it as one frame.
func WriteMessage(w io.Writer, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads one frame from r and decodes it.
func ReadMessage(r io.Reader) (Envelope, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(data)
}

// Marshal encodes env into a complete frame, ready for Connection.Send.
func Marshal(env Envelope) ([]byte, error) {
	data, err := Encode(env)
	if err != nil {
		return nil, err
	}
	frame, err := AppendFrame(nil, data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", env.Command.Type(), err)
	}
	return frame, nil
}

// FrameDecoder reassembles frames from arbitrarily split chunks of a byte
// stream. It is not safe for concurrent use; keep one per connection.
type FrameDecoder struct {
	buf []byte
}

// NewFrameDecoder returns an empty decoder.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends chunk to the pending bytes and returns the payloads of every
// frame that is now complete, in stream order.
//
// A length prefix outside 1..MaxFrameSize means the stream can no longer be
// delimited: the pending bytes are discarded and the error is returned along
// with the payloads completed before it. A frame whose compressed payload
// cannot be inflated is skipped; decoding continues and the error is returned.
func (d *FrameDecoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var (
		out  [][]byte
		errs []error
		off  int
	)
	for len(d.buf)-off >= 4 {
		length := binary.BigEndian.Uint32(d.buf[off : off+4])
		if length > MaxFrameSize {
			d.Reset()
			return out, errors.Join(append(errs, ErrFrameTooLarge)...)
		}
		if length < 1 {
			d.Reset()
			return out, errors.Join(append(errs, ErrInvalidFrameLength)...)
		}
		end := off + 4 + int(length)
		if len(d.buf) < end {
			break
		}
		flags := d.buf[off+4]
		payload := make([]byte, end-off-HeaderSize)
		copy(payload, d.buf[off+HeaderSize:end])
		off = end

		p, err := unwrapPayload(flags, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}

	// Compact so the buffer does not grow without bound.
	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	return out, errors.Join(errs...)
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Reset discards any partial frame.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
}
