// Package wire implements the slotd protocol: every message in either
// direction is a 4-byte big-endian payload length followed by that many
// bytes of UTF-8 JSON.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame header.
const HeaderSize = 4

// DefaultMaxPayload bounds inbound payloads when no limit is configured.
const DefaultMaxPayload = 64 << 10

// ErrFrameTooLarge is returned by Reader.Next when a frame announces a
// payload above the configured limit. The payload has already been skipped,
// so the stream remains aligned on the next frame.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload")

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload as a single frame using one Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reader reads frames from a byte stream.
type Reader struct {
	r   *bufio.Reader
	max uint32
}

// NewReader wraps r. A max of zero selects DefaultMaxPayload.
func NewReader(r io.Reader, max uint32) *Reader {
	if max == 0 {
		max = DefaultMaxPayload
	}
	return &Reader{r: bufio.NewReader(r), max: max}
}

// Next returns the next frame payload. Any error other than
// ErrFrameTooLarge means the stream is no longer usable.
func (r *Reader) Next() ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > r.max {
		if _, err := r.r.Discard(int(size)); err != nil {
			return nil, fmt.Errorf("skip oversized frame: %w", err)
		}
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
