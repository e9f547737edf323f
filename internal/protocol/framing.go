package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrIncompleteFrame is returned by FrameReader.Next when the underlying
// source ends partway through a length prefix or payload. It is terminal for
// that stream: the remote closed mid-message rather than between messages.
var ErrIncompleteFrame = errors.New("stream ended with incomplete message")

// MaxFrameSize caps a single length-delimited message. A prefix beyond this
// is treated as stream corruption rather than an allocation request.
const MaxFrameSize = 16 << 20

// WriteFrame writes one length-delimited message: [u32 BE length][payload].
// The prefix and payload go out in a single Write call so concurrent writers
// synchronized above this function never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// FrameReader yields length-delimited messages from a stream-oriented
// transport. Reads block until a full message is available; chunk boundaries
// in the underlying source are invisible to the caller.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps a byte source in a FrameReader. The reader owns the
// source's read position; do not read from r elsewhere while using it.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the payload of the next message. It returns io.EOF when the
// source is exhausted on a message boundary and ErrIncompleteFrame when the
// source ends mid-message. The returned slice is freshly allocated.
func (fr *FrameReader) Next() ([]byte, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(fr.r, lenBuf[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, fmt.Errorf("reading length prefix: %w", ErrIncompleteFrame)
		}
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds max %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("reading %d-byte payload: %w", length, ErrIncompleteFrame)
			}
			return nil, fmt.Errorf("reading %d-byte payload: %w", length, err)
		}
	}
	return payload, nil
}
