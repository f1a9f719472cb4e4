// Package wire frames registration messages on a byte stream: a 4-byte big-endian
// length prefix followed by exactly that many payload bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/openebl/idsreg/pkg/model"
)

const (
	HeaderSize = 4

	// MaxFrameSize is the largest payload accepted on the registration channel.
	MaxFrameSize = 65535
)

// Codec reads and writes length-prefixed frames. The zero value uses MaxFrameSize.
type Codec struct {
	MaxSize int
}

var defaultCodec = Codec{}

func WriteFramed(w io.Writer, payload []byte) error {
	return defaultCodec.WriteFramed(w, payload)
}

func ReadFramed(r io.Reader) ([]byte, error) {
	return defaultCodec.ReadFramed(r)
}

func (c Codec) maxSize() int {
	if c.MaxSize <= 0 || c.MaxSize > MaxFrameSize {
		return MaxFrameSize
	}
	return c.MaxSize
}

// WriteFramed writes the header and payload with a single Write call so a frame is
// never interleaved on the stream.
func (c Codec) WriteFramed(w io.Writer, payload []byte) error {
	if len(payload) > c.maxSize() {
		return fmt.Errorf("frame of %d bytes exceeds %d: %w", len(payload), c.maxSize(), model.ErrMessageTooLarge)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("fail to write frame: %s: %w", err.Error(), model.ErrTransport)
	}
	return nil
}

func (c Codec) ReadFramed(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readError("frame header", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > uint32(c.maxSize()) {
		return nil, fmt.Errorf("incoming frame of %d bytes exceeds %d: %w", size, c.maxSize(), model.ErrMessageTooLarge)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, readError("frame payload", err)
	}
	return payload, nil
}

// readError keeps io.EOF and io.ErrUnexpectedEOF visible to errors.Is while tagging
// the failure as a transport error.
func readError(what string, err error) error {
	return fmt.Errorf("fail to read %s: %w", what, errors.Join(err, model.ErrTransport))
}
