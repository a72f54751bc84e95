// Package protocol implements the length-prefixed frame format shared by client and server.
//
// Every message on the wire is one frame: a 4-byte big-endian length followed by exactly that
// many bytes of codec payload. The frame layer never looks inside the payload.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ length  │ payload ...      │
//	│ uint32  │ length bytes     │
//	└─────────┴──────────────────┘
//
// ReadFrame serves blocking readers that can afford io.ReadFull. FrameDecoder serves
// event-driven readers, where a single read may hold a partial frame or several frames.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"easy-rpc/rpcerr"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxFrameSize bounds the declared payload length. Larger frames are malformed.
	MaxFrameSize = 64 << 20
)

// WriteFrame writes payload as one frame. The header and payload go out in a
// single Write so that concurrent writers holding their own lock never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return rpcerr.Wrapf(rpcerr.ErrCodec, nil, "frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return rpcerr.Wrap(rpcerr.ErrTransport, err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its payload.
// A clean io.EOF before the first header byte is returned unwrapped so that
// callers can tell an orderly peer close from a broken stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, rpcerr.Wrap(rpcerr.ErrTransport, err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, rpcerr.Wrapf(rpcerr.ErrCodec, nil, "declared frame length %d exceeds limit %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, rpcerr.Wrap(rpcerr.ErrTransport, err)
	}
	return payload, nil
}

// FrameDecoder accumulates arbitrary chunks of a byte stream and yields whole
// frames. Nothing is returned until the header and the full declared payload
// are buffered. A FrameDecoder is owned by one reader goroutine.
type FrameDecoder struct {
	buf   bytes.Buffer
	limit uint32
}

// NewFrameDecoder returns a decoder enforcing MaxFrameSize.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{limit: MaxFrameSize}
}

// Feed appends a chunk read from the stream.
func (d *FrameDecoder) Feed(chunk []byte) {
	d.buf.Write(chunk)
}

// Next returns the next complete payload. ok is false when more input is
// needed. A malformed length poisons the decoder: the stream cannot be resynchronised.
func (d *FrameDecoder) Next() (payload []byte, ok bool, err error) {
	if d.buf.Len() < HeaderSize {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(d.buf.Bytes()[:HeaderSize])
	if length > d.limit {
		return nil, false, rpcerr.Wrapf(rpcerr.ErrCodec, nil, "declared frame length %d exceeds limit %d", length, d.limit)
	}
	if uint32(d.buf.Len()-HeaderSize) < length {
		return nil, false, nil
	}
	d.buf.Next(HeaderSize)
	payload = make([]byte, length)
	copy(payload, d.buf.Next(int(length)))
	return payload, true, nil
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (d *FrameDecoder) Buffered() int {
	return d.buf.Len()
}
