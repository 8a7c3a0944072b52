// Package wire implements the Control Channel framing: length-prefixed,
// tagged frames exchanged over a Unix domain stream socket to coordinate
// access to a Shared Segment.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	TagRequest byte = 0x01
	TagReady   byte = 0x02
	TagDone    byte = 0x03
	TagError   byte = 0x7F
)

// DefaultMaxFrame bounds a single control frame's body, guarding a peer
// against an unbounded length prefix.
const DefaultMaxFrame = 64 * 1024

var (
	// ErrProtocol reports a frame that does not parse as a valid message
	// of the control channel.
	ErrProtocol = errors.New("wire: protocol violation")
	// ErrFrameTooLarge reports a length prefix exceeding the configured cap.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
)

// Frame is a parsed control-channel message. Which fields are meaningful
// depends on Tag.
type Frame struct {
	Tag      byte
	Name     string
	Capacity uint64
	Message  string
}

// WriteRequest sends REQUEST(name, capacity): the caller announces the
// Shared Segment it created to carry the request payload.
func WriteRequest(w io.Writer, name string, capacity uint64) error {
	body := encodeNameCapacity(name, capacity)
	return writeFrame(w, TagRequest, body)
}

// WriteReady sends READY: the host has opened the segment and is about to
// invoke the handler.
func WriteReady(w io.Writer) error {
	return writeFrame(w, TagReady, nil)
}

// WriteDone sends DONE(name, capacity): the reply is ready in the named
// segment (which may or may not be the original request segment).
func WriteDone(w io.Writer, name string, capacity uint64) error {
	body := encodeNameCapacity(name, capacity)
	return writeFrame(w, TagDone, body)
}

// WriteError sends ERROR(message) and terminates the exchange.
func WriteError(w io.Writer, msg string) error {
	body := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(body[:2], uint16(len(msg)))
	copy(body[2:], msg)
	return writeFrame(w, TagError, body)
}

func encodeNameCapacity(name string, capacity uint64) []byte {
	body := make([]byte, 2+len(name)+8)
	binary.BigEndian.PutUint16(body[:2], uint16(len(name)))
	copy(body[2:2+len(name)], name)
	binary.LittleEndian.PutUint64(body[2+len(name):], capacity)
	return body
}

func writeFrame(w io.Writer, tag byte, body []byte) error {
	buf := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(body)))
	buf[4] = tag
	copy(buf[5:], body)
	return writeFull(w, buf)
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// ReadFrame blocks until a complete frame arrives, parses it, and returns
// it. maxFrame caps the accepted body length; pass 0 to use
// DefaultMaxFrame. A read that observes peer closure surfaces the
// underlying io.EOF/io.ErrUnexpectedEOF unwrapped, so callers can
// distinguish "peer closed" from a genuine protocol error.
func ReadFrame(r io.Reader, maxFrame int) (Frame, error) {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, errors.Wrap(ErrProtocol, "empty frame")
	}
	if int(n) > maxFrame {
		return Frame{}, errors.Wrapf(ErrFrameTooLarge, "frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return parseFrame(body)
}

func parseFrame(body []byte) (Frame, error) {
	tag, rest := body[0], body[1:]
	switch tag {
	case TagRequest, TagDone:
		if len(rest) < 2 {
			return Frame{}, errors.Wrapf(ErrProtocol, "short %#x body", tag)
		}
		nameLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < nameLen+8 {
			return Frame{}, errors.Wrapf(ErrProtocol, "truncated %#x body", tag)
		}
		name := string(rest[:nameLen])
		capacity := binary.LittleEndian.Uint64(rest[nameLen : nameLen+8])
		return Frame{Tag: tag, Name: name, Capacity: capacity}, nil
	case TagReady:
		return Frame{Tag: tag}, nil
	case TagError:
		if len(rest) < 2 {
			return Frame{}, errors.Wrap(ErrProtocol, "short error body")
		}
		msgLen := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < msgLen {
			return Frame{}, errors.Wrap(ErrProtocol, "truncated error body")
		}
		return Frame{Tag: tag, Message: string(rest[:msgLen])}, nil
	default:
		return Frame{}, errors.Wrapf(ErrProtocol, "unknown tag %#x", tag)
	}
}
