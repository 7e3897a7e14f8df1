// Package frame implements the length-prefixed binary frame layer of the bus.
//
// A duplex pipe is a byte stream with no message boundaries, so every logical
// message is wrapped in a self-delimited frame: a fixed 9-byte header followed
// by a variable-length body. The receiver reads the header first to learn the
// body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ bodyLen │    body ...    │
//	│ pbs  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "pbs" (pipe bus).
// Lets the receiver reject streams that are not speaking this protocol
// (e.g., an unrelated process dialing the socket) before trusting a length.
const (
	MagicByte1 byte = 0x70 // 'p'
	MagicByte2 byte = 0x62 // 'b'
	MagicByte3 byte = 0x73 // 's'
	Version    byte = 0x01
	HeaderSize int  = 9 // 3 (magic) + 1 (version) + 1 (frameType) + 4 (bodyLen)
)

// MaxBodyLen caps the declared body length. A length beyond this is treated
// as stream corruption rather than an allocation request.
const MaxBodyLen = 64 << 20 // 64 MiB

// FrameType distinguishes payload-carrying frames from keepalive probes.
type FrameType byte

const (
	FrameTypeData      FrameType = 0 // carries one serialized message
	FrameTypeHeartbeat FrameType = 1 // keepalive probe, no body
)

// The two failure classes a reader must tell apart (see Decode):
//
//   - ErrDisconnected: the peer went away. At a frame boundary this is a
//     clean close; mid-frame it is a truncation. Either way the stream is
//     over and the connection should be torn down quietly.
//   - ErrCorrupt: the stream carried bytes that cannot be a valid frame.
//     The reader has lost synchronization and must not attempt another read.
var (
	ErrDisconnected = errors.New("frame: peer disconnected")
	ErrCorrupt      = errors.New("frame: stream corrupted")
)

// Header is the fixed 9-byte frame header.
type Header struct {
	Type    FrameType
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w. It returns only after
// every byte has been handed to the writer or an I/O error occurred.
//
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodyLen {
		return fmt.Errorf("frame: body of %d bytes exceeds limit %d", len(body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize)
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = MagicByte3
	buf[3] = Version
	buf[4] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Body may be nil for heartbeat frames.
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads exactly one frame from r, blocking across partial reads.
// io.ReadFull guarantees either a complete header/body or an error, so a
// successful return always leaves the stream positioned at the next frame.
//
// An EOF before the first header byte is a clean close; an EOF anywhere after
// that is a truncated frame. Both surface as ErrDisconnected. A bad magic,
// version, frame type, or an absurd length surfaces as ErrCorrupt.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil, ErrDisconnected
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: invalid magic number %x", ErrCorrupt, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, headerBuf[3])
	}
	frameType := headerBuf[4]
	if frameType != byte(FrameTypeData) && frameType != byte(FrameTypeHeartbeat) {
		return nil, nil, fmt.Errorf("%w: unknown frame type %d", ErrCorrupt, frameType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: declared body length %d exceeds limit %d", ErrCorrupt, bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		// Peer closed mid-frame — a truncation, not a malformed length.
		return nil, nil, fmt.Errorf("%w: truncated body: %v", ErrDisconnected, err)
	}

	return &Header{
		Type:    FrameType(frameType),
		BodyLen: bodyLen,
	}, body, nil
}
