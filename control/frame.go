// Package control implements the Control Protocol and Control Server
// from spec.md §4.13/§4.14: a length-prefixed binary frame format, a
// TLS listener with IP allow-listing and HMAC challenge-response auth,
// command dispatch, and event fan-out. The per-session goroutine model
// is grounded on presbrey-pkg/irc/client.go's handleConnection
// per-connection loop; the authenticated-request shape echoes
// irc/server/botapi.go's authenticateRequest/constant-time bearer
// comparison, redirected from a static bearer token to a
// challenge-response handshake.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed 4-byte frame preamble, spec.md §4.13.
var Magic = [4]byte{'M', 'A', 'G', 'T'}

// Version is the only wire version this implementation speaks.
const Version = 1

// MaxPayload bounds a single frame's payload length, spec.md §4.13.
const MaxPayload = 1 << 20 // 1 MiB

// headerLen is len(Magic) + version(1) + type(1) + seq(4) + length(4).
const headerLen = 4 + 1 + 1 + 4 + 4

// Type identifies a frame's message kind. Values are fixed for wire
// compatibility per spec.md §4.13's grouping table.
type Type byte

const (
	TypeAuthChallenge Type = 0x01
	TypeAuthResponse  Type = 0x02
	TypeAuthSuccess   Type = 0x03
	TypeAuthFailure   Type = 0x04

	TypePing Type = 0x10
	TypePong Type = 0x11

	// 0x20..0x27 status queries; 0x30..0x39 IRC control;
	// 0x50..0x56 script management; 0x60..0x64 user-database
	// management; 0x70..0x7F agent control: all caller-defined request
	// types dispatched through Handler, not enumerated here.

	TypePushedEventBase Type = 0x80 // 0x80..0x91 pushed events

	TypeSuccess       Type = 0xF0
	TypeError         Type = 0xF1
	TypeNotSupported  Type = 0xF2
	TypeProtocolError Type = 0xFF
)

// ErrBadMagic, ErrBadVersion, and ErrPayloadTooLarge are the three
// framing faults spec.md §4.13 says must produce a ProtocolError frame
// and connection close.
var (
	ErrBadMagic        = errors.New("control: bad magic")
	ErrBadVersion      = errors.New("control: unsupported version")
	ErrPayloadTooLarge = errors.New("control: payload exceeds 1MiB cap")
)

// Frame is one decoded Control Protocol message.
type Frame struct {
	Type    Type
	Seq     uint32
	Payload []byte
}

// Encode serialises f to its wire form.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, headerLen+len(f.Payload))
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[6:10], f.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(f.Payload)))
	copy(buf[14:], f.Payload)
	return buf, nil
}

// WriteFrame encodes and writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and decodes one frame from r. It never allocates more
// than MaxPayload bytes for the payload, even for a maliciously
// inflated length field, since the length is validated before the
// payload buffer is allocated.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if hdr[0] != Magic[0] || hdr[1] != Magic[1] || hdr[2] != Magic[2] || hdr[3] != Magic[3] {
		return Frame{}, ErrBadMagic
	}
	if hdr[4] != Version {
		return Frame{}, ErrBadVersion
	}
	typ := Type(hdr[5])
	seq := binary.BigEndian.Uint32(hdr[6:10])
	length := binary.BigEndian.Uint32(hdr[10:14])
	if length > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Seq: seq, Payload: payload}, nil
}

// ProtocolErrorFrame builds the reply frame sent just before closing a
// connection that violated framing rules.
func ProtocolErrorFrame(seq uint32, cause error) Frame {
	return Frame{Type: TypeProtocolError, Seq: seq, Payload: []byte(fmt.Sprintf("%v", cause))}
}
