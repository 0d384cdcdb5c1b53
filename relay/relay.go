// Package relay implements wire compatibility with the VPN-relay
// sibling tool described in spec.md §6, never the relay itself (that
// tool is named in spec.md §1's Non-goals as an external collaborator).
// The frame format is fully specified by spec.md and shares nothing
// with the Control Protocol's frame.go, so this package is built
// directly from the wire description using only encoding/binary —
// there is no corpus example of this exact framing to ground the byte
// layout on, though the HMAC-SHA256 challenge pattern mirrors
// control.Server.authenticate's handshake shape.
package relay

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed 5-byte relay frame preamble, spec.md §6.
var Magic = [5]byte{'M', 'U', 'N', 'I', 'N'}

// Version is the only relay wire version this implementation speaks.
const Version = 1

const challengeLen = 32

// Type identifies a relay frame's message kind.
type Type byte

const (
	TypeAuthChallenge Type = 0x01
	TypeAuthResponse  Type = 0x02
	TypeAuthSuccess   Type = 0x03
	TypeAuthFailure   Type = 0x04
	TypeConnect       Type = 0x10
	TypeConnectAck    Type = 0x11
	TypeData          Type = 0x20
	TypeClose         Type = 0x21
)

var (
	ErrBadMagic        = errors.New("relay: bad magic")
	ErrBadVersion      = errors.New("relay: unsupported version")
	ErrHostnameTooLong = errors.New("relay: hostname exceeds 255 bytes")
	ErrShortField      = errors.New("relay: short-string field exceeds 255 bytes")
)

// ConnectRequest is the `Connect` request body spec.md §6 fixes:
// `hostname[255] || port[u16] || useSsl[bool]`. Hostname is stored
// without its padding; Encode zero-pads it to the fixed 255-byte field
// on the wire and rejects longer hostnames with ErrHostnameTooLong.
type ConnectRequest struct {
	Hostname string
	Port     uint16
	UseSSL   bool
}

// Encode serialises r to its fixed-width 258-byte wire form.
func (r ConnectRequest) Encode() ([]byte, error) {
	if len(r.Hostname) > 255 {
		return nil, ErrHostnameTooLong
	}
	buf := make([]byte, 255+2+1)
	copy(buf[0:255], r.Hostname)
	binary.BigEndian.PutUint16(buf[255:257], r.Port)
	if r.UseSSL {
		buf[257] = 1
	}
	return buf, nil
}

// DecodeConnectRequest parses the fixed 258-byte Connect body.
func DecodeConnectRequest(b []byte) (ConnectRequest, error) {
	if len(b) != 258 {
		return ConnectRequest{}, fmt.Errorf("relay: connect body must be 258 bytes, got %d", len(b))
	}
	hostname := string(bytes.TrimRight(b[0:255], "\x00"))
	port := binary.BigEndian.Uint16(b[255:257])
	return ConnectRequest{Hostname: hostname, Port: port, UseSSL: b[257] != 0}, nil
}

// Frame is one decoded relay message: magic(5) + version(1) + type(1) +
// a TLV payload. Short string fields use a 1-byte length prefix;
// message-sized fields (e.g. relayed Data payloads) use a 2-byte length
// prefix, per spec.md §6.
type Frame struct {
	Type    Type
	Payload []byte
}

const headerLen = 5 + 1 + 1 // magic + version + type

// Encode serialises f with a 2-byte big-endian payload length, the
// "message" TLV width spec.md names for anything beyond the fixed-size
// Connect body.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("relay: payload exceeds 2-byte length field")
	}
	buf := make([]byte, headerLen+2+len(f.Payload))
	copy(buf[0:5], Magic[:])
	buf[5] = Version
	buf[6] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(f.Payload)))
	copy(buf[9:], f.Payload)
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

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen + 2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if !bytes.Equal(hdr[0:5], Magic[:]) {
		return Frame{}, ErrBadMagic
	}
	if hdr[5] != Version {
		return Frame{}, ErrBadVersion
	}
	typ := Type(hdr[6])
	length := binary.BigEndian.Uint16(hdr[7:9])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// Authenticate drives the client side of the relay's HMAC-SHA256
// challenge handshake against an already-connected conn, mirroring
// control.Server.authenticate's server-side shape but as the initiating
// party: read AuthChallenge, reply AuthResponse, expect AuthSuccess.
func Authenticate(rw io.ReadWriter, sharedSecret []byte) error {
	challenge, err := ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("relay: read challenge: %w", err)
	}
	if challenge.Type != TypeAuthChallenge {
		return fmt.Errorf("relay: expected AuthChallenge, got type %#x", byte(challenge.Type))
	}

	mac := hmac.New(sha256.New, sharedSecret)
	mac.Write(challenge.Payload)
	resp := Frame{Type: TypeAuthResponse, Payload: mac.Sum(nil)}
	if err := WriteFrame(rw, resp); err != nil {
		return fmt.Errorf("relay: write response: %w", err)
	}

	reply, err := ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("relay: read auth result: %w", err)
	}
	if reply.Type != TypeAuthSuccess {
		return fmt.Errorf("relay: authentication rejected")
	}
	return nil
}

// IssueChallenge generates a fresh random challenge and writes it,
// for a caller acting as the relay-facing server side of the handshake
// (e.g. a test double, or a future relay-compatible listener).
func IssueChallenge(w io.Writer) ([]byte, error) {
	challenge := make([]byte, challengeLen)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	return challenge, WriteFrame(w, Frame{Type: TypeAuthChallenge, Payload: challenge})
}

// VerifyResponse checks an AuthResponse frame's HMAC against challenge
// and sharedSecret, returning whether it matches.
func VerifyResponse(resp Frame, challenge, sharedSecret []byte) bool {
	if resp.Type != TypeAuthResponse {
		return false
	}
	mac := hmac.New(sha256.New, sharedSecret)
	mac.Write(challenge)
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, resp.Payload) == 1
}
