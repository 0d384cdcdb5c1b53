package control

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: TypeSuccess, Seq: 42, Payload: []byte(`{"ok":true}`)}
	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ReadFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != f.Type || got.Seq != f.Seq || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := []byte{'X', 'X', 'X', 'X', Version, byte(TypePing), 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(buf)); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	buf := []byte{'M', 'A', 'G', 'T', 9, byte(TypePing), 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := ReadFrame(bytes.NewReader(buf)); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	buf := []byte{'M', 'A', 'G', 'T', Version, byte(TypePing), 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(buf)); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	f := Frame{Type: TypePing, Payload: make([]byte, MaxPayload+1)}
	if _, err := f.Encode(); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	buf := []byte{'M', 'A', 'G', 'T', Version, byte(TypePing), 0, 0, 0, 0, 0, 0, 0, 5, 'a', 'b'}
	if _, err := ReadFrame(bytes.NewReader(buf)); err == nil {
		t.Fatalf("expected an error for a truncated payload")
	}
}
