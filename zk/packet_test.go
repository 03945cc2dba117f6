package zk

import (
	"bytes"
	"testing"
)

func TestEncodeFrameConnect(t *testing.T) {
	got := encodeFrame(cmdConnect, 0, 0, nil)
	want := []byte{0xE8, 0x03, 0x17, 0xFC, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("connect frame = % x, want % x", got, want)
	}
}

func TestChecksumOddLength(t *testing.T) {
	// header for ack-ok, session 0x1234, reply 1, 3-byte payload
	frame := encodeFrame(ackOK, 0x1234, 1, []byte{0x01, 0x02, 0x03})
	if got := uint16(frame[2]) | uint16(frame[3])<<8; got != 0xE3F6 {
		t.Errorf("checksum = %#04x, want 0xe3f6", got)
	}
}

func TestDecodeFrameRoundTrip(t *testing.T) {
	raw := encodeFrame(cmdSetTime, 42, 7, []byte{0xDE, 0xAD})
	f, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decodeFrame: %s", err)
	}
	if f.Command != cmdSetTime || f.SessionID != 42 || f.ReplyID != 7 {
		t.Errorf("header fields wrong: %+v", f)
	}
	if !bytes.Equal(f.Payload, []byte{0xDE, 0xAD}) {
		t.Errorf("payload = % x", f.Payload)
	}
}

func TestDecodeFrameShort(t *testing.T) {
	if _, err := decodeFrame([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Errorf("expected error for short frame")
	}
}

func TestTCPWrapRoundTrip(t *testing.T) {
	inner := encodeFrame(cmdGetTime, 1, 2, nil)
	wrapped := wrapTCP(inner)
	if !bytes.Equal(wrapped[:4], tcpMagic) {
		t.Errorf("missing magic: % x", wrapped[:4])
	}
	got, err := unwrapTCP(wrapped)
	if err != nil {
		t.Fatalf("unwrapTCP: %s", err)
	}
	if !bytes.Equal(got, inner) {
		t.Errorf("unwrapped = % x, want % x", got, inner)
	}
}

func TestTCPUnwrapBadMagic(t *testing.T) {
	if _, err := unwrapTCP([]byte{0, 0, 0, 0, 1, 0, 0, 0, 0xFF}); err == nil {
		t.Errorf("expected error for bad magic")
	}
}
