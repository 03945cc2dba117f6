package zk

import (
	"bytes"
	"encoding/binary"

	"github.com/openattend/fleet-sync/internal"
)

const headerLen = 8

// tcpMagic prefixes every frame on a TCP connection, followed by a uint32
// length of the inner frame. UDP datagrams carry the inner frame bare.
var tcpMagic = []byte{0x50, 0x50, 0x82, 0x7D}

// frame is one protocol packet: an 8-byte little-endian header followed by
// the payload. The checksum covers the header (checksum field zeroed) and
// the payload.
type frame struct {
	Command   uint16
	SessionID uint16
	ReplyID   uint16
	Payload   []byte
}

// isAck reports whether the frame is a positive acknowledgement.
func (f *frame) isAck() bool {
	return f.Command == ackOK
}

// checksum is the ones'-complement of the 16-bit little-endian word sum. An
// odd trailing byte contributes its raw value. This must match the firmware
// bit-for-bit or every request is dropped without a reply.
func checksum(buf []byte) uint16 {
	var sum uint32
	i := 0
	for ; i+1 < len(buf); i += 2 {
		sum += uint32(buf[i]) | uint32(buf[i+1])<<8
	}
	if i < len(buf) {
		sum += uint32(buf[i])
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func encodeFrame(cmd, sessionID, replyID uint16, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], cmd)
	binary.LittleEndian.PutUint16(buf[2:4], 0) // checksum placeholder
	binary.LittleEndian.PutUint16(buf[4:6], sessionID)
	binary.LittleEndian.PutUint16(buf[6:8], replyID)
	copy(buf[headerLen:], payload)
	binary.LittleEndian.PutUint16(buf[2:4], checksum(buf))
	return buf
}

// decodeFrame parses a bare (non-TCP-wrapped) frame. The inbound checksum is
// not verified: the firmware zeroes it on some reply paths, and the original
// client never checked it either.
func decodeFrame(buf []byte) (*frame, error) {
	if len(buf) < headerLen {
		return nil, &internal.ProtocolError{Reason: "short frame"}
	}
	return &frame{
		Command:   binary.LittleEndian.Uint16(buf[0:2]),
		SessionID: binary.LittleEndian.Uint16(buf[4:6]),
		ReplyID:   binary.LittleEndian.Uint16(buf[6:8]),
		Payload:   buf[headerLen:],
	}, nil
}

func wrapTCP(inner []byte) []byte {
	buf := make([]byte, 8+len(inner))
	copy(buf, tcpMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(inner)))
	copy(buf[8:], inner)
	return buf
}

// unwrapTCP validates and strips the TCP wrapper from a fully-read frame.
func unwrapTCP(buf []byte) ([]byte, error) {
	if len(buf) < 8 || !bytes.Equal(buf[:4], tcpMagic) {
		return nil, &internal.ProtocolError{Reason: "bad tcp magic"}
	}
	n := binary.LittleEndian.Uint32(buf[4:8])
	if int(n) > len(buf)-8 {
		return nil, &internal.ProtocolError{Reason: "truncated tcp frame"}
	}
	return buf[8 : 8+n], nil
}
