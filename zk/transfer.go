package zk

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/openattend/fleet-sync/internal"
)

// ackGrace is how long readBulk waits after the declared total has arrived
// to absorb a trailing ACK before declaring the transfer complete.
const ackGrace = 100 * time.Millisecond

// readBulk retrieves a bulk payload that may exceed one packet. The device
// answers the initial request with either immediate data or a prepare signal
// declaring the total length, after which the client issues chunk requests
// and accumulates inbound data frames until the total is reached.
//
// Timers: the session timeout (default 10s) bounds the gap between inbound
// frames, not the whole transfer; ackGrace absorbs the trailing ACK.
func (s *Session) readBulk(req []byte) ([]byte, error) {
	f, err := s.roundTrip(cmdDataWrrq, req)
	if err != nil {
		return nil, err
	}
	var total uint32
	switch f.Command {
	case cmdData, ackData:
		// small enough to fit one packet; some firmwares answer with
		// CMD_ACK_DATA instead of CMD_DATA
		return f.Payload, nil
	case ackOK, cmdPrepareData:
		if len(f.Payload) < 5 {
			return nil, &internal.ProtocolError{Command: f.Command, Reason: "short prepare reply"}
		}
		total = binary.LittleEndian.Uint32(f.Payload[1:5])
	default:
		return nil, &internal.ProtocolError{Command: f.Command, Reason: "unexpected reply to bulk read"}
	}
	if total == 0 {
		s.freeData()
		return nil, nil
	}

	// request every chunk up front; the device streams them in order
	for start := uint32(0); start < total; start += maxChunk {
		size := total - start
		if size > maxChunk {
			size = maxChunk
		}
		var chunkReq [8]byte
		binary.LittleEndian.PutUint32(chunkReq[0:4], start)
		binary.LittleEndian.PutUint32(chunkReq[4:8], size)
		if err := s.tr.send(encodeFrame(cmdDataRdy, s.sessionID, s.replyID, chunkReq[:])); err != nil {
			return nil, err
		}
		s.replyID++
	}

	buf := make([]byte, 0, total)
	for uint32(len(buf)) < total {
		f, err := s.tr.recv(s.timeout)
		if err != nil {
			return nil, &internal.TransportError{
				Op:   "bulk",
				Addr: s.ip,
				Err:  fmt.Errorf("transfer stalled after %d of %d bytes: %w", len(buf), total, err),
			}
		}
		switch f.Command {
		case cmdData:
			buf = append(buf, f.Payload...)
		case cmdPrepareData, ackOK, cmdRegEvent:
			// prepare/ack frames punctuate the stream; live events interleave on UDP
		default:
			return nil, &internal.ProtocolError{Command: f.Command, Reason: "unexpected command during bulk transfer"}
		}
	}

	// absorb a trailing ACK so it is not mistaken for the next reply
	if f, err := s.tr.recv(ackGrace); err == nil && f.Command != ackOK && f.Command != cmdRegEvent {
		s.log.Debug().Uint16("command", f.Command).Msg("unexpected frame in post-transfer grace window")
	}

	s.freeData()
	if uint32(len(buf)) > total {
		buf = buf[:total]
	}
	return buf, nil
}

// freeData tells the device to release its transfer buffer. Best effort: the
// transfer already succeeded by the time this is sent.
func (s *Session) freeData() {
	if err := s.tr.send(encodeFrame(cmdFreeData, s.sessionID, s.replyID, nil)); err != nil {
		s.log.Debug().Err(err).Msg("free-data send failed")
		return
	}
	s.replyID++
	if f, err := s.tr.recv(ackGrace); err == nil && !f.isAck() {
		s.log.Debug().Uint16("command", f.Command).Msg("unexpected free-data reply")
	}
}
