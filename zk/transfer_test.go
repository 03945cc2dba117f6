package zk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openattend/fleet-sync/internal"
)

func prepareReply(sessionID, replyID uint16, total uint32) *frame {
	payload := make([]byte, 5)
	binary.LittleEndian.PutUint32(payload[1:5], total)
	return reply(ackOK, sessionID, replyID, payload)
}

// A declared 1000-byte transfer arriving across 4 data frames with a
// trailing ACK inside the grace window resolves to exactly 1000 bytes.
func TestReadBulkChunked(t *testing.T) {
	blob := make([]byte, 1000)
	for i := range blob {
		blob[i] = byte(i)
	}
	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{prepareReply(1, f.ReplyID, 1000)}
		case cmdDataRdy:
			var out []*frame
			for i := 0; i < 4; i++ {
				out = append(out, reply(cmdData, 1, 0, blob[i*250:(i+1)*250]))
			}
			out = append(out, reply(ackOK, 1, 0, nil)) // trailing ack
			return out
		case cmdFreeData:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	got, err := s.readBulk(reqAttendances)
	if err != nil {
		t.Fatalf("readBulk: %s", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("got %d bytes, want the 1000-byte blob intact", len(got))
	}
}

func TestReadBulkImmediateData(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{reply(cmdData, 1, f.ReplyID, []byte{1, 2, 3, 4})}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	got, err := s.readBulk(reqUsers)
	if err != nil {
		t.Fatalf("readBulk: %s", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("got % x", got)
	}
}

func TestReadBulkImmediateAckData(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{reply(ackData, 1, f.ReplyID, []byte{9, 8, 7})}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	got, err := s.readBulk(reqAttendances)
	if err != nil {
		t.Fatalf("readBulk: %s", err)
	}
	if !bytes.Equal(got, []byte{9, 8, 7}) {
		t.Errorf("got % x", got)
	}
}

// If the device stalls mid-transfer the error reports progress, and the
// orchestrator sees a transport error rather than a hang.
func TestReadBulkInactivityTimeout(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{prepareReply(1, f.ReplyID, 1000)}
		case cmdDataRdy:
			return []*frame{
				reply(cmdData, 1, 0, make([]byte, 250)),
				reply(cmdData, 1, 0, make([]byte, 250)),
			}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	_, err := s.readBulk(reqAttendances)
	var terr *internal.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "500 of 1000") {
		t.Errorf("error should report bytes received vs expected: %s", err)
	}
}

func TestReadBulkRejectsUnexpectedCommand(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{prepareReply(1, f.ReplyID, 500)}
		case cmdDataRdy:
			return []*frame{
				reply(cmdData, 1, 0, make([]byte, 250)),
				reply(cmdConnect, 1, 0, nil), // nonsense mid-transfer
			}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	_, err := s.readBulk(reqAttendances)
	var perr *internal.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

// Live finger-press events interleaving with the data stream are ignored.
func TestReadBulkIgnoresLiveEvents(t *testing.T) {
	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{prepareReply(1, f.ReplyID, 6)}
		case cmdDataRdy:
			return []*frame{
				reply(cmdData, 1, 0, []byte{1, 2, 3}),
				reply(cmdRegEvent, 1, 0, []byte{0xFF}),
				reply(cmdData, 1, 0, []byte{4, 5, 6}),
			}
		case cmdFreeData:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	got, err := s.readBulk(reqAttendances)
	if err != nil {
		t.Fatalf("readBulk: %s", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("got % x", got)
	}
}

func TestGetAttendancesDecodesBulkPayload(t *testing.T) {
	wall := time.Date(2024, 1, 15, 11, 30, 0, 0, time.UTC)
	records := append(mkAtt40(3, "901", wall, 0, 1), mkAtt40(4, "902", wall.Add(time.Hour), 1, 1)...)
	payload := make([]byte, 4+len(records))
	binary.LittleEndian.PutUint32(payload[:4], uint32(len(records)))
	copy(payload[4:], records)

	ft := &fakeTransport{}
	ft.handler = func(f *frame) []*frame {
		switch f.Command {
		case cmdConnect:
			return []*frame{reply(ackOK, 1, f.ReplyID, nil)}
		case cmdDataWrrq:
			return []*frame{reply(cmdData, 1, f.ReplyID, payload)}
		}
		return nil
	}
	s := connectOver(t, ft, "")
	recs, discarded, err := s.GetAttendances()
	if err != nil {
		t.Fatalf("GetAttendances: %s", err)
	}
	if discarded != 0 {
		t.Errorf("discarded = %d", discarded)
	}
	if len(recs) != 2 || recs[0].UserID != "901" || !recs[1].Timestamp.Equal(wall.Add(time.Hour)) {
		t.Errorf("records: %+v", recs)
	}
	if l, ok := s.sizes.AttendanceLayout("10.0.0.1"); !ok || l != AttendanceLayout40 {
		t.Errorf("layout cache = %v %v", l, ok)
	}
}
