package zk

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openattend/fleet-sync/internal"
)

// Session is one connect → authenticate → operate → disconnect exchange with
// a device. A session never outlives one logical operation sequence: every
// sync cycle opens a fresh one rather than pooling sockets across cycles.
// Sessions are not safe for concurrent use.
type Session struct {
	tr        transport
	sessionID uint16
	replyID   uint16
	ip        string
	timeout   time.Duration
	sizes     *SizeCache
	log       zerolog.Logger
	closed    bool
}

var errSessionClosed = errors.New("session closed")

// SessionOpts tune Connect. Zero values select defaults; Sizes should be
// shared process-wide so layout hints survive across sessions.
type SessionOpts struct {
	Dialer  *Dialer
	Sizes   *SizeCache
	Timeout time.Duration
	Log     zerolog.Logger
}

// Connect dials the device (TCP first, UDP fallback), performs the protocol
// handshake and authenticates with the shared secret if the device demands
// it. The caller owns the returned session and must call Disconnect exactly
// once on every exit path.
func Connect(ip string, port int, secret string, opts SessionOpts) (*Session, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &Dialer{Timeout: timeout, Log: opts.Log}
	}
	sizes := opts.Sizes
	if sizes == nil {
		sizes = NewSizeCache()
	}
	tr, err := dialer.dial(ip, port)
	if err != nil {
		return nil, err
	}
	s, err := newSession(tr, ip, secret, timeout, sizes, opts.Log)
	if err == nil || tr.kind() != KindTCP {
		return s, err
	}
	// Some devices accept the TCP connection but only ever speak UDP, so a
	// handshake that dies on a TCP transport gets one retry over UDP. An
	// authentication rejection is final either way.
	var authErr *internal.AuthError
	if errors.As(err, &authErr) {
		return nil, err
	}
	opts.Log.Debug().Str("device", ip).Err(err).Msg("tcp handshake failed, retrying over udp")
	utr, uerr := dialer.dialUDP(ip, port)
	if uerr != nil {
		return nil, uerr
	}
	return newSession(utr, ip, secret, timeout, sizes, opts.Log)
}

// newSession runs the handshake over an already-open transport.
func newSession(tr transport, ip, secret string, timeout time.Duration, sizes *SizeCache, log zerolog.Logger) (*Session, error) {
	s := &Session{
		tr:      tr,
		ip:      ip,
		timeout: timeout,
		sizes:   sizes,
		log:     log.With().Str("device", ip).Str("transport", string(tr.kind())).Logger(),
	}
	reply, err := s.roundTrip(cmdConnect, nil)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.sessionID = reply.SessionID
	switch reply.Command {
	case ackOK:
		// no keyed auth required
	case ackUnauth:
		token := DeriveCommKey(secret, uint32(s.sessionID), DefaultTicks)
		authReply, err := s.roundTrip(cmdAuth, token[:])
		if err != nil {
			s.teardown()
			return nil, err
		}
		if !authReply.isAck() {
			s.teardown()
			return nil, &internal.AuthError{Reply: authReply.Command}
		}
	default:
		s.teardown()
		return nil, &internal.ProtocolError{Command: reply.Command, Reason: "unexpected connect reply"}
	}
	s.log.Debug().Uint16("session_id", s.sessionID).Msg("session established")
	return s, nil
}

// Kind reports which transport the session ended up on.
func (s *Session) Kind() Kind { return s.tr.kind() }

// roundTrip sends one framed command and waits for exactly one reply,
// skipping live event frames that interleave on UDP.
func (s *Session) roundTrip(cmd uint16, payload []byte) (*frame, error) {
	if s.closed {
		return nil, &internal.TransportError{Op: "request", Addr: s.ip, Err: errSessionClosed}
	}
	if err := s.tr.send(encodeFrame(cmd, s.sessionID, s.replyID, payload)); err != nil {
		return nil, err
	}
	s.replyID++
	deadline := time.Now().Add(s.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &internal.TransportError{Op: "request", Addr: s.ip, Err: errors.New("reply timeout")}
		}
		f, err := s.tr.recv(remaining)
		if err != nil {
			return nil, err
		}
		if f.Command == cmdRegEvent {
			continue
		}
		return f, nil
	}
}

// Info is the device's own view of its contents.
type Info struct {
	UserCount      uint32
	RecordCount    uint32
	RecordCapacity uint32
}

func (s *Session) GetInfo() (*Info, error) {
	f, err := s.roundTrip(cmdFreeSizes, nil)
	if err != nil {
		return nil, err
	}
	if !f.isAck() || len(f.Payload) < 68 {
		return nil, &internal.ProtocolError{Command: f.Command, Reason: "bad free-sizes reply"}
	}
	return &Info{
		UserCount:      binary.LittleEndian.Uint32(f.Payload[16:20]),
		RecordCount:    binary.LittleEndian.Uint32(f.Payload[32:36]),
		RecordCapacity: binary.LittleEndian.Uint32(f.Payload[64:68]),
	}, nil
}

func (s *Session) GetFirmwareVersion() (string, error) {
	f, err := s.roundTrip(cmdVersion, nil)
	if err != nil {
		return "", err
	}
	if !f.isAck() {
		return "", &internal.ProtocolError{Command: f.Command, Reason: "bad version reply"}
	}
	return cstr(f.Payload), nil
}

// GetTime reads the device clock. The result is a wall-clock reading in the
// device's own clock domain.
func (s *Session) GetTime() (time.Time, error) {
	f, err := s.roundTrip(cmdGetTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	if !f.isAck() || len(f.Payload) < 4 {
		return time.Time{}, &internal.ProtocolError{Command: f.Command, Reason: "bad get-time reply"}
	}
	return DecodeDeviceTime(binary.LittleEndian.Uint32(f.Payload[:4])), nil
}

// SetTime writes the device clock. t is interpreted as wall-clock fields; do
// the timezone conversion before calling.
func (s *Session) SetTime(t time.Time) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], EncodeDeviceTime(t))
	f, err := s.roundTrip(cmdSetTime, payload[:])
	if err != nil {
		return err
	}
	if !f.isAck() {
		return &internal.ProtocolError{Command: f.Command, Reason: "set-time rejected"}
	}
	return nil
}

// GetUsers fetches every enrollment record. Returns the records and how many
// trailing bytes the codec discarded.
func (s *Session) GetUsers() ([]UserRecord, int, error) {
	data, err := s.readBulk(reqUsers)
	if err != nil {
		return nil, 0, err
	}
	recs, layout, discarded := DecodeUsers(stripSizePrefix(data))
	s.sizes.SetUserLayout(s.ip, layout)
	if discarded > 0 {
		s.log.Debug().Int("bytes", discarded).Msg("discarded trailing user record bytes")
	}
	return recs, discarded, nil
}

// GetAttendances fetches every stored clock event. Timestamps are in the
// device clock domain.
func (s *Session) GetAttendances() ([]AttendanceRecord, int, error) {
	data, err := s.readBulk(reqAttendances)
	if err != nil {
		return nil, 0, err
	}
	recs, layout, discarded := DecodeAttendances(stripSizePrefix(data))
	s.sizes.SetAttendanceLayout(s.ip, layout)
	if discarded > 0 {
		s.log.Debug().Int("bytes", discarded).Msg("discarded trailing attendance record bytes")
	}
	return recs, discarded, nil
}

// SetUser writes an enrollment record, trying the layout this device's
// firmware last accepted before falling back to the other one.
func (s *Session) SetUser(u UserRecord) error {
	layouts := []UserLayout{UserLayout72, UserLayout28}
	if cached, ok := s.sizes.UserLayout(s.ip); ok && cached != layouts[0] {
		layouts[0], layouts[1] = layouts[1], layouts[0]
	}
	var lastReply uint16
	for _, l := range layouts {
		payload, err := EncodeUser(u, l)
		if err != nil {
			return err
		}
		f, err := s.roundTrip(cmdUserWrite, payload)
		if err != nil {
			return err
		}
		if f.isAck() {
			s.sizes.SetUserLayout(s.ip, l)
			return nil
		}
		lastReply = f.Command
		s.log.Debug().Int("size", int(l)).Uint16("reply", f.Command).Msg("user write rejected, trying other layout")
	}
	return &internal.ProtocolError{Command: lastReply, Reason: "user write rejected under every known layout"}
}

func (s *Session) DeleteUser(uid uint16) error {
	if uid < 1 || uid > maxUID {
		return &internal.ValidationError{Field: "uid", Reason: "must be in 1..3000"}
	}
	var payload [2]byte
	binary.LittleEndian.PutUint16(payload[:], uid)
	f, err := s.roundTrip(cmdDeleteUser, payload[:])
	if err != nil {
		return err
	}
	if !f.isAck() {
		return &internal.ProtocolError{Command: f.Command, Reason: "delete rejected"}
	}
	return nil
}

// PulseRelay energises the door relay for the given duration.
func (s *Session) PulseRelay(d time.Duration) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], uint32(d/(100*time.Millisecond)))
	f, err := s.roundTrip(cmdUnlock, payload[:])
	if err != nil {
		return err
	}
	if !f.isAck() {
		return &internal.ProtocolError{Command: f.Command, Reason: "relay pulse rejected"}
	}
	return nil
}

// Disconnect sends the protocol-level exit and tears the socket down. It is
// idempotent, and the socket is closed even when the exit command fails:
// leaking a bound UDP pool port is a correctness bug, not cosmetic.
func (s *Session) Disconnect() error {
	if s.closed {
		return nil
	}
	_, err := s.roundTrip(cmdExit, nil)
	s.teardown()
	if err != nil {
		s.log.Debug().Err(err).Msg("exit command failed, socket closed anyway")
	}
	return nil
}

func (s *Session) teardown() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.tr.close(); err != nil {
		s.log.Warn().Err(err).Msg("socket close failed")
	}
}

// stripSizePrefix drops the 4-byte length the firmware prepends to bulk
// payloads when it matches, so the codec sees records only.
func stripSizePrefix(data []byte) []byte {
	if len(data) >= 4 {
		n := binary.LittleEndian.Uint32(data[:4])
		if int(n) == len(data)-4 {
			return data[4:]
		}
	}
	return data
}
