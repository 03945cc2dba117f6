package zk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openattend/fleet-sync/internal"
)

// Kind identifies the transport a session ended up on.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindUDP Kind = "udp"
)

const (
	// DefaultTimeout bounds the handshake and every request/reply exchange.
	DefaultTimeout = 10 * time.Second

	// udpBindAttempts bounds how many pool ports are tried before a dial
	// fails permanently.
	udpBindAttempts = 10
)

// transport sends and receives single protocol frames. Implementations are
// not safe for concurrent use; a session serializes all access.
type transport interface {
	send(inner []byte) error
	// recv blocks for up to timeout waiting for one frame.
	recv(timeout time.Duration) (*frame, error)
	close() error
	kind() Kind
	addr() string
}

// Dialer opens transports to devices, attempting TCP first and falling back
// to UDP on any failure, including a partial TCP handshake.
type Dialer struct {
	Timeout time.Duration
	Ports   *PortPool
	Log     zerolog.Logger
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout == 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

func (d *Dialer) dial(ip string, port int) (transport, error) {
	remote := net.JoinHostPort(ip, fmt.Sprint(port))
	conn, err := net.DialTimeout("tcp", remote, d.timeout())
	if err == nil {
		return &tcpTransport{conn: conn, remote: remote}, nil
	}
	d.Log.Debug().Str("addr", remote).Err(err).Msg("tcp dial failed, falling back to udp")
	return d.dialUDP(ip, port)
}

func (d *Dialer) dialUDP(ip string, port int) (transport, error) {
	remote := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if remote.IP == nil {
		return nil, &internal.TransportError{Op: "dial", Addr: ip, Err: errors.New("unparsable device IP")}
	}
	pool := d.Ports
	if pool == nil {
		pool = DefaultPortPool()
	}
	var lastErr error
	for i := 0; i < udpBindAttempts; i++ {
		local := &net.UDPAddr{Port: pool.Next()}
		conn, err := net.DialUDP("udp", local, remote)
		if err == nil {
			return &udpTransport{conn: conn, remote: remote.String()}, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
		d.Log.Debug().Int("port", local.Port).Msg("local udp port in use, rotating")
	}
	return nil, &internal.TransportError{Op: "bind", Addr: remote.String(), Err: lastErr}
}

type tcpTransport struct {
	conn   net.Conn
	remote string
}

func (t *tcpTransport) send(inner []byte) error {
	if _, err := t.conn.Write(wrapTCP(inner)); err != nil {
		return &internal.TransportError{Op: "send", Addr: t.remote, Err: err}
	}
	return nil
}

func (t *tcpTransport) recv(timeout time.Duration) (*frame, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &internal.TransportError{Op: "read", Addr: t.remote, Err: err}
	}
	var hdr [8]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		return nil, &internal.TransportError{Op: "read", Addr: t.remote, Err: err}
	}
	if !bytes.Equal(hdr[:4], tcpMagic) {
		return nil, &internal.ProtocolError{Reason: "bad tcp magic"}
	}
	n := binary.LittleEndian.Uint32(hdr[4:8])
	inner := make([]byte, n)
	if _, err := io.ReadFull(t.conn, inner); err != nil {
		return nil, &internal.TransportError{Op: "read", Addr: t.remote, Err: err}
	}
	return decodeFrame(inner)
}

func (t *tcpTransport) close() error { return t.conn.Close() }
func (t *tcpTransport) kind() Kind   { return KindTCP }
func (t *tcpTransport) addr() string { return t.remote }

type udpTransport struct {
	conn   *net.UDPConn
	remote string
	buf    [65536]byte
}

func (t *udpTransport) send(inner []byte) error {
	if _, err := t.conn.Write(inner); err != nil {
		return &internal.TransportError{Op: "send", Addr: t.remote, Err: err}
	}
	return nil
}

func (t *udpTransport) recv(timeout time.Duration) (*frame, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, &internal.TransportError{Op: "read", Addr: t.remote, Err: err}
	}
	n, err := t.conn.Read(t.buf[:])
	if err != nil {
		return nil, &internal.TransportError{Op: "read", Addr: t.remote, Err: err}
	}
	// copy out: the next recv reuses the buffer
	inner := make([]byte, n)
	copy(inner, t.buf[:n])
	return decodeFrame(inner)
}

func (t *udpTransport) close() error { return t.conn.Close() }
func (t *udpTransport) kind() Kind   { return KindUDP }
func (t *udpTransport) addr() string { return t.remote }
