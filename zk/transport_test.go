package zk

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeDevice is a loopback UDP listener speaking just enough of the protocol
// to complete a handshake and answer a time read.
func fakeDevice(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			f, err := decodeFrame(buf[:n])
			if err != nil {
				continue
			}
			switch f.Command {
			case cmdConnect, cmdExit:
				conn.WriteToUDP(encodeFrame(ackOK, 321, f.ReplyID, nil), raddr)
			case cmdGetTime:
				payload := make([]byte, 4)
				v := EncodeDeviceTime(time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC))
				payload[0] = byte(v)
				payload[1] = byte(v >> 8)
				payload[2] = byte(v >> 16)
				payload[3] = byte(v >> 24)
				conn.WriteToUDP(encodeFrame(ackOK, 321, f.ReplyID, payload), raddr)
			}
		}
	}()
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

// The dialer must fall back to UDP when nothing listens on TCP, binding a
// local port from the pool.
func TestDialerUDPFallback(t *testing.T) {
	_, port := fakeDevice(t)
	s, err := Connect("127.0.0.1", port, "", SessionOpts{
		Dialer:  &Dialer{Timeout: 2 * time.Second, Ports: NewPortPool(5200, 5500), Log: zerolog.Nop()},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	defer s.Disconnect()
	if s.Kind() != KindUDP {
		t.Fatalf("kind = %s, want udp", s.Kind())
	}
	got, err := s.GetTime()
	if err != nil {
		t.Fatalf("GetTime: %s", err)
	}
	if want := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC); !got.Equal(want) {
		t.Errorf("GetTime = %v, want %v", got, want)
	}
}

// A device whose TCP port accepts connections but never answers must not
// strand the dialer on TCP: the failed handshake gets retried over UDP.
func TestConnectFallsBackToUDPAfterTCPHandshakeFailure(t *testing.T) {
	_, port := fakeDevice(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Skipf("tcp port %d unavailable: %s", port, err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	s, err := Connect("127.0.0.1", port, "", SessionOpts{
		Dialer:  &Dialer{Timeout: 500 * time.Millisecond, Ports: NewPortPool(5200, 5500), Log: zerolog.Nop()},
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	defer s.Disconnect()
	if s.Kind() != KindUDP {
		t.Fatalf("kind = %s, want udp", s.Kind())
	}
	if _, err := s.GetTime(); err != nil {
		t.Errorf("GetTime over fallback session: %s", err)
	}
}
