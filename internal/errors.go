package internal

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// MaxStoredErrorLen bounds error messages before they cross the persistence
// boundary (sync run rows, notification payloads).
const MaxStoredErrorLen = 512

// TransportError is a socket-level failure: dial, timeout, teardown.
type TransportError struct {
	Op   string // "dial", "request", "bind", "read"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %s", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a non-ACK reply to the auth command. Fatal for the session;
// retry policy belongs to the orchestrator.
type AuthError struct {
	Reply uint16
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected by device (reply %d)", e.Reply)
}

// ProtocolError is an unexpected command id or a malformed frame. Fatal for
// the current operation only.
type ProtocolError struct {
	Command uint16
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s (command %d)", e.Reason, e.Command)
}

// ValidationError rejects bad input before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TruncateError bounds an error message for storage. Unbounded device error
// strings must never grow the sync history table.
func TruncateError(msg string) string {
	if len(msg) <= MaxStoredErrorLen {
		return msg
	}
	return msg[:MaxStoredErrorLen]
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and FLEETSYNC_DEBUG=1 then the program panics.
// If expr is false and FLEETSYNC_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("FLEETSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
