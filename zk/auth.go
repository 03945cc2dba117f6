package zk

import (
	"encoding/binary"
	"strconv"
)

// authConstant is XORed into the derived key. Fixed by the firmware's
// key-agreement scheme.
var authConstant = [4]byte{'Z', 'K', 'S', 'O'}

// DefaultTicks is the ticks byte used when the caller has no reason to vary
// it. Any value works as long as both derivation steps use the same one; the
// firmware recovers it from byte 2 of the token.
const DefaultTicks uint8 = 50

// DeriveCommKey derives the 4-byte challenge-response token from the shared
// secret and the session id handed out during connect.
//
// The steps must match the device bit-for-bit: parse the secret as an
// unsigned 32-bit integer (0 if unparsable), reverse its bits, add the
// session id mod 2^32, XOR the little-endian bytes with the fixed constant,
// swap the two 16-bit halves, then XOR every byte with ticks except byte 2
// which carries ticks itself. Any deviation is rejected by the device with a
// bare non-ACK reply and no further diagnostic.
func DeriveCommKey(secret string, sessionID uint32, ticks uint8) [4]byte {
	key, err := strconv.ParseUint(secret, 10, 32)
	if err != nil {
		key = 0
	}

	var rev uint32
	for i := 0; i < 32; i++ {
		rev <<= 1
		if key&(1<<uint(i)) != 0 {
			rev |= 1
		}
	}
	rev += sessionID

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], rev)
	for i := range buf {
		buf[i] ^= authConstant[i]
	}

	lo := binary.LittleEndian.Uint16(buf[0:2])
	hi := binary.LittleEndian.Uint16(buf[2:4])
	var swapped [4]byte
	binary.LittleEndian.PutUint16(swapped[0:2], hi)
	binary.LittleEndian.PutUint16(swapped[2:4], lo)

	return [4]byte{
		swapped[0] ^ ticks,
		swapped[1] ^ ticks,
		ticks,
		swapped[3] ^ ticks,
	}
}
