package zk

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/openattend/fleet-sync/internal"
)

// UserRecord is one enrollment slot as stored on the device.
type UserRecord struct {
	UID      uint16 // device slot, 1..3000
	Role     uint8
	Password string
	Name     string
	Card     uint32
	UserID   string // external identifier, numeric string
}

// AttendanceRecord is one clock event. Timestamp is in the device's own
// clock domain (see DecodeDeviceTime).
type AttendanceRecord struct {
	UID       uint16
	UserID    string
	Timestamp time.Time
	State     uint8
	Verify    uint8
}

// UserLayout and AttendanceLayout enumerate the record sizes different
// firmware generations emit. The size doubles as the tag.
type UserLayout int

const (
	UserLayout72 UserLayout = 72
	UserLayout28 UserLayout = 28
)

type AttendanceLayout int

const (
	AttendanceLayout40 AttendanceLayout = 40
	AttendanceLayout16 AttendanceLayout = 16
)

var (
	userLayouts       = []UserLayout{UserLayout72, UserLayout28}
	attendanceLayouts = []AttendanceLayout{AttendanceLayout40, AttendanceLayout16}
)

// roles the firmware actually assigns; anything else in the role byte is a
// strong sign we are slicing records at the wrong width.
var plausibleRoles = map[uint8]bool{0: true, 2: true, 6: true, 14: true}

func decodeUserAt(l UserLayout, rec []byte) UserRecord {
	switch l {
	case UserLayout72:
		return UserRecord{
			UID:      binary.LittleEndian.Uint16(rec[0:2]),
			Role:     rec[2],
			Password: cstr(rec[3:11]),
			Name:     cstr(rec[11:35]),
			Card:     binary.LittleEndian.Uint32(rec[35:39]),
			UserID:   cstr(rec[48:57]),
		}
	default: // UserLayout28
		return UserRecord{
			UID:      binary.LittleEndian.Uint16(rec[0:2]),
			Role:     rec[2],
			Password: cstr(rec[3:8]),
			Name:     cstr(rec[8:16]),
			Card:     binary.LittleEndian.Uint32(rec[16:20]),
			UserID:   cstr(rec[21:28]),
		}
	}
}

func decodeAttendanceAt(l AttendanceLayout, rec []byte) AttendanceRecord {
	switch l {
	case AttendanceLayout40:
		r := AttendanceRecord{
			UID:       binary.LittleEndian.Uint16(rec[0:2]),
			UserID:    cstr(rec[2:11]),
			Verify:    rec[26],
			Timestamp: DecodeDeviceTime(binary.LittleEndian.Uint32(rec[27:31])),
			State:     rec[31],
		}
		if r.UserID == "" {
			r.UserID = strconv.Itoa(int(r.UID))
		}
		return r
	default: // AttendanceLayout16
		uid := binary.LittleEndian.Uint16(rec[0:2])
		return AttendanceRecord{
			UID:       uid,
			UserID:    strconv.Itoa(int(uid)),
			Timestamp: DecodeDeviceTime(binary.LittleEndian.Uint32(rec[4:8])),
			State:     rec[8],
			Verify:    rec[9],
		}
	}
}

// scoreUsers rates the plausibility of a candidate decoding. Higher is more
// believable. Averaged per record so candidates with different record counts
// compare fairly.
func scoreUsers(recs []UserRecord) float64 {
	if len(recs) == 0 {
		return -1 << 20
	}
	var total float64
	for _, r := range recs {
		if r.UID >= 1 && r.UID <= maxUID {
			total++
		} else {
			total -= 2
		}
		if plausibleRoles[r.Role] {
			total += 2
		} else {
			total -= 2
		}
		if printable(r.Name) {
			total += 2
		} else {
			total--
		}
	}
	return total / float64(len(recs))
}

// scoreAttendances rates a candidate decoding by whether timestamps land in
// a believable window.
func scoreAttendances(recs []AttendanceRecord) float64 {
	if len(recs) == 0 {
		return -1 << 20
	}
	var total float64
	for _, r := range recs {
		y := r.Timestamp.Year()
		if y >= 2000 && y <= 2100 {
			total += 2
		} else {
			total -= 3
		}
		if r.UID >= 1 && r.UID <= maxUID {
			total++
		}
	}
	return total / float64(len(recs))
}

type candidate struct {
	size      int
	divisible bool
	score     float64
}

// pickCandidate applies the selection policy: a single evenly-dividing size
// wins outright; multiple dividing sizes go to the higher score; ties and
// payloads no size divides go to the highest score over every attempted
// size, discarding any trailing remainder.
func pickCandidate(cands []candidate) candidate {
	internal.Assert("layout candidates must not be empty", len(cands) > 0)
	byScore := make([]candidate, len(cands))
	copy(byScore, cands)
	slices.SortFunc(byScore, func(a, b candidate) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		return b.size - a.size
	})
	var div []candidate
	for _, c := range byScore {
		if c.divisible {
			div = append(div, c)
		}
	}
	if len(div) == 1 {
		return div[0]
	}
	if len(div) > 1 && div[0].score > div[1].score {
		return div[0]
	}
	return byScore[0]
}

// DecodeUsers decodes a bulk user payload, choosing the record layout
// heuristically. Returns the records, the winning layout and how many
// trailing bytes were discarded.
func DecodeUsers(payload []byte) ([]UserRecord, UserLayout, int) {
	if len(payload) == 0 {
		return nil, UserLayout72, 0
	}
	decoded := make(map[int][]UserRecord, len(userLayouts))
	cands := make([]candidate, 0, len(userLayouts))
	for _, l := range userLayouts {
		size := int(l)
		n := len(payload) / size
		recs := make([]UserRecord, 0, n)
		for i := 0; i < n; i++ {
			recs = append(recs, decodeUserAt(l, payload[i*size:(i+1)*size]))
		}
		decoded[size] = recs
		cands = append(cands, candidate{
			size:      size,
			divisible: len(payload)%size == 0,
			score:     scoreUsers(recs),
		})
	}
	won := pickCandidate(cands)
	return decoded[won.size], UserLayout(won.size), len(payload) % won.size
}

// DecodeAttendances decodes a bulk attendance payload. Same selection policy
// as DecodeUsers.
func DecodeAttendances(payload []byte) ([]AttendanceRecord, AttendanceLayout, int) {
	if len(payload) == 0 {
		return nil, AttendanceLayout40, 0
	}
	decoded := make(map[int][]AttendanceRecord, len(attendanceLayouts))
	cands := make([]candidate, 0, len(attendanceLayouts))
	for _, l := range attendanceLayouts {
		size := int(l)
		n := len(payload) / size
		recs := make([]AttendanceRecord, 0, n)
		for i := 0; i < n; i++ {
			recs = append(recs, decodeAttendanceAt(l, payload[i*size:(i+1)*size]))
		}
		decoded[size] = recs
		cands = append(cands, candidate{
			size:      size,
			divisible: len(payload)%size == 0,
			score:     scoreAttendances(recs),
		})
	}
	won := pickCandidate(cands)
	return decoded[won.size], AttendanceLayout(won.size), len(payload) % won.size
}

// EncodeUser builds the write payload for CMD_USER_WRQ under the given
// layout. Names are transliterated because the firmware cannot store most
// non-ASCII code points; decode paths never apply the mapping.
func EncodeUser(u UserRecord, l UserLayout) ([]byte, error) {
	if u.UID < 1 || u.UID > maxUID {
		return nil, &internal.ValidationError{Field: "uid", Reason: "must be in 1..3000"}
	}
	name := Transliterate(u.Name)
	buf := make([]byte, int(l))
	binary.LittleEndian.PutUint16(buf[0:2], u.UID)
	buf[2] = u.Role
	switch l {
	case UserLayout72:
		copy(buf[3:11], u.Password)
		copy(buf[11:35], name)
		binary.LittleEndian.PutUint32(buf[35:39], u.Card)
		copy(buf[48:57], u.UserID)
	case UserLayout28:
		copy(buf[3:8], u.Password)
		copy(buf[8:16], name)
		binary.LittleEndian.PutUint32(buf[16:20], u.Card)
		copy(buf[21:28], u.UserID)
	default:
		return nil, &internal.ValidationError{Field: "layout", Reason: "unknown user record size"}
	}
	return buf, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func printable(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			return false
		}
	}
	return true
}
