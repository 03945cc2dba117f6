package zk

import "time"

// The firmware stores timestamps as a uint32 built from calendar fields with
// every month padded to 31 days. It is not a unix epoch and must not be fed
// to time.Unix.
//
// Decoded values are wall-clock readings in the device's own clock domain;
// converting them to UTC is the caller's job, never the codec's.

// EncodeDeviceTime packs the wall-clock fields of t.
func EncodeDeviceTime(t time.Time) uint32 {
	days := uint32(t.Year()-2000)*12*31 + uint32(t.Month()-1)*31 + uint32(t.Day()-1)
	secs := (uint32(t.Hour())*60+uint32(t.Minute()))*60 + uint32(t.Second())
	return days*86400 + secs
}

// DecodeDeviceTime unpacks v into a wall-clock time. The returned value uses
// UTC as a placeholder location; it carries no real zone information.
func DecodeDeviceTime(v uint32) time.Time {
	sec := int(v % 60)
	v /= 60
	min := int(v % 60)
	v /= 60
	hour := int(v % 24)
	v /= 24
	day := int(v%31) + 1
	v /= 31
	month := time.Month(v%12) + 1
	v /= 12
	year := int(v) + 2000
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}
