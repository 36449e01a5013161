package driver

import (
	"math"
	"strings"
	"time"
)

// pumpLocation is the zone pump clock fields are read and written in. The
// firmware keeps wall-clock time without an offset.
var pumpLocation = time.Local

// uintFromBuff reads a big-endian unsigned integer of width bytes at offset.
// Bytes past the end of a short payload read as zero.
func uintFromBuff(buff []byte, offset, width int) int {
	var value = 0
	for i := 0; i < width; i++ {
		value <<= 8
		if offset+i < len(buff) {
			value |= int(buff[offset+i])
		}
	}
	return value
}

// unitsFromBuff reads a fixed-point insulin amount stored as units*divisor.
func unitsFromBuff(buff []byte, offset, width int, divisor float64) float64 {
	return float64(uintFromBuff(buff, offset, width)) / divisor
}

// dateFromBuff reads year-2000, month, day.
func dateFromBuff(buff []byte, offset int) time.Time {
	return time.Date(
		2000+uintFromBuff(buff, offset, 1),
		time.Month(uintFromBuff(buff, offset+1, 1)),
		uintFromBuff(buff, offset+2, 1),
		0, 0, 0, 0, pumpLocation)
}

// dateTimeFromBuff reads year-2000, month, day, hour, minute.
func dateTimeFromBuff(buff []byte, offset int) time.Time {
	return time.Date(
		2000+uintFromBuff(buff, offset, 1),
		time.Month(uintFromBuff(buff, offset+1, 1)),
		uintFromBuff(buff, offset+2, 1),
		uintFromBuff(buff, offset+3, 1),
		uintFromBuff(buff, offset+4, 1),
		0, 0, pumpLocation)
}

// dateTimeSecFromBuff reads year-2000, month, day, hour, minute, second.
func dateTimeSecFromBuff(buff []byte, offset int) time.Time {
	return time.Date(
		2000+uintFromBuff(buff, offset, 1),
		time.Month(uintFromBuff(buff, offset+1, 1)),
		uintFromBuff(buff, offset+2, 1),
		uintFromBuff(buff, offset+3, 1),
		uintFromBuff(buff, offset+4, 1),
		uintFromBuff(buff, offset+5, 1),
		0, pumpLocation)
}

// clockFromBuff reads the pump clock layout, which is stored seconds first:
// second, minute, hour, day, month, year-2000.
func clockFromBuff(buff []byte, offset int) time.Time {
	return time.Date(
		2000+uintFromBuff(buff, offset+5, 1),
		time.Month(uintFromBuff(buff, offset+4, 1)),
		uintFromBuff(buff, offset+3, 1),
		uintFromBuff(buff, offset+2, 1),
		uintFromBuff(buff, offset+1, 1),
		uintFromBuff(buff, offset, 1),
		0, pumpLocation)
}

func asciiFromBuff(buff []byte, offset, length int) string {
	if offset >= len(buff) {
		return ""
	}
	var end = min(offset+length, len(buff))
	return strings.TrimRight(string(buff[offset:end]), "\x00 ")
}

func appendByte(params []byte, value int) []byte {
	return append(params, byte(value&0xff))
}

func appendInt(params []byte, value int) []byte {
	return append(params, byte((value>>8)&0xff), byte(value&0xff))
}

func appendUnits(params []byte, units float64) []byte {
	return appendInt(params, int(math.Round(units*100)))
}

// appendDateTimeSec writes year-2000, month, day, hour, minute, second.
func appendDateTimeSec(params []byte, t time.Time) []byte {
	t = t.In(pumpLocation)
	return append(params,
		byte(t.Year()%100),
		byte(t.Month()),
		byte(t.Day()),
		byte(t.Hour()),
		byte(t.Minute()),
		byte(t.Second()))
}

// appendClock writes the seconds-first pump clock layout.
func appendClock(params []byte, t time.Time) []byte {
	t = t.In(pumpLocation)
	return append(params,
		byte(t.Second()),
		byte(t.Minute()),
		byte(t.Hour()),
		byte(t.Day()),
		byte(t.Month()),
		byte(t.Year()-2000))
}
