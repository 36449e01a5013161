package driver

import (
	"bytes"
	"testing"
	"time"
)

func TestUintFromBuff(t *testing.T) {
	var buff = []byte{0x01, 0x02, 0x03}

	tests := []struct {
		offset, width, want int
	}{
		{0, 1, 0x01},
		{0, 2, 0x0102},
		{0, 3, 0x010203},
		{2, 2, 0x0300},
		{5, 1, 0},
	}
	for _, tt := range tests {
		if got := uintFromBuff(buff, tt.offset, tt.width); got != tt.want {
			t.Errorf("uintFromBuff(%d, %d) = %#x, want %#x", tt.offset, tt.width, got, tt.want)
		}
	}
}

func TestUnitsFromBuff(t *testing.T) {
	// 12.5U daily total is stored as units*750
	var buff = []byte{0x00, 0x24, 0x9f}
	if got := unitsFromBuff(buff, 0, 3, 750); got != 12.5 {
		t.Errorf("unitsFromBuff = %v, want 12.5", got)
	}
}

func TestClockLayoutIsSecondsFirst(t *testing.T) {
	var at = time.Date(2026, 10, 19, 14, 35, 7, 0, pumpLocation)

	var buff = appendClock(nil, at)
	if !bytes.Equal(buff, []byte{7, 35, 14, 19, 10, 26}) {
		t.Fatalf("appendClock = %v", buff)
	}
	if got := clockFromBuff(buff, 0); !got.Equal(at) {
		t.Errorf("clockFromBuff = %v, want %v", got, at)
	}
}

func TestDateTimeSec(t *testing.T) {
	var at = time.Date(2026, 1, 2, 3, 4, 5, 0, pumpLocation)

	var buff = appendDateTimeSec([]byte{0xaa}, at)
	if !bytes.Equal(buff, []byte{0xaa, 26, 1, 2, 3, 4, 5}) {
		t.Fatalf("appendDateTimeSec = %v", buff)
	}
	if got := dateTimeSecFromBuff(buff, 1); !got.Equal(at) {
		t.Errorf("dateTimeSecFromBuff = %v, want %v", got, at)
	}
	if got := dateTimeFromBuff(buff, 1); !got.Equal(at.Truncate(time.Minute)) {
		t.Errorf("dateTimeFromBuff = %v, want %v", got, at.Truncate(time.Minute))
	}
}

func TestAsciiFromBuff(t *testing.T) {
	var buff = []byte("AAB12345\x00\x00NLD")
	if got := asciiFromBuff(buff, 0, 10); got != "AAB12345" {
		t.Errorf("asciiFromBuff serial = %q", got)
	}
	if got := asciiFromBuff(buff, 10, 3); got != "NLD" {
		t.Errorf("asciiFromBuff country = %q", got)
	}
	if got := asciiFromBuff(buff, 20, 3); got != "" {
		t.Errorf("asciiFromBuff past end = %q", got)
	}
}

func TestAppendUnitsRounds(t *testing.T) {
	if got := appendUnits(nil, 0.1+0.2); !bytes.Equal(got, []byte{0x00, 0x1e}) {
		t.Errorf("appendUnits(0.3) = % x, want 00 1e", got)
	}
	if got := appendUnits(nil, 5); !bytes.Equal(got, []byte{0x01, 0xf4}) {
		t.Errorf("appendUnits(5) = % x, want 01 f4", got)
	}
}
