package driver

import (
	"testing"
	"time"
)

func TestNewPumpDefaults(t *testing.T) {
	var s = NewPump().Snapshot()
	if s.Password != -1 || !s.IsNewPump || s.LastHistoryFetched != 0 {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestWatermarkClampsAtZero(t *testing.T) {
	var pump = NewPump()

	pump.SetWatermark(-45 * time.Minute.Milliseconds())
	if got := pump.Watermark(); got != 0 {
		t.Errorf("Watermark = %d, want 0", got)
	}

	pump.SetWatermark(1_700_000_000_000)
	if got := pump.Watermark(); got != 1_700_000_000_000 {
		t.Errorf("Watermark = %d", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	var pump = NewPump()
	var s = pump.Snapshot()
	s.BasalRates[0] = 9
	s.Password = 42

	if got := pump.Snapshot(); got.BasalRates[0] != 0 || got.Password != -1 {
		t.Fatalf("snapshot changes leaked into the pump: %+v", got)
	}
}

func TestRestoreAndForceSettingsRefresh(t *testing.T) {
	var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var pump = NewPump()
	pump.Restore(PumpState{Password: 1234, LastSettingsRead: now, LastHistoryFetched: 99})

	if s := pump.Snapshot(); s.Password != 1234 || s.IsNewPump || pump.Watermark() != 99 {
		t.Fatalf("restore: %+v", s)
	}

	pump.ForceSettingsRefresh()
	if got := pump.Snapshot().LastSettingsRead; now.Sub(got) < time.Hour {
		t.Fatalf("LastSettingsRead = %v, want far in the past", got)
	}
}
