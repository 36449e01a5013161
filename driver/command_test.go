package driver

import (
	"bytes"
	"errors"
	"testing"
	"time"

	codes "dana/pump/driver/packets"
)

var frameTime = time.Date(2026, 3, 1, 12, 0, 0, 0, pumpLocation)

func TestTempBasalPayloads(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
		want []byte
	}{
		{"regular", newSetTempBasalStart(150, 2), []byte{150, 2}},
		{"clamped", newSetTempBasalStart(350, 30), []byte{200, 24}},
		{"zero hours", newSetTempBasalStart(-5, 0), []byte{0, 1}},
		{"aps 30 min", newSetAPSTempBasalStart(200), []byte{0x00, 200, aps30MinParam}},
		{"aps 15 min", newSetAPSTempBasalStart(250), []byte{0x00, 250, aps15MinParam}},
		{"aps clamped", newSetAPSTempBasalStart(900), []byte{0x01, 0xf4, aps15MinParam}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.cmd.payload, tt.want) {
				t.Errorf("payload = %v, want %v", tt.cmd.payload, tt.want)
			}
		})
	}
}

func TestStatusTempBasal(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		percent  int
		totalSec int
		aps      bool
	}{
		{"hours", []byte{0x01, 150, 2, 0, 0, 60}, 150, 2 * 3600, false},
		{"aps 30 min", []byte{0x03, 180, aps30MinParam, 0, 0, 60}, 180, 30 * 60, true},
		{"aps 15 min over 200%", []byte{0x03, 225, aps15MinParam, 0, 0, 60}, 250, 15 * 60, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pump = NewPump()
			var cmd = newStatusTempBasal()
			cmd.deliver(pump, cmd.Code, tt.payload, frameTime)

			var s = pump.Snapshot()
			if !s.IsTempBasalInProgress || s.IsAPSTempBasalInProgress != tt.aps {
				t.Fatalf("flags: temp=%v aps=%v", s.IsTempBasalInProgress, s.IsAPSTempBasalInProgress)
			}
			if s.TempBasalPercent != tt.percent {
				t.Errorf("percent = %d, want %d", s.TempBasalPercent, tt.percent)
			}
			if s.TempBasalTotalSec != tt.totalSec {
				t.Errorf("total = %d, want %d", s.TempBasalTotalSec, tt.totalSec)
			}
			if !s.TempBasalStart.Equal(frameTime.Add(-time.Minute)) {
				t.Errorf("start = %v, want %v", s.TempBasalStart, frameTime.Add(-time.Minute))
			}
		})
	}
}

func TestStatusTempBasalInactiveClears(t *testing.T) {
	var pump = NewPump()
	pump.update(func(s *PumpState) {
		s.IsTempBasalInProgress = true
		s.TempBasalPercent = 150
	})

	var cmd = newStatusTempBasal()
	cmd.deliver(pump, cmd.Code, []byte{0, 0, 0, 0, 0, 0}, frameTime)

	if s := pump.Snapshot(); s.IsTempBasalInProgress || s.TempBasalPercent != 0 {
		t.Fatalf("expected temp basal cleared, got %+v", s)
	}
}

func TestExpectResultRejected(t *testing.T) {
	var cmd = newSetTempBasalStop()
	cmd.deliver(NewPump(), cmd.Code, []byte{0}, frameTime)

	if !cmd.Failed() || cmd.Done() {
		t.Fatal("expected the command to fail")
	}
	if !errors.Is(cmd.Err(), ErrCommandFailed) {
		t.Fatalf("err = %v, want ErrCommandFailed", cmd.Err())
	}
	if cmd.ResultCode() != 0 {
		t.Errorf("result = %d, want 0", cmd.ResultCode())
	}
	select {
	case <-cmd.Finished():
	default:
		t.Fatal("Finished not closed")
	}
}

func TestDeliverIgnoresFramesAfterDone(t *testing.T) {
	var pump = NewPump()
	var cmd = newSettingActiveProfile()

	cmd.deliver(pump, cmd.Code, []byte{1}, frameTime)
	cmd.deliver(pump, cmd.Code, []byte{3}, frameTime.Add(time.Second))

	if got := pump.Snapshot().ActiveProfile; got != 1 {
		t.Fatalf("active profile = %d, want 1", got)
	}
	if !cmd.LastFrame().Equal(frameTime) {
		t.Errorf("last frame = %v, want %v", cmd.LastFrame(), frameTime)
	}
}

func TestCheckValueRejectsOtherModels(t *testing.T) {
	var pump = NewPump()
	var cmd = newCheckValue()
	cmd.deliver(pump, cmd.Code, []byte{0x05, 2, 0}, frameTime)

	if !errors.Is(cmd.Err(), ErrPumpCheck) {
		t.Fatalf("err = %v, want ErrPumpCheck", cmd.Err())
	}
	if !pump.Snapshot().IsNewPump {
		t.Error("an unsupported pump must stay unchecked")
	}

	cmd = newCheckValue()
	cmd.deliver(pump, cmd.Code, []byte{codes.EXPORT_MODEL, 2, 0}, frameTime)
	if !cmd.Done() || pump.Snapshot().IsNewPump {
		t.Fatal("expected the export model to pass the check")
	}
}

func TestHistoryEvents(t *testing.T) {
	if cmd := newHistoryEvents(0); !bytes.Equal(cmd.payload, []byte{0, 1, 1, 0, 0, 0}) {
		t.Fatalf("full history payload = %v", cmd.payload)
	}

	var from = time.Date(2026, 3, 1, 9, 15, 30, 0, pumpLocation)
	var cmd = newHistoryEvents(from.UnixMilli())
	if !bytes.Equal(cmd.payload, []byte{26, 3, 1, 9, 15, 30}) {
		t.Fatalf("payload = %v", cmd.payload)
	}

	var pump = NewPump()
	cmd.deliver(pump, cmd.Code, []byte{codes.EVENT_BOLUS, 26, 3, 1, 10, 0, 0, 0x01, 0xf4, 0, 0}, frameTime)
	cmd.deliver(pump, cmd.Code, []byte{codes.EVENT_CARBS, 26, 3, 1, 9, 30, 0, 0, 45, 0, 0}, frameTime)
	if cmd.Done() {
		t.Fatal("done before the end marker")
	}
	cmd.deliver(pump, cmd.Code, []byte{codes.EVENT_HISTORY_END}, frameTime)

	if !cmd.Done() {
		t.Fatal("expected done after the end marker")
	}
	var records = cmd.Records()
	if len(records) != 2 || records[0].Param1 != 500 || records[1].Param1 != 45 {
		t.Fatalf("records = %+v", records)
	}
	var latest = time.Date(2026, 3, 1, 10, 0, 0, 0, pumpLocation)
	if cmd.LatestEvent() != latest.UnixMilli() {
		t.Errorf("latest = %v, want %v", time.UnixMilli(cmd.LatestEvent()), latest)
	}
}

func TestHistoryPageEndsOnDone(t *testing.T) {
	var cmd = newHistoryPage(codes.CMD_HISTORY_BOLUS)
	if !cmd.accepts(codes.CMD_HISTORY_DONE) || cmd.accepts(codes.CMD_HISTORY_DAILY) {
		t.Fatal("page must accept its own code and HISTORY_DONE only")
	}

	var pump = NewPump()
	cmd.deliver(pump, codes.CMD_HISTORY_BOLUS, []byte{1, 26, 3, 1, 8, 0, 0, 0, 200}, frameTime)
	cmd.deliver(pump, codes.CMD_HISTORY_DONE, nil, frameTime)

	if !cmd.Done() {
		t.Fatal("expected done")
	}
	if records := cmd.Records(); len(records) != 1 || records[0].Source != codes.CMD_HISTORY_BOLUS || records[0].Param1 != 200 {
		t.Fatalf("records = %+v", records)
	}
}

func TestUnsolicitedPassword(t *testing.T) {
	var pump = NewPump()
	var payload = make([]byte, 11)
	var masked = 1234 ^ passwordMask
	payload[9] = byte(masked >> 8)
	payload[10] = byte(masked)

	unsolicited[codes.CMD_INIT_CONN_STATUS_OPTION](pump, payload)
	if got := pump.Snapshot().Password; got != 1234 {
		t.Fatalf("password = %d, want 1234", got)
	}

	unsolicited[codes.CMD_INIT_CONN_STATUS_OPTION](pump, payload[:5])
	if got := pump.Snapshot().Password; got != 1234 {
		t.Fatalf("short frame changed the password to %d", got)
	}
}

func TestUnsolicitedErrorReport(t *testing.T) {
	var event = unsolicited[codes.CMD_ERROR_REPORT](NewPump(), []byte{3})
	if event == nil || event.Kind != EventPumpError || event.Message != "Occlusion" {
		t.Fatalf("event = %+v", event)
	}
}

func TestBolusDuration(t *testing.T) {
	tests := []struct {
		amount float64
		speed  int
		want   time.Duration
	}{
		{1, 0, 12 * time.Second},
		{2.5, 1, 75 * time.Second},
		{0.5, 2, 30 * time.Second},
		{1, 7, 12 * time.Second},
	}
	for _, tt := range tests {
		if got := bolusDuration(tt.amount, tt.speed); got != tt.want {
			t.Errorf("bolusDuration(%v, %d) = %v, want %v", tt.amount, tt.speed, got, tt.want)
		}
	}
}
