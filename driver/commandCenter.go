package driver

import (
	"fmt"
	"math"
	"time"

	codes "dana/pump/driver/packets"

	"github.com/rs/zerolog/log"
)

const (
	// Result byte of an accepted set command
	resultOK = 1
	// Result byte of an accepted bolus start
	resultBolusOK = 2

	aps15MinParam = 150
	aps30MinParam = 160

	passwordMask = 0x3463
)

// BolusSpeedSecondsPerUnit maps the configured delivery speed tier to the
// seconds the pump takes per unit.
var BolusSpeedSecondsPerUnit = [3]int{12, 30, 60}

func expectResult(want int) handlerFunc {
	return func(c *Command, p *Pump, payload []byte) Result {
		var result = uintFromBuff(payload, 0, 1)
		c.setResult(result)
		if result != want {
			log.Warn().Str("command", c.Name).Int("result", result).Msg("Pump rejected command")
			return Failed
		}
		return Done
	}
}

func ack(c *Command, p *Pump, payload []byte) Result {
	return Done
}

func newCheckValue() *Command {
	return newCommand(codes.CMD_CHECK_VALUE, "CHECK_VALUE", nil, func(c *Command, p *Pump, payload []byte) Result {
		var hwModel = uintFromBuff(payload, 0, 1)
		p.update(func(s *PumpState) {
			s.HardwareModel = hwModel
			s.ProtocolVersion = uintFromBuff(payload, 1, 1)
			s.ProductCode = uintFromBuff(payload, 2, 1)
			if hwModel == int(codes.EXPORT_MODEL) {
				s.IsNewPump = false
			}
		})

		if hwModel != int(codes.EXPORT_MODEL) {
			c.fail(fmt.Errorf("%w: hardware model 0x%02x", ErrPumpCheck, hwModel))
			return Failed
		}
		return Done
	})
}

func newStatus() *Command {
	return newCommand(codes.CMD_STATUS, "STATUS", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.DailyTotalUnits = unitsFromBuff(payload, 0, 3, 750)
			s.IsExtendedInProgress = uintFromBuff(payload, 3, 1) == 1
			s.ExtendedBolusMinutes = uintFromBuff(payload, 4, 2)
			s.ExtendedBolusAmount = unitsFromBuff(payload, 6, 2, 100)
			s.LastBolusTime = dateTimeFromBuff(payload, 8)
			s.LastBolusAmount = unitsFromBuff(payload, 13, 2, 100)
			s.IOB = unitsFromBuff(payload, 15, 2, 100)
		})
		return Done
	})
}

func newStatusBasic() *Command {
	return newCommand(codes.CMD_STATUS_BASIC, "STATUS_BASIC", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.Suspended = uintFromBuff(payload, 0, 1) == 1
			s.CalculatorEnabled = uintFromBuff(payload, 1, 1) == 1
			s.DailyTotalUnits = unitsFromBuff(payload, 2, 3, 750)
			s.MaxDailyTotalUnits = unitsFromBuff(payload, 5, 2, 100)
			s.ReservoirRemainingUnits = unitsFromBuff(payload, 7, 3, 750)
			s.BolusBlocked = uintFromBuff(payload, 10, 1) == 1
			s.CurrentBasal = unitsFromBuff(payload, 11, 2, 100)
			s.TempBasalPercent = uintFromBuff(payload, 13, 1)
			s.IsExtendedInProgress = uintFromBuff(payload, 14, 1) == 1
			s.IsTempBasalInProgress = uintFromBuff(payload, 15, 1) == 1
			s.BatteryRemaining = uintFromBuff(payload, 20, 1)
		})
		return Done
	})
}

func newStatusTempBasal() *Command {
	return newCommand(codes.CMD_STATUS_TEMP_BASAL, "STATUS_TEMP_BASAL", nil, func(c *Command, p *Pump, payload []byte) Result {
		var flags = uintFromBuff(payload, 0, 1)
		var percent = uintFromBuff(payload, 1, 1)
		if percent > 200 {
			percent = (percent - 200) * 10
		}

		var totalSec int
		switch duration := uintFromBuff(payload, 2, 1); duration {
		case aps15MinParam:
			totalSec = 15 * 60
		case aps30MinParam:
			totalSec = 30 * 60
		default:
			totalSec = duration * 3600
		}
		var runningSec = uintFromBuff(payload, 3, 3)

		p.update(func(s *PumpState) {
			s.IsTempBasalInProgress = flags&0x01 == 0x01
			s.IsAPSTempBasalInProgress = flags&0x02 == 0x02
			if !s.IsTempBasalInProgress {
				s.TempBasalPercent = 0
				s.TempBasalTotalSec = 0
				s.TempBasalStart = time.Time{}
				return
			}
			s.TempBasalPercent = percent
			s.TempBasalTotalSec = totalSec
			s.TempBasalStart = c.LastFrame().Add(-time.Duration(runningSec) * time.Second).Truncate(time.Second)
		})
		return Done
	})
}

func newStatusBolusExtended() *Command {
	return newCommand(codes.CMD_STATUS_BOLUS_EXTENDED, "STATUS_BOLUS_EXTENDED", nil, func(c *Command, p *Pump, payload []byte) Result {
		var inProgress = uintFromBuff(payload, 0, 1) == 1
		var halfHours = uintFromBuff(payload, 1, 1)
		var amount = unitsFromBuff(payload, 2, 2, 100)
		var soFarSec = uintFromBuff(payload, 4, 3)

		p.update(func(s *PumpState) {
			s.IsExtendedInProgress = inProgress
			if !inProgress {
				s.ExtendedBolusAmount = 0
				s.ExtendedBolusMinutes = 0
				s.ExtendedBolusSoFarSec = 0
				s.ExtendedBolusStart = time.Time{}
				return
			}
			s.ExtendedBolusMinutes = halfHours * 30
			s.ExtendedBolusAmount = amount
			s.ExtendedBolusSoFarSec = soFarSec
			s.ExtendedBolusStart = c.LastFrame().Add(-time.Duration(soFarSec) * time.Second).Truncate(time.Second)
		})
		return Done
	})
}

func newSettingShippingInfo() *Command {
	return newCommand(codes.CMD_SETTING_SHIPPING_INFO, "SETTING_SHIPPING_INFO", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.SerialNumber = asciiFromBuff(payload, 0, 10)
			s.ShippingDate = dateFromBuff(payload, 10)
			s.ShippingCountry = asciiFromBuff(payload, 13, 3)
		})
		return Done
	})
}

func newSettingActiveProfile() *Command {
	return newCommand(codes.CMD_SETTING_ACTIVE_PROFILE, "SETTING_ACTIVE_PROFILE", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) { s.ActiveProfile = uintFromBuff(payload, 0, 1) })
		return Done
	})
}

func newSettingMeal() *Command {
	return newCommand(codes.CMD_SETTING_MEAL, "SETTING_MEAL", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.BasalStep = unitsFromBuff(payload, 0, 1, 100)
			s.BolusStep = unitsFromBuff(payload, 1, 1, 100)
			s.BolusEnabled = uintFromBuff(payload, 2, 1) == 1
		})
		return Done
	})
}

func newSettingBasal() *Command {
	return newCommand(codes.CMD_SETTING_BASAL, "SETTING_BASAL", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			for i := range s.BasalRates {
				s.BasalRates[i] = unitsFromBuff(payload, 2*i, 2, 100)
			}
		})
		return Done
	})
}

func newSettingMaxValues() *Command {
	return newCommand(codes.CMD_SETTING_MAX_VALUES, "SETTING_MAX_VALUES", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.MaxBolus = unitsFromBuff(payload, 0, 2, 100)
			s.MaxBasal = unitsFromBuff(payload, 2, 2, 100)
			s.MaxDailyTotalUnits = unitsFromBuff(payload, 4, 2, 100)
		})
		return Done
	})
}

func newSettingGlucose() *Command {
	return newCommand(codes.CMD_SETTING_GLUCOSE, "SETTING_GLUCOSE", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.Units = uintFromBuff(payload, 0, 1)
			s.EasyBasalMode = uintFromBuff(payload, 1, 1) == 1
		})
		return Done
	})
}

// glucoseValue scales a glucose field; mmol/l values are sent times 100.
func glucoseValue(raw int, units int) float64 {
	if units == UnitsMmol {
		return float64(raw) / 100
	}
	return float64(raw)
}

func newSettingProfileRatios() *Command {
	return newCommand(codes.CMD_SETTING_PROFILE_RATIOS, "SETTING_PROFILE_RATIOS", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			s.CurrentCIR = float64(uintFromBuff(payload, 0, 2))
			s.CurrentCF = glucoseValue(uintFromBuff(payload, 2, 2), s.Units)
			s.CurrentAI = unitsFromBuff(payload, 4, 2, 100)
			s.CurrentTarget = glucoseValue(uintFromBuff(payload, 6, 2), s.Units)
		})
		return Done
	})
}

func newSettingProfileRatiosAll() *Command {
	return newCommand(codes.CMD_SETTING_PROFILE_RATIOS_ALL, "SETTING_PROFILE_RATIOS_ALL", nil, func(c *Command, p *Pump, payload []byte) Result {
		p.update(func(s *PumpState) {
			for i := 0; i < 4; i++ {
				s.CF[i] = glucoseValue(uintFromBuff(payload, 4*i, 2), s.Units)
				s.CIR[i] = float64(uintFromBuff(payload, 4*i+2, 2))
			}
		})
		return Done
	})
}

func newSettingPumpTime() *Command {
	return newCommand(codes.CMD_SETTING_PUMP_TIME, "SETTING_PUMP_TIME", nil, func(c *Command, p *Pump, payload []byte) Result {
		var pumpTime = clockFromBuff(payload, 0)
		p.update(func(s *PumpState) { s.PumpTime = pumpTime })
		log.Debug().Time("pumpTime", pumpTime).Msg("Pump time")
		return Done
	})
}

func newSetTime(t time.Time) *Command {
	return newCommand(codes.CMD_SET_TIME, "SET_TIME", appendClock(nil, t), expectResult(resultOK))
}

// settingsCommands is the full settings read issued when the cached settings
// are stale. The active profile is read twice, the ratio reads depend on it.
func settingsCommands() []*Command {
	return []*Command{
		newSettingShippingInfo(),
		newSettingActiveProfile(),
		newSettingMeal(),
		newSettingBasal(),
		newSettingMaxValues(),
		newSettingGlucose(),
		newSettingActiveProfile(),
		newSettingProfileRatios(),
		newSettingProfileRatiosAll(),
	}
}

func newSetTempBasalStart(percent, hours int) *Command {
	percent = max(0, min(percent, 200))
	hours = max(1, min(hours, 24))

	var params = appendByte(nil, percent)
	params = appendByte(params, hours)
	return newCommand(codes.CMD_SET_TEMP_BASAL_START, "SET_TEMP_BASAL_START", params, expectResult(resultOK))
}

// newSetAPSTempBasalStart starts a high temp basal. Rates up to 200% run for
// 30 minutes, higher rates for 15 minutes.
func newSetAPSTempBasalStart(percent int) *Command {
	percent = max(0, min(percent, 500))

	var params = appendInt(nil, percent)
	if percent <= 200 {
		params = appendByte(params, aps30MinParam)
	} else {
		params = appendByte(params, aps15MinParam)
	}
	return newCommand(codes.CMD_SET_APS_TEMP_BASAL_START, "SET_APS_TEMP_BASAL_START", params, expectResult(resultOK))
}

func newSetTempBasalStop() *Command {
	return newCommand(codes.CMD_SET_TEMP_BASAL_STOP, "SET_TEMP_BASAL_STOP", nil, expectResult(resultOK))
}

func newSetExtendedBolusStart(amount float64, halfHours int) *Command {
	var params = appendUnits(nil, amount)
	params = appendByte(params, halfHours)
	return newCommand(codes.CMD_SET_EXTENDED_BOLUS_START, "SET_EXTENDED_BOLUS_START", params, expectResult(resultOK))
}

func newSetExtendedBolusStop() *Command {
	return newCommand(codes.CMD_SET_EXTENDED_BOLUS_STOP, "SET_EXTENDED_BOLUS_STOP", nil, expectResult(resultOK))
}

func newBolusStart(amount float64) *Command {
	return newCommand(codes.CMD_BOLUS_START, "BOLUS_START", appendUnits(nil, amount), expectResult(resultBolusOK))
}

func newBolusStartWithSpeed(amount float64, speed int) *Command {
	var params = appendUnits(nil, amount)
	params = appendByte(params, speed)
	return newCommand(codes.CMD_BOLUS_START_WITH_SPEED, "BOLUS_START_WITH_SPEED", params, expectResult(resultBolusOK))
}

func newBolusStop() *Command {
	return newCommand(codes.CMD_BOLUS_STOP, "BOLUS_STOP", nil, ack)
}

func newSetCarbsEntry(at time.Time, grams int) *Command {
	var params = appendByte(nil, int(codes.EVENT_CARBS))
	params = appendDateTimeSec(params, at)
	params = appendByte(params, 0x43)
	params = appendInt(params, grams)
	return newCommand(codes.CMD_SET_CARBS_ENTRY, "SET_CARBS_ENTRY", params, expectResult(resultOK))
}

func newSetHistoryEntry(eventType byte, at time.Time, param1, param2 int) *Command {
	var params = appendByte(nil, int(eventType))
	params = appendDateTimeSec(params, at)
	params = appendInt(params, param1)
	params = appendInt(params, param2)
	return newCommand(codes.CMD_SET_HISTORY_ENTRY, "SET_HISTORY_ENTRY", params, expectResult(resultOK))
}

// newHistoryEvents streams the pump event log newer than fromMs. Zero asks
// for everything the pump holds.
func newHistoryEvents(fromMs int64) *Command {
	var params []byte
	if fromMs == 0 {
		params = []byte{0, 1, 1, 0, 0, 0}
	} else {
		params = appendDateTimeSec(nil, time.UnixMilli(fromMs))
	}

	return newCommand(codes.CMD_HISTORY_EVENTS, "HISTORY_EVENTS", params, func(c *Command, p *Pump, payload []byte) Result {
		var recordType = byte(uintFromBuff(payload, 0, 1))
		if recordType == codes.EVENT_HISTORY_END {
			return Done
		}

		c.addRecord(HistoryRecord{
			Source: codes.CMD_HISTORY_EVENTS,
			Type:   recordType,
			Time:   dateTimeSecFromBuff(payload, 1),
			Param1: uintFromBuff(payload, 7, 2),
			Param2: uintFromBuff(payload, 9, 2),
		})
		return Continue
	})
}

// newHistoryPage requests one of the paged history logs. The pump answers
// with one frame per record under the page code and ends with HISTORY_DONE.
func newHistoryPage(code uint16) *Command {
	return newCommand(code, fmt.Sprintf("HISTORY_%04X", code), nil, func(c *Command, p *Pump, payload []byte) Result {
		if c.lastCode.Load() == uint32(codes.CMD_HISTORY_DONE) {
			return Done
		}

		c.addRecord(HistoryRecord{
			Source: code,
			Type:   byte(uintFromBuff(payload, 0, 1)),
			Time:   dateTimeSecFromBuff(payload, 1),
			Param1: uintFromBuff(payload, 7, 2),
		})
		return Continue
	}, codes.CMD_HISTORY_DONE)
}

func newPCCommStart() *Command {
	return newCommand(codes.CMD_PC_COMM_START, "PC_COMM_START", nil, ack)
}

func newPCCommStop() *Command {
	return newCommand(codes.CMD_PC_COMM_STOP, "PC_COMM_STOP", nil, ack)
}

func newSetBasalProfile(profile int, rates [24]float64) *Command {
	var params = appendByte(nil, profile)
	for _, rate := range rates {
		params = appendUnits(params, rate)
	}
	return newCommand(codes.CMD_SET_BASAL_PROFILE, "SET_BASAL_PROFILE", params, expectResult(resultOK))
}

func newSetActivateBasalProfile(profile int) *Command {
	return newCommand(codes.CMD_SET_ACTIVATE_BASAL_PROFILE, "SET_ACTIVATE_BASAL_PROFILE", appendByte(nil, profile), expectResult(resultOK))
}

// unsolicitedFunc handles a frame the pump pushes without a request. The
// returned event, if any, is published by the I/O loop.
type unsolicitedFunc func(p *Pump, payload []byte) *Event

var unsolicited = map[uint16]unsolicitedFunc{
	codes.CMD_INIT_CONN_STATUS_TIME: func(p *Pump, payload []byte) *Event {
		var pumpTime = dateTimeSecFromBuff(payload, 0)
		p.update(func(s *PumpState) { s.PumpTime = pumpTime })
		return nil
	},
	codes.CMD_INIT_CONN_STATUS_BOLUS: func(p *Pump, payload []byte) *Event {
		p.update(func(s *PumpState) {
			s.BolusStep = unitsFromBuff(payload, 1, 1, 100)
			s.BolusBlocked = uintFromBuff(payload, 2, 1) == 1
		})
		return nil
	},
	codes.CMD_INIT_CONN_STATUS_BASIC: func(p *Pump, payload []byte) *Event {
		p.update(func(s *PumpState) {
			s.Suspended = uintFromBuff(payload, 0, 1) == 1
			s.CalculatorEnabled = uintFromBuff(payload, 1, 1) == 1
		})
		return nil
	},
	codes.CMD_INIT_CONN_STATUS_OPTION: func(p *Pump, payload []byte) *Event {
		if len(payload) < 11 {
			return nil
		}
		var password = uintFromBuff(payload, 9, 2) ^ passwordMask
		p.update(func(s *PumpState) { s.Password = password })
		return nil
	},
	codes.CMD_ERROR_REPORT: func(p *Pump, payload []byte) *Event {
		var errorCode = uintFromBuff(payload, 0, 1)
		p.update(func(s *PumpState) { s.LastErrorCode = errorCode })
		log.Error().Int("code", errorCode).Msg("Pump reported an error")
		return &Event{Kind: EventPumpError, Message: pumpErrorText(errorCode)}
	},
}

func pumpErrorText(code int) string {
	switch code {
	case 1:
		return "Battery 0%"
	case 2:
		return "Pump error"
	case 3:
		return "Occlusion"
	case 4:
		return "Low battery"
	case 5:
		return "Shutdown"
	case 6:
		return "Basal compare"
	case 7, 0xFF:
		return "Blood sugar measurement alert"
	case 8, 0xFE:
		return "Remaining insulin level"
	case 9:
		return "Empty reservoir"
	case 10:
		return "Check shaft"
	case 11:
		return "Basal max"
	case 12:
		return "Daily max"
	case 13:
		return "Blood sugar check miss"
	}
	return fmt.Sprintf("Unknown error %d", code)
}

// bolusDuration is the delivery time the pump needs for amount at the given
// speed tier. The pump does not confirm completion until the plunger stops,
// so this fixed-rate estimate stands in for device-reported timing.
func bolusDuration(amount float64, speed int) time.Duration {
	if speed < 0 || speed >= len(BolusSpeedSecondsPerUnit) {
		speed = 0
	}
	return time.Duration(math.Round(amount * float64(BolusSpeedSecondsPerUnit[speed]) * float64(time.Second)))
}
