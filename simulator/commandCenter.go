package simulator

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"dana/pump/driver"
	codes "dana/pump/driver/packets"

	"github.com/rs/zerolog/log"
)

const (
	chunkSize      = 20
	bolusStepUnits = 0.5
	passwordMask   = 0x3463
)

type CommandCenter struct {
	mu    *sync.Mutex
	state *SimulatorState
	opts  *Options
	codec driver.Codec

	bolusStop chan struct{}
}

// ProcessCommand answers one decoded frame. It runs with the simulator lock
// held.
func (c *CommandCenter) ProcessCommand(st *stream, frame driver.Frame) {
	var data = frame.Payload

	switch frame.Code {
	case codes.CMD_CHECK_VALUE:
		c.respondToCheckValue(st)
	case codes.CMD_STATUS:
		c.respondToStatus(st)
	case codes.CMD_STATUS_BASIC:
		c.respondToStatusBasic(st)
	case codes.CMD_STATUS_TEMP_BASAL:
		c.respondToStatusTempBasal(st)
	case codes.CMD_STATUS_BOLUS_EXTENDED:
		c.respondToStatusBolusExtended(st)
	case codes.CMD_SETTING_SHIPPING_INFO:
		c.respondToShippingInfo(st)
	case codes.CMD_SETTING_ACTIVE_PROFILE:
		c.write(st, frame.Code, []byte{byte(c.state.activeProfile)})
	case codes.CMD_SETTING_MEAL:
		c.respondToMeal(st)
	case codes.CMD_SETTING_BASAL:
		c.respondToBasal(st)
	case codes.CMD_SETTING_MAX_VALUES:
		c.respondToMaxValues(st)
	case codes.CMD_SETTING_GLUCOSE:
		c.write(st, frame.Code, []byte{byte(c.state.units), 0})
	case codes.CMD_SETTING_PROFILE_RATIOS:
		c.respondToProfileRatios(st)
	case codes.CMD_SETTING_PROFILE_RATIOS_ALL:
		c.respondToProfileRatiosAll(st)
	case codes.CMD_SETTING_PUMP_TIME:
		c.respondToGetTime(st)
	case codes.CMD_SET_TIME:
		c.respondToSetTime(st, data)
	case codes.CMD_SET_TEMP_BASAL_START:
		c.respondToTempBasalStart(st, frame.Code, readInt(data, 0, 1), readInt(data, 1, 1), false)
	case codes.CMD_SET_APS_TEMP_BASAL_START:
		c.respondToTempBasalStart(st, frame.Code, readInt(data, 0, 2), readInt(data, 2, 1), true)
	case codes.CMD_SET_TEMP_BASAL_STOP:
		c.respondToTempBasalStop(st)
	case codes.CMD_SET_EXTENDED_BOLUS_START:
		c.respondToExtendedBolusStart(st, data)
	case codes.CMD_SET_EXTENDED_BOLUS_STOP:
		c.respondToExtendedBolusStop(st)
	case codes.CMD_BOLUS_START, codes.CMD_BOLUS_START_WITH_SPEED:
		c.respondToBolusStart(st, frame.Code, float64(readInt(data, 0, 2))/100)
	case codes.CMD_BOLUS_STOP:
		c.respondToBolusStop(st)
	case codes.CMD_SET_CARBS_ENTRY:
		c.respondToCarbsEntry(st, data)
	case codes.CMD_SET_HISTORY_ENTRY:
		c.respondToHistoryEntry(st, data)
	case codes.CMD_HISTORY_EVENTS:
		c.respondToHistoryEvents(st, data)
	case codes.CMD_PC_COMM_START, codes.CMD_PC_COMM_STOP:
		c.write(st, frame.Code, nil)
	case codes.CMD_SET_BASAL_PROFILE:
		c.respondToSetBasalProfile(st, data)
	case codes.CMD_SET_ACTIVATE_BASAL_PROFILE:
		c.state.activeProfile = readInt(data, 0, 1)
		c.addEvent(codes.EVENT_PROFILE_CHANGE, c.state.activeProfile, 0)
		c.result(st, frame.Code, 1)
	default:
		if codes.IsHistoryPage(frame.Code) {
			c.respondToHistoryPage(st, frame.Code)
			return
		}
		log.Error().Str("code", fmt.Sprintf("0x%04X", frame.Code)).Msg("Unimplemented command")
	}
}

func (c *CommandCenter) pumpTime() time.Time {
	return c.opts.Now().Add(c.state.pumpTimeSkew).Truncate(time.Second)
}

// sendInitFrames pushes what the pump reports on its own after a connect.
func (c *CommandCenter) sendInitFrames(st *stream) {
	var now = c.pumpTime()
	c.write(st, codes.CMD_INIT_CONN_STATUS_TIME, dateTimeSec(now))

	var bolus = make([]byte, 3)
	bolus[1] = byte(math.Round(c.state.bolusStep * 100))
	c.write(st, codes.CMD_INIT_CONN_STATUS_BOLUS, bolus)

	var basic = make([]byte, 2)
	basic[0] = flag(c.state.isSuspended)
	basic[1] = 1
	c.write(st, codes.CMD_INIT_CONN_STATUS_BASIC, basic)

	var option = make([]byte, 11)
	putInt(option, 9, 2, c.state.password^passwordMask)
	c.write(st, codes.CMD_INIT_CONN_STATUS_OPTION, option)
}

func (c *CommandCenter) respondToCheckValue(st *stream) {
	c.write(st, codes.CMD_CHECK_VALUE, []byte{c.state.hardwareModel, 2, 0})
}

func (c *CommandCenter) respondToStatus(st *stream) {
	var message = make([]byte, 17)
	putInt(message, 0, 3, units(c.state.dailyTotalUnits, 750))

	if c.extendedActive() {
		message[3] = 1
		putInt(message, 4, 2, c.state.extendedHalfHours*30)
		putInt(message, 6, 2, units(c.state.extendedAmount, 100))
	}

	if !c.state.lastBolusTime.IsZero() {
		var t = c.state.lastBolusTime
		message[8] = byte(t.Year() - 2000)
		message[9] = byte(t.Month())
		message[10] = byte(t.Day())
		message[11] = byte(t.Hour())
		message[12] = byte(t.Minute())
	}
	putInt(message, 13, 2, units(c.state.lastBolusAmount, 100))
	putInt(message, 15, 2, units(c.state.iob, 100))

	c.write(st, codes.CMD_STATUS, message)
}

func (c *CommandCenter) respondToStatusBasic(st *stream) {
	var message = make([]byte, 21)
	message[0] = flag(c.state.isSuspended)
	message[1] = 1 // calculator enabled
	putInt(message, 2, 3, units(c.state.dailyTotalUnits, 750))
	putInt(message, 5, 2, units(c.state.maxDailyTotal, 100))
	putInt(message, 7, 3, units(c.state.reservoirLevel, 750))
	message[10] = flag(c.state.status == Bolusing)
	putInt(message, 11, 2, units(c.state.currentBasal, 100))
	if c.tempBasalActive() && c.state.tempBasalPercentage <= 200 {
		message[13] = byte(c.state.tempBasalPercentage)
	}
	message[14] = flag(c.extendedActive())
	message[15] = flag(c.tempBasalActive())
	message[20] = byte(c.state.batteryRemaining)

	c.write(st, codes.CMD_STATUS_BASIC, message)
}

func (c *CommandCenter) respondToStatusTempBasal(st *stream) {
	var message = make([]byte, 6)
	if c.tempBasalActive() {
		message[0] = 0x01
		if c.state.tempBasalAPS {
			message[0] |= 0x02
		}

		var percent = c.state.tempBasalPercentage
		if percent > 200 {
			percent = 200 + percent/10
		}
		message[1] = byte(percent)
		message[2] = byte(c.state.tempBasalDuration)
		putInt(message, 3, 3, int(c.opts.Now().Sub(c.state.tempBasalStart).Seconds()))
	}

	c.write(st, codes.CMD_STATUS_TEMP_BASAL, message)
}

func (c *CommandCenter) respondToStatusBolusExtended(st *stream) {
	var message = make([]byte, 7)
	if c.extendedActive() {
		message[0] = 1
		message[1] = byte(c.state.extendedHalfHours)
		putInt(message, 2, 2, units(c.state.extendedAmount, 100))
		putInt(message, 4, 3, int(c.opts.Now().Sub(*c.state.extendedStart).Seconds()))
	}

	c.write(st, codes.CMD_STATUS_BOLUS_EXTENDED, message)
}

func (c *CommandCenter) respondToShippingInfo(st *stream) {
	var message = make([]byte, 16)
	copy(message[0:10], c.state.serialNumber)
	message[10] = byte(c.state.shippingDate.Year() - 2000)
	message[11] = byte(c.state.shippingDate.Month())
	message[12] = byte(c.state.shippingDate.Day())
	copy(message[13:16], c.state.shippingCountry)

	c.write(st, codes.CMD_SETTING_SHIPPING_INFO, message)
}

func (c *CommandCenter) respondToMeal(st *stream) {
	var message = make([]byte, 3)
	message[0] = byte(units(c.state.basalStep, 100))
	message[1] = byte(units(c.state.bolusStep, 100))
	message[2] = 1 // bolus enabled

	c.write(st, codes.CMD_SETTING_MEAL, message)
}

func (c *CommandCenter) respondToBasal(st *stream) {
	var message = make([]byte, 48)
	for i, rate := range c.state.basalRates {
		putInt(message, 2*i, 2, units(rate, 100))
	}

	c.write(st, codes.CMD_SETTING_BASAL, message)
}

func (c *CommandCenter) respondToMaxValues(st *stream) {
	var message = make([]byte, 6)
	putInt(message, 0, 2, units(c.state.maxBolus, 100))
	putInt(message, 2, 2, units(c.state.maxBasal, 100))
	putInt(message, 4, 2, units(c.state.maxDailyTotal, 100))

	c.write(st, codes.CMD_SETTING_MAX_VALUES, message)
}

func (c *CommandCenter) respondToProfileRatios(st *stream) {
	var profile = c.state.activeProfile % len(c.state.cir)

	var message = make([]byte, 8)
	putInt(message, 0, 2, c.state.cir[profile])
	putInt(message, 2, 2, c.state.cf[profile])
	putInt(message, 4, 2, 400) // insulin activity, 4h
	putInt(message, 6, 2, 110)

	c.write(st, codes.CMD_SETTING_PROFILE_RATIOS, message)
}

func (c *CommandCenter) respondToProfileRatiosAll(st *stream) {
	var message = make([]byte, 16)
	for i := range c.state.cir {
		putInt(message, 4*i, 2, c.state.cf[i])
		putInt(message, 4*i+2, 2, c.state.cir[i])
	}

	c.write(st, codes.CMD_SETTING_PROFILE_RATIOS_ALL, message)
}

func (c *CommandCenter) respondToGetTime(st *stream) {
	var time = c.pumpTime()

	var message = make([]byte, 6)
	message[0] = byte(time.Second())
	message[1] = byte(time.Minute())
	message[2] = byte(time.Hour())
	message[3] = byte(time.Day())
	message[4] = byte(time.Month())
	message[5] = byte(time.Year() - 2000)

	c.write(st, codes.CMD_SETTING_PUMP_TIME, message)
}

func (c *CommandCenter) respondToSetTime(st *stream, data []byte) {
	var requested = time.Date(
		2000+readInt(data, 5, 1), time.Month(readInt(data, 4, 1)), readInt(data, 3, 1),
		readInt(data, 2, 1), readInt(data, 1, 1), readInt(data, 0, 1), 0, time.Local)

	if c.opts.IgnoreSetTime {
		log.Warn().Time("requested", requested).Msg("Ignoring time change")
	} else {
		c.state.pumpTimeSkew = requested.Sub(c.opts.Now()).Truncate(time.Second)
	}
	c.result(st, codes.CMD_SET_TIME, 1)
}

func (c *CommandCenter) respondToTempBasalStart(st *stream, code uint16, percent, duration int, aps bool) {
	var now = c.opts.Now()
	var length time.Duration
	switch {
	case aps && duration == 150:
		length = 15 * time.Minute
	case aps:
		length = 30 * time.Minute
	default:
		length = time.Duration(duration) * time.Hour
	}

	var till = now.Add(length)
	c.state.tempBasalPercentage = percent
	c.state.tempBasalDuration = duration
	c.state.tempBasalStart = now
	c.state.tempBasalActiveTill = &till
	c.state.tempBasalAPS = aps

	c.addEvent(codes.EVENT_TEMP_START, percent, int(length.Minutes()))
	c.result(st, code, 1)
}

func (c *CommandCenter) respondToTempBasalStop(st *stream) {
	if c.tempBasalActive() {
		c.addEvent(codes.EVENT_TEMP_STOP, 0, 0)
	}
	c.state.tempBasalActiveTill = nil
	c.state.tempBasalAPS = false
	c.result(st, codes.CMD_SET_TEMP_BASAL_STOP, 1)
}

func (c *CommandCenter) respondToExtendedBolusStart(st *stream, data []byte) {
	var now = c.opts.Now()
	c.state.extendedAmount = float64(readInt(data, 0, 2)) / 100
	c.state.extendedHalfHours = readInt(data, 2, 1)
	c.state.extendedStart = &now

	c.addEvent(codes.EVENT_EXTENDED_START, units(c.state.extendedAmount, 100), c.state.extendedHalfHours*30)
	c.result(st, codes.CMD_SET_EXTENDED_BOLUS_START, 1)
}

func (c *CommandCenter) respondToExtendedBolusStop(st *stream) {
	if c.extendedActive() {
		c.addEvent(codes.EVENT_EXTENDED_STOP, 0, 0)
	}
	c.state.extendedStart = nil
	c.result(st, codes.CMD_SET_EXTENDED_BOLUS_STOP, 1)
}

func (c *CommandCenter) respondToBolusStart(st *stream, code uint16, amount float64) {
	if slices.Contains(c.opts.Reject, code) || c.state.status == Bolusing {
		c.result(st, code, 0)
		return
	}

	c.state.status = Bolusing
	c.write(st, code, []byte{2})

	if c.opts.StallBolus {
		log.Warn().Float64("amount", amount).Msg("Bolus accepted, progress withheld")
		return
	}

	c.bolusStop = make(chan struct{})
	go c.deliverBolus(st, amount, c.bolusStop)
}

// deliverBolus reports the remaining amount every BolusStepDelay and sends
// BOLUS_STOP when done.
func (c *CommandCenter) deliverBolus(st *stream, amount float64, stop <-chan struct{}) {
	var remaining = amount
	for remaining > 0 {
		select {
		case <-stop:
			return
		case <-time.After(c.opts.BolusStepDelay):
		}

		c.mu.Lock()
		remaining = math.Max(0, remaining-bolusStepUnits)
		var message = make([]byte, 2)
		putInt(message, 0, 2, units(remaining, 100))
		c.write(st, codes.CMD_BOLUS_PROGRESS, message)
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-stop:
		return
	default:
	}
	c.finishBolus(amount)
	c.write(st, codes.CMD_BOLUS_STOP, nil)
}

func (c *CommandCenter) finishBolus(delivered float64) {
	c.state.status = Idle
	c.state.lastBolusTime = c.pumpTime()
	c.state.lastBolusAmount = delivered
	c.state.dailyTotalUnits += delivered
	c.state.reservoirLevel = math.Max(0, c.state.reservoirLevel-delivered)
	c.bolusStop = nil
	c.addEvent(codes.EVENT_BOLUS, units(delivered, 100), 0)
}

func (c *CommandCenter) respondToBolusStop(st *stream) {
	if c.state.status == Bolusing {
		if c.bolusStop != nil {
			close(c.bolusStop)
		}
		c.finishBolus(0)
	}
	c.write(st, codes.CMD_BOLUS_STOP, nil)
}

// respondToCarbsEntry records the entry in the carbohydrate log.
func (c *CommandCenter) respondToCarbsEntry(st *stream, data []byte) {
	c.state.pages[codes.CMD_HISTORY_CARBO] = append(c.state.pages[codes.CMD_HISTORY_CARBO], driver.HistoryRecord{
		Source: codes.CMD_HISTORY_CARBO,
		Type:   byte(readInt(data, 0, 1)),
		Time:   readDateTimeSec(data, 1),
		Param1: readInt(data, 8, 2),
	})
	c.result(st, codes.CMD_SET_CARBS_ENTRY, 1)
}

func (c *CommandCenter) respondToHistoryEntry(st *stream, data []byte) {
	c.state.events = append(c.state.events, driver.HistoryRecord{
		Source: codes.CMD_HISTORY_EVENTS,
		Type:   byte(readInt(data, 0, 1)),
		Time:   readDateTimeSec(data, 1),
		Param1: readInt(data, 7, 2),
		Param2: readInt(data, 9, 2),
	})
	c.result(st, codes.CMD_SET_HISTORY_ENTRY, 1)
}

// respondToHistoryEvents streams every event at or after the requested time
// and ends the stream with EVENT_HISTORY_END.
func (c *CommandCenter) respondToHistoryEvents(st *stream, data []byte) {
	var from = readDateTimeSec(data, 0)

	var sent = 0
	for _, event := range c.state.events {
		if event.Time.Before(from) {
			continue
		}
		if c.dropAfter(st, sent) {
			return
		}

		var message = make([]byte, 11)
		message[0] = event.Type
		copy(message[1:7], dateTimeSec(event.Time))
		putInt(message, 7, 2, event.Param1)
		putInt(message, 9, 2, event.Param2)
		c.write(st, codes.CMD_HISTORY_EVENTS, message)
		sent++
	}

	c.write(st, codes.CMD_HISTORY_EVENTS, []byte{codes.EVENT_HISTORY_END})
}

func (c *CommandCenter) respondToHistoryPage(st *stream, code uint16) {
	var sent = 0
	for _, record := range c.state.pages[code] {
		if c.dropAfter(st, sent) {
			return
		}

		var message = make([]byte, 9)
		message[0] = record.Type
		copy(message[1:7], dateTimeSec(record.Time))
		putInt(message, 7, 2, record.Param1)
		c.write(st, code, message)
		sent++
	}

	c.write(st, codes.CMD_HISTORY_DONE, nil)
}

func (c *CommandCenter) dropAfter(st *stream, sent int) bool {
	if c.opts.DropAfterHistoryFrames > 0 && sent >= c.opts.DropAfterHistoryFrames {
		log.Warn().Int("sent", sent).Msg("Dropping link during history transfer")
		st.Close()
		return true
	}
	return false
}

func (c *CommandCenter) respondToSetBasalProfile(st *stream, data []byte) {
	for i := range c.state.basalRates {
		c.state.basalRates[i] = float64(readInt(data, 1+2*i, 2)) / 100
	}
	c.result(st, codes.CMD_SET_BASAL_PROFILE, 1)
}

func (c *CommandCenter) addEvent(eventType byte, param1, param2 int) {
	c.state.events = append(c.state.events, driver.HistoryRecord{
		Source: codes.CMD_HISTORY_EVENTS,
		Type:   eventType,
		Time:   c.pumpTime(),
		Param1: param1,
		Param2: param2,
	})
}

func (c *CommandCenter) tempBasalActive() bool {
	var till = c.state.tempBasalActiveTill
	return till != nil && c.opts.Now().Before(*till)
}

func (c *CommandCenter) extendedActive() bool {
	if c.state.extendedStart == nil {
		return false
	}
	var end = c.state.extendedStart.Add(time.Duration(c.state.extendedHalfHours) * 30 * time.Minute)
	return c.opts.Now().Before(end)
}

// result answers a set command with its one-byte result, 1 on success. Codes
// listed in Options.Reject always answer 0.
func (c *CommandCenter) result(st *stream, code uint16, value byte) {
	if slices.Contains(c.opts.Reject, code) {
		value = 0
	}
	c.write(st, code, []byte{value})
}

func (c *CommandCenter) write(st *stream, code uint16, payload []byte) {
	var data = c.codec.Encode(code, payload)
	log.Debug().Str("code", fmt.Sprintf("0x%04X", code)).Hex("data", payload).Msg("Sending")

	var index = 0
	for index < len(data) {
		var length = min(chunkSize, len(data)-index)
		if !st.push(data[index : index+length]) {
			log.Error().Str("code", fmt.Sprintf("0x%04X", code)).Msg("Failed to write data, link closed")
			return
		}
		index += length
	}
}

func putInt(buff []byte, offset, width, value int) {
	for i := width - 1; i >= 0; i-- {
		buff[offset+i] = byte(value)
		value >>= 8
	}
}

func readInt(buff []byte, offset, width int) int {
	var value = 0
	for i := 0; i < width; i++ {
		value <<= 8
		if offset+i < len(buff) {
			value |= int(buff[offset+i])
		}
	}
	return value
}

func readDateTimeSec(buff []byte, offset int) time.Time {
	return time.Date(
		2000+readInt(buff, offset, 1), time.Month(readInt(buff, offset+1, 1)), readInt(buff, offset+2, 1),
		readInt(buff, offset+3, 1), readInt(buff, offset+4, 1), readInt(buff, offset+5, 1), 0, time.Local)
}

func dateTimeSec(t time.Time) []byte {
	t = t.In(time.Local)
	return []byte{
		byte(t.Year() - 2000), byte(t.Month()), byte(t.Day()),
		byte(t.Hour()), byte(t.Minute()), byte(t.Second()),
	}
}

func units(value float64, scale float64) int {
	return int(math.Round(value * scale))
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}
