package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	codes "dana/pump/driver/packets"

	"github.com/rs/zerolog/log"
)

// RefreshStatus reads the pump status, re-reads the settings when they are
// older than SettingsMaxAge, corrects the pump clock once when it drifted and
// finishes with a history sync.
func (d *Driver) RefreshStatus(ctx context.Context) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	return d.refreshStatus(ctx)
}

func (d *Driver) refreshStatus(ctx context.Context) error {
	d.status("getting pump status")

	if d.pump.Snapshot().IsNewPump {
		if err := d.exchange(ctx, newCheckValue()); err != nil {
			if errors.Is(err, ErrPumpCheck) {
				log.Error().Err(err).Msg("Unsupported pump, disconnecting")
				d.Disconnect("pump check failed")
			}
			return err
		}
	}

	d.status("getting bolus status")
	if err := d.run(ctx, newStatus(), newStatusBasic()); err != nil {
		return err
	}
	d.status("getting temp basal status")
	if err := d.exchange(ctx, newStatusTempBasal()); err != nil {
		return err
	}
	d.status("getting extended bolus status")
	if err := d.exchange(ctx, newStatusBolusExtended()); err != nil {
		return err
	}

	var now = d.clock.Now()
	if now.Sub(d.pump.Snapshot().LastSettingsRead) > d.opts.SettingsMaxAge {
		if err := d.readSettings(ctx); err != nil {
			return err
		}
		d.pump.MarkSettingsRead(now)
	}

	if err := d.syncHistory(ctx); err != nil {
		return err
	}

	d.pump.MarkConnection(now)
	d.publish(Event{Kind: EventNewStatus})

	var snapshot = d.pump.Snapshot()
	if snapshot.MaxDailyTotalUnits > 0 && snapshot.DailyTotalUnits > snapshot.MaxDailyTotalUnits*d.opts.DailyLimitWarning {
		log.Warn().Float64("daily", snapshot.DailyTotalUnits).Float64("max", snapshot.MaxDailyTotalUnits).Msg("Approaching daily limit")
		d.publish(Event{
			Kind:    EventDailyLimit,
			Message: fmt.Sprintf("Approaching daily limit: %.2f/%.2fU", snapshot.DailyTotalUnits, snapshot.MaxDailyTotalUnits),
		})
	}
	return nil
}

// readSettings reads every setting and the pump clock. A clock off by more
// than MaxTimeSkew is set once and read back; a rejected SET_TIME or a
// remaining skew is only logged.
func (d *Driver) readSettings(ctx context.Context) error {
	d.status("getting pump settings")
	if err := d.run(ctx, settingsCommands()...); err != nil {
		return err
	}

	d.status("getting pump time")
	if err := d.exchange(ctx, newSettingPumpTime()); err != nil {
		return err
	}

	var skew = d.timeSkew()
	log.Debug().Dur("skew", skew).Msg("Pump time difference")
	if absDuration(skew) <= d.opts.MaxTimeSkew {
		return nil
	}

	if err := d.exchange(ctx, newSetTime(d.clock.Now())); err != nil {
		if !errors.Is(err, ErrCommandFailed) && !errors.Is(err, ErrReplyTimeout) {
			return err
		}
		log.Warn().Err(err).Msg("Failed to set pump time")
	}
	if err := d.exchange(ctx, newSettingPumpTime()); err != nil {
		return err
	}

	skew = d.timeSkew()
	if absDuration(skew) > d.opts.MaxTimeSkew {
		log.Warn().Dur("skew", skew).Msg("Pump time still differs after correction")
	} else {
		log.Debug().Dur("skew", skew).Msg("Pump time difference")
	}
	return nil
}

func (d *Driver) timeSkew() time.Duration {
	return d.pump.Snapshot().PumpTime.Sub(d.clock.Now()).Truncate(time.Second)
}

// run exchanges cmds in order and stops at the first failure.
func (d *Driver) run(ctx context.Context, cmds ...*Command) error {
	for _, cmd := range cmds {
		if err := d.exchange(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

const (
	maxTempBasalPercent    = 200
	maxAPSTempBasalPercent = 500
	maxTempBasalHours      = 24
)

// SetTempBasal starts a temp basal of percent (0-200) for hours (1-24),
// stopping a running one first.
func (d *Driver) SetTempBasal(ctx context.Context, percent, hours int) error {
	if percent < 0 || percent > maxTempBasalPercent || hours < 1 || hours > maxTempBasalHours {
		return fmt.Errorf("%w: temp basal %d%% for %d h", ErrInvalidArgument, percent, hours)
	}
	return d.startTempBasal(ctx, newSetTempBasalStart(percent, hours))
}

// SetHighTempBasal starts an APS temp basal, 30 minutes up to 200% and 15
// minutes above, up to 500%.
func (d *Driver) SetHighTempBasal(ctx context.Context, percent int) error {
	if percent < 0 || percent > maxAPSTempBasalPercent {
		return fmt.Errorf("%w: APS temp basal %d%%", ErrInvalidArgument, percent)
	}
	return d.startTempBasal(ctx, newSetAPSTempBasalStart(percent))
}

func (d *Driver) startTempBasal(ctx context.Context, start *Command) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.pump.Snapshot().IsTempBasalInProgress {
		d.status("stopping temp basal")
		if err := d.exchange(ctx, newSetTempBasalStop()); err != nil {
			return err
		}
		if err := d.sleep(ctx, d.opts.SettleDelay); err != nil {
			return err
		}
	}

	d.status("setting temp basal")
	if err := d.run(ctx, start, newStatusTempBasal()); err != nil {
		return err
	}
	return d.syncHistory(ctx)
}

func (d *Driver) StopTempBasal(ctx context.Context) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.status("stopping temp basal")
	if err := d.run(ctx, newSetTempBasalStop(), newStatusTempBasal()); err != nil {
		return err
	}
	return d.syncHistory(ctx)
}

// SetExtendedBolus delivers amount over halfHours half-hour periods,
// stopping a running extended bolus first.
func (d *Driver) SetExtendedBolus(ctx context.Context, amount float64, halfHours int) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.pump.Snapshot().IsExtendedInProgress {
		d.status("stopping extended bolus")
		if err := d.exchange(ctx, newSetExtendedBolusStop()); err != nil {
			return err
		}
		if err := d.sleep(ctx, d.opts.SettleDelay); err != nil {
			return err
		}
	}

	d.status("setting extended bolus")
	if err := d.run(ctx, newSetExtendedBolusStart(amount, halfHours), newStatusBolusExtended()); err != nil {
		return err
	}
	return d.syncHistory(ctx)
}

func (d *Driver) StopExtendedBolus(ctx context.Context) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.status("stopping extended bolus")
	if err := d.run(ctx, newSetExtendedBolusStop(), newStatusBolusExtended()); err != nil {
		return err
	}
	return d.syncHistory(ctx)
}

// CarbsEntry records grams of carbohydrates at the given time on the pump.
// The watermark moves to just before the entry so the next sync returns it.
func (d *Driver) CarbsEntry(ctx context.Context, grams int, at time.Time) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.writeCarbs(ctx, grams, at); err != nil {
		return err
	}
	d.pump.SetWatermark(at.UnixMilli() - 1)
	return nil
}

func (d *Driver) writeCarbs(ctx context.Context, grams int, at time.Time) error {
	d.status("setting carbs")
	return d.run(ctx,
		newSetCarbsEntry(at, grams),
		newSetHistoryEntry(codes.EVENT_CARBS, at, grams, 0))
}

// UpdateBasalProfile writes rates to profile 0, activates it and refreshes
// the status with a full settings read.
func (d *Driver) UpdateBasalProfile(ctx context.Context, rates [24]float64) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.status("updating basal rates")
	if err := d.run(ctx, newSetBasalProfile(0, rates), newSetActivateBasalProfile(0)); err != nil {
		return err
	}

	d.pump.ForceSettingsRefresh()
	return d.refreshStatus(ctx)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
