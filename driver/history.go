package driver

import (
	"context"
	"fmt"
	"time"

	codes "dana/pump/driver/packets"

	"github.com/rs/zerolog/log"
)

const (
	historyPreWait     = 300 * time.Millisecond
	historyPostWait    = 200 * time.Millisecond
	pcCommSettle       = 400 * time.Millisecond
	historyOverlap     = 45 * time.Minute
	carbsInBolusRewind = 60 * time.Second
)

// SyncHistory fetches pump events newer than the watermark and moves the
// watermark to 45 minutes before the newest event, or to 0 when the pump
// returned nothing.
func (d *Driver) SyncHistory(ctx context.Context) ([]HistoryRecord, error) {
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	var cmd, err = d.fetchEvents(ctx)
	if err != nil {
		return nil, err
	}
	return cmd.Records(), nil
}

func (d *Driver) syncHistory(ctx context.Context) error {
	_, err := d.fetchEvents(ctx)
	return err
}

func (d *Driver) fetchEvents(ctx context.Context) (*Command, error) {
	d.status("reading pump history")
	if err := d.sleep(ctx, historyPreWait); err != nil {
		return nil, err
	}

	var from = d.pump.Watermark()
	if from == 0 {
		log.Debug().Msg("Loading complete event history")
	} else {
		log.Debug().Time("from", time.UnixMilli(from)).Msg("Loading event history")
	}

	var cmd = newHistoryEvents(from)
	if err := d.exchange(ctx, cmd); err != nil {
		return nil, err
	}
	if err := d.sleep(ctx, historyPostWait); err != nil {
		return nil, err
	}

	var latest = cmd.LatestEvent()
	if latest != 0 {
		d.pump.SetWatermark(latest - historyOverlap.Milliseconds())
	} else {
		d.pump.SetWatermark(0)
	}

	for _, record := range cmd.Records() {
		d.publish(Event{Kind: EventHistory, Record: &record})
	}
	log.Debug().Int("records", len(cmd.Records())).Int64("watermark", d.pump.Watermark()).Msg("History synced")
	return cmd, nil
}

// LoadHistory reads one of the paged history logs inside a PC communication
// window.
func (d *Driver) LoadHistory(ctx context.Context, code uint16) ([]HistoryRecord, error) {
	if !codes.IsHistoryPage(code) {
		return nil, fmt.Errorf("driver: 0x%04X is not a history page", code)
	}
	if !d.IsConnected() {
		return nil, ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.status("reading pump history")
	if err := d.exchange(ctx, newPCCommStart()); err != nil {
		return nil, err
	}
	if err := d.sleep(ctx, pcCommSettle); err != nil {
		return nil, err
	}

	var page = newHistoryPage(code)
	var pageErr = d.exchange(ctx, page)

	if err := d.sleep(ctx, historyPostWait); err != nil {
		return nil, err
	}
	if d.IsConnected() {
		if err := d.exchange(ctx, newPCCommStop()); err != nil {
			log.Warn().Err(err).Msg("Failed to end PC communication")
		}
	}

	if pageErr != nil {
		return nil, pageErr
	}
	return page.Records(), nil
}
