package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	codes "dana/pump/driver/packets"

	"github.com/rs/zerolog/log"
)

const (
	bolusEndMargin     = 2 * time.Second
	bolusStopInterval  = 200 * time.Millisecond
	bolusProgressEvery = time.Second
)

type BolusRequest struct {
	Amount   float64
	Carbs    int
	CarbTime time.Time
}

type BolusResult struct {
	Requested float64 `json:"requested"`
	Delivered float64 `json:"delivered"`
	// Stopped before the full amount by StopBolus or the watchdog
	Forced bool `json:"forced"`
	// No progress arrived for BolusWatchdog; Delivered is uncertain
	WatchdogTripped bool `json:"watchdog_tripped"`
}

// bolusState tracks the delivery in progress. It is fed by the progress and
// stop listeners on the I/O loop and read by the bolus poll loop.
type bolusState struct {
	mu            sync.Mutex
	amount        float64
	delivered     float64
	stopped       bool
	forced        bool
	stopRequested bool
	lastProgress  time.Time
}

func (b *bolusState) begin(amount float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.amount = amount
	b.delivered = 0
	b.stopped = false
	b.forced = false
	b.stopRequested = false
	b.lastProgress = now
}

func (b *bolusState) progress(remaining float64, at time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = math.Max(0, b.amount-remaining)
	b.lastProgress = at
	return b.delivered
}

// pumpStopped records the pump's end-of-bolus report. Unless the stop was
// forced locally the whole amount counts as delivered.
func (b *bolusState) pumpStopped() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if !b.forced {
		b.delivered = b.amount
	}
}

// armWatchdog restarts the no-progress window at the moment the start command
// goes out.
func (b *bolusState) armWatchdog(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastProgress = now
}

func (b *bolusState) requestStop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopRequested = true
	b.forced = true
}

func (b *bolusState) markStopped() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

// forceStop stops the delivery locally. It reports false when the bolus had
// already stopped.
func (b *bolusState) forceStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	b.forced = true
	return true
}

func (b *bolusState) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *bolusState) isStopRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopRequested
}

func (b *bolusState) sinceProgress(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastProgress)
}

func (b *bolusState) result(requested float64) BolusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BolusResult{Requested: requested, Delivered: b.delivered, Forced: b.forced}
}

// Bolus delivers req.Amount, first recording the carbs when present. It
// blocks until the pump reports the end of delivery, the watchdog trips or
// StopBolus stops it, then waits out the estimated delivery time.
func (d *Driver) Bolus(ctx context.Context, req BolusRequest) (BolusResult, error) {
	if !d.IsConnected() {
		return BolusResult{Requested: req.Amount}, ErrNotConnected
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.bolus.begin(req.Amount, d.clock.Now())
	d.status("starting bolus")

	if req.Carbs > 0 {
		if err := d.writeCarbs(ctx, req.Carbs, req.CarbTime); err != nil {
			return d.bolus.result(req.Amount), err
		}
		d.pump.SetWatermark(req.CarbTime.UnixMilli() - carbsInBolusRewind.Milliseconds())
	}

	var start = d.clock.Now()
	var watchdogTripped = false
	if req.Amount > 0 {
		if d.bolus.isStopRequested() {
			return d.bolus.result(req.Amount), ErrBolusStopRequested
		}

		tripped, err := d.deliverBolus(ctx, req.Amount)
		if err != nil {
			return d.bolus.result(req.Amount), err
		}
		watchdogTripped = tripped
	}

	d.publish(Event{Kind: EventBolusProgress, Percent: 99, Delivered: d.bolus.result(req.Amount).Delivered})
	if err := d.awaitBolusEnd(ctx, start.Add(bolusDuration(req.Amount, d.opts.BolusSpeed)+bolusEndMargin)); err != nil {
		return d.bolus.result(req.Amount), err
	}

	var result = d.bolus.result(req.Amount)
	result.WatchdogTripped = watchdogTripped
	if watchdogTripped {
		return result, ErrBolusWatchdog
	}

	if err := d.syncHistory(ctx); err != nil {
		return result, fmt.Errorf("driver: reading history after bolus: %w", err)
	}
	d.status("getting bolus status")
	if err := d.exchange(ctx, newStatus()); err != nil {
		return result, err
	}
	d.publish(Event{Kind: EventBolusProgress, Percent: 100, Delivered: result.Delivered})
	return result, nil
}

// deliverBolus sends the start command and polls until the bolus stops. It
// reports whether the watchdog stopped it.
func (d *Driver) deliverBolus(ctx context.Context, amount float64) (bool, error) {
	var s = d.currentSession()
	if s == nil {
		return false, ErrNotConnected
	}

	s.loop.listen(codes.CMD_BOLUS_PROGRESS, func(payload []byte, at time.Time) {
		var delivered = d.bolus.progress(unitsFromBuff(payload, 0, 2, 100), at)
		d.publish(Event{
			Kind:      EventBolusProgress,
			Time:      at,
			Delivered: delivered,
			Percent:   int(math.Min(100, delivered/amount*100)),
		})
	})
	s.loop.listen(codes.CMD_BOLUS_STOP, func(payload []byte, at time.Time) {
		d.bolus.pumpStopped()
	})
	defer s.loop.unlisten(codes.CMD_BOLUS_PROGRESS)
	defer s.loop.unlisten(codes.CMD_BOLUS_STOP)

	var start *Command
	if d.opts.BolusSpeed == 0 {
		start = newBolusStart(amount)
	} else {
		start = newBolusStartWithSpeed(amount, d.opts.BolusSpeed)
	}
	d.bolus.armWatchdog(d.clock.Now())
	if err := d.exchange(ctx, start); err != nil {
		return false, err
	}

	for !d.bolus.isStopped() {
		if err := d.sleep(ctx, d.opts.PollInterval); err != nil {
			return false, err
		}

		if !s.connected() && d.bolus.forceStop() {
			log.Error().Str("session", s.ID).Msg("Link lost during bolus, delivery stopped locally")
			return false, ErrDisconnected
		}

		if d.bolus.sinceProgress(d.clock.Now()) > d.opts.BolusWatchdog && d.bolus.forceStop() {
			log.Error().Str("session", s.ID).Dur("silence", d.opts.BolusWatchdog).Msg("Bolus progress lost, delivery stopped locally")
			d.publish(Event{Kind: EventPumpError, Message: ErrBolusWatchdog.Error()})
			return true, nil
		}
	}
	return false, nil
}

// awaitBolusEnd waits until the estimated end of delivery, reporting the
// remaining time every second.
func (d *Driver) awaitBolusEnd(ctx context.Context, expectedEnd time.Time) error {
	for {
		var remaining = expectedEnd.Sub(d.clock.Now())
		if remaining <= 0 {
			return nil
		}

		d.status(fmt.Sprintf("waiting for estimated bolus end, %d s", int(remaining.Seconds())))
		if err := d.sleep(ctx, min(remaining, bolusProgressEvery)); err != nil {
			return err
		}
	}
}

// StopBolus stops a running bolus. While the link is up the stop command is
// repeated every 200ms until the pump confirms it; without a link the bolus
// is stopped locally.
func (d *Driver) StopBolus(ctx context.Context) error {
	d.bolus.requestStop()

	for {
		if !d.IsConnected() {
			d.bolus.markStopped()
			return nil
		}

		err := d.exchange(ctx, newBolusStop())
		if err == nil {
			d.bolus.markStopped()
			log.Info().Msg("Bolus stopped")
			return nil
		}
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrDisconnected) {
			d.bolus.markStopped()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		log.Warn().Err(err).Msg("Bolus stop not confirmed, retrying")
		if err := d.sleep(ctx, bolusStopInterval); err != nil {
			return err
		}
	}
}
