package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dana/pump/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Interval at which exchange checks a sent command for completion
const replyPollInterval = 20 * time.Millisecond

type Options struct {
	DeviceName string
	// Password the user confirmed while pairing, -1 when unset
	Password  int
	Encrypted bool

	// Delivery speed tier 0, 1 or 2
	BolusSpeed        int
	DailyLimitWarning float64

	ReplyTimeout    time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	BolusWatchdog   time.Duration
	SettingsMaxAge  time.Duration
	MaxTimeSkew     time.Duration
	MaxDecodeErrors int

	Clock Clock
}

func DefaultOptions() Options {
	return Options{
		Password:          -1,
		DailyLimitWarning: 0.95,
		ReplyTimeout:      5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		SettleDelay:       500 * time.Millisecond,
		BolusWatchdog:     15 * time.Second,
		SettingsMaxAge:    time.Hour,
		MaxTimeSkew:       10 * time.Second,
		MaxDecodeErrors:   10,
	}
}

// Session is one connection to the pump. A new Session is created on every
// connect and discarded on disconnect.
type Session struct {
	ID      string
	Started time.Time

	state atomic.Int32
	loop  *ioLoop
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) connected() bool {
	return s.State() == Connected && s.loop.alive()
}

// Driver runs the session and the logical operations for one paired pump.
type Driver struct {
	opts   Options
	opener transport.Opener
	pump   *Pump
	sink   EventSink
	clock  Clock

	connecting atomic.Bool

	mu      sync.Mutex
	session *Session

	// opMu serializes whole operations, exMu single exchanges. StopBolus
	// takes only exMu so it can interrupt a running bolus.
	opMu sync.Mutex
	exMu sync.Mutex

	bolus bolusState
}

func New(opts Options, opener transport.Opener, pump *Pump, sink EventSink) *Driver {
	if sink == nil {
		sink = discardSink{}
	}
	var clock = opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	if pump == nil {
		pump = NewPump()
	}

	return &Driver{
		opts:   opts,
		opener: opener,
		pump:   pump,
		sink:   sink,
		clock:  clock,
	}
}

func (d *Driver) Pump() *Pump {
	return d.pump
}

func (d *Driver) currentSession() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// State reports the lifecycle state of the current session.
func (d *Driver) State() State {
	if s := d.currentSession(); s != nil {
		return s.State()
	}
	if d.connecting.Load() {
		return Connecting
	}
	return Disconnected
}

func (d *Driver) IsConnected() bool {
	var s = d.currentSession()
	return s != nil && s.connected()
}

func (d *Driver) IsConnecting() bool {
	return d.connecting.Load()
}

// Connect opens the link and starts a new session. It fails fast, without
// touching the transport, when the password reported by the pump does not
// match the configured one or when another connect is running.
func (d *Driver) Connect(ctx context.Context) error {
	var known = d.pump.Snapshot().Password
	if known != -1 && known != d.opts.Password {
		log.Warn().Str("device", d.opts.DeviceName).Msg("Pump password does not match the configured password")
		return ErrWrongPassword
	}

	if !d.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer d.connecting.Store(false)

	if d.IsConnected() {
		return nil
	}

	var id = uuid.NewString()
	log.Info().Str("session", id).Str("device", d.opts.DeviceName).Msg("Connecting")
	d.status("connecting")

	stream, err := d.opener.Open(ctx, d.opts.DeviceName)
	if err != nil {
		log.Error().Err(err).Str("session", id).Msg("Failed to open link")
		d.publish(Event{Kind: EventDisconnected, Message: err.Error()})
		if errors.Is(err, transport.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
		return fmt.Errorf("driver: open %s: %w", d.opts.DeviceName, err)
	}

	var session = &Session{ID: id, Started: d.clock.Now()}
	session.state.Store(int32(Connecting))
	session.loop = newIOLoop(id, stream, NewCodec(d.opts.DeviceName, d.opts.Encrypted), d.pump, d.clock, d.sink, d.opts.MaxDecodeErrors)
	session.loop.onClose = func(err error) { d.sessionClosed(session, err) }

	d.mu.Lock()
	var previous = d.session
	d.session = session
	d.mu.Unlock()

	if previous != nil {
		previous.loop.close()
	}

	session.state.Store(int32(Connected))
	session.loop.start()

	log.Info().Str("session", id).Msg("Connected")
	d.publish(Event{Kind: EventConnected})
	return nil
}

// Disconnect ends the current session. The Disconnected event is emitted once
// the I/O loop has released the stream.
func (d *Driver) Disconnect(reason string) {
	var s = d.currentSession()
	if s == nil || !s.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) {
		return
	}

	log.Info().Str("session", s.ID).Str("reason", reason).Msg("Disconnecting")
	d.status("disconnecting")
	s.loop.close()
}

func (d *Driver) sessionClosed(s *Session, err error) {
	s.state.CompareAndSwap(int32(Connected), int32(Disconnecting))
	s.state.Store(int32(Disconnected))

	d.mu.Lock()
	if d.session == s {
		d.session = nil
	}
	d.mu.Unlock()

	var message string
	if err != nil {
		message = err.Error()
		log.Warn().Err(err).Str("session", s.ID).Msg("Link lost")
	} else {
		log.Info().Str("session", s.ID).Msg("Disconnected")
	}
	d.publish(Event{Kind: EventDisconnected, Message: message})
}

// exchange sends cmd and waits until its handler finishes it, the link drops
// or the pump stays silent for ReplyTimeout.
func (d *Driver) exchange(ctx context.Context, cmd *Command) error {
	d.exMu.Lock()
	defer d.exMu.Unlock()

	var s = d.currentSession()
	if s == nil || !s.connected() {
		return &CommandError{Command: cmd.Name, Err: ErrNotConnected}
	}

	var sentAt = d.clock.Now()
	if err := s.loop.send(cmd); err != nil {
		return &CommandError{Command: cmd.Name, Err: err}
	}

	for {
		if cmd.Done() {
			return nil
		}
		if cmd.Failed() {
			return &CommandError{Command: cmd.Name, Err: cmd.Err()}
		}
		if !s.connected() {
			return &CommandError{Command: cmd.Name, Err: ErrDisconnected}
		}

		var lastActivity = sentAt
		if last := cmd.LastFrame(); last.After(lastActivity) {
			lastActivity = last
		}
		if d.clock.Now().Sub(lastActivity) >= d.opts.ReplyTimeout {
			log.Warn().Str("session", s.ID).Str("command", cmd.Name).Msg("Reply not received")
			return &CommandError{Command: cmd.Name, Err: ErrReplyTimeout}
		}

		if err := d.clock.Sleep(ctx, replyPollInterval); err != nil {
			return &CommandError{Command: cmd.Name, Err: err}
		}
	}
}

func (d *Driver) sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	return d.clock.Sleep(ctx, duration)
}

func (d *Driver) publish(event Event) {
	if event.Time.IsZero() {
		event.Time = d.clock.Now()
	}
	d.sink.Publish(event)
}

func (d *Driver) status(message string) {
	log.Debug().Str("status", message).Msg("Pump status")
	d.publish(Event{Kind: EventStatus, Message: message})
}
