// Package simulator emulates a DanaR v2 pump in memory. It speaks the same
// framed protocol as the hardware and is used as the "sim" transport and by
// the driver tests.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"dana/pump/driver"
	codes "dana/pump/driver/packets"
	"dana/pump/transport"

	"github.com/rs/zerolog/log"
)

// Options shape the behaviour of the emulated pump. Zero values give a
// well-behaved export DanaR.
type Options struct {
	Name      string
	Password  int
	Encrypted bool
	// Reported by CHECK_VALUE, 0 means the export model
	HardwareModel byte
	Now           func() time.Time
	ClockSkew     time.Duration
	// Acknowledge SET_TIME without moving the clock
	IgnoreSetTime bool
	// Accept a bolus but never report progress or its end
	StallBolus     bool
	BolusStepDelay time.Duration
	// Close the link after this many history record frames, 0 never
	DropAfterHistoryFrames int
	Silent                 []uint16
	Reject                 []uint16
}

// Received is one command frame the pump decoded.
type Received struct {
	Code    uint16
	Payload []byte
	At      time.Time
}

type Simulator struct {
	mu            sync.Mutex
	opts          Options
	state         SimulatorState
	commandCenter CommandCenter

	stream     *stream
	readBuffer []byte
	received   []Received
}

func New(opts Options) *Simulator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HardwareModel == 0 {
		opts.HardwareModel = codes.EXPORT_MODEL
	}
	if opts.BolusStepDelay == 0 {
		opts.BolusStepDelay = 100 * time.Millisecond
	}

	var s = &Simulator{opts: opts, state: defaultState(opts.Name, opts.Password)}
	s.state.hardwareModel = opts.HardwareModel
	s.state.pumpTimeSkew = opts.ClockSkew
	s.commandCenter = CommandCenter{
		mu:    &s.mu,
		state: &s.state,
		opts:  &s.opts,
		codec: driver.NewCodec(opts.Name, opts.Encrypted),
	}
	return s
}

// Open connects to the pump when name matches. Only one link may be open at
// a time.
func (s *Simulator) Open(ctx context.Context, name string) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name != s.opts.Name {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotFound, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil && s.stream.IsConnected() {
		log.Error().Str("device", name).Msg("Rejecting connection, already has an open connection")
		return nil, errors.New("simulator: already has an open connection")
	}

	s.stream = newStream(s)
	s.readBuffer = nil
	log.Info().Str("device", name).Msg("Device connected")

	s.commandCenter.sendInitFrames(s.stream)
	return s.stream, nil
}

// Drop closes the open link as if the pump went out of range.
func (s *Simulator) Drop() {
	s.mu.Lock()
	var st = s.stream
	s.mu.Unlock()

	if st != nil {
		st.Close()
	}
}

func (s *Simulator) handleMessage(st *stream, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readBuffer = append(s.readBuffer, value...)
	for len(s.readBuffer) > 0 {
		frame, consumed, err := s.commandCenter.codec.Decode(s.readBuffer)
		if errors.Is(err, driver.ErrIncomplete) {
			return
		}
		s.readBuffer = s.readBuffer[consumed:]

		if err != nil {
			log.Error().Err(err).Int("dropped", consumed).Msg("Received invalid packets")
			continue
		}

		s.received = append(s.received, Received{Code: frame.Code, Payload: frame.Payload, At: s.opts.Now()})
		if slices.Contains(s.opts.Silent, frame.Code) {
			log.Debug().Str("code", fmt.Sprintf("0x%04X", frame.Code)).Msg("Ignoring command")
			continue
		}
		s.commandCenter.ProcessCommand(st, frame)
	}
}

// Received lists every command frame decoded so far.
func (s *Simulator) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// Codes lists the codes of every command frame decoded so far.
func (s *Simulator) Codes() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var codes = make([]uint16, 0, len(s.received))
	for _, r := range s.received {
		codes = append(codes, r.Code)
	}
	return codes
}

func (s *Simulator) ResetReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = nil
}

// AddEvent appends a record to the event log served by HISTORY_EVENTS.
func (s *Simulator) AddEvent(record driver.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.events = append(s.state.events, record)
}

// AddPageRecord appends a record to one of the paged history logs.
func (s *Simulator) AddPageRecord(code uint16, record driver.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.pages[code] = append(s.state.pages[code], record)
}

func (s *Simulator) Events() []driver.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.events)
}

func (s *Simulator) PageRecords(code uint16) []driver.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.pages[code])
}

func (s *Simulator) SetDailyTotal(units, max float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.dailyTotalUnits = units
	s.state.maxDailyTotal = max
}

func (s *Simulator) ClockSkew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.pumpTimeSkew
}

// TempBasal reports the running temp basal percentage, if any.
func (s *Simulator) TempBasal() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.commandCenter.tempBasalActive() {
		return 0, false
	}
	return s.state.tempBasalPercentage, true
}

func (s *Simulator) BasalRates() [24]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.basalRates
}

// ReportError pushes an unsolicited error report.
func (s *Simulator) ReportError(code byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		s.commandCenter.write(s.stream, codes.CMD_ERROR_REPORT, []byte{code})
	}
}

// stream is the pump end of an in-memory link. Frames written by the driver
// are processed synchronously; replies queue up until the driver reads them.
type stream struct {
	sim *Simulator

	mu      sync.Mutex
	cond    *sync.Cond
	inbound []byte
	closed  bool
}

func newStream(sim *Simulator) *stream {
	var st = &stream{sim: sim}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// Read blocks until the pump has sent data. Data queued before the link was
// closed is still returned.
func (st *stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for len(st.inbound) == 0 && !st.closed {
		st.cond.Wait()
	}
	if len(st.inbound) == 0 {
		return 0, transport.ErrClosed
	}

	var n = copy(p, st.inbound)
	st.inbound = st.inbound[n:]
	return n, nil
}

func (st *stream) Write(p []byte) (int, error) {
	if !st.IsConnected() {
		return 0, transport.ErrClosed
	}
	log.Trace().Hex("data", p).Msg("Pump received")
	st.sim.handleMessage(st, slices.Clone(p))
	return len(p), nil
}

func (st *stream) IsConnected() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.closed
}

func (st *stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		log.Info().Msg("Device disconnected")
	}
	st.cond.Broadcast()
	return nil
}

func (st *stream) push(data []byte) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.inbound = append(st.inbound, data...)
	st.cond.Broadcast()
	return true
}
