package driver

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Result is what a handler reports after consuming one frame.
type Result int

const (
	Continue Result = iota
	Done
	Failed
)

type handlerFunc func(c *Command, p *Pump, payload []byte) Result

// Command is one unit of protocol work: an outbound payload plus the handler
// consuming the matching inbound frames. A Command is submitted once and is
// never reused across sessions.
type Command struct {
	Code uint16
	Name string

	payload []byte
	related []uint16
	handle  handlerFunc

	sent      atomic.Bool
	done      atomic.Bool
	failed    atomic.Bool
	lastFrame atomic.Int64
	lastCode  atomic.Uint32

	finished chan struct{}
	once     sync.Once

	mu  sync.Mutex
	err error

	// Accumulators for multi-frame commands
	records   []HistoryRecord
	latestMs  int64
	resultVal int
}

func newCommand(code uint16, name string, payload []byte, handle handlerFunc, related ...uint16) *Command {
	return &Command{
		Code:     code,
		Name:     name,
		payload:  payload,
		related:  related,
		handle:   handle,
		finished: make(chan struct{}),
	}
}

func (c *Command) Sent() bool   { return c.sent.Load() }
func (c *Command) Done() bool   { return c.done.Load() }
func (c *Command) Failed() bool { return c.failed.Load() }

// Finished is closed once the command is done or failed.
func (c *Command) Finished() <-chan struct{} { return c.finished }

// LastFrame is the time the latest frame for this command was handled, zero
// when nothing arrived yet.
func (c *Command) LastFrame() time.Time {
	var ns = c.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Records returns the history records collected by a paging command.
func (c *Command) Records() []HistoryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.records)
}

// LatestEvent is the newest event time seen by a paging command, in unix
// milliseconds; 0 when no event arrived.
func (c *Command) LatestEvent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestMs
}

func (c *Command) accepts(code uint16) bool {
	return code == c.Code || slices.Contains(c.related, code)
}

func (c *Command) finishedState() bool {
	return c.done.Load() || c.failed.Load()
}

// deliver hands one frame to the handler. Frames arriving after the command
// finished are ignored so retransmissions do not re-apply.
func (c *Command) deliver(p *Pump, code uint16, payload []byte, at time.Time) {
	if c.done.Load() || c.failed.Load() {
		return
	}
	c.lastFrame.Store(at.UnixNano())
	c.lastCode.Store(uint32(code))

	switch c.handle(c, p, payload) {
	case Done:
		c.done.Store(true)
		c.finish()
	case Failed:
		c.fail(ErrCommandFailed)
	}
}

func (c *Command) fail(err error) {
	if c.done.Load() {
		return
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.failed.Store(true)
	c.finish()
}

func (c *Command) finish() {
	c.once.Do(func() { close(c.finished) })
}

func (c *Command) addRecord(r HistoryRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	if ms := r.Time.UnixMilli(); ms > c.latestMs {
		c.latestMs = ms
	}
}

func (c *Command) setResult(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultVal = v
}

// ResultCode is the status byte of the reply to a set command.
func (c *Command) ResultCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resultVal
}
