package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	codes "dana/pump/driver/packets"
	"dana/pump/transport"
)

type chanStream struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newChanStream() *chanStream {
	return &chanStream{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *chanStream) Read(p []byte) (int, error) {
	select {
	case data := <-s.incoming:
		return copy(p, data), nil
	case <-s.closed:
		return 0, transport.ErrClosed
	}
}

func (s *chanStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), p...))
	return len(p), nil
}

func (s *chanStream) IsConnected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n = 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	var deadline = time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIOLoopDispatchOrder(t *testing.T) {
	var stream = newChanStream()
	var sink = &eventLog{}
	var pump = NewPump()
	var loop = newIOLoop("test", stream, Codec{}, pump, systemClock{}, sink, 10)
	loop.start()
	defer loop.close()

	var progress = make(chan []byte, 1)
	loop.listen(codes.CMD_BOLUS_PROGRESS, func(payload []byte, at time.Time) { progress <- payload })

	var status = newStatus()
	if err := loop.send(status); err != nil {
		t.Fatalf("send() error = %v", err)
	}

	var statusPayload = make([]byte, 17)
	statusPayload[16] = 150
	stream.incoming <- Codec{}.Encode(codes.CMD_BOLUS_PROGRESS, []byte{0x00, 0x32})
	stream.incoming <- Codec{}.Encode(codes.CMD_STATUS, statusPayload)
	stream.incoming <- Codec{}.Encode(codes.CMD_ERROR_REPORT, []byte{3})

	select {
	case got := <-progress:
		if unitsFromBuff(got, 0, 2, 100) != 0.5 {
			t.Fatalf("progress payload % x", got)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	waitFor(t, "status reply", status.Done)
	waitFor(t, "error report", func() bool { return sink.count(EventPumpError) == 1 })
	if s := pump.Snapshot(); s.LastErrorCode != 3 {
		t.Fatalf("LastErrorCode = %d, want 3", s.LastErrorCode)
	}
}

func TestIOLoopStopsAfterDecodeErrors(t *testing.T) {
	var stream = newChanStream()
	var loop = newIOLoop("test", stream, Codec{}, NewPump(), systemClock{}, discardSink{}, 2)
	var closedWith = make(chan error, 1)
	loop.onClose = func(err error) { closedWith <- err }
	loop.start()

	var bad = Codec{}.Encode(codes.CMD_STATUS, nil)
	bad[len(bad)-1] = 0x00
	var garbage []byte
	for i := 0; i < 3; i++ {
		garbage = append(garbage, bad...)
	}
	stream.incoming <- garbage

	select {
	case err := <-closedWith:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("close error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop still running after repeated decode errors")
	}
	if stream.IsConnected() {
		t.Fatal("stream left open")
	}
}

func TestIOLoopFailsActiveCommandOnClose(t *testing.T) {
	var stream = newChanStream()
	var loop = newIOLoop("test", stream, Codec{}, NewPump(), systemClock{}, discardSink{}, 10)
	var closedWith = make(chan error, 1)
	loop.onClose = func(err error) { closedWith <- err }
	loop.start()

	var cmd = newStatus()
	if err := loop.send(cmd); err != nil {
		t.Fatalf("send() error = %v", err)
	}
	loop.close()

	if !cmd.Failed() || !errors.Is(cmd.Err(), ErrDisconnected) {
		t.Fatalf("command failed = %v, err = %v", cmd.Failed(), cmd.Err())
	}
	if err := <-closedWith; err != nil {
		t.Fatalf("local close reported %v", err)
	}
	if err := loop.send(newStatus()); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send after close error = %v", err)
	}
}
