package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"
)

func newTestBLEStream() *bleStream {
	var s = &bleStream{
		buffer:  ringbuffer.New(bleBufferSize),
		ready:   make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connected.Store(true)
	return s
}

func TestBLEStreamBuffersNotifications(t *testing.T) {
	var s = newTestBLEStream()
	s.notify([]byte{0x7e, 0x7e, 0x03})
	s.notify([]byte{0xf1, 0x02, 0x0b})

	var got []byte
	var chunk = make([]byte, 4)
	for len(got) < 6 {
		n, err := s.Read(chunk)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, chunk[:n]...)
	}
	if want := []byte{0x7e, 0x7e, 0x03, 0xf1, 0x02, 0x0b}; !bytes.Equal(got, want) {
		t.Fatalf("read % x, want % x", got, want)
	}
}

func TestBLEStreamReadWaitsForNotification(t *testing.T) {
	var s = newTestBLEStream()
	var result = make(chan []byte, 1)
	go func() {
		var buf = make([]byte, 8)
		n, _ := s.Read(buf)
		result <- buf[:n]
	}()

	time.Sleep(20 * time.Millisecond)
	s.notify([]byte{0x2e, 0x2e})

	select {
	case got := <-result:
		if !bytes.Equal(got, []byte{0x2e, 0x2e}) {
			t.Fatalf("read % x", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after a notification")
	}
}

func TestBLEStreamDropUnblocksRead(t *testing.T) {
	var s = newTestBLEStream()
	var result = make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.drop()

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Read() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read still blocked after drop")
	}
	if s.IsConnected() {
		t.Fatal("stream still connected after drop")
	}
	if _, err := s.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() error = %v, want ErrClosed", err)
	}
}

func TestSerialOpenerWithoutPort(t *testing.T) {
	_, err := SerialOpener{}.Open(context.Background(), "ABC12345DE")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open() error = %v, want ErrNotFound", err)
	}
}

func TestOpenerFunc(t *testing.T) {
	var called string
	var opener Opener = OpenerFunc(func(ctx context.Context, name string) (Stream, error) {
		called = name
		return nil, ErrNotFound
	})
	if _, err := opener.Open(context.Background(), "ABC12345DE"); !errors.Is(err, ErrNotFound) || called != "ABC12345DE" {
		t.Fatalf("called = %q, err = %v", called, err)
	}
}
