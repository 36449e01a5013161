package driver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dana/pump/transport"

	"github.com/rs/zerolog/log"
)

const readChunkSize = 512

type listenerFunc func(payload []byte, at time.Time)

// ioLoop owns the stream of one session. A single goroutine reads, decodes
// and dispatches; send is called from operation goroutines.
type ioLoop struct {
	session         string
	stream          transport.Stream
	codec           Codec
	pump            *Pump
	clock           Clock
	sink            EventSink
	maxDecodeErrors int

	mu        sync.Mutex
	active    *Command
	listeners map[uint16]listenerFunc

	closing atomic.Bool
	done    chan struct{}
	err     error
	onClose func(err error)
}

func newIOLoop(session string, stream transport.Stream, codec Codec, pump *Pump, clock Clock, sink EventSink, maxDecodeErrors int) *ioLoop {
	return &ioLoop{
		session:         session,
		stream:          stream,
		codec:           codec,
		pump:            pump,
		clock:           clock,
		sink:            sink,
		maxDecodeErrors: maxDecodeErrors,
		listeners:       make(map[uint16]listenerFunc),
		done:            make(chan struct{}),
	}
}

func (l *ioLoop) start() {
	go l.run()
}

func (l *ioLoop) run() {
	var buffer []byte
	var chunk = make([]byte, readChunkSize)
	var decodeErrors = 0

	defer l.shutdown()

	for {
		n, err := l.stream.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
		}

		for len(buffer) > 0 {
			frame, consumed, decodeErr := l.codec.Decode(buffer)
			if errors.Is(decodeErr, ErrIncomplete) {
				break
			}
			buffer = buffer[consumed:]

			if decodeErr != nil {
				decodeErrors++
				log.Error().Err(decodeErr).Str("session", l.session).Int("dropped", consumed).Msg("Failed to decode frame")
				if decodeErrors > l.maxDecodeErrors {
					l.err = fmt.Errorf("%w: %d consecutive decode errors", ErrDisconnected, decodeErrors)
					return
				}
				continue
			}

			decodeErrors = 0
			l.dispatch(frame)
		}

		if len(buffer) == 0 {
			buffer = nil
		}

		if err != nil {
			if !l.closing.Load() {
				l.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
			return
		}
	}
}

func (l *ioLoop) shutdown() {
	l.stream.Close()

	l.mu.Lock()
	var active = l.active
	l.active = nil
	l.mu.Unlock()

	if active != nil {
		active.fail(ErrDisconnected)
	}

	if l.onClose != nil {
		l.onClose(l.err)
	}
	close(l.done)
}

// dispatch routes a frame to the command awaiting it, then to a listener,
// then to the unsolicited handler table.
func (l *ioLoop) dispatch(frame Frame) {
	var now = l.clock.Now()

	l.mu.Lock()
	var active = l.active
	var listener = l.listeners[frame.Code]
	l.mu.Unlock()

	if active != nil && !active.finishedState() && active.accepts(frame.Code) {
		log.Debug().Str("session", l.session).Str("command", active.Name).Hex("payload", frame.Payload).Msg("<<< Received")
		active.deliver(l.pump, frame.Code, frame.Payload, now)
		return
	}

	if listener != nil {
		listener(frame.Payload, now)
		return
	}

	if handle, ok := unsolicited[frame.Code]; ok {
		log.Debug().Str("session", l.session).Str("code", fmt.Sprintf("0x%04X", frame.Code)).Hex("payload", frame.Payload).Msg("<<< Unsolicited")
		if event := handle(l.pump, frame.Payload); event != nil {
			event.Time = now
			l.sink.Publish(*event)
		}
		return
	}

	log.Warn().Str("session", l.session).Str("code", fmt.Sprintf("0x%04X", frame.Code)).Hex("payload", frame.Payload).Msg("Unexpected frame")
}

// send writes cmd and registers it as the command awaiting replies. It does
// not wait for the reply.
func (l *ioLoop) send(cmd *Command) error {
	if l.closed() || !l.stream.IsConnected() {
		return ErrDisconnected
	}

	var data = l.codec.Encode(cmd.Code, cmd.payload)

	l.mu.Lock()
	l.active = cmd
	l.mu.Unlock()

	log.Debug().Str("session", l.session).Str("command", cmd.Name).Hex("payload", cmd.payload).Msg(">>> Sending")

	if _, err := l.stream.Write(data); err != nil {
		cmd.fail(ErrDisconnected)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	cmd.sent.Store(true)
	return nil
}

func (l *ioLoop) listen(code uint16, fn listenerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners[code] = fn
}

func (l *ioLoop) unlisten(code uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.listeners, code)
}

func (l *ioLoop) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *ioLoop) alive() bool {
	return !l.closed() && !l.closing.Load() && l.stream.IsConnected()
}

// close stops the loop and waits for it to exit.
func (l *ioLoop) close() {
	l.closing.Store(true)
	l.stream.Close()
	<-l.done
}
