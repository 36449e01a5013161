package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"
)

const (
	bleChunkSize  = 20
	bleBufferSize = 4096
)

var (
	pumpServiceUUID = bluetooth.New16BitUUID(0xFFF0)
	// Notifications from the pump
	pumpReadUUID = bluetooth.New16BitUUID(0xFFF1)
	// Writes to the pump
	pumpWriteUUID = bluetooth.New16BitUUID(0xFFF2)
)

// BLEOpener connects to a pump exposing the FFF0 UART service, matched by its
// advertised local name.
type BLEOpener struct {
	ScanTimeout time.Duration
	// Minimum gap between two 20-byte chunks
	ChunkInterval time.Duration

	adapter *bluetooth.Adapter
	once    sync.Once
	initErr error

	mu      sync.Mutex
	streams map[string]*bleStream
}

func NewBLEOpener(scanTimeout, chunkInterval time.Duration) *BLEOpener {
	return &BLEOpener{
		ScanTimeout:   scanTimeout,
		ChunkInterval: chunkInterval,
		adapter:       bluetooth.DefaultAdapter,
		streams:       make(map[string]*bleStream),
	}
}

func (o *BLEOpener) enable() error {
	o.once.Do(func() {
		if err := o.adapter.Enable(); err != nil {
			o.initErr = fmt.Errorf("transport: enable BLE stack: %w", err)
			return
		}
		o.adapter.SetConnectHandler(o.handleConnectionChange)
	})
	return o.initErr
}

func (o *BLEOpener) handleConnectionChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}

	var address = device.Address.String()
	o.mu.Lock()
	var stream = o.streams[address]
	delete(o.streams, address)
	o.mu.Unlock()

	if stream != nil {
		log.Info().Str("address", address).Msg("Pump disconnected")
		stream.drop()
	}
}

func (o *BLEOpener) Open(ctx context.Context, name string) (Stream, error) {
	if err := o.enable(); err != nil {
		return nil, err
	}

	address, err := o.scan(ctx, name)
	if err != nil {
		return nil, err
	}

	device, err := o.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("transport: connect to %s: %w", name, err)
	}

	stream, err := newBLEStream(device, o.ChunkInterval)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	o.mu.Lock()
	o.streams[address.String()] = stream
	o.mu.Unlock()

	log.Info().Str("device", name).Str("address", address.String()).Msg("BLE link open")
	return stream, nil
}

func (o *BLEOpener) scan(ctx context.Context, name string) (bluetooth.Address, error) {
	var scanCtx, cancel = context.WithTimeout(ctx, o.ScanTimeout)
	defer cancel()

	var found = make(chan bluetooth.Address, 1)
	go func() {
		<-scanCtx.Done()
		o.adapter.StopScan()
	}()

	err := o.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.LocalName() != name {
			return
		}
		select {
		case found <- result.Address:
		default:
		}
		adapter.StopScan()
	})

	select {
	case address := <-found:
		return address, nil
	default:
	}

	if err != nil && scanCtx.Err() == nil {
		return bluetooth.Address{}, fmt.Errorf("transport: scan: %w", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return bluetooth.Address{}, ctxErr
	}
	return bluetooth.Address{}, fmt.Errorf("%w: %s not advertising", ErrNotFound, name)
}

type bleStream struct {
	device bluetooth.Device
	write  bluetooth.DeviceCharacteristic

	buffer *ringbuffer.RingBuffer
	ready  chan struct{}

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	connected atomic.Bool
	closeOnce sync.Once
}

func newBLEStream(device bluetooth.Device, chunkInterval time.Duration) (*bleStream, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{pumpServiceUUID})
	if err != nil {
		return nil, fmt.Errorf("transport: discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("transport: service %s not found", pumpServiceUUID.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{pumpReadUUID, pumpWriteUUID})
	if err != nil {
		return nil, fmt.Errorf("transport: discover characteristics: %w", err)
	}

	var read, write *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case pumpReadUUID:
			read = &chars[i]
		case pumpWriteUUID:
			write = &chars[i]
		}
	}
	if read == nil || write == nil {
		return nil, errors.New("transport: pump characteristics FFF1/FFF2 missing")
	}

	var limit = rate.Inf
	if chunkInterval > 0 {
		limit = rate.Every(chunkInterval)
	}

	var s = &bleStream{
		device:  device,
		write:   *write,
		buffer:  ringbuffer.New(bleBufferSize),
		ready:   make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.connected.Store(true)

	if err := read.EnableNotifications(s.notify); err != nil {
		return nil, fmt.Errorf("transport: enable notifications: %w", err)
	}
	return s, nil
}

func (s *bleStream) notify(value []byte) {
	for len(value) > 0 {
		n, err := s.buffer.Write(value)
		if err != nil && n == 0 {
			log.Error().Err(err).Int("dropped", len(value)).Msg("BLE receive buffer full")
			break
		}
		value = value[n:]
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *bleStream) Read(p []byte) (int, error) {
	for {
		n, err := s.buffer.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}

		select {
		case <-s.ready:
		case <-s.ctx.Done():
			return 0, ErrClosed
		}
	}
}

// Write sends p in 20-byte chunks, the payload limit of one notification.
func (s *bleStream) Write(p []byte) (int, error) {
	var written = 0
	for written < len(p) {
		if !s.connected.Load() {
			return written, ErrClosed
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			return written, ErrClosed
		}

		var end = min(written+bleChunkSize, len(p))
		if _, err := s.write.WriteWithoutResponse(p[written:end]); err != nil {
			return written, fmt.Errorf("transport: write: %w", err)
		}
		written = end
	}
	return written, nil
}

func (s *bleStream) IsConnected() bool {
	return s.connected.Load()
}

// drop marks the link gone after the adapter reported a disconnect.
func (s *bleStream) drop() {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.cancel()
	})
}

func (s *bleStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.cancel()
		err = s.device.Disconnect()
	})
	return err
}
