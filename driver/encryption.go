package driver

import (
	"errors"
	"fmt"
)

const (
	PACKET_START_BYTE byte = 0x7e
	PACKET_END_BYTE   byte = 0x2e
	PACKET_TYPE_BYTE  byte = 0xf1

	// start(2) + length(1) + crc(2) + end(2)
	packetOverhead = 7
	// type(1) + code(2), counted by the length byte
	packetHeaderLength = 3
	maxPayloadLength   = 0xff - packetHeaderLength
)

var (
	ErrIncomplete   = errors.New("driver: incomplete frame")
	ErrInvalidFrame = errors.New("driver: invalid frame")
)

// Frame is one decoded protocol message.
type Frame struct {
	Code    uint16
	Payload []byte
}

// Codec frames commands for the wire. When the pump is paired with the
// serial-number envelope, key holds the three XOR bytes derived from the
// device name; otherwise frames only carry the CRC.
type Codec struct {
	key []byte
}

func NewCodec(deviceName string, encrypted bool) Codec {
	if !encrypted {
		return Codec{}
	}
	return Codec{key: serialNumberKey(deviceName)}
}

// Encode builds a complete frame for code and payload.
func (c Codec) Encode(code uint16, payload []byte) []byte {
	if len(payload) > maxPayloadLength {
		panic(fmt.Sprintf("driver: payload for 0x%04x too long: %d bytes", code, len(payload)))
	}

	var length = len(payload) + packetHeaderLength
	var buffer = make([]byte, length+packetOverhead)
	buffer[0] = PACKET_START_BYTE // header 1
	buffer[1] = PACKET_START_BYTE // header 2
	buffer[2] = byte(length)
	buffer[3] = PACKET_TYPE_BYTE
	buffer[4] = byte(code >> 8)
	buffer[5] = byte(code)
	copy(buffer[6:], payload)

	var crc = generateCrc(buffer[3 : 3+length])
	buffer[length+3] = byte(crc >> 8)
	buffer[length+4] = byte(crc & 0xff)
	buffer[length+5] = PACKET_END_BYTE // footer 1
	buffer[length+6] = PACKET_END_BYTE // footer 2

	c.applyEnvelope(buffer[3 : length+5])
	return buffer
}

// Decode extracts the first frame from buffer. It returns ErrIncomplete with
// zero consumed bytes until a whole frame is buffered. On ErrInvalidFrame the
// consumed count tells the caller how many bytes to drop to reach the next
// plausible frame start.
func (c Codec) Decode(buffer []byte) (Frame, int, error) {
	if len(buffer) < 2 {
		return Frame{}, 0, ErrIncomplete
	}

	if buffer[0] != PACKET_START_BYTE || buffer[1] != PACKET_START_BYTE {
		return Frame{}, resyncPoint(buffer, 1), fmt.Errorf("%w: missing start bytes", ErrInvalidFrame)
	}

	if len(buffer) < 3 {
		return Frame{}, 0, ErrIncomplete
	}

	var length = int(buffer[2])
	if length < packetHeaderLength {
		return Frame{}, resyncPoint(buffer, 1), fmt.Errorf("%w: length %d too short", ErrInvalidFrame, length)
	}

	var total = length + packetOverhead
	if len(buffer) < total {
		// Not all bytes have been received yet...
		return Frame{}, 0, ErrIncomplete
	}

	if buffer[total-2] != PACKET_END_BYTE || buffer[total-1] != PACKET_END_BYTE {
		return Frame{}, resyncPoint(buffer, 1), fmt.Errorf("%w: end bytes do not match", ErrInvalidFrame)
	}

	var body = make([]byte, length+2)
	copy(body, buffer[3:total-2])
	c.applyEnvelope(body)

	var crc = generateCrc(body[:length])
	if body[length] != byte(crc>>8) || body[length+1] != byte(crc&0xff) {
		return Frame{}, total, fmt.Errorf("%w: crc mismatch on 0x%02x%02x", ErrInvalidFrame, body[1], body[2])
	}

	return Frame{
		Code:    uint16(body[1])<<8 | uint16(body[2]),
		Payload: body[3:length],
	}, total, nil
}

// resyncPoint returns the index of the next "7E 7E" pair at or after from.
// A lone start byte at the very end is kept, it may be half of a header.
func resyncPoint(buffer []byte, from int) int {
	for i := from; i < len(buffer); i++ {
		if buffer[i] != PACKET_START_BYTE {
			continue
		}
		if i+1 == len(buffer) || buffer[i+1] == PACKET_START_BYTE {
			return i
		}
	}
	return len(buffer)
}

func generateCrc(buffer []byte) uint16 {
	var crc uint16 = 0

	for _, b := range buffer {
		result := ((crc >> 8) | (crc << 8)) ^ uint16(b)
		result ^= (result & 0xff) >> 4
		result ^= (result << 12)
		result ^= (result & 0xff) << 5

		crc = result
	}

	return crc
}

// applyEnvelope XORs data with the serial-number key. Applying it twice
// restores the input.
func (c Codec) applyEnvelope(data []byte) {
	if len(c.key) == 0 {
		return
	}
	for i := range data {
		data[i] ^= c.key[i%len(c.key)]
	}
}

func serialNumberKey(deviceName string) []byte {
	var name = []byte(deviceName)
	for len(name) < 10 {
		name = append(name, 0)
	}

	return []byte{
		name[0] + name[1] + name[2],
		name[3] + name[4] + name[5] + name[6] + name[7],
		name[8] + name[9],
	}
}
