package skylink

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire layout, big-endian:
//
//	offset  size  field
//	0       1     protocol version
//	1       1     device id
//	2       1     flags
//	3       1     retry count
//	4       4     timestamp (seconds)
//	8       2     battery level (volts x100)
//	10      1     rolling avg RSSI (signed)
//	11      1     rolling avg SNR (signed)
//	12      1     message type
//	13      2     sequence number
//	15      N     payload
//	15+N    2     CRC16 over bytes [0, 15+N)
const (
	headerSize    = 12
	frameOverhead = headerSize + 1 + 2 + 2 // type + sequence + CRC16

	// DefaultMaxPayload is the link MTU minus framing overhead.
	DefaultMaxPayload = 200

	// ProtocolVersion is the current frame format revision.
	ProtocolVersion = 0x01
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
)

// MessageType selects the payload interpretation of a frame.
type MessageType uint8

const (
	TypeTelemetry  MessageType = 0x01
	TypePosition   MessageType = 0x02
	TypeImageThumb MessageType = 0x03
	TypeImageFull  MessageType = 0x04
	TypeStatus     MessageType = 0x05
	TypeAck        MessageType = 0x06
	TypeNack       MessageType = 0x07
	TypePing       MessageType = 0x08
	TypePong       MessageType = 0x09
	TypeEmergency  MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case TypeTelemetry:
		return "telemetry"
	case TypePosition:
		return "position"
	case TypeImageThumb:
		return "image-thumb"
	case TypeImageFull:
		return "image-full"
	case TypeStatus:
		return "status"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeEmergency:
		return "emergency"
	}
	return "unknown"
}

// Header is the fixed 12-byte frame preamble. Battery level is volts
// scaled by 100 (370 = 3.70V). RSSIAvg and SNRAvg carry the sender's
// rolling signal averages so the far end sees link quality from both sides.
type Header struct {
	Version      uint8
	DeviceID     uint8
	Flags        uint8
	RetryCount   uint8
	Timestamp    uint32
	BatteryLevel uint16
	RSSIAvg      int8
	SNRAvg       int8
}

// SignalInfo is the per-frame reception metadata reported by the radio.
type SignalInfo struct {
	RSSI int8
	SNR  int8
}

// Frame is one self-contained unit of wire data. A Frame is treated as
// immutable once encoded; changing any field (such as the retry count)
// means encoding again, which re-derives the checksum.
type Frame struct {
	Header   Header
	Type     MessageType
	Sequence uint16
	Payload  []byte

	// Set on decoded frames only.
	Checksum uint16
	Signal   SignalInfo
}

// Codec serializes and parses frames. It carries no state beyond the
// configured payload ceiling.
type Codec struct {
	MaxPayload int
}

func NewCodec(maxPayload int) Codec {
	if maxPayload <= 0 || maxPayload > DefaultMaxPayload {
		maxPayload = DefaultMaxPayload
	}
	return Codec{MaxPayload: maxPayload}
}

// Encode serializes f and appends the CRC16 trailer.
func (c Codec) Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > c.MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d > %d", len(f.Payload), c.MaxPayload)
	}

	buf := bytes.NewBuffer(make([]byte, 0, frameOverhead+len(f.Payload)))
	if err := binary.Write(buf, binary.BigEndian, &f.Header); err != nil {
		return nil, errors.Wrap(err, "unable to write frame header")
	}
	buf.WriteByte(byte(f.Type))
	var seq [2]byte
	binary.BigEndian.PutUint16(seq[:], f.Sequence)
	buf.Write(seq[:])
	buf.Write(f.Payload)

	crc := crc16(buf.Bytes())
	var trailer [2]byte
	binary.BigEndian.PutUint16(trailer[:], crc)
	buf.Write(trailer[:])
	return buf.Bytes(), nil
}

// Decode parses and validates a received byte frame. Errors are values:
// ErrFrameTooShort for anything below the fixed overhead, ErrPayloadTooLarge
// for oversized frames and ErrChecksumMismatch when the CRC trailer does not
// match the recomputed checksum.
func (c Codec) Decode(data []byte) (*Frame, error) {
	if len(data) < frameOverhead {
		return nil, errors.Wrapf(ErrFrameTooShort, "%d bytes", len(data))
	}
	payloadLen := len(data) - frameOverhead
	if payloadLen > c.MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d > %d", payloadLen, c.MaxPayload)
	}

	wantCRC := binary.BigEndian.Uint16(data[len(data)-2:])
	if gotCRC := crc16(data[:len(data)-2]); gotCRC != wantCRC {
		return nil, errors.Wrapf(ErrChecksumMismatch, "computed %#04x, trailer %#04x", gotCRC, wantCRC)
	}

	f := &Frame{Checksum: wantCRC}
	rdr := bytes.NewReader(data[:headerSize])
	if err := binary.Read(rdr, binary.BigEndian, &f.Header); err != nil {
		return nil, errors.Wrap(err, "unable to read frame header")
	}
	f.Type = MessageType(data[headerSize])
	f.Sequence = binary.BigEndian.Uint16(data[headerSize+1 : headerSize+3])
	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, data[headerSize+3:len(data)-2])
	return f, nil
}
