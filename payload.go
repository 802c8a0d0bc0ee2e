package skylink

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Typed payloads carried inside frames. All fixed-width fields are
// big-endian to match the frame header.

// TelemetrySample is the periodic environment and housekeeping report
// from the airborne unit.
type TelemetrySample struct {
	Temperature    float32 // degrees C
	Pressure       float32 // hPa
	Humidity       float32 // percent RH
	BatteryVolts   float32
	BatteryPercent uint8
	Uptime         uint32 // seconds since boot
	FreeMemory     uint16 // KiB
	PowerState     uint8
}

// PositionFix is a GPS solution.
type PositionFix struct {
	Latitude   float32 // degrees
	Longitude  float32 // degrees
	Altitude   float32 // meters
	Satellites uint8
	Speed      float32 // ground speed, m/s
	Course     float32 // degrees
	FixTime    uint32
	HDOP       uint8
	Quality    uint8
}

// CameraInfo describes a captured image; the image bytes themselves go out
// as separate image-thumb/image-full frames.
type CameraInfo struct {
	ImageID     uint16
	Timestamp   uint32
	ImageSize   uint16
	Compression uint8
	Thumbnail   uint8 // 1 when this describes the thumbnail variant
}

// AlertType classifies an emergency frame.
type AlertType uint8

const (
	AlertLowBattery      AlertType = 0x01
	AlertCriticalBattery AlertType = 0x02
	AlertSystemError     AlertType = 0x03
	AlertSensorFailure   AlertType = 0x04
	AlertCommLost        AlertType = 0x05
	AlertMemoryFull      AlertType = 0x06
	AlertOverheating     AlertType = 0x07
)

const maxAlertMessage = 64

// EmergencyAlert is the highest-priority report.
type EmergencyAlert struct {
	Alert       AlertType
	Severity    uint8
	SensorID    uint8
	SensorValue float32
	Timestamp   uint32
	Message     string // truncated to maxAlertMessage bytes on the wire
}

// StatusReport is a free-text status string.
type StatusReport struct {
	Text string
}

func marshalFixed(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return nil, errors.Wrap(err, "unable to marshal payload")
	}
	return buf.Bytes(), nil
}

func unmarshalFixed(data []byte, v interface{}) error {
	if len(data) != binary.Size(v) {
		return errors.Wrapf(ErrFrameTooShort, "payload %d bytes, want %d", len(data), binary.Size(v))
	}
	return binary.Read(bytes.NewReader(data), binary.BigEndian, v)
}

func (t *TelemetrySample) MarshalBinary() ([]byte, error) { return marshalFixed(t) }
func (t *TelemetrySample) UnmarshalBinary(b []byte) error { return unmarshalFixed(b, t) }

func (p *PositionFix) MarshalBinary() ([]byte, error) { return marshalFixed(p) }
func (p *PositionFix) UnmarshalBinary(b []byte) error { return unmarshalFixed(b, p) }

func (c *CameraInfo) MarshalBinary() ([]byte, error) { return marshalFixed(c) }
func (c *CameraInfo) UnmarshalBinary(b []byte) error { return unmarshalFixed(b, c) }

func (s *StatusReport) MarshalBinary() ([]byte, error) {
	text := s.Text
	if len(text) > DefaultMaxPayload {
		text = text[:DefaultMaxPayload]
	}
	return []byte(text), nil
}

func (s *StatusReport) UnmarshalBinary(b []byte) error {
	s.Text = string(b)
	return nil
}

func (a *EmergencyAlert) MarshalBinary() ([]byte, error) {
	msg := a.Message
	if len(msg) > maxAlertMessage {
		msg = msg[:maxAlertMessage]
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(a.Alert))
	buf.WriteByte(a.Severity)
	buf.WriteByte(a.SensorID)
	if err := binary.Write(buf, binary.BigEndian, a.SensorValue); err != nil {
		return nil, errors.Wrap(err, "unable to marshal alert value")
	}
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], a.Timestamp)
	buf.Write(ts[:])
	buf.WriteByte(uint8(len(msg)))
	buf.WriteString(msg)
	return buf.Bytes(), nil
}

const emergencyFixedLen = 3 + 4 + 4 + 1

func (a *EmergencyAlert) UnmarshalBinary(b []byte) error {
	if len(b) < emergencyFixedLen {
		return errors.Wrapf(ErrFrameTooShort, "alert payload %d bytes", len(b))
	}
	a.Alert = AlertType(b[0])
	a.Severity = b[1]
	a.SensorID = b[2]
	a.SensorValue = math.Float32frombits(binary.BigEndian.Uint32(b[3:7]))
	a.Timestamp = binary.BigEndian.Uint32(b[7:11])
	msgLen := int(b[11])
	if len(b) < emergencyFixedLen+msgLen {
		return errors.Wrapf(ErrFrameTooShort, "alert message truncated: %d bytes", len(b))
	}
	a.Message = string(b[emergencyFixedLen : emergencyFixedLen+msgLen])
	return nil
}

// AckType qualifies an acknowledgment: plain success, a retransmit request,
// or a rate hint for the sender.
type AckType uint8

const (
	AckSuccess    AckType = 0x00
	AckRetransmit AckType = 0x01
	AckSlowDown   AckType = 0x02
	AckSpeedUp    AckType = 0x03
)

// NackType qualifies a negative acknowledgment.
type NackType uint8

const (
	NackCorrupt     NackType = 0x01
	NackUnsupported NackType = 0x02
	NackBusy        NackType = 0x03
)

const (
	ackPayloadLen  = 5
	nackPayloadLen = 3
)

// Acknowledgment is the 5-byte ack payload: sequence, ack type and the
// receiver's signal readings for the acknowledged frame.
type Acknowledgment struct {
	Sequence uint16
	Type     AckType
	RSSI     int8
	SNR      int8
}

func (a *Acknowledgment) MarshalBinary() ([]byte, error) {
	b := make([]byte, ackPayloadLen)
	binary.BigEndian.PutUint16(b[0:2], a.Sequence)
	b[2] = byte(a.Type)
	b[3] = byte(a.RSSI)
	b[4] = byte(a.SNR)
	return b, nil
}

func (a *Acknowledgment) UnmarshalBinary(b []byte) error {
	if len(b) != ackPayloadLen {
		return errors.Wrapf(ErrFrameTooShort, "ack payload %d bytes, want %d", len(b), ackPayloadLen)
	}
	a.Sequence = binary.BigEndian.Uint16(b[0:2])
	a.Type = AckType(b[2])
	a.RSSI = int8(b[3])
	a.SNR = int8(b[4])
	return nil
}

// NegativeAck is the 3-byte nack payload.
type NegativeAck struct {
	Sequence uint16
	Type     NackType
}

func (n *NegativeAck) MarshalBinary() ([]byte, error) {
	b := make([]byte, nackPayloadLen)
	binary.BigEndian.PutUint16(b[0:2], n.Sequence)
	b[2] = byte(n.Type)
	return b, nil
}

func (n *NegativeAck) UnmarshalBinary(b []byte) error {
	if len(b) != nackPayloadLen {
		return errors.Wrapf(ErrFrameTooShort, "nack payload %d bytes, want %d", len(b), nackPayloadLen)
	}
	n.Sequence = binary.BigEndian.Uint16(b[0:2])
	n.Type = NackType(b[2])
	return nil
}
