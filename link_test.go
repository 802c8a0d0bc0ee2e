package skylink

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceived struct {
	data []byte
	sig  SignalInfo
}

// fakeTransport records transmitted bytes and serves queued inbound frames.
type fakeTransport struct {
	sent    [][]byte
	pending []fakeReceived
	sendErr error
	recvErr error
	sf      int
	power   int
}

func (f *fakeTransport) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) TryReceive() ([]byte, SignalInfo, error) {
	if f.recvErr != nil {
		err := f.recvErr
		f.recvErr = nil
		return nil, SignalInfo{}, err
	}
	if len(f.pending) == 0 {
		return nil, SignalInfo{}, nil
	}
	r := f.pending[0]
	f.pending = f.pending[1:]
	return r.data, r.sig, nil
}

func (f *fakeTransport) SetSpreadingFactor(sf int) error { f.sf = sf; return nil }
func (f *fakeTransport) SetTxPower(dbm int) error        { f.power = dbm; return nil }

func (f *fakeTransport) queueInbound(data []byte, sig SignalInfo) {
	f.pending = append(f.pending, fakeReceived{data: data, sig: sig})
}

// fakeClock pins timeNow for the duration of a test.
func fakeClock(t *testing.T) *time.Time {
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })
	return &now
}

func testLink(t *testing.T, mutate func(*Config)) (*Link, *fakeTransport) {
	cfg := DefaultConfig()
	cfg.BackoffScheduleMS = []int{1000}
	if mutate != nil {
		mutate(&cfg)
	}
	ft := &fakeTransport{}
	l, err := NewLink(cfg, ft)
	require.NoError(t, err)
	return l, ft
}

func decodeSent(t *testing.T, l *Link, ft *fakeTransport, i int) *Frame {
	require.Greater(t, len(ft.sent), i)
	f, err := l.codec.Decode(ft.sent[i])
	require.NoError(t, err)
	return f
}

// queuePeerFrame encodes a frame as if sent by the far end and queues it on
// the fake transport.
func queuePeerFrame(t *testing.T, l *Link, ft *fakeTransport, mt MessageType, seq uint16, payload []byte, sig SignalInfo) {
	f := &Frame{
		Header:   Header{Version: ProtocolVersion, DeviceID: 200},
		Type:     mt,
		Sequence: seq,
		Payload:  payload,
	}
	data, err := l.codec.Encode(f)
	require.NoError(t, err)
	ft.queueInbound(data, sig)
}

func queuePeerAck(t *testing.T, l *Link, ft *fakeTransport, seq uint16, at AckType, sig SignalInfo) {
	ack := Acknowledgment{Sequence: seq, Type: at, RSSI: sig.RSSI, SNR: sig.SNR}
	payload, err := ack.MarshalBinary()
	require.NoError(t, err)
	queuePeerFrame(t, l, ft, TypeAck, seq^0x8000, payload, sig)
}

func TestLinkAckResolvesFrame(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	require.NoError(t, l.SendTelemetry(&TelemetrySample{Temperature: -10}))
	l.Tick()
	require.Len(t, ft.sent, 1)

	sent := decodeSent(t, l, ft, 0)
	assert.Equal(t, TypeTelemetry, sent.Type)

	queuePeerAck(t, l, ft, sent.Sequence, AckSuccess, SignalInfo{RSSI: -72, SNR: 7})
	l.Tick()

	assert.Equal(t, 0, l.QueueSize())
	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.FramesSent)
	assert.Equal(t, uint64(1), stats.FramesDelivered)
	assert.Equal(t, uint64(1), stats.FramesReceived)

	// Nothing left to transmit.
	l.Tick()
	assert.Len(t, ft.sent, 1)
}

func TestLinkRetryExhaustion(t *testing.T) {
	now := fakeClock(t)
	l, ft := testLink(t, func(cfg *Config) {
		cfg.MaxRetries = 3
	})

	require.NoError(t, l.SendStatus("nominal"))

	for attempt := 0; attempt < 3; attempt++ {
		l.Tick() // transmit
		require.Len(t, ft.sent, attempt+1)
		sent := decodeSent(t, l, ft, attempt)
		assert.Equal(t, uint8(attempt), sent.Header.RetryCount)

		*now = now.Add(1001 * time.Millisecond)
		l.Tick() // timeout
	}

	assert.Equal(t, 0, l.QueueSize())
	assert.Len(t, ft.sent, 3)
	stats := l.Stats()
	assert.Equal(t, uint64(3), stats.FramesSent)
	assert.Equal(t, uint64(3), stats.AckTimeouts)
	assert.Equal(t, uint64(1), stats.TransmitFailures)
	assert.Equal(t, uint64(0), stats.FramesDelivered)

	// A resend after the timeout needs a fresh transmit tick.
	l.Tick()
	assert.Len(t, ft.sent, 3)
}

func TestLinkGraduatedBackoff(t *testing.T) {
	now := fakeClock(t)
	l, ft := testLink(t, func(cfg *Config) {
		cfg.BackoffScheduleMS = []int{1000, 4000}
		cfg.MaxRetries = 3
	})

	require.NoError(t, l.SendStatus("nominal"))
	l.Tick()
	require.Len(t, ft.sent, 1)

	// First attempt times out after the first schedule entry.
	*now = now.Add(999 * time.Millisecond)
	l.Tick()
	assert.Equal(t, uint64(0), l.Stats().AckTimeouts)
	*now = now.Add(2 * time.Millisecond)
	l.Tick() // timeout
	l.Tick() // retransmit
	require.Len(t, ft.sent, 2)

	// Second attempt uses the longer entry.
	*now = now.Add(1001 * time.Millisecond)
	l.Tick()
	assert.Equal(t, uint64(1), l.Stats().AckTimeouts, "second attempt must wait the longer timeout")
	*now = now.Add(3 * time.Second)
	l.Tick()
	assert.Equal(t, uint64(2), l.Stats().AckTimeouts)
}

func TestLinkPriorityDeliveryOrder(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	// Enqueued in reverse priority order.
	require.NoError(t, l.SendStatus("all good"))
	require.NoError(t, l.SendPosition(&PositionFix{Altitude: 28000}))

	l.Tick()
	first := decodeSent(t, l, ft, 0)
	assert.Equal(t, TypePosition, first.Type)

	queuePeerAck(t, l, ft, first.Sequence, AckSuccess, SignalInfo{RSSI: -85, SNR: 3})
	l.Tick()
	second := decodeSent(t, l, ft, 1)
	assert.Equal(t, TypeStatus, second.Type)

	queuePeerAck(t, l, ft, second.Sequence, AckSuccess, SignalInfo{RSSI: -85, SNR: 3})
	l.Tick()

	assert.Equal(t, 0, l.QueueSize())
	assert.Equal(t, uint64(2), l.Stats().FramesDelivered)
}

func TestLinkNackTriggersRetransmit(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	require.NoError(t, l.SendTelemetry(&TelemetrySample{}))
	l.Tick()
	sent := decodeSent(t, l, ft, 0)

	nack := NegativeAck{Sequence: sent.Sequence, Type: NackCorrupt}
	payload, err := nack.MarshalBinary()
	require.NoError(t, err)
	queuePeerFrame(t, l, ft, TypeNack, 9, payload, SignalInfo{RSSI: -90, SNR: 1})

	l.Tick()
	require.Len(t, ft.sent, 2)
	resent := decodeSent(t, l, ft, 1)
	assert.Equal(t, sent.Sequence, resent.Sequence)
	assert.Equal(t, uint8(1), resent.Header.RetryCount)
}

func TestLinkAckRetransmitRequest(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	require.NoError(t, l.SendTelemetry(&TelemetrySample{}))
	l.Tick()
	sent := decodeSent(t, l, ft, 0)

	queuePeerAck(t, l, ft, sent.Sequence, AckRetransmit, SignalInfo{RSSI: -90, SNR: 1})
	l.Tick()

	// Not delivered, sent again with the same sequence.
	assert.Equal(t, uint64(0), l.Stats().FramesDelivered)
	require.Len(t, ft.sent, 2)
	assert.Equal(t, sent.Sequence, decodeSent(t, l, ft, 1).Sequence)
}

func TestLinkSendFailureConsumesNoAttempt(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)
	ft.sendErr = errors.New("radio busy")

	require.NoError(t, l.SendStatus("hello"))
	l.Tick()
	assert.Empty(t, ft.sent)
	assert.Equal(t, uint64(0), l.Stats().FramesSent)
	assert.Equal(t, 1, l.QueueSize())

	ft.sendErr = nil
	l.Tick()
	require.Len(t, ft.sent, 1)
	assert.Equal(t, uint8(0), decodeSent(t, l, ft, 0).Header.RetryCount)
}

func TestLinkQueueFullDropsFrame(t *testing.T) {
	fakeClock(t)
	l, _ := testLink(t, func(cfg *Config) {
		cfg.QueueCapacity = 1
	})

	require.NoError(t, l.SendEmergency(&EmergencyAlert{Alert: AlertLowBattery}))
	err := l.SendEmergency(&EmergencyAlert{Alert: AlertLowBattery})
	assert.Equal(t, ErrQueueFull, errors.Cause(err))
	assert.Equal(t, uint64(1), l.Stats().QueueDrops)
}

func TestLinkEvictionCounted(t *testing.T) {
	fakeClock(t)
	l, _ := testLink(t, func(cfg *Config) {
		cfg.QueueCapacity = 1
	})

	require.NoError(t, l.SendStatus("one"))
	require.NoError(t, l.SendStatus("two"))
	assert.Equal(t, uint64(1), l.Stats().Evictions)
	assert.Equal(t, 1, l.QueueSize())
}

func TestLinkOversizedPayloadRejected(t *testing.T) {
	fakeClock(t)
	l, _ := testLink(t, nil)
	err := l.Send(TypeStatus, make([]byte, DefaultMaxPayload+1), PriorityStatus)
	assert.Equal(t, ErrPayloadTooLarge, errors.Cause(err))
}

func TestLinkPingAnsweredWithPong(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	queuePeerFrame(t, l, ft, TypePing, 33, []byte{0xAA}, SignalInfo{RSSI: -88, SNR: 2})
	l.Tick()

	require.Len(t, ft.sent, 1)
	pong := decodeSent(t, l, ft, 0)
	assert.Equal(t, TypePong, pong.Type)
	assert.Equal(t, []byte{0xAA}, pong.Payload)
	assert.Equal(t, uint64(1), l.Stats().FramesReceived)
}

func TestLinkAutoAck(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, func(cfg *Config) {
		cfg.AutoAck = true
	})

	queuePeerFrame(t, l, ft, TypeTelemetry, 77, []byte{1, 2, 3}, SignalInfo{RSSI: -95, SNR: -2})
	l.Tick()

	require.Len(t, ft.sent, 1)
	ackFrame := decodeSent(t, l, ft, 0)
	require.Equal(t, TypeAck, ackFrame.Type)
	ack := Acknowledgment{}
	require.NoError(t, ack.UnmarshalBinary(ackFrame.Payload))
	assert.Equal(t, uint16(77), ack.Sequence)
	assert.Equal(t, AckSuccess, ack.Type)
	assert.Equal(t, int8(-95), ack.RSSI)
	assert.Equal(t, int8(-2), ack.SNR)

	select {
	case f := <-l.Inbound():
		assert.Equal(t, TypeTelemetry, f.Type)
		assert.Equal(t, uint16(77), f.Sequence)
		assert.Equal(t, SignalInfo{RSSI: -95, SNR: -2}, f.Signal)
	default:
		t.Fatal("inbound frame not delivered")
	}
}

func TestLinkCorruptInboundCounted(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	good := &Frame{Header: Header{Version: ProtocolVersion}, Type: TypeStatus, Sequence: 5, Payload: []byte("ok")}
	data, err := l.codec.Encode(good)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	ft.queueInbound(data, SignalInfo{})
	ft.queueInbound([]byte{0x01, 0x02}, SignalInfo{})

	l.Tick()
	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.ChecksumErrors)
	assert.Equal(t, uint64(1), stats.ReceiveErrors)
	assert.Equal(t, uint64(0), stats.FramesReceived)
}

func TestLinkAdaptsSpreadingFactorFromAcks(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	require.NoError(t, l.SendTelemetry(&TelemetrySample{}))
	l.Tick()
	sent := decodeSent(t, l, ft, 0)

	// A strong reception report steps the spreading factor down; the new
	// setting reaches the radio before the next transmission.
	queuePeerAck(t, l, ft, sent.Sequence, AckSuccess, SignalInfo{RSSI: -60, SNR: 9})
	l.Tick()
	assert.Equal(t, 8, l.adapter.SpreadingFactor())

	require.NoError(t, l.SendTelemetry(&TelemetrySample{}))
	l.Tick()
	assert.Equal(t, 8, ft.sf)
}

func TestLinkAckRateHints(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	require.NoError(t, l.SendTelemetry(&TelemetrySample{}))
	l.Tick()
	sent := decodeSent(t, l, ft, 0)

	// A slow-down hint steps robustness up even though the frame is
	// delivered; the mid-range signal report leaves it there.
	queuePeerAck(t, l, ft, sent.Sequence, AckSlowDown, SignalInfo{RSSI: -95, SNR: 0})
	l.Tick()
	assert.Equal(t, 10, l.adapter.SpreadingFactor())
	assert.Equal(t, uint64(1), l.Stats().FramesDelivered)
}

func TestLinkAirtimeLimiter(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, func(cfg *Config) {
		cfg.AirtimeRate = 0.0001
		cfg.AirtimeBurst = 1
	})

	require.NoError(t, l.SendStatus("one"))
	require.NoError(t, l.SendStatus("two"))

	l.Tick()
	require.Len(t, ft.sent, 1)

	queuePeerAck(t, l, ft, decodeSent(t, l, ft, 0).Sequence, AckSuccess, SignalInfo{RSSI: -90, SNR: 0})
	l.Tick()
	l.Tick()
	// The second frame is held back by the duty-cycle budget.
	assert.Len(t, ft.sent, 1)
	assert.Equal(t, 1, l.QueueSize())
}

func TestLinkLowPowerMode(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	l.EnterLowPower()
	assert.Equal(t, 10, ft.power)

	require.NoError(t, l.SendStatus("low battery"))
	l.Tick()
	assert.Equal(t, l.cfg.SFCeiling, ft.sf)

	l.ExitLowPower()
	assert.Equal(t, l.cfg.TxPower, ft.power)
}

func TestLinkBatteryLevelStamped(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	l.SetBatteryLevel(374)
	require.NoError(t, l.SendTelemetry(&TelemetrySample{BatteryVolts: 3.74}))
	l.Tick()

	sent := decodeSent(t, l, ft, 0)
	assert.Equal(t, uint16(374), sent.Header.BatteryLevel)
	assert.Equal(t, uint32(1700000000), sent.Header.Timestamp)
}

func TestLinkSequenceNumbersIncrement(t *testing.T) {
	fakeClock(t)
	l, _ := testLink(t, nil)

	require.NoError(t, l.SendStatus("a"))
	require.NoError(t, l.SendStatus("b"))

	first := l.queue.lanes[PriorityStatus][0].Frame.Sequence
	second := l.queue.lanes[PriorityStatus][1].Frame.Sequence
	assert.Equal(t, first+1, second)
}

func TestLinkSendNack(t *testing.T) {
	fakeClock(t)
	l, ft := testLink(t, nil)

	require.NoError(t, l.SendNack(41, NackCorrupt))
	require.Len(t, ft.sent, 1)
	f := decodeSent(t, l, ft, 0)
	require.Equal(t, TypeNack, f.Type)
	nack := NegativeAck{}
	require.NoError(t, nack.UnmarshalBinary(f.Payload))
	assert.Equal(t, uint16(41), nack.Sequence)
	assert.Equal(t, NackCorrupt, nack.Type)
}

func TestLinkResetStats(t *testing.T) {
	fakeClock(t)
	l, _ := testLink(t, nil)
	require.NoError(t, l.SendStatus("x"))
	l.Tick()
	require.NotZero(t, l.Stats().FramesSent)
	l.ResetStats()
	assert.Equal(t, Stats{}, l.Stats())
}
