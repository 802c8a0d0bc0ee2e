package skylink

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// timeNow is a seam for tests.
var timeNow = time.Now

// ErrQueueFull is returned by Send when the Emergency lane is full; other
// lanes make room by dropping their oldest frame.
var ErrQueueFull = errors.New("transmission queue full")

const inboundBufferSize = 16

// Link drives frames from the priority queue through the transport one at a
// time, tracks acknowledgment state with graduated retry backoff, and feeds
// signal-quality samples into the adaptation controller. All state is
// mutated under a single mutex so Send may be called from any goroutine
// while the tick loop runs.
type Link struct {
	mu        sync.Mutex
	cfg       Config
	codec     Codec
	transport Transport
	queue     *TxQueue
	adapter   *Adapter
	stats     Stats

	nextSeq   uint16
	appliedSF int
	battery   uint16
	lowPower  bool
	limiter   *rate.Limiter
	backoff   []time.Duration

	inbound chan *Frame
}

func NewLink(cfg Config, t Transport) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Link{
		cfg:       cfg,
		codec:     NewCodec(cfg.MaxPayload),
		transport: t,
		queue:     NewTxQueue(cfg.QueueCapacity),
		adapter:   NewAdapter(cfg.adaptConfig()),
		appliedSF: cfg.InitialSF,
		backoff:   cfg.backoff(),
		inbound:   make(chan *Frame, inboundBufferSize),
	}
	// Random starting sequence reduces boot-time collisions with frames
	// from a previous run still in flight.
	l.nextSeq = uint16(rand.New(rand.NewSource(timeNow().UnixNano())).Intn(0x10000))
	if cfg.AirtimeRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AirtimeRate), cfg.AirtimeBurst)
	}
	return l, nil
}

// Inbound is the stream of decoded application frames (everything that is
// not an ack, nack or ping). The channel is buffered; frames are dropped
// with a warning if the application falls behind.
func (l *Link) Inbound() <-chan *Frame {
	return l.inbound
}

// SetBatteryLevel updates the battery reading stamped into outgoing frame
// headers, in volts scaled by 100.
func (l *Link) SetBatteryLevel(centivolts uint16) {
	l.mu.Lock()
	l.battery = centivolts
	l.mu.Unlock()
}

// Send frames a payload and enqueues it at the given priority. The frame's
// sequence number is assigned here.
func (l *Link) Send(t MessageType, payload []byte, p Priority) error {
	if len(payload) > l.codec.MaxPayload {
		return errors.Wrapf(ErrPayloadTooLarge, "%d > %d", len(payload), l.codec.MaxPayload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.newFrame(t, payload)
	switch l.queue.Enqueue(f, p, timeNow()) {
	case EnqueueRejected:
		l.stats.QueueDrops++
		log.WithField("type", t).WithField("priority", p).Warn("queue full, frame dropped")
		return ErrQueueFull
	case EnqueueEvicted:
		l.stats.Evictions++
		log.WithField("type", t).WithField("priority", p).Debug("evicted older frame to make room")
	}
	return nil
}

func (l *Link) SendTelemetry(s *TelemetrySample) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return l.Send(TypeTelemetry, b, PriorityTelemetry)
}

func (l *Link) SendPosition(p *PositionFix) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return l.Send(TypePosition, b, PriorityPosition)
}

func (l *Link) SendCameraInfo(c *CameraInfo) error {
	b, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	t := TypeImageFull
	if c.Thumbnail != 0 {
		t = TypeImageThumb
	}
	return l.Send(t, b, PriorityImage)
}

func (l *Link) SendStatus(text string) error {
	s := StatusReport{Text: text}
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return l.Send(TypeStatus, b, PriorityStatus)
}

func (l *Link) SendEmergency(a *EmergencyAlert) error {
	b, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	return l.Send(TypeEmergency, b, PriorityEmergency)
}

func (l *Link) SendPing() error {
	return l.Send(TypePing, nil, PriorityStatus)
}

// newFrame must be called with l.mu held.
func (l *Link) newFrame(t MessageType, payload []byte) *Frame {
	f := &Frame{
		Header: Header{
			Version:      l.cfg.ProtocolVersion,
			DeviceID:     l.cfg.DeviceID,
			Timestamp:    uint32(timeNow().Unix()),
			BatteryLevel: l.battery,
			RSSIAvg:      l.adapter.AverageRSSI(),
			SNRAvg:       l.adapter.AverageSNR(),
		},
		Type:     t,
		Sequence: l.nextSeq,
		Payload:  payload,
	}
	l.nextSeq++ // wraps modulo 65536
	return f
}

// Tick is one scheduling opportunity: process pending inbound bytes, then
// transmit at most one frame, matching the half-duplex link.
func (l *Link) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pollInbound()

	qf := l.queue.NextReady()
	if qf == nil {
		return
	}
	now := timeNow()

	if qf.AwaitingAck {
		if now.Sub(qf.LastTransmitTime) < l.ackTimeout(qf.TransmitAttempts) {
			return // link busy waiting for the ack
		}
		l.stats.AckTimeouts++
		if qf.TransmitAttempts >= l.cfg.MaxRetries {
			l.queue.Remove(qf.Frame.Sequence)
			l.stats.TransmitFailures++
			log.WithField("seq", qf.Frame.Sequence).
				WithField("attempts", qf.TransmitAttempts).
				Warn("retries exhausted, frame dropped")
			return
		}
		qf.AwaitingAck = false
		log.WithField("seq", qf.Frame.Sequence).
			WithField("attempt", qf.TransmitAttempts).
			Debug("ack timeout, frame requeued")
		return
	}

	if l.limiter != nil && !l.limiter.Allow() {
		return // over the airtime budget, try again next tick
	}

	l.applyRadioSettings()

	data, err := l.encodeAttempt(qf)
	if err != nil {
		// Payload was validated at enqueue time, so this frame can
		// never transmit; drop it rather than wedge the lane.
		l.queue.Remove(qf.Frame.Sequence)
		l.stats.TransmitFailures++
		log.WithField("seq", qf.Frame.Sequence).Errorf("unable to encode frame: %v", err)
		return
	}
	if err := l.transport.Send(data); err != nil {
		// Left queued untouched; the next tick retries without
		// consuming an attempt.
		log.WithField("seq", qf.Frame.Sequence).Warnf("transmit failed: %v", err)
		return
	}
	qf.AwaitingAck = true
	qf.LastTransmitTime = now
	qf.TransmitAttempts++
	l.stats.FramesSent++
}

// ackTimeout returns the graduated per-attempt timeout; the final schedule
// entry repeats for attempts past the end.
func (l *Link) ackTimeout(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(l.backoff) {
		idx = len(l.backoff) - 1
	}
	return l.backoff[idx]
}

// encodeAttempt re-derives the frame bytes with the retry count of this
// attempt; the queued Frame itself is never mutated after its first encode.
func (l *Link) encodeAttempt(qf *QueuedFrame) ([]byte, error) {
	f := *qf.Frame
	f.Header.RetryCount = uint8(qf.TransmitAttempts)
	f.Header.RSSIAvg = l.adapter.AverageRSSI()
	f.Header.SNRAvg = l.adapter.AverageSNR()
	return l.codec.Encode(&f)
}

func (l *Link) applyRadioSettings() {
	want := l.adapter.SpreadingFactor()
	if l.lowPower {
		want = l.cfg.SFCeiling
	}
	if want == l.appliedSF {
		return
	}
	if err := l.transport.SetSpreadingFactor(want); err != nil {
		log.Warnf("unable to set spreading factor %d: %v", want, err)
		return
	}
	l.appliedSF = want
}

func (l *Link) pollInbound() {
	for {
		data, sig, err := l.transport.TryReceive()
		if err != nil {
			log.Warnf("receive failed: %v", err)
			return
		}
		if data == nil {
			return
		}
		l.handleInbound(data, sig)
	}
}

func (l *Link) handleInbound(data []byte, sig SignalInfo) {
	f, err := l.codec.Decode(data)
	if err != nil {
		if errors.Cause(err) == ErrChecksumMismatch {
			l.stats.ChecksumErrors++
		} else {
			l.stats.ReceiveErrors++
		}
		log.Debugf("dropping inbound frame: %v", err)
		return
	}
	f.Signal = sig
	l.stats.FramesReceived++
	l.adapter.RecordSample(sig.RSSI, sig.SNR)

	switch f.Type {
	case TypeAck:
		l.handleAck(f)
	case TypeNack:
		l.handleNack(f)
	case TypePing:
		// Answer with the same payload so the far end can correlate.
		pong := l.newFrame(TypePong, f.Payload)
		if l.queue.Enqueue(pong, PriorityStatus, timeNow()) == EnqueueRejected {
			l.stats.QueueDrops++
		}
	default:
		if l.cfg.AutoAck {
			l.transmitAck(f.Sequence, AckSuccess, sig)
		}
		select {
		case l.inbound <- f:
		default:
			log.WithField("type", f.Type).Warn("inbound channel full, frame dropped")
		}
	}
}

func (l *Link) handleAck(f *Frame) {
	var ack Acknowledgment
	if err := ack.UnmarshalBinary(f.Payload); err != nil {
		l.stats.ReceiveErrors++
		log.Debugf("malformed ack: %v", err)
		return
	}
	qf := l.queue.FindAwaiting(ack.Sequence)
	if qf == nil {
		log.WithField("seq", ack.Sequence).Debug("ack for unknown frame")
		return
	}
	switch ack.Type {
	case AckRetransmit:
		qf.AwaitingAck = false
		return
	case AckSlowDown:
		l.adapter.StepUp()
	case AckSpeedUp:
		l.adapter.StepDown()
	}
	l.queue.Remove(ack.Sequence)
	l.stats.FramesDelivered++
	// The ack carries the receiver's readings for our transmission; that
	// is the signal quality that matters for adaptation.
	l.adapter.Adapt(ack.RSSI, ack.SNR)
	log.WithField("seq", ack.Sequence).Debug("frame acknowledged")
}

func (l *Link) handleNack(f *Frame) {
	var nack NegativeAck
	if err := nack.UnmarshalBinary(f.Payload); err != nil {
		l.stats.ReceiveErrors++
		log.Debugf("malformed nack: %v", err)
		return
	}
	qf := l.queue.FindAwaiting(nack.Sequence)
	if qf == nil {
		log.WithField("seq", nack.Sequence).Debug("nack for unknown frame")
		return
	}
	qf.AwaitingAck = false
	log.WithField("seq", nack.Sequence).
		WithField("reason", nack.Type).
		Debug("nack received, frame requeued")
}

// transmitAck sends an acknowledgment immediately, bypassing the queue.
// Control frames are small and must not contend with data traffic.
func (l *Link) transmitAck(sequence uint16, t AckType, sig SignalInfo) {
	ack := Acknowledgment{Sequence: sequence, Type: t, RSSI: sig.RSSI, SNR: sig.SNR}
	payload, err := ack.MarshalBinary()
	if err != nil {
		return
	}
	f := l.newFrame(TypeAck, payload)
	data, err := l.codec.Encode(f)
	if err != nil {
		return
	}
	if err := l.transport.Send(data); err != nil {
		log.Warnf("unable to transmit ack for %d: %v", sequence, err)
		return
	}
	l.stats.FramesSent++
}

// SendNack asks the far end to retransmit a specific sequence number.
func (l *Link) SendNack(sequence uint16, t NackType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	nack := NegativeAck{Sequence: sequence, Type: t}
	payload, err := nack.MarshalBinary()
	if err != nil {
		return err
	}
	f := l.newFrame(TypeNack, payload)
	data, err := l.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := l.transport.Send(data); err != nil {
		return errors.Wrapf(err, "unable to transmit nack for %d", sequence)
	}
	l.stats.FramesSent++
	return nil
}

// EnterLowPower clamps transmit power down and the spreading factor to the
// ceiling until ExitLowPower restores the configured settings.
func (l *Link) EnterLowPower() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lowPower {
		return
	}
	l.lowPower = true
	if err := l.transport.SetTxPower(10); err != nil {
		log.Warnf("unable to reduce tx power: %v", err)
	}
	log.Info("entering low power mode")
}

func (l *Link) ExitLowPower() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.lowPower {
		return
	}
	l.lowPower = false
	if err := l.transport.SetTxPower(l.cfg.TxPower); err != nil {
		log.Warnf("unable to restore tx power: %v", err)
	}
	log.Info("exiting low power mode")
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// ResetStats zeroes all counters.
func (l *Link) ResetStats() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = Stats{}
}

// QueueDepth returns one lane's occupancy.
func (l *Link) QueueDepth(p Priority) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.SizeByPriority(p)
}

// QueueSize returns the total queued frame count.
func (l *Link) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Size()
}

// ClearQueue drops every queued frame.
func (l *Link) ClearQueue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue.Clear()
}

// Run ticks the link until the context is canceled.
func (l *Link) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick()
		}
	}
}
