package skylink

// Transport is the physical radio boundary. Implementations send raw frame
// bytes, poll for inbound bytes with their signal metadata, and apply the
// parameters the link adaptation recommends. Calls are expected to return
// within a bounded time; the engine never waits on them across ticks.
type Transport interface {
	// Send transmits one encoded frame.
	Send(data []byte) error
	// TryReceive polls for a pending inbound frame. A nil data slice with
	// a nil error means nothing is pending.
	TryReceive() (data []byte, sig SignalInfo, err error)
	SetSpreadingFactor(sf int) error
	SetTxPower(dbm int) error
}

// Forwarder delivers decoded reports to an upstream consumer on the
// ground side.
type Forwarder interface {
	Forward(sample *TelemetrySample) error
	ForwardPosition(fix *PositionFix) error
}
