package skylink

// Stats are the link's monotonic counters. They reset only on explicit
// request and otherwise only wrap at the natural width of uint64.
type Stats struct {
	FramesSent       uint64
	FramesReceived   uint64
	FramesDelivered  uint64
	ReceiveErrors    uint64
	ChecksumErrors   uint64
	AckTimeouts      uint64
	TransmitFailures uint64
	QueueDrops       uint64
	Evictions        uint64
}
