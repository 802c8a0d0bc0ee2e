package skylink

import (
	"github.com/prometheus/client_golang/prometheus"
)

// linkCollector exports the link counters and queue depths without the
// engine having to know about metric registries.
type linkCollector struct {
	link *Link

	framesSent       *prometheus.Desc
	framesReceived   *prometheus.Desc
	framesDelivered  *prometheus.Desc
	receiveErrors    *prometheus.Desc
	checksumErrors   *prometheus.Desc
	ackTimeouts      *prometheus.Desc
	transmitFailures *prometheus.Desc
	queueDrops       *prometheus.Desc
	evictions        *prometheus.Desc
	queueDepth       *prometheus.Desc
}

// NewMetricsCollector returns a prometheus collector for the link.
func NewMetricsCollector(l *Link) prometheus.Collector {
	return &linkCollector{
		link: l,
		framesSent: prometheus.NewDesc("skylink_frames_sent_total",
			"Frames handed to the radio transport.", nil, nil),
		framesReceived: prometheus.NewDesc("skylink_frames_received_total",
			"Valid frames decoded from the radio.", nil, nil),
		framesDelivered: prometheus.NewDesc("skylink_frames_delivered_total",
			"Frames confirmed by acknowledgment.", nil, nil),
		receiveErrors: prometheus.NewDesc("skylink_receive_errors_total",
			"Malformed inbound frames dropped at parse time.", nil, nil),
		checksumErrors: prometheus.NewDesc("skylink_checksum_errors_total",
			"Inbound frames dropped on CRC mismatch.", nil, nil),
		ackTimeouts: prometheus.NewDesc("skylink_ack_timeouts_total",
			"Transmissions that timed out waiting for an ack.", nil, nil),
		transmitFailures: prometheus.NewDesc("skylink_transmit_failures_total",
			"Frames dropped after retry exhaustion.", nil, nil),
		queueDrops: prometheus.NewDesc("skylink_queue_drops_total",
			"Frames rejected because no queue slot could be freed.", nil, nil),
		evictions: prometheus.NewDesc("skylink_queue_evictions_total",
			"Lower-value frames evicted to admit new traffic.", nil, nil),
		queueDepth: prometheus.NewDesc("skylink_queue_depth",
			"Current queued frames per priority lane.", []string{"priority"}, nil),
	}
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesSent
	ch <- c.framesReceived
	ch <- c.framesDelivered
	ch <- c.receiveErrors
	ch <- c.checksumErrors
	ch <- c.ackTimeouts
	ch <- c.transmitFailures
	ch <- c.queueDrops
	ch <- c.evictions
	ch <- c.queueDepth
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.link.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.framesSent, s.FramesSent)
	counter(c.framesReceived, s.FramesReceived)
	counter(c.framesDelivered, s.FramesDelivered)
	counter(c.receiveErrors, s.ReceiveErrors)
	counter(c.checksumErrors, s.ChecksumErrors)
	counter(c.ackTimeouts, s.AckTimeouts)
	counter(c.transmitFailures, s.TransmitFailures)
	counter(c.queueDrops, s.QueueDrops)
	counter(c.evictions, s.Evictions)

	for p := PriorityEmergency; p < numPriorities; p++ {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
			float64(c.link.QueueDepth(p)), p.String())
	}
}
