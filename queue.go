package skylink

import (
	"time"
)

// Priority is the scheduling class of an outgoing frame. Lower values are
// serviced first; a non-empty higher lane always wins regardless of age.
type Priority uint8

const (
	PriorityEmergency Priority = iota
	PriorityPosition
	PriorityTelemetry
	PriorityImage
	PriorityStatus
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "emergency"
	case PriorityPosition:
		return "position"
	case PriorityTelemetry:
		return "telemetry"
	case PriorityImage:
		return "image"
	case PriorityStatus:
		return "status"
	}
	return "unknown"
}

// DefaultQueueCapacity is the per-lane frame limit.
const DefaultQueueCapacity = 10

// QueuedFrame is a frame plus its scheduling state. It is owned by the
// queue until removed on ack, resend or retry exhaustion.
type QueuedFrame struct {
	Frame            *Frame
	Priority         Priority
	EnqueueTime      time.Time
	TransmitAttempts int
	LastTransmitTime time.Time
	AwaitingAck      bool
}

// EnqueueResult reports how an insertion was satisfied.
type EnqueueResult int

const (
	EnqueueAccepted EnqueueResult = iota
	// EnqueueEvicted: accepted, but the lane was full and its oldest
	// frame was dropped to make room.
	EnqueueEvicted
	EnqueueRejected
)

// TxQueue holds not-yet-delivered outgoing frames in five bounded FIFO
// lanes. It is not safe for concurrent use; the Link serializes access.
type TxQueue struct {
	capacity int
	lanes    [numPriorities][]*QueuedFrame
}

func NewTxQueue(capacityPerLane int) *TxQueue {
	if capacityPerLane <= 0 {
		capacityPerLane = DefaultQueueCapacity
	}
	return &TxQueue{capacity: capacityPerLane}
}

// Enqueue inserts at the tail of the priority's lane. A full lane evicts
// its own oldest entry, keeping every lane at or below capacity; Emergency
// entries are never evicted, so an insert into a full Emergency lane is
// rejected. Other lanes are never touched on an overflow.
func (q *TxQueue) Enqueue(f *Frame, p Priority, now time.Time) EnqueueResult {
	if p >= numPriorities {
		p = PriorityStatus
	}
	result := EnqueueAccepted
	if len(q.lanes[p]) >= q.capacity {
		if p == PriorityEmergency {
			return EnqueueRejected
		}
		q.lanes[p] = q.lanes[p][1:]
		result = EnqueueEvicted
	}
	q.lanes[p] = append(q.lanes[p], &QueuedFrame{
		Frame:       f,
		Priority:    p,
		EnqueueTime: now,
	})
	return result
}

// NextReady returns the head of the first non-empty lane in priority order
// without removing it, or nil when the queue is empty.
func (q *TxQueue) NextReady() *QueuedFrame {
	for lane := 0; lane < int(numPriorities); lane++ {
		if len(q.lanes[lane]) > 0 {
			return q.lanes[lane][0]
		}
	}
	return nil
}

// Remove deletes the entry with the given sequence number. It is a no-op
// when no such entry exists.
func (q *TxQueue) Remove(sequence uint16) bool {
	for lane := 0; lane < int(numPriorities); lane++ {
		for i, qf := range q.lanes[lane] {
			if qf.Frame.Sequence == sequence {
				q.lanes[lane] = append(q.lanes[lane][:i], q.lanes[lane][i+1:]...)
				return true
			}
		}
	}
	return false
}

// FindAwaiting returns the queued frame with the given sequence number that
// is waiting for an acknowledgment, or nil.
func (q *TxQueue) FindAwaiting(sequence uint16) *QueuedFrame {
	for lane := 0; lane < int(numPriorities); lane++ {
		for _, qf := range q.lanes[lane] {
			if qf.Frame.Sequence == sequence && qf.AwaitingAck {
				return qf
			}
		}
	}
	return nil
}

// Contains reports whether a frame with the sequence number is queued.
func (q *TxQueue) Contains(sequence uint16) bool {
	for lane := 0; lane < int(numPriorities); lane++ {
		for _, qf := range q.lanes[lane] {
			if qf.Frame.Sequence == sequence {
				return true
			}
		}
	}
	return false
}

// Size returns the total occupancy across all lanes.
func (q *TxQueue) Size() int {
	total := 0
	for lane := 0; lane < int(numPriorities); lane++ {
		total += len(q.lanes[lane])
	}
	return total
}

// SizeByPriority returns the occupancy of one lane.
func (q *TxQueue) SizeByPriority(p Priority) int {
	if p >= numPriorities {
		return 0
	}
	return len(q.lanes[p])
}

// Clear drops every queued frame.
func (q *TxQueue) Clear() {
	for lane := 0; lane < int(numPriorities); lane++ {
		q.lanes[lane] = nil
	}
}
