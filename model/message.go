package model

import (
	"net"
	"strconv"
	"time"
)

// Message priorities. Lower values are more urgent.
const (
	PriorityAlert     = 1
	PriorityTelemetry = 2
)

// Address is a datagram destination.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Message is a queued outbound datagram. Seq is assigned on enqueue and breaks
// priority ties in arrival order.
type Message struct {
	ID          string
	Priority    int
	Payload     string
	Destination Address
	Seq         uint64
	EnqueuedAt  time.Time
}

// Before reports whether m is ordered ahead of other in the dispatch queue.
func (m Message) Before(other Message) bool {
	if m.Priority != other.Priority {
		return m.Priority < other.Priority
	}
	return m.Seq < other.Seq
}
