package tunnel

import "sync/atomic"

// Stats is the statistics view spec.md §4.4 requires from stats():
// lost = expected - received, derived from the gap between the highest
// transport counter observed and the number of packets actually delivered.
type Stats struct {
	Lost               uint64
	ReceivedUnexpected uint64
	Received           uint64
	Duplicate          uint64
	NoiseProto         bool
}

type statCounters struct {
	received           atomic.Uint64
	receivedUnexpected atomic.Uint64
	duplicate          atomic.Uint64
	highestCounter     atomic.Uint64
	highestSeen        atomic.Bool
}

func (c *statCounters) recordDelivered(counter uint64) {
	c.received.Add(1)
	for {
		cur := c.highestCounter.Load()
		if c.highestSeen.Load() && counter <= cur {
			return
		}
		if c.highestCounter.CompareAndSwap(cur, counter) {
			c.highestSeen.Store(true)
			return
		}
	}
}

func (c *statCounters) recordDuplicate()  { c.duplicate.Add(1) }
func (c *statCounters) recordUnexpected() { c.receivedUnexpected.Add(1) }

func (c *statCounters) snapshot() Stats {
	received := c.received.Load()
	highest := c.highestCounter.Load()
	var lost uint64
	if c.highestSeen.Load() && highest+1 > received {
		lost = highest + 1 - received
	}
	return Stats{
		Lost:               lost,
		ReceivedUnexpected: c.receivedUnexpected.Load(),
		Received:           received,
		Duplicate:          c.duplicate.Load(),
		NoiseProto:         true,
	}
}
