// Package kmetrics provides atomic performance counters shared by the
// perf-sensitive subsystems (the HD request queue, TCP), mirroring the
// teacher's metrics.go.
package kmetrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are histogram boundaries in nanoseconds, log-spaced
// from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Counters tracks operation counts, bytes, errors and latency for a
// subsystem instance (one HDQ, one TCP socket, ...).
type Counters struct {
	ReadOps, WriteOps, OtherOps       atomic.Uint64
	ReadBytes, WriteBytes             atomic.Uint64
	ReadErrors, WriteErrors, OtherErr atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	Latency        [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// New creates a zeroed Counters instance stamped with the current time.
func New() *Counters {
	c := &Counters{}
	c.StartTime.Store(time.Now().UnixNano())
	return c
}

func (c *Counters) recordLatency(ns uint64) {
	c.TotalLatencyNs.Add(ns)
	c.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			c.Latency[i].Add(1)
			return
		}
	}
}

// RecordRead records a completed read operation.
func (c *Counters) RecordRead(n uint64, latencyNs uint64, ok bool) {
	c.ReadOps.Add(1)
	if ok {
		c.ReadBytes.Add(n)
	} else {
		c.ReadErrors.Add(1)
	}
	c.recordLatency(latencyNs)
}

// RecordWrite records a completed write operation.
func (c *Counters) RecordWrite(n uint64, latencyNs uint64, ok bool) {
	c.WriteOps.Add(1)
	if ok {
		c.WriteBytes.Add(n)
	} else {
		c.WriteErrors.Add(1)
	}
	c.recordLatency(latencyNs)
}

// RecordOther records a miscellaneous operation (flush, discard, ...).
func (c *Counters) RecordOther(latencyNs uint64, ok bool) {
	c.OtherOps.Add(1)
	if !ok {
		c.OtherErr.Add(1)
	}
	c.recordLatency(latencyNs)
}

// Snapshot is a point-in-time copy of Counters safe to read without races.
type Snapshot struct {
	ReadOps, WriteOps, OtherOps       uint64
	ReadBytes, WriteBytes             uint64
	ReadErrors, WriteErrors, OtherErr uint64
	AvgLatencyNs                      float64
	UptimeNs                          int64
}

// Snapshot takes a consistent-enough point-in-time reading.
func (c *Counters) Snapshot() Snapshot {
	ops := c.OpCount.Load()
	total := c.TotalLatencyNs.Load()
	var avg float64
	if ops > 0 {
		avg = float64(total) / float64(ops)
	}
	return Snapshot{
		ReadOps:    c.ReadOps.Load(),
		WriteOps:   c.WriteOps.Load(),
		OtherOps:   c.OtherOps.Load(),
		ReadBytes:  c.ReadBytes.Load(),
		WriteBytes: c.WriteBytes.Load(),
		ReadErrors: c.ReadErrors.Load(),
		WriteErrors: c.WriteErrors.Load(),
		OtherErr:    c.OtherErr.Load(),
		AvgLatencyNs: avg,
		UptimeNs:     time.Now().UnixNano() - c.StartTime.Load(),
	}
}

// Observer receives per-operation measurements as they complete. Nil
// Observer is valid everywhere it is accepted (no-op).
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, ok bool)
	ObserveWrite(bytes uint64, latencyNs uint64, ok bool)
	ObserveOther(latencyNs uint64, ok bool)
}

// CountersObserver adapts Counters to the Observer interface.
type CountersObserver struct{ C *Counters }

func (o *CountersObserver) ObserveRead(n, ns uint64, ok bool)  { o.C.RecordRead(n, ns, ok) }
func (o *CountersObserver) ObserveWrite(n, ns uint64, ok bool) { o.C.RecordWrite(n, ns, ok) }
func (o *CountersObserver) ObserveOther(ns uint64, ok bool)    { o.C.RecordOther(ns, ok) }
