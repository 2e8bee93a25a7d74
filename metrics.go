package rdmamig

import (
	"sync/atomic"
	"time"
)

// Metrics tracks performance and operational statistics for a migration
// session
type Metrics struct {
	// RDMA write counters
	WritesPosted     atomic.Uint64 // total RDMA WRITEs posted
	WritesSignaled   atomic.Uint64 // WRITEs posted with a completion
	BytesWritten     atomic.Uint64 // bytes carried by RDMA WRITEs
	FlushedRanges    atomic.Uint64 // coalesced ranges flushed
	FlushedBytes     atomic.Uint64 // bytes in flushed ranges
	ZeroPagesSkipped atomic.Uint64 // pages skipped by the zero probe
	ZeroBytesSkipped atomic.Uint64

	// Control channel counters
	ControlSends     atomic.Uint64
	ControlSendBytes atomic.Uint64
	ControlRecvs     atomic.Uint64
	ControlRecvBytes atomic.Uint64

	// Registration counters
	Registrations atomic.Uint64 // memory regions registered

	// Session lifecycle
	StartTime atomic.Int64 // session start timestamp (UnixNano)
	StopTime  atomic.Int64 // session stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop marks the session as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters
type MetricsSnapshot struct {
	WritesPosted     uint64 `json:"writes_posted"`
	WritesSignaled   uint64 `json:"writes_signaled"`
	BytesWritten     uint64 `json:"bytes_written"`
	FlushedRanges    uint64 `json:"flushed_ranges"`
	FlushedBytes     uint64 `json:"flushed_bytes"`
	ZeroPagesSkipped uint64 `json:"zero_pages_skipped"`
	ZeroBytesSkipped uint64 `json:"zero_bytes_skipped"`
	ControlSends     uint64 `json:"control_sends"`
	ControlSendBytes uint64 `json:"control_send_bytes"`
	ControlRecvs     uint64 `json:"control_recvs"`
	ControlRecvBytes uint64 `json:"control_recv_bytes"`
	Registrations    uint64 `json:"registrations"`
	UptimeNs         int64  `json:"uptime_ns"`
}

// Snapshot returns a consistent-enough copy of the counters
func (m *Metrics) Snapshot() MetricsSnapshot {
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	return MetricsSnapshot{
		WritesPosted:     m.WritesPosted.Load(),
		WritesSignaled:   m.WritesSignaled.Load(),
		BytesWritten:     m.BytesWritten.Load(),
		FlushedRanges:    m.FlushedRanges.Load(),
		FlushedBytes:     m.FlushedBytes.Load(),
		ZeroPagesSkipped: m.ZeroPagesSkipped.Load(),
		ZeroBytesSkipped: m.ZeroBytesSkipped.Load(),
		ControlSends:     m.ControlSends.Load(),
		ControlSendBytes: m.ControlSendBytes.Load(),
		ControlRecvs:     m.ControlRecvs.Load(),
		ControlRecvBytes: m.ControlRecvBytes.Load(),
		Registrations:    m.Registrations.Load(),
		UptimeNs:         stop - m.StartTime.Load(),
	}
}

// Observer receives transport events for metrics collection.
type Observer interface {
	ObserveWrite(bytes uint64, signaled bool)
	ObserveFlush(bytes uint64)
	ObserveControlSend(msgType uint32, bytes uint64)
	ObserveControlRecv(msgType uint32, bytes uint64)
	ObserveRegistration(chunks int)
	ObserveZeroPage(bytes uint64)
}

// NoOpObserver discards all observations
type NoOpObserver struct{}

func (NoOpObserver) ObserveWrite(uint64, bool)         {}
func (NoOpObserver) ObserveFlush(uint64)               {}
func (NoOpObserver) ObserveControlSend(uint32, uint64) {}
func (NoOpObserver) ObserveControlRecv(uint32, uint64) {}
func (NoOpObserver) ObserveRegistration(int)           {}
func (NoOpObserver) ObserveZeroPage(uint64)            {}

// MetricsObserver feeds a Metrics instance
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver creates an observer backed by m
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, signaled bool) {
	o.m.WritesPosted.Add(1)
	o.m.BytesWritten.Add(bytes)
	if signaled {
		o.m.WritesSignaled.Add(1)
	}
}

func (o *MetricsObserver) ObserveFlush(bytes uint64) {
	o.m.FlushedRanges.Add(1)
	o.m.FlushedBytes.Add(bytes)
}

func (o *MetricsObserver) ObserveControlSend(msgType uint32, bytes uint64) {
	o.m.ControlSends.Add(1)
	o.m.ControlSendBytes.Add(bytes)
}

func (o *MetricsObserver) ObserveControlRecv(msgType uint32, bytes uint64) {
	o.m.ControlRecvs.Add(1)
	o.m.ControlRecvBytes.Add(bytes)
}

func (o *MetricsObserver) ObserveRegistration(chunks int) {
	o.m.Registrations.Add(uint64(chunks))
}

func (o *MetricsObserver) ObserveZeroPage(bytes uint64) {
	o.m.ZeroPagesSkipped.Add(1)
	o.m.ZeroBytesSkipped.Add(bytes)
}
