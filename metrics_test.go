package rdmamig

import (
	"testing"
)

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveWrite(4096, false)
	o.ObserveWrite(8192, true)
	o.ObserveFlush(12288)
	o.ObserveControlSend(2, 100)
	o.ObserveControlRecv(1, 0)
	o.ObserveRegistration(3)
	o.ObserveZeroPage(4096)

	s := m.Snapshot()
	if s.WritesPosted != 2 {
		t.Errorf("WritesPosted = %d, want 2", s.WritesPosted)
	}
	if s.WritesSignaled != 1 {
		t.Errorf("WritesSignaled = %d, want 1", s.WritesSignaled)
	}
	if s.BytesWritten != 12288 {
		t.Errorf("BytesWritten = %d, want 12288", s.BytesWritten)
	}
	if s.FlushedRanges != 1 || s.FlushedBytes != 12288 {
		t.Errorf("flush counters = %d/%d", s.FlushedRanges, s.FlushedBytes)
	}
	if s.ControlSends != 1 || s.ControlRecvs != 1 {
		t.Errorf("control counters = %d/%d", s.ControlSends, s.ControlRecvs)
	}
	if s.Registrations != 3 {
		t.Errorf("Registrations = %d, want 3", s.Registrations)
	}
	if s.ZeroPagesSkipped != 1 || s.ZeroBytesSkipped != 4096 {
		t.Errorf("zero page counters = %d/%d", s.ZeroPagesSkipped, s.ZeroBytesSkipped)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	s1 := m.Snapshot()
	if s1.UptimeNs < 0 {
		t.Errorf("uptime negative: %d", s1.UptimeNs)
	}
	m.Stop()
	s2 := m.Snapshot()
	s3 := m.Snapshot()
	if s2.UptimeNs != s3.UptimeNs {
		t.Error("uptime should freeze after Stop")
	}
}

func TestNoOpObserver(t *testing.T) {
	// Must be safe to call with anything.
	var o NoOpObserver
	o.ObserveWrite(1, true)
	o.ObserveFlush(1)
	o.ObserveControlSend(0, 0)
	o.ObserveControlRecv(0, 0)
	o.ObserveRegistration(0)
	o.ObserveZeroPage(0)
}
