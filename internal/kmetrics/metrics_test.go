package kmetrics

import "testing"

func TestRecordReadWrite(t *testing.T) {
	c := New()
	c.RecordRead(4096, 5_000, true)
	c.RecordWrite(512, 2_000_000, false)

	snap := c.Snapshot()
	if snap.ReadOps != 1 || snap.ReadBytes != 4096 {
		t.Fatalf("unexpected read stats: %+v", snap)
	}
	if snap.WriteOps != 1 || snap.WriteErrors != 1 || snap.WriteBytes != 0 {
		t.Fatalf("unexpected write stats: %+v", snap)
	}
	if snap.AvgLatencyNs <= 0 {
		t.Fatalf("expected positive average latency, got %v", snap.AvgLatencyNs)
	}
}

func TestLatencyBucketing(t *testing.T) {
	c := New()
	c.RecordRead(1, 500, true) // falls in the 1us bucket
	if c.Latency[0].Load() != 1 {
		t.Fatalf("expected bucket 0 to have 1 sample, got %d", c.Latency[0].Load())
	}
}
