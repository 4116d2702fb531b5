package stats

import (
	"bytes"
	"testing"

	"mem"
	"proc"
)

func TestCollectSkipsUnusedSlots(t *testing.T) {
	proc.ResetTableForTests()
	phys := mem.NewPhysmem(64)

	p, err := proc.Allocproc(phys, 0)
	if err != 0 {
		t.Fatalf("Allocproc: %v", err)
	}
	p.Name = "worker"

	samples := Collect()
	if len(samples) != 1 {
		t.Fatalf("Collect returned %d samples, want 1", len(samples))
	}
	if samples[0].Pid != p.Pid || samples[0].Name != "worker" {
		t.Fatalf("unexpected sample: %+v", samples[0])
	}
}

func TestExportProducesOneSampleAndLocationPerProcess(t *testing.T) {
	samples := []Sample{
		{Pid: 1, Name: "init", Userns: 100, Sysns: 50},
		{Pid: 2, Name: "worker", Userns: 200, Sysns: 10},
	}
	prof := Export(samples)

	if len(prof.Sample) != len(samples) {
		t.Fatalf("len(Sample) = %d, want %d", len(prof.Sample), len(samples))
	}
	if len(prof.Location) != len(samples) || len(prof.Function) != len(samples) {
		t.Fatalf("expected one Location/Function per sample")
	}
	for i, s := range prof.Sample {
		if len(s.Value) != 2 || s.Value[0] != samples[i].Userns || s.Value[1] != samples[i].Sysns {
			t.Fatalf("sample %d values = %v, want [%d %d]", i, s.Value, samples[i].Userns, samples[i].Sysns)
		}
	}
}

func TestWriteToProducesNonemptyOutput(t *testing.T) {
	samples := []Sample{{Pid: 7, Name: "init", Userns: 1, Sysns: 2}}
	var buf bytes.Buffer
	if err := WriteTo(&buf, samples); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("WriteTo wrote no bytes")
	}
}
