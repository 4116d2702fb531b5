package sleeplock

import (
	"testing"
	"time"

	"mem"
	"proc"
)

func TestAcquireReleaseHandoff(t *testing.T) {
	proc.ResetTableForTests()
	phys := mem.NewPhysmem(64)
	go proc.Scheduler(0)

	l := Mksleeplock("test")

	first, err := proc.Allocproc(phys, 0)
	if err != 0 {
		t.Fatalf("Allocproc first: %v", err)
	}
	second, err := proc.Allocproc(phys, 0)
	if err != 0 {
		t.Fatalf("Allocproc second: %v", err)
	}
	proc.SetInitProc(first)

	order := make(chan string, 2)
	gotFirst := make(chan struct{})

	first.Start(0, func(p *proc.Proc_t) {
		Acquiresleep(l, p)
		order <- "first-acquired"
		close(gotFirst)
		time.Sleep(20 * time.Millisecond)
		Releasesleep(l, p)
	})

	second.Start(0, func(p *proc.Proc_t) {
		<-gotFirst
		Acquiresleep(l, p)
		order <- "second-acquired"
		Releasesleep(l, p)
	})

	got := []string{<-order, <-order}
	if got[0] != "first-acquired" || got[1] != "second-acquired" {
		t.Fatalf("lock handoff out of order: %v", got)
	}
}
