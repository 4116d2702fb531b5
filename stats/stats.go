// Package stats exports the kernel's per-process CPU accounting as a
// pprof profile, so the accumulated user/system time every
// proc.Proc_t carries in its accnt.Accnt_t can be inspected with
// standard pprof tooling instead of a kernel-specific dump format.
package stats

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"

	"proc"
)

// Sample is one process's accounting snapshot, the input Export turns
// into a pprof sample.
type Sample struct {
	Pid    int
	Name   string
	Userns int64
	Sysns  int64
}

// Collect snapshots every live process's Accnt_t. Proc_t.Pid==0 marks
// an unused table slot (Wait's reaping convention) and is skipped.
func Collect() []Sample {
	var out []Sample
	for _, p := range proc.Table() {
		if p == nil || p.Pid == 0 {
			continue
		}
		userns, sysns := p.Accnt.Snapshot()
		out = append(out, Sample{Pid: p.Pid, Name: p.Name, Userns: userns, Sysns: sysns})
	}
	return out
}

// userSystemTypes are the two measurements every sample in the
// exported profile carries, in that fixed order.
var userSystemTypes = []*profile.ValueType{
	{Type: "user", Unit: "nanoseconds"},
	{Type: "system", Unit: "nanoseconds"},
}

// Export builds a pprof profile.Profile from samples, one pprof
// Sample per process labeled by pid and name; there is no call stack
// to attribute time to, so each sample carries a single synthetic
// Location/Function named after the process.
func Export(samples []Sample) *profile.Profile {
	p := &profile.Profile{
		SampleType:        userSystemTypes,
		DefaultSampleType: "user",
		TimeNanos:         0,
	}

	for i, s := range samples {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: s.Name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Userns, s.Sysns},
			Label:    map[string][]string{"pid": {strconv.Itoa(s.Pid)}},
		})
	}
	return p
}

// WriteTo encodes samples as a gzip-compressed pprof profile onto w,
// the format `go tool pprof` and every pprof-consuming dashboard in
// the ecosystem already understand.
func WriteTo(w io.Writer, samples []Sample) error {
	return Export(samples).Write(w)
}
