package pprof

import (
	"io"
	"time"

	"github.com/VladMinzatu/backtrace/internal/profiler"
	"github.com/VladMinzatu/backtrace/internal/symbolizer"
	"github.com/google/pprof/profile"
)

func BuildPprofProfile(samples []profiler.Sample, sampleTypeName, sampleTypeUnit string) (*profile.Profile, error) {
	if len(samples) == 0 {
		p := &profile.Profile{}
		return p, nil
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}},
		PeriodType: &profile.ValueType{Type: sampleTypeName, Unit: sampleTypeUnit},
		Period:     1,
	}

	funcs := map[string]*profile.Function{}
	locMap := map[uint64]*profile.Location{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	addFunction := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         nextFuncID,
			Name:       name,
			SystemName: name,
		}
		nextFuncID++
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addLocationFor := func(sym symbolizer.Symbol) *profile.Location {
		addr := sym.Addr
		if loc, ok := locMap[addr]; ok {
			return loc
		}
		fn := addFunction(sym.Name)
		loc := &profile.Location{
			ID:      nextLocID,
			Address: addr,
			Line:    []profile.Line{{Function: fn, Line: 0}},
		}
		nextLocID++
		locMap[addr] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	start, end := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples {
		if s.Timestamp.Before(start) {
			start = s.Timestamp
		}
		if s.Timestamp.After(end) {
			end = s.Timestamp
		}
		if len(s.Stack) == 0 {
			continue
		}

		// pprof assumes stacks are in leaf-to-root order, i.e. stack[0] is leaf (innermost)
		locs := make([]*profile.Location, 0, len(s.Stack))
		for _, sym := range s.Stack {
			locs = append(locs, addLocationFor(sym))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(s.Count)},
			Location: locs,
			NumLabel: map[string][]int64{"depth": {int64(len(locs))}},
		})
	}

	p.TimeNanos = start.UnixNano()
	p.DurationNanos = end.Sub(start).Nanoseconds()
	return p, nil
}

// WriteProfileGzip writes p in the gzip-compressed protobuf encoding that
// go tool pprof reads.
func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	// profile.Write already compresses
	return p.Write(w)
}

// Duration reports the wall time covered by p.
func Duration(p *profile.Profile) time.Duration {
	return time.Duration(p.DurationNanos)
}
