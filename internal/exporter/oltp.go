package exporter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/VladMinzatu/backtrace/internal/profiler"
	"github.com/VladMinzatu/backtrace/internal/symbolizer"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
)

const (
	scopeName    = "callsites"
	scopeVersion = "v1"
)

type NowFunc func() uint64 // produces unix nsec

// dictionary builds the shared lookup tables of a ProfilesData. Index 0 of
// every table is the zero value, as OTLP requires.
type dictionary struct {
	strings   []string
	stringIdx map[string]int32
	functions []*profilespb.Function
	funcIdx   map[string]int32
	locations []*profilespb.Location
	locIdx    map[symbolizer.Symbol]int32
	stacks    []*profilespb.Stack
}

func newDictionary() *dictionary {
	return &dictionary{
		strings:   []string{""},
		stringIdx: map[string]int32{"": 0},
		functions: []*profilespb.Function{{}},
		funcIdx:   map[string]int32{},
		locations: []*profilespb.Location{{}},
		locIdx:    map[symbolizer.Symbol]int32{},
		stacks:    []*profilespb.Stack{{}},
	}
}

func (d *dictionary) str(s string) int32 {
	if i, ok := d.stringIdx[s]; ok {
		return i
	}
	d.strings = append(d.strings, s)
	i := int32(len(d.strings) - 1)
	d.stringIdx[s] = i
	return i
}

func (d *dictionary) function(name string) int32 {
	if i, ok := d.funcIdx[name]; ok {
		return i
	}
	nameIdx := d.str(name)
	d.functions = append(d.functions, &profilespb.Function{
		NameStrindex:       nameIdx,
		SystemNameStrindex: nameIdx,
	})
	i := int32(len(d.functions) - 1)
	d.funcIdx[name] = i
	return i
}

func (d *dictionary) location(sym symbolizer.Symbol) int32 {
	key := symbolizer.Symbol{Name: sym.Name, Addr: sym.Addr}
	if i, ok := d.locIdx[key]; ok {
		return i
	}
	fnIdx := d.function(sym.Name)
	d.locations = append(d.locations, &profilespb.Location{
		Address:      sym.Addr,
		MappingIndex: 0,
		Lines: []*profilespb.Line{
			{
				FunctionIndex: fnIdx,
				Line:          0,
			},
		},
	})
	i := int32(len(d.locations) - 1)
	d.locIdx[key] = i
	return i
}

func (d *dictionary) stack(symbols []symbolizer.Symbol) int32 {
	locIndices := make([]int32, 0, len(symbols))
	for _, sym := range symbols {
		locIndices = append(locIndices, d.location(sym))
	}
	d.stacks = append(d.stacks, &profilespb.Stack{LocationIndices: locIndices})
	return int32(len(d.stacks) - 1)
}

func (d *dictionary) proto() *profilespb.ProfilesDictionary {
	return &profilespb.ProfilesDictionary{
		MappingTable:  []*profilespb.Mapping{{}},
		LocationTable: d.locations,
		FunctionTable: d.functions,
		StackTable:    d.stacks,
		StringTable:   d.strings,
	}
}

// BuildOltpProfile converts samples into a single OTLP profile. Stacks are
// leaf first, locations and functions are deduplicated across samples.
func BuildOltpProfile(samples []profiler.Sample, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	dict := newDictionary()

	sampleType := &profilespb.ValueType{
		TypeStrindex: dict.str("samples"),
		UnitStrindex: dict.str("count"),
	}

	var first, last uint64
	profileSamples := make([]*profilespb.Sample, 0, len(samples))
	for _, s := range samples {
		if len(s.Stack) == 0 {
			continue
		}
		ts := uint64(s.Timestamp.UnixNano())
		if first == 0 || ts < first {
			first = ts
		}
		if ts > last {
			last = ts
		}

		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         dict.stack(s.Stack),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{ts},
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: last - first,
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    scopeName,
					Version: scopeVersion,
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dict.proto(),
	}
}

// SendOltpProfile exports data to an OTLP profiles collector over conn.
// Profiles the collector reports as rejected are logged, not returned.
func SendOltpProfile(ctx context.Context, conn grpc.ClientConnInterface, data *profilespb.ProfilesData) error {
	client := collectorpb.NewProfilesServiceClient(conn)
	resp, err := client.Export(ctx, &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.GetResourceProfiles(),
		Dictionary:       data.GetDictionary(),
	})
	if err != nil {
		return fmt.Errorf("export profiles: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedProfiles() > 0 {
		slog.Warn("Collector rejected profiles", "rejected", ps.GetRejectedProfiles(), "message", ps.GetErrorMessage())
	}
	return nil
}
