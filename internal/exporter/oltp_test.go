package exporter

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/VladMinzatu/backtrace/internal/profiler"
	"github.com/VladMinzatu/backtrace/internal/symbolizer"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
)

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	return b
}

func assertProtoEqual(t *testing.T, got, want proto.Message) {
	t.Helper()
	if !proto.Equal(got, want) {
		gotB := mustMarshal(t, got)
		wantB := mustMarshal(t, want)
		t.Fatalf("ProfilesData proto mismatch\nGOT (len %d): %x\nWANT (len %d): %x", len(gotB), gotB, len(wantB), wantB)
	}
}

func expectedProfilesData(profile *profilespb.Profile, dict *profilespb.ProfilesDictionary) *profilespb.ProfilesData {
	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{
			{
				Resource: &resourceV1.Resource{},
				ScopeProfiles: []*profilespb.ScopeProfiles{
					{
						Scope:    &v1.InstrumentationScope{Name: "callsites", Version: "v1"},
						Profiles: []*profilespb.Profile{profile},
					},
				},
			},
		},
		Dictionary: dict,
	}
}

func TestBuildOltpProfile_Basic(t *testing.T) {
	sampleTS := time.Unix(10, 123456789)
	nowValue := uint64(9999999999)

	samples := []profiler.Sample{
		{
			Timestamp: sampleTS,
			Stack: []symbolizer.Symbol{
				{Name: "foo", Addr: 0x1000, Offset: 0x10},
				{Name: "bar", Addr: 0x1100, Offset: 0x0},
			},
			Count: 5,
		},
	}

	got := BuildOltpProfile(samples, func() uint64 { return nowValue })

	expectedDict := &profilespb.ProfilesDictionary{
		MappingTable: []*profilespb.Mapping{{}},
		LocationTable: []*profilespb.Location{
			{},
			{Address: uint64(0x1000), MappingIndex: 0, Lines: []*profilespb.Line{{FunctionIndex: 1, Line: 0}}},
			{Address: uint64(0x1100), MappingIndex: 0, Lines: []*profilespb.Line{{FunctionIndex: 2, Line: 0}}},
		},
		FunctionTable: []*profilespb.Function{
			{},
			{NameStrindex: int32(3), SystemNameStrindex: int32(3)}, // "foo"
			{NameStrindex: int32(4), SystemNameStrindex: int32(4)}, // "bar"
		},
		StackTable: []*profilespb.Stack{
			{},
			{LocationIndices: []int32{1, 2}},
		},
		StringTable: []string{"", "samples", "count", "foo", "bar"},
	}

	expectedProfile := &profilespb.Profile{
		TimeUnixNano: nowValue,
		DurationNano: uint64(0),
		SampleType:   &profilespb.ValueType{TypeStrindex: int32(1), UnitStrindex: int32(2)},
		Samples: []*profilespb.Sample{
			{
				StackIndex:         1,
				Values:             []int64{int64(5)},
				AttributeIndices:   []int32{},
				LinkIndex:          0,
				TimestampsUnixNano: []uint64{uint64(sampleTS.UnixNano())},
			},
		},
	}

	assertProtoEqual(t, got, expectedProfilesData(expectedProfile, expectedDict))
}

func TestBuildOltpProfile_DeduplicatesAcrossSamples(t *testing.T) {
	t0 := time.Unix(20, 0)
	t1 := t0.Add(250 * time.Millisecond)
	nowValue := uint64(123456)

	main := symbolizer.Symbol{Name: "main.main", Addr: 0x2010}
	samples := []profiler.Sample{
		{
			Timestamp: t1,
			Stack:     []symbolizer.Symbol{{Name: "main.work", Addr: 0x2000}, main},
			Count:     7,
		},
		{
			Timestamp: t0,
			Stack:     []symbolizer.Symbol{{Name: "main.work", Addr: 0x2004}, main},
			Count:     2,
		},
		{Timestamp: t0.Add(time.Hour), Count: 1},
	}

	got := BuildOltpProfile(samples, func() uint64 { return nowValue })

	expectedDict := &profilespb.ProfilesDictionary{
		MappingTable: []*profilespb.Mapping{{}},
		LocationTable: []*profilespb.Location{
			{},
			{Address: uint64(0x2000), MappingIndex: 0, Lines: []*profilespb.Line{{FunctionIndex: 1, Line: 0}}},
			{Address: uint64(0x2010), MappingIndex: 0, Lines: []*profilespb.Line{{FunctionIndex: 2, Line: 0}}},
			{Address: uint64(0x2004), MappingIndex: 0, Lines: []*profilespb.Line{{FunctionIndex: 1, Line: 0}}},
		},
		FunctionTable: []*profilespb.Function{
			{},
			{NameStrindex: int32(3), SystemNameStrindex: int32(3)},
			{NameStrindex: int32(4), SystemNameStrindex: int32(4)},
		},
		StackTable: []*profilespb.Stack{
			{},
			{LocationIndices: []int32{1, 2}},
			{LocationIndices: []int32{3, 2}},
		},
		StringTable: []string{"", "samples", "count", "main.work", "main.main"},
	}

	expectedProfile := &profilespb.Profile{
		TimeUnixNano: nowValue,
		DurationNano: uint64(t1.Sub(t0).Nanoseconds()),
		SampleType:   &profilespb.ValueType{TypeStrindex: int32(1), UnitStrindex: int32(2)},
		Samples: []*profilespb.Sample{
			{
				StackIndex:         1,
				Values:             []int64{int64(7)},
				AttributeIndices:   []int32{},
				TimestampsUnixNano: []uint64{uint64(t1.UnixNano())},
			},
			{
				StackIndex:         2,
				Values:             []int64{int64(2)},
				AttributeIndices:   []int32{},
				TimestampsUnixNano: []uint64{uint64(t0.UnixNano())},
			},
		},
	}

	assertProtoEqual(t, got, expectedProfilesData(expectedProfile, expectedDict))
}

type fakeProfilesCollector struct {
	collectorpb.UnimplementedProfilesServiceServer

	mu       sync.Mutex
	requests []*collectorpb.ExportProfilesServiceRequest
	reject   bool
}

func (c *fakeProfilesCollector) Export(ctx context.Context, req *collectorpb.ExportProfilesServiceRequest) (*collectorpb.ExportProfilesServiceResponse, error) {
	if c.reject {
		return nil, status.Error(codes.Unavailable, "collector is shutting down")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return &collectorpb.ExportProfilesServiceResponse{}, nil
}

func startCollector(t *testing.T, c *fakeProfilesCollector) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	collectorpb.RegisterProfilesServiceServer(srv, c)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendOltpProfile(t *testing.T) {
	c := &fakeProfilesCollector{}
	conn := startCollector(t, c)

	data := BuildOltpProfile([]profiler.Sample{
		{
			Timestamp: time.Unix(30, 0),
			Stack:     []symbolizer.Symbol{{Name: "main.main", Addr: 0x3000}},
			Count:     1,
		},
	}, func() uint64 { return 42 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SendOltpProfile(ctx, conn, data); err != nil {
		t.Fatalf("SendOltpProfile: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) != 1 {
		t.Fatalf("expected 1 export request, got %d", len(c.requests))
	}
	req := c.requests[0]
	if !proto.Equal(req.GetDictionary(), data.GetDictionary()) {
		t.Fatalf("dictionary not forwarded")
	}
	if len(req.GetResourceProfiles()) != 1 || !proto.Equal(req.GetResourceProfiles()[0], data.GetResourceProfiles()[0]) {
		t.Fatalf("resource profiles not forwarded: %v", req.GetResourceProfiles())
	}
}

func TestSendOltpProfile_CollectorError(t *testing.T) {
	conn := startCollector(t, &fakeProfilesCollector{reject: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := SendOltpProfile(ctx, conn, BuildOltpProfile(nil, func() uint64 { return 1 }))
	if err == nil {
		t.Fatalf("expected error from rejecting collector")
	}
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}
