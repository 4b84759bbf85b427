package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/VladMinzatu/backtrace/internal/backtrace"
	"github.com/VladMinzatu/backtrace/internal/config"
	"github.com/VladMinzatu/backtrace/internal/exporter"
	"github.com/VladMinzatu/backtrace/internal/pprof"
	"github.com/VladMinzatu/backtrace/internal/profiler"
)

const configEnv = "CALLSITES_CONFIG"

func main() {
	cfg, err := config.Load(os.Getenv(configEnv))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	table, err := profiler.NewCallSiteTable(cfg.MaxDepth)
	if err != nil {
		slog.Error("Failed to initialise call site table", "error", err)
		os.Exit(1)
	}
	p, err := profiler.NewProfiler(cfg.CollectInterval, table, newBacktracer(cfg.Strategy),
		backtrace.WithMaxNameLength(cfg.MaxNameLength), backtrace.WithAllocator(backtrace.NewPoolAllocator(cfg.MaxNameLength)))
	if err != nil {
		slog.Error("Failed to initialise profiler", "error", err)
		os.Exit(1)
	}

	err = p.Start()
	if err != nil {
		slog.Error("Failed to start profiler", "error", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var writeOutputs sync.WaitGroup

	writeOutputs.Add(1)
	go func() {
		defer writeOutputs.Done()
		var collectedSamples []profiler.Sample
		for s := range p.Samples() {
			collectedSamples = append(collectedSamples, s...)
		}
		slog.Info("Collection finished", "samples", len(collectedSamples))
		export(cfg, collectedSamples)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			hotCaller(table)
			coldCaller(table)
		}
	}()

	select {
	case <-stop:
	case <-ctx.Done():
	}
	cancel()
	p.Stop() // stop the profiler - should close the samples channel

	writeOutputs.Wait()
}

func newBacktracer(strategy string) backtrace.Backtracer {
	switch strategy {
	case config.StrategyFrames:
		return backtrace.NewFrameBacktracer()
	case config.StrategySymtab:
		return backtrace.NewSymtabBacktracer()
	default:
		return backtrace.Default()
	}
}

func export(cfg config.Config, samples []profiler.Sample) {
	if cfg.Output.Pprof != "" {
		if err := writePprof(os.Stdout, cfg.Output.Pprof, samples); err != nil {
			slog.Error("Failed to write pprof profile", "path", cfg.Output.Pprof, "error", err)
		}
	}
	if cfg.Output.Folded != "" {
		if err := exporter.WriteFoldedStacksToFile(exporter.BuildFoldedStacks(samples), cfg.Output.Folded); err != nil {
			slog.Error("Failed to write folded stacks", "path", cfg.Output.Folded, "error", err)
		}
	}
	if cfg.OTLP.Endpoint != "" {
		if err := sendOtlp(cfg.OTLP, samples); err != nil {
			slog.Error("Failed to export OTLP profile", "endpoint", cfg.OTLP.Endpoint, "error", err)
		}
	}
}

// writePprof writes the gzip profile to path, or to stdout for "-". Binary
// output is not sent to a terminal; folded text is written there instead.
func writePprof(stdout *os.File, path string, samples []profiler.Sample) error {
	if path == "-" {
		if isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd()) {
			slog.Info("stdout is a terminal, writing folded stacks instead of pprof")
			return exporter.WriteFoldedStacks(stdout, exporter.BuildFoldedStacks(samples))
		}
		return encodePprof(stdout, samples)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodePprof(f, samples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodePprof(w io.Writer, samples []profiler.Sample) error {
	prof, err := pprof.BuildPprofProfile(samples, "calls", "count")
	if err != nil {
		return fmt.Errorf("build pprof profile: %w", err)
	}
	slog.Debug("Built pprof profile", "samples", len(prof.Sample), "duration", pprof.Duration(prof))
	return pprof.WriteProfileGzip(prof, w)
}

func sendOtlp(cfg config.OTLP, samples []profiler.Sample) error {
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	data := exporter.BuildOltpProfile(samples, func() uint64 { return uint64(time.Now().UnixNano()) })
	return exporter.SendOltpProfile(ctx, conn, data)
}

//go:noinline
func hotFunc(table *profiler.CallSiteTable) {
	for i := 0; i < 1000; i++ {
		_ = i * i
	}
	table.Record()
}

//go:noinline
func hotCaller(table *profiler.CallSiteTable) {
	for i := 0; i < 10; i++ {
		hotFunc(table)
	}
}

//go:noinline
func coldCaller(table *profiler.CallSiteTable) {
	table.Record()
}
