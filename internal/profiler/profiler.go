package profiler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/VladMinzatu/backtrace/internal/backtrace"
	"github.com/VladMinzatu/backtrace/internal/symbolizer"
)

type Backend interface {
	Start() error
	Stop() error
	SnapshotCounts() (map[uint64]uint64, error)
	LookupStack(id uint64) ([]uintptr, error)
}

// Symbolizer is satisfied by every backtrace.Backtracer.
type Symbolizer interface {
	Symbols(pcs []uintptr, opts ...backtrace.Option) (*backtrace.Names, error)
}

type Sample struct {
	Timestamp time.Time
	// Stack is leaf first. Name is the bare function name for every strategy
	// and Addr holds the recorded return address.
	Stack []symbolizer.Symbol
	Count uint64
}

type Profiler struct {
	collectInterval time.Duration
	backend         Backend
	symbolizer      Symbolizer
	symbolOpts      []backtrace.Option

	samplesCh chan []Sample

	started bool
	stopped bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProfiler(collectInterval time.Duration, backend Backend, symbolizer Symbolizer, opts ...backtrace.Option) (*Profiler, error) {
	if collectInterval <= 1*time.Millisecond {
		return nil, errors.New("invalid collectInterval; must be > 1ms")
	}
	if backend == nil || symbolizer == nil {
		return nil, errors.New("backend and symbolizer are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Profiler{
		collectInterval: collectInterval,
		backend:         backend,
		symbolizer:      symbolizer,
		symbolOpts:      opts,
		ctx:             ctx,
		cancel:          cancel,
		samplesCh:       make(chan []Sample, 1),
	}, nil
}

func (p *Profiler) Samples() <-chan []Sample { return p.samplesCh }

func (p *Profiler) Start() error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return errors.New("profiler already started")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.backend.Start(); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}

	p.wg.Add(1)
	go p.collector()

	return nil
}

// Stop ends collection and closes the samples channel. Counts recorded since
// the last tick are collected once more before the channel closes. A profiler
// cannot be restarted.
func (p *Profiler) Stop() error {
	var stopErr error
	p.cancel()

	// Wait for collector to exit; it still snapshots the backend on the way out
	p.wg.Wait()

	if err := p.backend.Stop(); err != nil {
		stopErr = err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		close(p.samplesCh)
		p.stopped = true
	}
	p.started = false
	return stopErr
}

func (p *Profiler) collector() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.flush()
			return
		case t := <-ticker.C:
			samples := p.collect(t)
			select {
			case p.samplesCh <- samples:
			default:
				slog.Warn("consumer wasn't ready, sample dropped", "stacks", len(samples))
			}
		}
	}
}

// flush delivers the counts of the last, partial interval. It waits up to one
// collect interval for the consumer instead of dropping right away.
func (p *Profiler) flush() {
	samples := p.collect(time.Now())
	if len(samples) == 0 {
		return
	}
	timer := time.NewTimer(p.collectInterval)
	defer timer.Stop()
	select {
	case p.samplesCh <- samples:
	case <-timer.C:
		slog.Warn("consumer wasn't ready, final sample dropped", "stacks", len(samples))
	}
}

func (p *Profiler) collect(t time.Time) []Sample {
	counts, err := p.backend.SnapshotCounts()
	if err != nil {
		slog.Warn("Failed to collect counts from backend", "error", err)
		return nil
	}

	var samples []Sample
	for id, cnt := range counts {
		pcs, err := p.backend.LookupStack(id)
		if err != nil {
			slog.Warn("Failed to resolve stack id", "id", id, "error", err)
			continue
		}

		stack, err := p.symbolize(pcs)
		if err != nil {
			slog.Warn("Failed to symbolize stack", "id", id, "error", err)
			continue
		}
		samples = append(samples, Sample{
			Timestamp: t,
			Stack:     stack,
			Count:     cnt,
		})
	}
	return samples
}

func (p *Profiler) symbolize(pcs []uintptr) ([]symbolizer.Symbol, error) {
	names, err := p.symbolizer.Symbols(pcs, p.symbolOpts...)
	if err != nil {
		return nil, err
	}
	defer names.Release()

	stack := make([]symbolizer.Symbol, names.Len())
	for i := range stack {
		stack[i] = symbolizer.Symbol{Name: backtrace.FunctionName(names.At(i)), Addr: uint64(pcs[i])}
	}
	return stack, nil
}
