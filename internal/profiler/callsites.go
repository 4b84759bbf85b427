package profiler

import (
	"encoding/binary"
	"errors"
	"hash/maphash"
	"slices"
	"sync"

	"github.com/VladMinzatu/backtrace/internal/backtrace"
)

// CallSiteTable counts the distinct stacks from which Record is called. It is
// the in-process Backend of the Profiler: stack ids play the role of the keys
// of a stack map and counts are handed out as deltas since the last snapshot.
type CallSiteTable struct {
	maxDepth int
	seed     maphash.Seed
	bufs     sync.Pool

	mu      sync.Mutex
	started bool
	counts  map[uint64]uint64
	stacks  map[uint64][]uintptr
}

func NewCallSiteTable(maxDepth int) (*CallSiteTable, error) {
	if maxDepth <= 0 {
		return nil, errors.New("invalid maxDepth; must be > 0")
	}
	t := &CallSiteTable{
		maxDepth: maxDepth,
		seed:     maphash.MakeSeed(),
		counts:   make(map[uint64]uint64),
		stacks:   make(map[uint64][]uintptr),
	}
	t.bufs.New = func() any {
		// one extra slot for Record's own frame
		b := make([]uintptr, maxDepth+1)
		return &b
	}
	return t, nil
}

// Record counts the stack of its caller, innermost frame first. Calls made
// while the table is stopped are ignored.
func (t *CallSiteTable) Record() {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return
	}

	bp := t.bufs.Get().(*[]uintptr)
	defer t.bufs.Put(bp)
	buf := *bp
	n := backtrace.Capture(buf)
	if n <= 1 {
		return
	}
	stack := buf[1:n]
	id := t.stackID(stack)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	if _, ok := t.stacks[id]; !ok {
		t.stacks[id] = slices.Clone(stack)
	}
	t.counts[id]++
}

func (t *CallSiteTable) stackID(pcs []uintptr) uint64 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	var b [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		h.Write(b[:])
	}
	return h.Sum64()
}

func (t *CallSiteTable) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("call site table already started")
	}
	t.started = true
	return nil
}

func (t *CallSiteTable) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	return nil
}

// SnapshotCounts returns the counts recorded since the previous snapshot and
// resets them. Stacks stay known so their ids can still be looked up.
func (t *CallSiteTable) SnapshotCounts() (map[uint64]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil, errors.New("call site table not started")
	}
	results := t.counts
	t.counts = make(map[uint64]uint64, len(results))
	return results, nil
}

// LookupStack returns a copy of the return addresses recorded under id.
func (t *CallSiteTable) LookupStack(id uint64) ([]uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stack, ok := t.stacks[id]
	if !ok {
		return nil, errors.New("stack not found")
	}
	return slices.Clone(stack), nil
}
