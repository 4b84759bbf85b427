package backtrace

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/VladMinzatu/backtrace/internal/symbolizer"
)

const modulesCacheTtl = 5 * time.Second

type frameBacktracer struct {
	modules *moduleCache
}

// NewFrameBacktracer returns the single-call strategy: the batch is resolved
// against the runtime's function table and every row is formatted as
// "module(function+0xoffset) [0xaddress]" into one shared allocation.
// WithMaxNameLength has no effect on it.
func NewFrameBacktracer() Backtracer {
	return &frameBacktracer{
		modules: newModuleCache(symbolizer.NewProcMapsReader(os.Getpid()), modulesCacheTtl),
	}
}

func (b *frameBacktracer) Capture(buf []uintptr) int {
	return callers(1, buf)
}

func (b *frameBacktracer) Symbols(pcs []uintptr, opts ...Option) (*Names, error) {
	o := newOptions(opts)
	lines := make([]string, len(pcs))
	total := 0
	for i, pc := range pcs {
		fn := physicalFunc(pc)
		if fn == nil {
			return nil, newSystemError(ErrResolve, "resolve", pc, nil)
		}
		lines[i] = fmt.Sprintf("%s(%s+0x%x) [0x%x]", b.modules.module(pc), fn.Name(), pc-fn.Entry(), pc)
		total += len(lines[i])
	}

	var block []byte
	if total > 0 {
		var err error
		block, err = o.alloc.Alloc(total)
		if err != nil {
			return nil, fmt.Errorf("%w: %d bytes for %d symbols: %w", ErrNoMemory, total, len(pcs), err)
		}
	}
	rows := make([][]byte, len(pcs))
	off := 0
	for i, line := range lines {
		n := copy(block[off:], line)
		rows[i] = block[off : off+n : off+n]
		off += n
	}
	return &Names{rows: rows, block: block, cleanup: singleLevel(o.alloc.Free)}, nil
}

// physicalFunc returns the function whose machine code contains pc. For pcs in
// inlined code FuncForPC names the inlined callee but reports the entry of
// the enclosing function, which resolves to the enclosing function itself.
func physicalFunc(pc uintptr) *runtime.Func {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return nil
	}
	if outer := runtime.FuncForPC(fn.Entry()); outer != nil {
		return outer
	}
	return fn
}

// FunctionName returns the function of a "module(function+0xoffset) [0xaddress]"
// row and any other name unchanged. Go function names only contain '(' right
// after a '.', so the opening parenthesis is the last one that does not.
func FunctionName(row string) string {
	end := strings.LastIndex(row, ") [0x")
	if end < 0 || !strings.HasSuffix(row, "]") {
		return row
	}
	plus := strings.LastIndex(row[:end], "+0x")
	if plus < 0 {
		return row
	}
	for open := plus - 1; open >= 0; open-- {
		if row[open] == '(' && (open == 0 || row[open-1] != '.') {
			if open+1 == plus {
				return row
			}
			return row[open+1 : plus]
		}
	}
	return row
}

// moduleCache maps addresses to the file backing their mapping, re-reading
// the process maps at most once per ttl unless an address misses.
type moduleCache struct {
	reader symbolizer.MapsReader
	ttl    time.Duration

	mu       sync.Mutex
	maps     *symbolizer.ProcMaps
	cachedAt time.Time
	exe      string
}

func newModuleCache(reader symbolizer.MapsReader, ttl time.Duration) *moduleCache {
	return &moduleCache{reader: reader, ttl: ttl, cachedAt: time.Unix(0, 0)}
}

func (c *moduleCache) module(pc uintptr) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.cachedAt) > c.ttl {
		c.refresh()
	}
	if c.maps == nil {
		return c.executable()
	}
	r := c.maps.FindRegion(uint64(pc))
	if r == nil {
		// the mapping may be newer than our snapshot
		c.refresh()
		if c.maps != nil {
			r = c.maps.FindRegion(uint64(pc))
		}
	}
	if r == nil || r.Path == "" {
		return c.executable()
	}
	return r.Path
}

func (c *moduleCache) refresh() {
	c.cachedAt = time.Now()
	if c.maps == nil {
		maps, err := symbolizer.NewProcMaps(c.reader)
		if err != nil {
			slog.Debug("Process maps not available, using executable path", "error", err)
			return
		}
		c.maps = maps
		return
	}
	if err := c.maps.Refresh(); err != nil {
		slog.Debug("Failed to refresh process maps", "error", err)
		c.maps = nil
	}
}

func (c *moduleCache) executable() string {
	if c.exe == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = os.Args[0]
		}
		c.exe = exe
	}
	return c.exe
}
