package backtrace

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/VladMinzatu/backtrace/internal/symbolizer"
)

// selfImage holds the running executable's symbol tables, shared by every
// symbol table Backtracer in the process. A failed load is not remembered.
var selfImage struct {
	mu     sync.Mutex
	loaded bool
	image  *symbolizer.Image
}

func loadSelfImage() (*symbolizer.Image, error) {
	selfImage.mu.Lock()
	defer selfImage.mu.Unlock()
	if selfImage.loaded {
		return selfImage.image, nil
	}
	img, err := symbolizer.LoadSelf()
	if err != nil {
		return nil, err
	}
	selfImage.image = img
	selfImage.loaded = true
	return img, nil
}

type pcResolver interface {
	ResolvePC(pc uint64) (*symbolizer.Symbol, error)
}

type symtabBacktracer struct {
	load func() (pcResolver, error)
}

// NewSymtabBacktracer returns the per-address strategy. The first call in the
// process loads the executable's symbol tables; each address is then resolved
// on its own and copied into a right-sized row.
func NewSymtabBacktracer() Backtracer {
	return &symtabBacktracer{load: func() (pcResolver, error) {
		img, err := loadSelfImage()
		if err != nil {
			return nil, err
		}
		return img, nil
	}}
}

func (b *symtabBacktracer) Capture(buf []uintptr) int {
	return callers(1, buf)
}

func (b *symtabBacktracer) Symbols(pcs []uintptr, opts ...Option) (*Names, error) {
	o := newOptions(opts)
	if len(pcs) == 0 {
		return &Names{rows: [][]byte{}, cleanup: twoLevel(0, o.alloc.Free)}, nil
	}
	resolver, err := b.load()
	if err != nil {
		return nil, newSystemError(ErrInit, "initialise", 0, err)
	}

	rows := make([][]byte, len(pcs))
	for i, pc := range pcs {
		sym, err := resolver.ResolvePC(uint64(pc))
		if err != nil {
			twoLevel(i, o.alloc.Free).release(rows, nil)
			return nil, newSystemError(ErrResolve, "resolve", pc, err)
		}
		name := truncateName(sym.Name, o.maxNameLength)
		row, err := o.alloc.Alloc(len(name))
		if err != nil {
			twoLevel(i, o.alloc.Free).release(rows, nil)
			return nil, fmt.Errorf("%w: symbol %d of %d: %w", ErrNoMemory, i+1, len(pcs), err)
		}
		copy(row, name)
		rows[i] = row
	}
	return &Names{rows: rows, cleanup: twoLevel(len(rows), o.alloc.Free)}, nil
}

// truncateName cuts name to at most max bytes without splitting a rune.
func truncateName(name string, max int) string {
	if len(name) <= max {
		return name
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
