package backtrace

import "sync"

// Allocator provides the byte buffers that back resolved names.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte)
}

// HeapAllocator allocates from the Go heap; Free leaves the buffer to the GC.
var HeapAllocator Allocator = heapAllocator{}

type heapAllocator struct{}

func (heapAllocator) Alloc(n int) ([]byte, error) { return make([]byte, n), nil }

func (heapAllocator) Free([]byte) {}

// PoolAllocator recycles buffers of a fixed size. Requests larger than the
// size fall back to the heap and are not pooled when freed.
type PoolAllocator struct {
	size int
	pool sync.Pool
}

func NewPoolAllocator(size int) *PoolAllocator {
	a := &PoolAllocator{size: size}
	a.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return a
}

func (a *PoolAllocator) Alloc(n int) ([]byte, error) {
	if n > a.size {
		return make([]byte, n), nil
	}
	b := a.pool.Get().(*[]byte)
	return (*b)[:n], nil
}

func (a *PoolAllocator) Free(b []byte) {
	if cap(b) != a.size {
		return
	}
	b = b[:a.size]
	a.pool.Put(&b)
}

// cleanup is the release policy attached to a Names. extent is the number of
// separately allocated rows, or -1 when every row lives in a single block.
// Use singleLevel or twoLevel to build one.
type cleanup struct {
	extent int
	free   func([]byte)
}

func singleLevel(free func([]byte)) cleanup {
	return cleanup{extent: -1, free: free}
}

func twoLevel(extent int, free func([]byte)) cleanup {
	return cleanup{extent: extent, free: free}
}

// release frees the rows first and the table holding them last.
func (c cleanup) release(rows [][]byte, block []byte) {
	if c.extent < 0 {
		if block != nil {
			c.free(block)
		}
		return
	}
	for i := 0; i < c.extent; i++ {
		c.free(rows[i])
	}
	clear(rows)
}
