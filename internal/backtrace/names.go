package backtrace

// Names is an owned collection of resolved symbol names, one per address
// passed to the resolver. Call Release once the names are no longer needed;
// the rows must not be used afterwards.
type Names struct {
	rows     [][]byte
	block    []byte
	cleanup  cleanup
	released bool
}

// NewNames copies names into a heap-backed collection.
func NewNames(names []string) *Names {
	rows := make([][]byte, len(names))
	for i, name := range names {
		rows[i] = []byte(name)
	}
	return &Names{rows: rows, cleanup: twoLevel(len(rows), HeapAllocator.Free)}
}

func (n *Names) Len() int {
	return len(n.rows)
}

// At returns a copy of the i-th name.
func (n *Names) At(i int) string {
	return string(n.rows[i])
}

func (n *Names) Strings() []string {
	out := make([]string, len(n.rows))
	for i, row := range n.rows {
		out[i] = string(row)
	}
	return out
}

// Release returns every row and then the table to the allocator they came
// from. Calling it again has no effect.
func (n *Names) Release() {
	if n.released {
		return
	}
	n.released = true
	n.cleanup.release(n.rows, n.block)
	n.rows, n.block = nil, nil
}
