// Package backtrace captures the calling goroutine's stack and resolves the
// captured return addresses into symbol names.
//
// Two resolution strategies exist behind the Backtracer interface. The frame
// strategy resolves a whole batch against the Go runtime's function table and
// packs the results into one allocation; it is the default on Unix-like
// systems. The symbol table strategy loads the running executable's tables
// once per process and resolves addresses one at a time; it is the default on
// Windows. Both return a *Names that must be released by its owner.
package backtrace

import "runtime"

// DefaultMaxNameLength bounds the names produced by the symbol table strategy.
const DefaultMaxNameLength = 256

type Backtracer interface {
	// Capture fills buf with the return addresses of the frames above its
	// caller, innermost first, and returns how many were written.
	Capture(buf []uintptr) int
	// Symbols resolves one name per address in pcs. Either every address is
	// resolved or an error is returned.
	Symbols(pcs []uintptr, opts ...Option) (*Names, error)
}

var defaultBacktracer = newDefault()

// Default returns the platform's Backtracer.
func Default() Backtracer {
	return defaultBacktracer
}

// Capture fills buf with up to len(buf) return addresses, starting with the
// caller of Capture, and returns the count written. It never allocates.
func Capture(buf []uintptr) int {
	return callers(1, buf)
}

// Symbols resolves pcs with the platform's Backtracer.
func Symbols(pcs []uintptr, opts ...Option) (*Names, error) {
	return defaultBacktracer.Symbols(pcs, opts...)
}

// callers skips runtime.Callers, itself and skip more frames.
func callers(skip int, buf []uintptr) int {
	if len(buf) == 0 {
		return 0
	}
	return runtime.Callers(skip+2, buf)
}

type Option func(*options)

type options struct {
	maxNameLength int
	alloc         Allocator
}

// WithMaxNameLength sets the longest name, in bytes, the symbol table
// strategy returns. Longer names are truncated. Values <= 0 are ignored.
func WithMaxNameLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxNameLength = n
		}
	}
}

// WithAllocator makes the resolver allocate the returned names from a.
func WithAllocator(a Allocator) Option {
	return func(o *options) {
		if a != nil {
			o.alloc = a
		}
	}
}

func newOptions(opts []Option) options {
	o := options{maxNameLength: DefaultMaxNameLength, alloc: HeapAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
