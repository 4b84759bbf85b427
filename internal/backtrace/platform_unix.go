//go:build unix

package backtrace

func newDefault() Backtracer {
	return NewFrameBacktracer()
}
