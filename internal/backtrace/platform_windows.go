//go:build windows

package backtrace

func newDefault() Backtracer {
	return NewSymtabBacktracer()
}
