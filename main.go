package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/VladMinzatu/backtrace/internal/backtrace"
)

const maxFrames = 10

func main() {
	if err := printTrace(os.Stdout); err != nil {
		slog.Error("Failed to print stack trace", "error", err)
		os.Exit(1)
	}
}

// printTrace writes one resolved name per frame of its caller's stack.
func printTrace(w io.Writer) error {
	var buf [maxFrames]uintptr
	n := backtrace.Capture(buf[:])

	names, err := backtrace.Symbols(buf[:n])
	if err != nil {
		return fmt.Errorf("resolve %d frames: %w", n, err)
	}
	defer names.Release()

	for i := 0; i < names.Len(); i++ {
		if _, err := fmt.Fprintln(w, names.At(i)); err != nil {
			return err
		}
	}
	return nil
}
