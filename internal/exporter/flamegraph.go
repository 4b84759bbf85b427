package exporter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/VladMinzatu/backtrace/internal/profiler"
)

// BuildFoldedStacks aggregates samples into the folded format read by
// flamegraph.pl and speedscope: frames root to leaf joined by ';'.
func BuildFoldedStacks(samples []profiler.Sample) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, s := range samples {
		if len(s.Stack) == 0 {
			continue
		}

		names := make([]string, 0, len(s.Stack))
		for i := len(s.Stack) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
			names = append(names, escapeFoldedName(s.Stack[i].Name))
		}
		agg[strings.Join(names, ";")] += s.Count
	}
	return agg
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacks writes one "stack count" line per entry, highest count
// first and ties ordered by stack.
func WriteFoldedStacks(w io.Writer, agg map[string]uint64) error {
	type kv struct {
		k string
		v uint64
	}
	items := make([]kv, 0, len(agg))
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	bw := bufio.NewWriter(w)
	for _, it := range items {
		if _, err := fmt.Fprintf(bw, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func WriteFoldedStacksToFile(agg map[string]uint64, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := WriteFoldedStacks(f, agg); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return f.Close()
}
