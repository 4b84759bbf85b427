package symbolizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type mockMapsReader struct {
	lines []string
	err   error
	calls int
}

func (m *mockMapsReader) ReadLines() ([]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.lines, nil
}

func TestParseMapEntry(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    MapRegion
		wantErr bool
	}{
		{
			name: "valid entry with path",
			line: "55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			want: MapRegion{Start: 0x55d4b2000000, End: 0x55d4b2021000, Perms: "r--p", Path: "/usr/bin/myprog"},
		},
		{
			name: "valid entry without path",
			line: "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074",
			want: MapRegion{Start: 0x7f8a9b000000, End: 0x7f8a9b002000, Offset: 0x1000, Perms: "r-xp"},
		},
		{
			name: "path containing spaces",
			line: "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /tmp/go-build 1/b001/app.test (deleted)",
			want: MapRegion{Start: 0x7f8a9b000000, End: 0x7f8a9b002000, Offset: 0x1000, Perms: "r-xp", Path: "/tmp/go-build 1/b001/app.test (deleted)"},
		},
		{name: "insufficient fields", line: "55d4b2000000-55d4b2021000 r--p", wantErr: true},
		{name: "invalid address range format", line: "55d4b2000000 r--p 00000000 08:01 131073 /usr/bin/myprog", wantErr: true},
		{name: "invalid hex address", line: "invalid-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog", wantErr: true},
		{name: "end before start", line: "55d4b2021000-55d4b2000000 r--p 00000000 08:01 131073 /usr/bin/myprog", wantErr: true},
		{name: "empty line", line: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMapEntry(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMapEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseMapEntry() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewProcMaps(t *testing.T) {
	t.Run("reader error", func(t *testing.T) {
		_, err := NewProcMaps(&mockMapsReader{err: errors.New("read error")})
		if err == nil {
			t.Fatal("expected error from failing reader")
		}
	})

	t.Run("invalid lines are skipped", func(t *testing.T) {
		maps, err := NewProcMaps(&mockMapsReader{lines: []string{
			"55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			"invalid line that cannot be parsed",
			"",
			"7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6",
			"not enough fields",
		}})
		if err != nil {
			t.Fatalf("NewProcMaps() error = %v", err)
		}
		if len(maps.regions) != 2 {
			t.Errorf("expected 2 valid regions, got %d", len(maps.regions))
		}
	})

	t.Run("empty maps", func(t *testing.T) {
		maps, err := NewProcMaps(&mockMapsReader{})
		if err != nil {
			t.Fatalf("NewProcMaps() error = %v", err)
		}
		if got := maps.FindRegion(0x1000); got != nil {
			t.Errorf("FindRegion() = %v, want nil", got)
		}
	})
}

func TestProcMaps_FindRegion(t *testing.T) {
	// unordered on purpose
	maps, err := NewProcMaps(&mockMapsReader{lines: []string{
		"7f8a9b100000-7f8a9b102000 rw-p 00002000 08:01 131075 [heap]",
		"55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
		"7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6",
	}})
	if err != nil {
		t.Fatalf("NewProcMaps() error = %v", err)
	}

	myprog := &MapRegion{Start: 0x55d4b2000000, End: 0x55d4b2021000, Perms: "r--p", Path: "/usr/bin/myprog"}
	tests := []struct {
		name string
		pc   uint64
		want *MapRegion
	}{
		{name: "inside first mapping", pc: 0x55d4b2000100, want: myprog},
		{name: "at start boundary", pc: 0x55d4b2000000, want: myprog},
		{name: "just before end", pc: 0x55d4b2020fff, want: myprog},
		{
			name: "second mapping",
			pc:   0x7f8a9b000100,
			want: &MapRegion{Start: 0x7f8a9b000000, End: 0x7f8a9b002000, Offset: 0x1000, Perms: "r-xp", Path: "/usr/lib/libc.so.6"},
		},
		{
			name: "heap",
			pc:   0x7f8a9b100100,
			want: &MapRegion{Start: 0x7f8a9b100000, End: 0x7f8a9b102000, Offset: 0x2000, Perms: "rw-p", Path: "[heap]"},
		},
		{name: "before first region", pc: 0x1000},
		{name: "at end boundary", pc: 0x55d4b2021000},
		{name: "between regions", pc: 0x55d4b2021001},
		{name: "after last region", pc: 0xffffffffffffffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, maps.FindRegion(tt.pc)); diff != "" {
				t.Errorf("FindRegion(0x%x) mismatch (-want +got):\n%s", tt.pc, diff)
			}
		})
	}
}

func TestProcMaps_Refresh(t *testing.T) {
	reader := &mockMapsReader{lines: []string{
		"55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
	}}
	maps, err := NewProcMaps(reader)
	if err != nil {
		t.Fatalf("NewProcMaps() error = %v", err)
	}
	if maps.FindRegion(0x7f8a9b000100) != nil {
		t.Fatal("region should not exist before refresh")
	}

	reader.lines = append(reader.lines, "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6")
	if err := maps.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if maps.FindRegion(0x7f8a9b000100) == nil {
		t.Error("expected new region after refresh")
	}

	reader.err = errors.New("read error")
	if err := maps.Refresh(); err == nil {
		t.Error("expected error from Refresh()")
	}
	if maps.FindRegion(0x7f8a9b000100) == nil {
		t.Error("failed refresh should keep the previous snapshot")
	}
	if reader.calls != 3 {
		t.Errorf("reader called %d times, want 3", reader.calls)
	}
}

func TestProcMapsReader_ReadLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maps")
	content := "55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog\n" +
		"7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write maps file: %v", err)
	}

	lines, err := (&ProcMapsReader{path: path}).ReadLines()
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	if _, err := (&ProcMapsReader{path: filepath.Join(dir, "missing")}).ReadLines(); err == nil {
		t.Error("expected error for missing file")
	}
}
