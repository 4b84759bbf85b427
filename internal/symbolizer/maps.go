package symbolizer

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

type MapRegion struct {
	Start, End uint64
	Offset     uint64
	Perms      string
	Path       string
}

type ProcMapsReader struct {
	path string
}

func NewProcMapsReader(pid int) *ProcMapsReader {
	return &ProcMapsReader{path: fmt.Sprintf("/proc/%d/maps", pid)}
}

func (p *ProcMapsReader) ReadLines() ([]string, error) {
	slog.Debug("Loading lines from (pseudo-)file", "path", p.path)
	f, err := os.Open(p.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// ProcMaps is a snapshot of a process's memory mappings, sorted by start
// address.
type ProcMaps struct {
	mapReader MapsReader
	regions   []MapRegion
}

func NewProcMaps(mapReader MapsReader) (*ProcMaps, error) {
	p := &ProcMaps{mapReader: mapReader}
	err := p.Refresh()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (m *ProcMaps) FindRegion(pc uint64) *MapRegion {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End > pc })
	if i == len(m.regions) || pc < m.regions[i].Start {
		return nil
	}
	r := m.regions[i]
	return &r
}

func (m *ProcMaps) Refresh() error {
	lines, err := m.mapReader.ReadLines()
	if err != nil {
		return err
	}
	m.parseMaps(lines)
	return nil
}

func (m *ProcMaps) parseMaps(lines []string) {
	var regions []MapRegion
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Failed to parse map entry", "line", line, "error", err)
			continue
		}
		regions = append(regions, entry)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	m.regions = regions
}

// Example format:
//
//	55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog
func parseMapEntry(line string) (MapRegion, error) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return MapRegion{}, fmt.Errorf("not enough fields: %d in line \"%s\"", len(parts), line)
	}
	addr := parts[0]
	perms := parts[1]
	off := parts[2]
	// pathname is optional and may be in parts[5:] - may contain spaces, mind you!
	var path string
	if len(parts) >= 6 {
		path = strings.Join(parts[5:], " ")
	}
	se := strings.SplitN(addr, "-", 2)
	if len(se) != 2 {
		return MapRegion{}, fmt.Errorf("invalid address range format in line %s", line)
	}
	start, err1 := strconv.ParseUint(se[0], 16, 64)
	end, err2 := strconv.ParseUint(se[1], 16, 64)
	offv, err3 := strconv.ParseUint(off, 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return MapRegion{}, fmt.Errorf("failed to parse numeric addresses in line %s", line)
	}
	if end < start {
		return MapRegion{}, fmt.Errorf("region ends before it starts in line %s", line)
	}
	return MapRegion{Start: start, End: end, Offset: offv, Perms: perms, Path: path}, nil
}
