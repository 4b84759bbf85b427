package symbolizer

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var errNotFound = errors.New("pc not found")

// ResolvePC looks pc up in the Go line table, then DWARF, then the ELF symbol
// tables. slide is the difference between runtime and link-time addresses.
func (d *SymbolData) ResolvePC(pc uint64, slide uint64) (*Symbol, error) {
	if d.GoSymTab != nil {
		if sym, err := d.resolvePCFromGoSymbolTable(pc, slide); err == nil {
			return sym, nil
		}
	}
	if d.DwarfData != nil {
		sym, err := d.resolvePCFromDwarfData(pc, slide)
		if err == nil {
			return sym, nil
		}
		if !errors.Is(err, errNotFound) {
			slog.Debug("DWARF lookup failed", "pc", pc, "error", err)
		}
	}
	if len(d.ElfSymbols) > 0 {
		if sym, err := d.resolvePCFromElfSymbols(pc, slide); err == nil {
			return sym, nil
		}
	}
	return nil, fmt.Errorf("no symbol for pc 0x%x: %w", pc, errNotFound)
}

func (d *SymbolData) resolvePCFromGoSymbolTable(pc uint64, slide uint64) (*Symbol, error) {
	slog.Debug("Resolving PC from Go symbol table", "pc", pc, "slide", slide)
	target := pc - slide
	fn := d.GoSymTab.PCToFunc(target)
	if fn == nil {
		return nil, errNotFound
	}
	return &Symbol{Name: fn.Name, Addr: fn.Entry + slide, Offset: target - fn.Entry}, nil
}

func (d *SymbolData) resolvePCFromDwarfData(pc uint64, slide uint64) (*Symbol, error) {
	slog.Debug("Resolving PC from DWARF data", "pc", pc, "slide", slide)
	target := pc - slide

	rdr := d.DwarfData.Reader()
	for {
		ent, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if ent == nil {
			return nil, errNotFound
		}
		if ent.Tag == dwarf.TagCompileUnit {
			if ranges, err := d.DwarfData.Ranges(ent); err == nil && len(ranges) > 0 && !inRanges(ranges, target) {
				rdr.SkipChildren()
			}
			continue
		}
		if ent.Tag != dwarf.TagSubprogram {
			continue
		}

		low, ok := d.subprogramContains(ent, target)
		if !ok {
			continue
		}
		name := subprogramName(ent)
		if name == "" {
			return nil, errors.New("dwarf subprogram without name")
		}
		return &Symbol{Name: name, Addr: low + slide, Offset: target - low}, nil
	}
}

// subprogramContains reports whether target falls in the subprogram and
// returns its entry address.
func (d *SymbolData) subprogramContains(ent *dwarf.Entry, target uint64) (uint64, bool) {
	// Prefer explicit ranges API (handles DWARF v5 rnglists and v2/v4 ranges)
	if ranges, err := d.DwarfData.Ranges(ent); err == nil && len(ranges) > 0 {
		if !inRanges(ranges, target) {
			return 0, false
		}
		low := ranges[0][0]
		if v, ok := ent.Val(dwarf.AttrLowpc).(uint64); ok {
			low = v
		}
		return low, true
	}

	// Fallback to lowpc/highpc if present
	var lowpc, highpc uint64
	if v, ok := ent.Val(dwarf.AttrLowpc).(uint64); ok {
		lowpc = v
	}
	switch v := ent.Val(dwarf.AttrHighpc).(type) {
	case uint64:
		highpc = v
	case int64:
		if lowpc != 0 && v > 0 {
			highpc = lowpc + uint64(v)
		}
	}
	if lowpc != 0 && highpc != 0 && target >= lowpc && target < highpc {
		return lowpc, true
	}
	return 0, false
}

func subprogramName(ent *dwarf.Entry) string {
	if s, ok := ent.Val(dwarf.AttrLinkageName).(string); ok && s != "" {
		return s
	}
	if s, ok := ent.Val(dwarf.AttrName).(string); ok {
		return s
	}
	return ""
}

func inRanges(ranges [][2]uint64, target uint64) bool {
	for _, r := range ranges {
		if target >= r[0] && target < r[1] {
			return true
		}
	}
	return false
}

func (d *SymbolData) resolvePCFromElfSymbols(pc uint64, slide uint64) (*Symbol, error) {
	slog.Debug("Resolving PC from ELF symbols", "pc", pc, "slide", slide)
	target := pc - slide
	i := sort.Search(len(d.ElfSymbols), func(i int) bool { return d.ElfSymbols[i].Value > target })
	if i == 0 {
		return nil, errNotFound
	}
	best := d.ElfSymbols[i-1]
	if target >= best.Value+best.Size {
		return nil, errNotFound
	}
	return &Symbol{Name: best.Name, Addr: best.Value + slide, Offset: target - best.Value}, nil
}
