package symbolizer

import (
	"debug/elf"
	"debug/gosym"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"sort"
)

// Image is the symbol data of one executable file plus the slide at which it
// is mapped into this process.
type Image struct {
	Path  string
	slide uint64
	data  *SymbolData
}

// LoadImage reads the symbol tables of the ELF, PE or Mach-O file at path.
func LoadImage(path string, slide uint64) (*Image, error) {
	data, err := loadSymbolData(path)
	if err != nil {
		return nil, err
	}
	return &Image{Path: path, slide: slide, data: data}, nil
}

// LoadSelf loads the running executable and works out where it was mapped.
func LoadSelf() (*Image, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	data, err := loadSymbolData(path)
	if err != nil {
		return nil, err
	}
	slide, err := calibrateSlide(data.GoSymTab)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("Loaded symbol tables of running executable", "path", path, "slide", slide)
	return &Image{Path: path, slide: slide, data: data}, nil
}

func (i *Image) Slide() uint64 {
	return i.slide
}

func (i *Image) ResolvePC(pc uint64) (*Symbol, error) {
	return i.data.ResolvePC(pc, i.slide)
}

func anchor() {}

// calibrateSlide finds anchor both in the runtime and in the line table read
// from disk; the difference of the two entries is the load slide.
func calibrateSlide(tab *gosym.Table) (uint64, error) {
	if tab == nil {
		return 0, errors.New("executable has no Go line table")
	}
	fn := runtime.FuncForPC(reflect.ValueOf(anchor).Pointer())
	if fn == nil {
		return 0, errors.New("runtime does not know its own anchor function")
	}
	sym := tab.LookupFunc(fn.Name())
	if sym == nil {
		return 0, fmt.Errorf("%s not found in line table", fn.Name())
	}
	return uint64(fn.Entry()) - sym.Entry, nil
}

func loadSymbolData(path string) (*SymbolData, error) {
	slog.Debug("Loading symbol tables", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data *SymbolData
	if ef, err := elf.NewFile(f); err == nil {
		data, err = loadELF(ef)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else if pf, err := pe.NewFile(f); err == nil {
		data = loadPE(pf)
	} else if mf, err := macho.NewFile(f); err == nil {
		data = loadMachO(mf)
	} else {
		return nil, fmt.Errorf("%s: not an ELF, PE or Mach-O file", path)
	}
	if data.empty() {
		return nil, fmt.Errorf("%s: no symbol tables available", path)
	}
	return data, nil
}

func loadELF(ef *elf.File) (*SymbolData, error) {
	data := &SymbolData{}

	var textAddr uint64
	if text := ef.Section(".text"); text != nil {
		textAddr = text.Addr
	}
	// PIE binaries may keep the tables in .data.rel.ro
	if pcln := firstELFSection(ef, ".gopclntab", ".data.rel.ro.gopclntab"); pcln != nil {
		pclnData, err := pcln.Data()
		if err != nil {
			return nil, fmt.Errorf("read .gopclntab: %w", err)
		}
		var symtabData []byte
		if symsec := firstELFSection(ef, ".gosymtab", ".data.rel.ro.gosymtab"); symsec != nil {
			if d, err := symsec.Data(); err == nil {
				symtabData = d
			}
		}
		data.GoSymTab = newGoSymTable(symtabData, pclnData, textAddr)
	}

	if dwarfData, err := ef.DWARF(); err != nil {
		slog.Debug("DWARF data not available", "error", err)
	} else {
		data.DwarfData = dwarfData
	}

	data.ElfSymbols = elfFuncSymbols(ef)
	return data, nil
}

func firstELFSection(ef *elf.File, names ...string) *elf.Section {
	for _, name := range names {
		if s := ef.Section(name); s != nil {
			return s
		}
	}
	return nil
}

func elfFuncSymbols(ef *elf.File) []elf.Symbol {
	var syms []elf.Symbol
	for _, read := range []func() ([]elf.Symbol, error){ef.Symbols, ef.DynamicSymbols} {
		st, err := read()
		if err != nil {
			continue
		}
		for _, s := range st {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 && s.Size != 0 {
				syms = append(syms, s)
			}
		}
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	return syms
}

func loadPE(pf *pe.File) *SymbolData {
	data := &SymbolData{}

	var imageBase uint64
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		imageBase = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		imageBase = oh.ImageBase
	}
	var textAddr uint64
	if text := pf.Section(".text"); text != nil {
		textAddr = imageBase + uint64(text.VirtualAddress)
	}
	if pclnData, err := peSymbolRange(pf, "runtime.pclntab", "runtime.epclntab"); err != nil {
		slog.Debug("Go line table not available", "error", err)
	} else {
		data.GoSymTab = newGoSymTable(nil, pclnData, textAddr)
	}

	if dwarfData, err := pf.DWARF(); err != nil {
		slog.Debug("DWARF data not available", "error", err)
	} else {
		data.DwarfData = dwarfData
	}
	return data
}

// peSymbolRange returns the section bytes between two COFF symbols.
func peSymbolRange(pf *pe.File, start, end string) ([]byte, error) {
	var ssym, esym *pe.Symbol
	for _, s := range pf.Symbols {
		switch s.Name {
		case start:
			ssym = s
		case end:
			esym = s
		}
	}
	if ssym == nil || esym == nil {
		return nil, fmt.Errorf("no %s/%s symbols", start, end)
	}
	if ssym.SectionNumber != esym.SectionNumber || ssym.SectionNumber <= 0 || int(ssym.SectionNumber) > len(pf.Sections) {
		return nil, fmt.Errorf("%s and %s are not in the same section", start, end)
	}
	raw, err := pf.Sections[ssym.SectionNumber-1].Data()
	if err != nil {
		return nil, err
	}
	if esym.Value < ssym.Value || int(esym.Value) > len(raw) {
		return nil, fmt.Errorf("%s/%s out of section bounds", start, end)
	}
	return raw[ssym.Value:esym.Value], nil
}

func loadMachO(mf *macho.File) *SymbolData {
	data := &SymbolData{}

	var textAddr uint64
	if text := mf.Section("__text"); text != nil {
		textAddr = text.Addr
	}
	if pcln := mf.Section("__gopclntab"); pcln != nil {
		if pclnData, err := pcln.Data(); err != nil {
			slog.Debug("Go line table not available", "error", err)
		} else {
			data.GoSymTab = newGoSymTable(nil, pclnData, textAddr)
		}
	}

	if dwarfData, err := mf.DWARF(); err != nil {
		slog.Debug("DWARF data not available", "error", err)
	} else {
		data.DwarfData = dwarfData
	}
	return data
}

func newGoSymTable(symtab, pcln []byte, textAddr uint64) *gosym.Table {
	lt := gosym.NewLineTable(pcln, textAddr)
	// PCToFunc works without a symtab since Go 1.2 embeds function names in the pclntab.
	tab, err := gosym.NewTable(symtab, lt)
	if err != nil {
		slog.Debug("Go line table not available", "error", err)
		return nil
	}
	return tab
}
