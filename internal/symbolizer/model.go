package symbolizer

import (
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
)

type Symbol struct {
	Name string
	// Addr is the runtime address of the function entry.
	Addr   uint64
	Offset uint64
}

// SymbolData holds the symbol sources of one executable image, in the order
// they are consulted.
type SymbolData struct {
	GoSymTab  *gosym.Table
	DwarfData *dwarf.Data
	// ElfSymbols are sized function symbols sorted by address.
	ElfSymbols []elf.Symbol
}

func (d *SymbolData) empty() bool {
	return d.GoSymTab == nil && d.DwarfData == nil && len(d.ElfSymbols) == 0
}

type MapsReader interface {
	ReadLines() ([]string, error)
}
