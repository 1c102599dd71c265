// Package cpu exports the architecture primitives that the memory management
// code depends on: TLB invalidation and access to the register holding the
// physical address of the active page-table root.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLBFull flushes all non-global TLB entries by reloading the page-table
// root register.
func FlushTLBFull()

// SwitchPageTable sets the page-table root register to point to the specified
// physical address and flushes the TLB.
func SwitchPageTable(rootPhysAddr uintptr)

// ActivePageTable returns the physical address of the currently active
// page-table root.
func ActivePageTable() uintptr
