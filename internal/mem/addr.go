// Package mem implements the physical page pool, the AArch64 translation
// tables, and the page cache (spec §4.1, §4.2, §4.5).
package mem

import "fmt"

// PageSize is the fixed frame size the whole kernel core assumes.
const PageSize = 4096

// kernelVirtualBase is the fixed high-half offset at which all of
// physical memory is mapped, per spec §3:
// KernelVirtualAddress = PhysicalAddress | 0xFFFF_0000_0000_0000.
// Grounded on original_source/kernel/src/arch/aarch64/types.rs.
const kernelVirtualBase uint64 = 0xFFFF_0000_0000_0000

// PhysicalAddress is a byte offset into physical memory.
type PhysicalAddress uint64

// VirtualAddress is a byte offset in a process's (or the kernel's own)
// virtual address space.
type VirtualAddress uint64

// KernelVirtualAddress is a virtual address in the kernel's high half,
// which always corresponds 1:1 to a PhysicalAddress via the direct map.
type KernelVirtualAddress uint64

// NewPhysicalAddress constructs a PhysicalAddress, panicking if the
// kernel-space bit is already set — a physical address can never carry
// that bit, matching the original's "physical address is using kernel
// space" panic.
func NewPhysicalAddress(raw uint64) PhysicalAddress {
	if raw&kernelVirtualBase != 0 {
		panic(fmt.Sprintf("mem: physical address %#x is using kernel space", raw))
	}
	return PhysicalAddress(raw)
}

// ToKernel converts a PhysicalAddress to its direct-mapped kernel virtual
// address by OR-ing in the high-half base.
func (p PhysicalAddress) ToKernel() KernelVirtualAddress {
	return KernelVirtualAddress(uint64(p) | kernelVirtualBase)
}

// ToPhysical strips the kernel direct-map base, recovering the underlying
// physical address.
func (k KernelVirtualAddress) ToPhysical() PhysicalAddress {
	return PhysicalAddress(uint64(k) &^ kernelVirtualBase)
}

// Add returns p+n.
func (p PhysicalAddress) Add(n uint64) PhysicalAddress { return PhysicalAddress(uint64(p) + n) }

// Sub returns p-n.
func (p PhysicalAddress) Sub(n uint64) PhysicalAddress { return PhysicalAddress(uint64(p) - n) }

// AlignDown rounds v down to the nearest multiple of align (a power of two).
func AlignDown(v, align uint64) uint64 { return v &^ (align - 1) }

// AlignUp rounds v up to the nearest multiple of align (a power of two).
func AlignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// AlignDown rounds a virtual address down to a page boundary.
func (v VirtualAddress) AlignDown(align uint64) VirtualAddress {
	return VirtualAddress(AlignDown(uint64(v), align))
}

// AlignUp rounds a virtual address up to a page boundary.
func (v VirtualAddress) AlignUp(align uint64) VirtualAddress {
	return VirtualAddress(AlignUp(uint64(v), align))
}

// Add returns v+n.
func (v VirtualAddress) Add(n uint64) VirtualAddress { return VirtualAddress(uint64(v) + n) }

// OffsetFromAlign returns v's offset past the last align-boundary below it.
func (v VirtualAddress) OffsetFromAlign(align uint64) uint64 {
	return uint64(v) - AlignDown(uint64(v), align)
}
