// Package multiboot decodes the boot information block that a multiboot2
// compliant bootloader passes to the kernel.
package multiboot

import "encoding/binary"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the header that precedes the first tag:
	// the total size of the info block followed by a reserved dword.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size dwords that precede
	// the contents of every tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size and entry version dwords
	// that precede the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of the memory map entry fields we decode.
	mmapEntrySize = 20
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	infoData []byte
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// SetInfo updates the multiboot information block used by this package. This
// function must be invoked before invoking any other function exported by
// this package.
func SetInfo(data []byte) {
	infoData = data
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	mmap := findTagByType(tagMemoryMap)
	if len(mmap) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(mmap))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for offset := mmapHeaderSize; offset+entrySize <= len(mmap); offset += entrySize {
		raw := mmap[offset:]
		entry.PhysAddress = binary.LittleEndian.Uint64(raw)
		entry.Length = binary.LittleEndian.Uint64(raw[8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(raw[16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// findTagByType scans the multiboot info data looking for the first tag of the
// specified type. It returns the tag contents excluding the tag header or nil
// if the tag is not present or the info block is truncated.
func findTagByType(wanted tagType) []byte {
	if len(infoData) < infoHeaderSize {
		return nil
	}

	for offset := infoHeaderSize; offset+tagHeaderSize <= len(infoData); {
		curType := tagType(binary.LittleEndian.Uint32(infoData[offset:]))
		size := int(binary.LittleEndian.Uint32(infoData[offset+4:]))
		if curType == tagMbSectionEnd || size < tagHeaderSize || offset+size > len(infoData) {
			return nil
		}

		if curType == wanted {
			return infoData[offset+tagHeaderSize : offset+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	return nil
}
