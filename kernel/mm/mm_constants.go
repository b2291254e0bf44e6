package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uint32(1 << PageShift)

	// EntriesPerTable is the number of 32-bit entries in a page directory
	// or page table.
	EntriesPerTable = 1024

	// PageTableShift is equal to log2(PageTableSpan).
	PageTableShift = 22

	// PageTableSpan is the size of the linear address range mapped by a
	// single page directory entry (4M).
	PageTableSpan = PageSize * EntriesPerTable

	// MaxPhysicalMemory is the ceiling for the amount of physical memory
	// that the kernel is able to manage. Memory map regions above this
	// limit are ignored.
	MaxPhysicalMemory = Size(0x38000000)

	// KernelStackPages is the number of pages in a kernel stack.
	KernelStackPages = 2

	// KernelStackSize is the size of a kernel stack in bytes.
	KernelStackSize = Size(KernelStackPages) * Size(PageSize)
)
