package vmm

import "ia32os/kernel"

var (
	errEmptyVMA   = &kernel.Error{Module: "vmm", Message: "vma start address must precede its end address"}
	errVMAOverlap = &kernel.Error{Module: "vmm", Message: "vma overlaps with an existing vma"}
	errVMAInUse   = &kernel.Error{Module: "vmm", Message: "vma already belongs to a vma set"}
)

// VMAFlag describes the access permissions of a virtual memory area.
type VMAFlag uint32

// The list of supported VMA permissions.
const (
	VMARead VMAFlag = 1 << iota
	VMAWrite
	VMAExec
)

// VMA describes a contiguous range [Start, End) of linear addresses that
// share the same access permissions.
type VMA struct {
	Start, End uint32
	Flags      VMAFlag

	set *VMASet
}

// NewVMA returns a VMA covering [start, end).
func NewVMA(start, end uint32, flags VMAFlag) *VMA {
	return &VMA{Start: start, End: end, Flags: flags}
}

// Contains returns true if addr falls inside the VMA.
func (vma *VMA) Contains(addr uint32) bool {
	return addr >= vma.Start && addr < vma.End
}

// Set returns the VMA set the VMA has been inserted into.
func (vma *VMA) Set() *VMASet { return vma.set }

// overlaps returns true unless prev is a valid range that ends at or before
// next starts.
func overlaps(prev, next *VMA) bool {
	return !(prev.Start < prev.End && prev.End <= next.Start && next.Start < next.End)
}

// VMASet is an address-ordered collection of non-overlapping VMAs that share
// a page directory.
type VMASet struct {
	vmas  []*VMA
	cache *VMA

	pdt *PageDirectoryTable

	// swapData holds per-set state owned by the page replacement policy.
	swapData interface{}
}

// NewVMASet returns an empty VMA set backed by the supplied page directory.
func NewVMASet(pdt *PageDirectoryTable) *VMASet {
	return &VMASet{pdt: pdt}
}

// PageDirectory returns the page directory backing the set.
func (set *VMASet) PageDirectory() *PageDirectoryTable { return set.pdt }

// SetPageDirectory replaces the page directory backing the set.
func (set *VMASet) SetPageDirectory(pdt *PageDirectoryTable) { set.pdt = pdt }

// SwapData returns the page replacement policy state attached to the set.
func (set *VMASet) SwapData() interface{} { return set.swapData }

// SetSwapData attaches page replacement policy state to the set.
func (set *VMASet) SetSwapData(data interface{}) { set.swapData = data }

// Len returns the number of VMAs in the set.
func (set *VMASet) Len() int { return len(set.vmas) }

// Insert adds a VMA to the set keeping the set ordered by start address.
// Inserting an empty VMA or a VMA that overlaps one of its neighbors panics.
func (set *VMASet) Insert(vma *VMA) {
	if vma.Start >= vma.End {
		panic(errEmptyVMA)
	}

	if vma.set != nil {
		panic(errVMAInUse)
	}

	pos := 0
	for ; pos < len(set.vmas); pos++ {
		if set.vmas[pos].Start > vma.Start {
			break
		}
	}

	if pos > 0 && overlaps(set.vmas[pos-1], vma) {
		panic(errVMAOverlap)
	}

	if pos < len(set.vmas) && overlaps(vma, set.vmas[pos]) {
		panic(errVMAOverlap)
	}

	set.vmas = append(set.vmas, nil)
	copy(set.vmas[pos+1:], set.vmas[pos:])
	set.vmas[pos] = vma
	vma.set = set
}

// Find returns the VMA that contains addr or nil if addr does not belong to
// any VMA in the set. The last VMA returned by Find is cached and checked
// first on the next lookup.
func (set *VMASet) Find(addr uint32) *VMA {
	if set == nil {
		return nil
	}

	if set.cache != nil && set.cache.Contains(addr) {
		return set.cache
	}

	for _, vma := range set.vmas {
		if vma.Contains(addr) {
			set.cache = vma
			return vma
		}
	}

	return nil
}

// Visit invokes visitor for each VMA in ascending address order. The visitor
// must return true to continue or false to abort the scan.
func (set *VMASet) Visit(visitor func(*VMA) bool) {
	for _, vma := range set.vmas {
		if !visitor(vma) {
			return
		}
	}
}

// Destroy detaches every VMA from the set and clears it. The page directory
// is left untouched.
func (set *VMASet) Destroy() {
	for _, vma := range set.vmas {
		vma.set = nil
	}

	set.vmas = nil
	set.cache = nil
	set.swapData = nil
}
