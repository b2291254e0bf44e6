package vmm

import (
	"io"

	"ia32os/kernel/kfmt"
	"ia32os/kernel/mm"
)

// permString renders the user, read and write permissions of an entry.
func permString(flags PageTableEntryFlag) string {
	perm := []byte("-r-")
	if flags&FlagUserAccessible != 0 {
		perm[0] = 'u'
	}
	if flags&FlagRW != 0 {
		perm[2] = 'w'
	}
	return string(perm)
}

// Dump writes a summary of the mappings in [start, end) to w. Consecutive
// directory and table entries with identical permissions are collapsed into a
// single line. An end value of zero selects the top of the address space.
func (pdt *PageDirectoryTable) Dump(w io.Writer, start, end uint32) {
	var (
		lo   = uint64(start)
		hi   = uint64(end)
		span = uint64(mm.PageTableSpan)
		ptes = &kfmt.PrefixWriter{Sink: w, Prefix: []byte("  |-- ")}
	)

	if hi == 0 {
		hi = 1 << 32
	}

	kfmt.Fprintf(w, "-------------------- BEGIN --------------------\n")
	for dir, lastDir := lo/span, (hi+span-1)/span; dir < lastDir; {
		perm, ok := pdt.dirPerm(dir)
		if !ok {
			dir++
			continue
		}

		groupEnd := dir + 1
		for groupEnd < lastDir {
			if next, ok := pdt.dirPerm(groupEnd); !ok || next != perm {
				break
			}
			groupEnd++
		}

		left, right := dir*span, groupEnd*span
		kfmt.Fprintf(w, "PDE(%03x) %08x-%08x %08x %s\n", groupEnd-dir, left, right, right-left, permString(perm))

		firstPage, lastPage := max(left, lo)>>mm.PageShift, (min(right, hi)+uint64(mm.PageSize)-1)>>mm.PageShift
		for page := firstPage; page < lastPage; {
			perm, ok := pdt.pagePerm(page)
			if !ok {
				page++
				continue
			}

			runEnd := page + 1
			for runEnd < lastPage {
				if next, ok := pdt.pagePerm(runEnd); !ok || next != perm {
					break
				}
				runEnd++
			}

			l, r := page<<mm.PageShift, runEnd<<mm.PageShift
			kfmt.Fprintf(ptes, "PTE(%05x) %08x-%08x %08x %s\n", runEnd-page, l, r, r-l, permString(perm))
			page = runEnd
		}

		dir = groupEnd
	}
	kfmt.Fprintf(w, "--------------------- END ---------------------\n")
}

// dirPerm returns the permissions of a present directory entry.
func (pdt *PageDirectoryTable) dirPerm(dir uint64) (PageTableEntryFlag, bool) {
	pde := pdt.entryAt(pdt.pdtFrame, uint32(dir))
	if !pde.HasFlags(FlagPresent) {
		return 0, false
	}
	return pde.Flags() & FlagUser, true
}

// pagePerm returns the permissions of a present page table entry. Pages
// backed by huge directory entries are not listed.
func (pdt *PageDirectoryTable) pagePerm(page uint64) (PageTableEntryFlag, bool) {
	pde := pdt.entryAt(pdt.pdtFrame, uint32(page/mm.EntriesPerTable))
	if !pde.HasFlags(FlagPresent) || pde.HasFlags(FlagHugePage) {
		return 0, false
	}

	pte := pdt.entryAt(pde.Frame(), uint32(page%mm.EntriesPerTable))
	if !pte.HasFlags(FlagPresent) {
		return 0, false
	}
	return pte.Flags() & FlagUser, true
}
