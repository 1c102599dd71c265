package vmm

import "testing"

func TestCodecAbsentEntry(t *testing.T) {
	c := x86Codec{}

	if got := c.newAbsent(); got != 0 {
		t.Fatalf("expected the absent entry to use the zero pattern; got %x", got)
	}
	if c.isPresent(c.newAbsent()) {
		t.Fatal("expected the absent entry to be reported as not present")
	}
	if got := c.setProp(c.newAbsent(), 1, PropRW()); got != c.newAbsent() {
		t.Fatalf("expected setProp to be a no-op for absent entries; got %x", got)
	}
}

func TestCodecPageRoundTrip(t *testing.T) {
	c := x86Codec{}

	specs := []struct {
		descr    string
		physAddr uintptr
		level    uint8
		prop     PageProperty
	}{
		{"rw base page", 0x2000, 1, PropRW()},
		{"ro user page", 0x1234000, 1, PageProperty{Flags: FlagRead | FlagUser, Cache: CacheWriteBack}},
		{"rwx global page", 0xa000, 1, PageProperty{Flags: FlagRead | FlagWrite | FlagExecute | FlagGlobal, Cache: CacheWriteBack}},
		{"uncached device page", 0xfee00000, 1, PageProperty{Flags: FlagRead | FlagWrite, Cache: CacheUncacheable}},
		{"write-through page", 0xb8000, 1, PageProperty{Flags: FlagRead | FlagWrite, Cache: CacheWriteThrough}},
		{"huge rw page", 0x40000000, 2, PropRW()},
		{"accessed dirty page", 0x3000, 1, PageProperty{Flags: FlagRead | FlagWrite | FlagAccessed | FlagDirty, Cache: CacheWriteBack}},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			e := c.newPage(spec.physAddr, spec.level, spec.prop)

			if !c.isPresent(e) {
				t.Fatal("expected a new page entry to be present")
			}
			if !c.isLast(e, spec.level) {
				t.Fatalf("expected the entry to be a leaf at level %d", spec.level)
			}
			if got := c.physAddr(e); got != spec.physAddr {
				t.Fatalf("expected physical address %x; got %x", spec.physAddr, got)
			}
			if got := c.prop(e); got != spec.prop {
				t.Fatalf("expected property %+v; got %+v", spec.prop, got)
			}
		})
	}
}

func TestCodecHugeBitOnlyAboveLevelOne(t *testing.T) {
	c := x86Codec{}

	if e := c.newPage(0x1000, 1, PropRW()); e&x86BitHuge != 0 {
		t.Fatal("base-page entries must not carry the huge-page bit")
	}
	if e := c.newPage(0x200000, 2, PropRW()); e&x86BitHuge == 0 {
		t.Fatal("level-2 leaf entries must carry the huge-page bit")
	}
}

func TestCodecTableEntry(t *testing.T) {
	c := x86Codec{}
	e := c.newTable(0x5000)

	if !c.isPresent(e) {
		t.Fatal("expected a table entry to be present")
	}
	if c.isLast(e, 2) {
		t.Fatal("expected a table entry above level 1 to not be a leaf")
	}
	if got := c.physAddr(e); got != 0x5000 {
		t.Fatalf("expected physical address 0x5000; got %x", got)
	}
	if got := c.setProp(e, 2, PropRW()); got != e {
		t.Fatalf("expected setProp to be a no-op for table entries; got %x", got)
	}
}

func TestCodecSetProp(t *testing.T) {
	c := x86Codec{}

	e := c.newPage(0x2000, 1, PropRW())
	e = c.setProp(e, 1, PageProperty{Flags: FlagRead, Cache: CacheWriteBack})

	if got := c.prop(e); got.Flags&FlagWrite != 0 {
		t.Fatal("expected setProp to clear the write flag")
	}
	if got := c.physAddr(e); got != 0x2000 {
		t.Fatalf("expected setProp to preserve the physical address; got %x", got)
	}
}

func TestCodecBootAllocBit(t *testing.T) {
	c := x86Codec{}

	e := c.setBootAlloc(c.newTable(0x7000), true)
	if !c.isBootAlloc(e) {
		t.Fatal("expected the boot-allocation bit to be set")
	}

	// Property rewrites must not disturb the software bit.
	leaf := c.setBootAlloc(c.newPage(0x8000, 1, PropRW()), true)
	leaf = c.setProp(leaf, 1, PageProperty{Flags: FlagRead, Cache: CacheWriteBack})
	if !c.isBootAlloc(leaf) {
		t.Fatal("expected setProp to preserve the boot-allocation bit")
	}

	if c.isBootAlloc(c.setBootAlloc(e, false)) {
		t.Fatal("expected the boot-allocation bit to be cleared")
	}
}
