package vmm

// amd64 page-table entry bits. Bits 12-51 carry the physical address; bits
// 9-11 are ignored by the MMU and available to software.
const (
	x86BitPresent      pte = 1 << 0
	x86BitWrite        pte = 1 << 1
	x86BitUser         pte = 1 << 2
	x86BitWriteThrough pte = 1 << 3
	x86BitNoCache      pte = 1 << 4
	x86BitAccessed     pte = 1 << 5
	x86BitDirty        pte = 1 << 6
	x86BitHuge         pte = 1 << 7
	x86BitGlobal       pte = 1 << 8
	x86BitBootAlloc    pte = 1 << 9
	x86BitNoExecute    pte = 1 << 63

	x86PhysAddrMask = pte(0x000ffffffffff000)
)

// x86Codec implements the pteCodec contract for the amd64 page-table entry
// format. amd64 has no dedicated read or execute-enable bits: readability
// follows from presence and executability from a cleared NX bit.
type x86Codec struct{}

func (x86Codec) newAbsent() pte { return 0 }

func (x86Codec) newPage(physAddr uintptr, level uint8, prop PageProperty) pte {
	e := pte(physAddr)&x86PhysAddrMask | x86BitPresent | x86BitNoExecute

	if level > 1 {
		e |= x86BitHuge
	}

	if prop.Flags&FlagWrite != 0 {
		e |= x86BitWrite
	}
	if prop.Flags&FlagExecute != 0 {
		e &= ^x86BitNoExecute
	}
	if prop.Flags&FlagAccessed != 0 {
		e |= x86BitAccessed
	}
	if prop.Flags&FlagDirty != 0 {
		e |= x86BitDirty
	}
	if prop.Flags&FlagUser != 0 {
		e |= x86BitUser
	}
	if prop.Flags&FlagGlobal != 0 {
		e |= x86BitGlobal
	}

	switch prop.Cache {
	case CacheWriteThrough:
		e |= x86BitWriteThrough
	case CacheUncacheable:
		e |= x86BitNoCache
	}

	return e
}

func (x86Codec) newTable(physAddr uintptr) pte {
	// Child-table pointers stay permissive; access control is enforced
	// by the leaf entries below them.
	return pte(physAddr)&x86PhysAddrMask | x86BitPresent | x86BitWrite | x86BitUser
}

func (x86Codec) isPresent(e pte) bool { return e&x86BitPresent != 0 }

func (x86Codec) physAddr(e pte) uintptr { return uintptr(e & x86PhysAddrMask) }

func (x86Codec) prop(e pte) PageProperty {
	var prop PageProperty

	prop.Flags = FlagRead
	if e&x86BitWrite != 0 {
		prop.Flags |= FlagWrite
	}
	if e&x86BitNoExecute == 0 {
		prop.Flags |= FlagExecute
	}
	if e&x86BitAccessed != 0 {
		prop.Flags |= FlagAccessed
	}
	if e&x86BitDirty != 0 {
		prop.Flags |= FlagDirty
	}
	if e&x86BitUser != 0 {
		prop.Flags |= FlagUser
	}
	if e&x86BitGlobal != 0 {
		prop.Flags |= FlagGlobal
	}

	switch {
	case e&x86BitWriteThrough != 0:
		prop.Cache = CacheWriteThrough
	case e&x86BitNoCache != 0:
		prop.Cache = CacheUncacheable
	default:
		prop.Cache = CacheWriteBack
	}

	return prop
}

func (c x86Codec) setProp(e pte, level uint8, prop PageProperty) pte {
	if !c.isPresent(e) || !c.isLast(e, level) {
		return e
	}

	fresh := c.newPage(c.physAddr(e), level, prop)

	// Preserve the software bits the property rewrite must not disturb.
	return fresh | e&x86BitBootAlloc
}

func (c x86Codec) isLast(e pte, level uint8) bool {
	if level == 1 {
		return c.isPresent(e)
	}
	return e&x86BitHuge != 0
}

func (x86Codec) setBootAlloc(e pte, on bool) pte {
	if on {
		return e | x86BitBootAlloc
	}
	return e & ^x86BitBootAlloc
}

func (x86Codec) isBootAlloc(e pte) bool { return e&x86BitBootAlloc != 0 }
