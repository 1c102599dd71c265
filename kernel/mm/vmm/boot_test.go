package vmm

import (
	"testing"

	"nexos/kernel"
	"nexos/kernel/mm"
)

// firmwareTable is a hand-built table shaped like what a loader typically
// hands over: a root with a shared mid-level node reachable through two
// entries (a DAG, not a tree), a huge identity-style leaf and one leaf table.
// None of its frames go through the pmm; the boot table predates it.
type firmwareTable struct {
	root, mid, leafTab mm.Frame
	hugePhys           uintptr
}

func buildFirmwareTable(t *testing.T) *firmwareTable {
	t.Helper()

	fw := &firmwareTable{hugePhys: 0x40000000}

	var err *kernel.Error
	if fw.root, err = mm.AllocFrames(1); err != nil {
		t.Fatal(err)
	}
	if fw.mid, err = mm.AllocFrames(1); err != nil {
		t.Fatal(err)
	}
	if fw.leafTab, err = mm.AllocFrames(1); err != nil {
		t.Fatal(err)
	}

	// Entry 5 of the leaf table maps one base page.
	rawStore(fw.leafTab, 5, codec.newPage(0x9000, 1, PropRW()))

	// The mid node holds a huge leaf and a pointer to the leaf table, the
	// latter wearing a stale self-allocated mark the loader left behind.
	rawStore(fw.mid, 0, codec.newPage(fw.hugePhys, 2, PropRW()))
	rawStore(fw.mid, 1, codec.setBootAlloc(codec.newTable(fw.leafTab.Address()), true))

	// The root reaches the mid node through two entries.
	rawStore(fw.root, 0, codec.setBootAlloc(codec.newTable(fw.mid.Address()), true))
	rawStore(fw.root, 1, codec.newTable(fw.mid.Address()))

	activePTFn = func() uintptr { return fw.root.Address() }

	return fw
}

func (fw *firmwareTable) frames() []mm.Frame {
	return []mm.Frame{fw.root, fw.mid, fw.leafTab}
}

func TestAdoptBootPageTable(t *testing.T) {
	newTestEnv(t, 64)
	fw := buildFirmwareTable(t)

	AdoptBootPageTable(1)

	// Whatever marks the loader left behind are gone: only nodes this
	// component allocates itself may carry one.
	if codec.isBootAlloc(rawLoad(fw.root, 0)) || codec.isBootAlloc(rawLoad(fw.mid, 1)) {
		t.Fatal("expected adoption to clear stale self-allocation marks")
	}

	expectFatal(t, errBootAdoptedTwice, func() { AdoptBootPageTable(1) })
}

func TestBootMapBasePage(t *testing.T) {
	newTestEnv(t, 64)
	fw := buildFirmwareTable(t)

	bpt := AdoptBootPageTable(1)

	mapFrame, err := mm.AllocFrames(1)
	if err != nil {
		t.Fatal(err)
	}

	// 8 GiB: an entirely unpopulated root entry.
	const virtAddr = uintptr(8 << 30)
	if err = bpt.MapBasePage(virtAddr, mapFrame, PropRW()); err != nil {
		t.Fatal(err)
	}

	// The intermediate nodes built on the way down carry the
	// self-allocated mark on the pointers naming them.
	rootRaw := rawLoad(fw.root, ptIndex(virtAddr, 3))
	if !codec.isPresent(rootRaw) || !codec.isBootAlloc(rootRaw) {
		t.Fatalf("expected a marked pointer at the root; got %x", rootRaw)
	}

	midFrame := mm.FrameFromAddress(codec.physAddr(rootRaw))
	midRaw := rawLoad(midFrame, ptIndex(virtAddr, 2))
	if !codec.isPresent(midRaw) || !codec.isBootAlloc(midRaw) {
		t.Fatalf("expected a marked pointer at the mid level; got %x", midRaw)
	}

	leafRaw := rawLoad(mm.FrameFromAddress(codec.physAddr(midRaw)), ptIndex(virtAddr, 1))
	if codec.physAddr(leafRaw) != mapFrame.Address() {
		t.Fatalf("expected the leaf to map frame %d; got %x", mapFrame, leafRaw)
	}

	expectFatal(t, errAlreadyMapped, func() { bpt.MapBasePage(virtAddr, mapFrame, PropRW()) })
}

func TestBootProtectSplitsHugeLeaf(t *testing.T) {
	newTestEnv(t, 64)
	fw := buildFirmwareTable(t)

	bpt := AdoptBootPageTable(1)

	dropWrite := func(prop *PageProperty) { prop.Flags &= ^FlagWrite }
	if err := bpt.ProtectBasePage(0x3000, dropWrite); err != nil {
		t.Fatal(err)
	}

	// The huge firmware leaf was split into a marked child table.
	midRaw := rawLoad(fw.mid, 0)
	if codec.isLast(midRaw, 2) {
		t.Fatal("expected the huge leaf to be split into a child table")
	}
	if !codec.isBootAlloc(midRaw) {
		t.Fatal("expected the split child to be marked as self-allocated")
	}

	// Only the protected page changed and the split preserved every
	// translation.
	split := mm.FrameFromAddress(codec.physAddr(midRaw))
	for _, idx := range []uintptr{2, 3, 4} {
		raw := rawLoad(split, idx)
		if got := codec.physAddr(raw); got != fw.hugePhys+idx*mm.PageSize {
			t.Fatalf("expected entry %d to translate to %x; got %x", idx, fw.hugePhys+idx*mm.PageSize, got)
		}

		wantWrite := idx != 3
		if got := codec.prop(raw).Flags&FlagWrite != 0; got != wantWrite {
			t.Fatalf("unexpected write flag on entry %d: %x", idx, raw)
		}
	}

	expectFatal(t, errNotMapped, func() {
		bpt.ProtectBasePage(uintptr(16<<30), dropWrite)
	})
}

func TestBootRetire(t *testing.T) {
	env := newTestEnv(t, 64)
	fw := buildFirmwareTable(t)

	bpt := AdoptBootPageTable(2)

	mapFrame, err := mm.AllocFrames(1)
	if err != nil {
		t.Fatal(err)
	}
	if err = bpt.MapBasePage(uintptr(8<<30), mapFrame, PropRW()); err != nil {
		t.Fatal(err)
	}
	if err = bpt.ProtectBasePage(0x3000, func(*PageProperty) {}); err != nil {
		t.Fatal(err)
	}

	// Three nodes were self-allocated: two on the way to the new mapping
	// and one by the huge-leaf split.
	selfAllocated := env.allocCount - len(fw.frames()) - 1

	// The first of two CPUs retiring keeps the table alive.
	bpt.Retire()
	if err = bpt.ProtectBasePage(0x3000, func(*PageProperty) {}); err != nil {
		t.Fatal(err)
	}

	bpt.Retire()

	// Teardown frees exactly the self-allocated nodes: firmware nodes,
	// mapped data pages and the huge target range are not ours to free,
	// and the shared mid node reached through two root entries is walked
	// safely.
	if len(env.deallocLog) != selfAllocated {
		t.Fatalf("expected %d frames to be returned; got %v", selfAllocated, env.deallocLog)
	}
	returned := map[mm.Frame]bool{}
	for _, frame := range env.deallocLog {
		returned[frame] = true
	}
	for _, frame := range fw.frames() {
		if returned[frame] {
			t.Fatalf("expected firmware frame %d to survive teardown", frame)
		}
	}
	if returned[mapFrame] {
		t.Fatal("expected the mapped data frame to survive teardown")
	}

	// Every pointer entry was rewritten to absent before teardown
	// recursed through it.
	for idx := uintptr(0); idx < tableEntryCount; idx++ {
		if codec.isPresent(rawLoad(fw.root, idx)) {
			t.Fatalf("expected root entry %d to be absent after teardown", idx)
		}
	}

	expectFatal(t, errBootRetired, func() { bpt.MapBasePage(0x5000, mapFrame, PropRW()) })
	expectFatal(t, errBootRetired, func() { bpt.Retire() })
}
