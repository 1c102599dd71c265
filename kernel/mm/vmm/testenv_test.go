package vmm

import (
	"testing"
	"unsafe"

	"nexos/kernel"
	"nexos/kernel/mm"
	"nexos/kernel/mm/pmm"
)

// testEnv provides a heap-backed stand-in for physical memory: an aligned
// arena whose "physical" address space starts at frame 0, an allocator
// handing out zeroed frames from it, and an identity-plus-base PhysToVirt.
// It installs a 3-level, 4KiB-page, 512-entries-per-table stand-in
// architecture so tests stay independent of the build machine's paging
// depth.
type testEnv struct {
	backing []byte
	base    uintptr

	nrFrames  uint
	nextFrame mm.Frame
	freeList  []mm.Frame

	allocCount   int
	deallocCount int
	deallocLog   []mm.Frame
}

var errTestOutOfFrames = &kernel.Error{Module: "vmm_test", Message: "test arena out of frames"}

func newTestEnv(t *testing.T, nrFrames uint) *testEnv {
	t.Helper()

	env := &testEnv{
		backing:  make([]byte, (uintptr(nrFrames)+1)*mm.PageSize),
		nrFrames: nrFrames,
	}
	env.base = (uintptr(unsafe.Pointer(&env.backing[0])) + mm.PageSize - 1) & ^(mm.PageSize - 1)

	var (
		origPaging     = paging
		origPanicFn    = panicFn
		origFlushEntry = flushTLBEntryFn
		origFlushFull  = flushTLBFullFn
		origSwitch     = switchPTFn
		origActive     = activePTFn
	)
	t.Cleanup(func() {
		paging = origPaging
		panicFn = origPanicFn
		flushTLBEntryFn = origFlushEntry
		flushTLBFullFn = origFlushFull
		switchPTFn = origSwitch
		activePTFn = origActive
		activeRootFrame = mm.InvalidFrame
		bootPTAdopted = false
		bootPTRetired = false
		bootPTUsers = 0
		mm.SetFrameProvider(nil, nil, nil)
	})

	paging = pagingConsts{nrLevels: 3, highestLeafLevel: 2, vaWidth: 39}
	panicFn = func(e interface{}) { panic(e) }
	flushTLBEntryFn = func(uintptr) {}
	flushTLBFullFn = func() {}
	switchPTFn = func(uintptr) {}
	activeRootFrame = mm.InvalidFrame

	mm.SetFrameProvider(env.allocFrames, env.deallocFrames, env.physToVirt)
	pmm.Init(nrFrames)
	Init(nrFrames)

	return env
}

func (env *testEnv) allocFrames(count uint) (mm.Frame, *kernel.Error) {
	var first mm.Frame

	if count == 1 && len(env.freeList) > 0 {
		first = env.freeList[len(env.freeList)-1]
		env.freeList = env.freeList[:len(env.freeList)-1]
	} else {
		if uint(env.nextFrame)+count > env.nrFrames {
			return mm.InvalidFrame, errTestOutOfFrames
		}
		first = env.nextFrame
		env.nextFrame += mm.Frame(count)
	}

	// The provider contract promises zeroed frames.
	kernel.Memset(env.physToVirt(first.Address()), 0, uintptr(count)*mm.PageSize)
	env.allocCount += int(count)

	return first, nil
}

func (env *testEnv) deallocFrames(first mm.Frame, count uint) {
	for i := uint(0); i < count; i++ {
		env.freeList = append(env.freeList, first+mm.Frame(i))
		env.deallocLog = append(env.deallocLog, first+mm.Frame(i))
	}
	env.deallocCount += int(count)
}

func (env *testEnv) physToVirt(physAddr uintptr) uintptr {
	return env.base + physAddr
}

// allocTrackedFrame hands out an owned frame the way callers of Map do: a
// zeroed frame adopted with a reference count of one.
func (env *testEnv) allocTrackedFrame(t *testing.T) mm.Frame {
	t.Helper()

	frame, err := env.allocFrames(1)
	if err != nil {
		t.Fatal(err)
	}
	pmm.Adopt(frame)
	return frame
}

// expectFatal asserts that fn trips the fatal invariant path with expErr.
func expectFatal(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if got := recover(); got != expErr {
			t.Fatalf("expected fatal error %v; got %v", expErr, got)
		}
	}()
	fn()
}

// userPT builds an empty user-mode page table or fails the test.
func userPT(t *testing.T) *PageTable {
	t.Helper()
	pt, err := Empty(UserMode{})
	if err != nil {
		t.Fatal(err)
	}
	return pt
}

// kernelPT builds an empty kernel-mode page table or fails the test.
func kernelPT(t *testing.T) *PageTable {
	t.Helper()
	pt, err := Empty(KernelMode{})
	if err != nil {
		t.Fatal(err)
	}
	return pt
}
