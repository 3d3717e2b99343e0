package arena

import "testing"

func TestMemoryTierFreeRemovesFromBothIndices(t *testing.T) {
	tier := NewMemoryTier(New(0, 1<<20))

	addr, err := tier.AllocateForTask(100, 7, 1024)
	if err != nil {
		t.Fatalf("AllocateForTask() error = %v", err)
	}
	if tier.UsedByProcess(100) != 1 {
		t.Fatalf("UsedByProcess = %d, want 1", tier.UsedByProcess(100))
	}

	if !tier.Free(100, addr) {
		t.Fatal("Free() = false, want true")
	}
	if tier.UsedByProcess(100) != 0 {
		t.Errorf("UsedByProcess = %d, want 0 after Free", tier.UsedByProcess(100))
	}
	if n := tier.FreeTaskMemory(100, 7); n != 0 {
		t.Errorf("FreeTaskMemory after Free = %d, want 0 (already freed)", n)
	}
}

func TestMemoryTierFreeTaskMemoryAlsoClearsPIDIndex(t *testing.T) {
	tier := NewMemoryTier(New(0, 1<<20))

	a1, _ := tier.AllocateForTask(1, 9, 512)
	a2, _ := tier.AllocateForTask(1, 9, 512)
	_, _ = tier.Allocate(1, 512) // legacy PID-scoped, not under task 9

	if got := tier.UsedByProcess(1); got != 3 {
		t.Fatalf("UsedByProcess = %d, want 3", got)
	}

	n := tier.FreeTaskMemory(1, 9)
	if n != 2 {
		t.Errorf("FreeTaskMemory() = %d, want 2", n)
	}
	if got := tier.UsedByProcess(1); got != 1 {
		t.Errorf("UsedByProcess = %d, want 1 (legacy alloc survives)", got)
	}
	if tier.Free(1, a1) || tier.Free(1, a2) {
		t.Error("task addresses should already be gone from the PID index")
	}
}

func TestMemoryTierFreeAllForProcess(t *testing.T) {
	tier := NewMemoryTier(New(0, 1<<20))

	tier.Allocate(5, 256)
	tier.AllocateForTask(5, 1, 256)
	tier.AllocateForTask(5, 2, 256)

	n := tier.FreeAllForProcess(5)
	if n != 3 {
		t.Errorf("FreeAllForProcess() = %d, want 3", n)
	}
	if tier.UsedByProcess(5) != 0 {
		t.Error("process should own nothing after FreeAllForProcess")
	}

	a := tier.Arena()
	info := a.FragmentationInfo()
	if info.Count != 1 {
		t.Errorf("arena should be fully coalesced back to one free node, got %d", info.Count)
	}
}

func TestMemoryTierFreeUnknownAddrIsNoop(t *testing.T) {
	tier := NewMemoryTier(New(0, 4096))
	if tier.Free(1, 123) {
		t.Error("Free() of unowned address should return false")
	}
}
