package flash_btree

import (
	"testing"

	"github.com/ryusei-oka/btree-go-for-flash/storage/mem"
)

// garbageRelocator reports every page as unreachable, which is what a
// medium full of superseded pages looks like to the recycler.
type garbageRelocator struct{}

func (garbageRelocator) IsValid(pnum uint32) (int8, uint32) { return -1, NoPage }
func (garbageRelocator) MovePage(prev, curr uint32, buf []byte) {}
func (garbageRelocator) UpdatePrev(buf []byte, curr uint32) uint32 { return curr }
func (garbageRelocator) Mapping(pnum uint32) uint32 { return pnum }
func (garbageRelocator) DeleteMapping(pnum uint32) {}

func newTestMgr(t *testing.T, pages, pageSize uint32, buffers int, eraseBlock uint32) (*BufMgr, *mem.Medium) {
	t.Helper()
	size := int64(pages) * int64(pageSize)
	medium := mem.New(size)
	mgr := NewBufMgr(medium, pageSize, buffers, 0, size, eraseBlock)
	mgr.SetRelocator(garbageRelocator{})
	if err := mgr.Format(); err != BTErrOk {
		t.Fatalf("Format() = %v, want %v", err, BTErrOk)
	}
	return mgr, medium
}

func TestNewBufMgr(t *testing.T) {
	mgr, _ := newTestMgr(t, 64, 512, 4, 8)

	if mgr.TotalDataPages() != 64 {
		t.Errorf("TotalDataPages() = %d, want 64", mgr.TotalDataPages())
	}

	for i := 0; i < 3; i++ {
		buf := mgr.Scratch()
		buf.SetPrevId(NoPage)
		buf.SetNextId(NoPage)
		buf.SetCount(i+1, false, false)
		pnum, err := mgr.Write(buf)
		if err != BTErrOk {
			t.Fatalf("Write() = %v, want %v", err, BTErrOk)
		}
		if pnum != Pid(i) {
			t.Errorf("Write() pnum = %d, want %d", pnum, i)
		}
	}

	for i := 0; i < 3; i++ {
		buf := mgr.Read(Pid(i))
		if buf == nil {
			t.Fatalf("Read(%d) failed", i)
		}
		if buf.LogicalId() != uint32(i+1) {
			t.Errorf("logical id = %d, want %d", buf.LogicalId(), i+1)
		}
		if buf.Count() != i+1 {
			t.Errorf("count = %d, want %d", buf.Count(), i+1)
		}
	}
}

func TestBufMgr_logicalIdsIncrease(t *testing.T) {
	mgr, _ := newTestMgr(t, 64, 512, 2, 8)
	last := uint32(0)
	for i := 0; i < 20; i++ {
		buf := mgr.Scratch()
		buf.SetPrevId(NoPage)
		buf.SetNextId(NoPage)
		buf.SetCount(1, false, false)
		if _, err := mgr.Write(buf); err != BTErrOk {
			t.Fatalf("Write() = %v", err)
		}
		if buf.LogicalId() <= last {
			t.Fatalf("logical id %d not above %d", buf.LogicalId(), last)
		}
		last = buf.LogicalId()
	}
}

func TestBufMgr_replacementPolicy(t *testing.T) {
	t.Run("two buffers share slot 1", func(t *testing.T) {
		mgr, _ := newTestMgr(t, 64, 512, 2, 8)
		writePages(t, mgr, 4)
		mgr.Read(1)
		if mgr.bufferPages[1] != 1 {
			t.Errorf("slot 1 holds %d, want 1", mgr.bufferPages[1])
		}
		mgr.Read(2)
		if mgr.bufferPages[1] != 2 {
			t.Errorf("slot 1 holds %d, want 2", mgr.bufferPages[1])
		}
	})

	t.Run("root lives in slot 1", func(t *testing.T) {
		mgr, _ := newTestMgr(t, 64, 512, 4, 8)
		writePages(t, mgr, 4)
		mgr.activePath[0] = 2
		mgr.Read(2)
		if mgr.bufferPages[1] != 2 {
			t.Errorf("slot 1 holds %d, want the root page 2", mgr.bufferPages[1])
		}
		mgr.Read(3)
		if mgr.bufferPages[1] != 2 {
			t.Errorf("non-root read evicted the root from slot 1")
		}
	})

	t.Run("three buffers pin the root and share slot 2", func(t *testing.T) {
		mgr, _ := newTestMgr(t, 64, 512, 3, 8)
		writePages(t, mgr, 4)
		mgr.activePath[0] = 1
		mgr.Read(1)
		mgr.Read(2)
		mgr.Read(3)
		if mgr.bufferPages[1] != 1 {
			t.Errorf("slot 1 holds %d, want 1", mgr.bufferPages[1])
		}
		if mgr.bufferPages[2] != 3 {
			t.Errorf("slot 2 holds %d, want 3", mgr.bufferPages[2])
		}
	})

	t.Run("last hit survives rotation", func(t *testing.T) {
		mgr, _ := newTestMgr(t, 64, 512, 4, 8)
		writePages(t, mgr, 6)
		mgr.Read(1)
		mgr.Read(1) // hit pins page 1's slot
		hitSlot := mgr.lastHit
		mgr.Read(2)
		mgr.Read(3)
		mgr.Read(4)
		if mgr.bufferPages[hitSlot] != 1 {
			t.Errorf("last hit slot %d was evicted", hitSlot)
		}
	})

	t.Run("page zero never hits", func(t *testing.T) {
		mgr, _ := newTestMgr(t, 64, 512, 4, 8)
		writePages(t, mgr, 2)
		mgr.Read(0)
		hits := mgr.stats.BufferHits
		mgr.Read(0)
		if mgr.stats.BufferHits != hits {
			t.Errorf("read of page 0 must not hit")
		}
	})
}

func TestBufMgr_counters(t *testing.T) {
	mgr, _ := newTestMgr(t, 64, 512, 4, 8)
	writePages(t, mgr, 3)
	if mgr.stats.Writes != 3 {
		t.Errorf("writes = %d, want 3", mgr.stats.Writes)
	}
	mgr.Read(1)
	mgr.Read(1)
	if mgr.stats.Reads != 1 || mgr.stats.BufferHits != 1 {
		t.Errorf("reads/hits = %d/%d, want 1/1", mgr.stats.Reads, mgr.stats.BufferHits)
	}
	buf := mgr.Read(2)
	buf.SetCount(7, false, false)
	if err := mgr.Overwrite(buf, 2); err != BTErrOk {
		t.Fatalf("Overwrite() = %v", err)
	}
	if mgr.stats.OverWrites != 1 {
		t.Errorf("overwrites = %d, want 1", mgr.stats.OverWrites)
	}
}

func TestBufMgr_overwritePatchesCache(t *testing.T) {
	mgr, _ := newTestMgr(t, 64, 512, 4, 8)
	writePages(t, mgr, 3)
	cached := mgr.Read(1)
	if cached == nil {
		t.Fatal("Read(1) failed")
	}

	buf := mgr.ReadInto(1, 0)
	buf.SetCount(99, false, false)
	if err := mgr.Overwrite(buf, 1); err != BTErrOk {
		t.Fatalf("Overwrite() = %v", err)
	}
	again := mgr.Read(1)
	if again.Count() != 99 {
		t.Errorf("cached copy not patched: count %d", again.Count())
	}
}

func TestBufMgr_writeBytes(t *testing.T) {
	mgr, _ := newTestMgr(t, 64, 512, 4, 8)
	writePages(t, mgr, 2)
	cached := mgr.Read(1)
	if cached.NextId() != NoPage {
		t.Fatalf("fresh page next = %d", cached.NextId())
	}
	patch := []byte{0x2A, 0, 0, 0}
	if err := mgr.WriteBytes(1, offNextId, patch); err != BTErrOk {
		t.Fatalf("WriteBytes() = %v", err)
	}
	if got := mgr.Read(1).NextId(); got != 42 {
		t.Errorf("next id = %d, want 42", got)
	}
	// the rest of the header is untouched
	if got := mgr.Read(1).LogicalId(); got != 2 {
		t.Errorf("logical id = %d, want 2", got)
	}
}

func TestBufMgr_blockRing(t *testing.T) {
	// 8 blocks of 4 pages
	mgr, medium := newTestMgr(t, 32, 512, 2, 4)

	if mgr.blockEndPage != 3 || mgr.erasedStartPage != 4 {
		t.Fatalf("geometry after format: end %d erased %d", mgr.blockEndPage, mgr.erasedStartPage)
	}

	// filling the first block erases ahead and opens the next
	writePages(t, mgr, 5)
	if mgr.blockEndPage != 7 || mgr.erasedStartPage != 8 {
		t.Errorf("geometry after first advance: end %d erased %d", mgr.blockEndPage, mgr.erasedStartPage)
	}
	if mgr.wrappedMemory {
		t.Errorf("wrapped too early")
	}

	// run the head past the end of the medium
	writePages(t, mgr, 40)
	if !mgr.wrappedMemory {
		t.Errorf("head passed the end without wrapping")
	}

	// everything was garbage, so the ring keeps absorbing writes and
	// erased blocks read back as 0xFF
	raw := medium.Bytes()
	erased := Page(raw[int(mgr.erasedStartPage)*512 : int(mgr.erasedStartPage)*512+512])
	if erased.parses() {
		t.Errorf("erased-ahead block still parses")
	}
}

func TestBufMgr_reattach(t *testing.T) {
	mgr, medium := newTestMgr(t, 64, 512, 4, 8)
	for i := 0; i < 10; i++ {
		buf := mgr.Scratch()
		buf.SetPrevId(NoPage)
		buf.SetNextId(NoPage)
		buf.SetCount(1, false, i == 9) // the last page written is the root
		if _, err := mgr.Write(buf); err != BTErrOk {
			t.Fatalf("Write() = %v", err)
		}
	}

	mgr2 := NewBufMgr(mem.Attach(medium.Bytes()), 512, 4, 0, 64*512, 8)
	root, ok := mgr2.Reattach()
	if !ok {
		t.Fatal("Reattach() found no root")
	}
	if root != 9 {
		t.Errorf("root = %d, want 9", root)
	}
	if mgr2.nextPageId != 11 {
		t.Errorf("next logical id = %d, want 11", mgr2.nextPageId)
	}
	if mgr2.nextPageWriteId != 10 {
		t.Errorf("write head = %d, want 10", mgr2.nextPageWriteId)
	}
}

func writePages(t *testing.T, mgr *BufMgr, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		buf := mgr.Scratch()
		buf.SetPrevId(NoPage)
		buf.SetNextId(NoPage)
		buf.SetCount(1, false, false)
		if _, err := mgr.Write(buf); err != BTErrOk {
			t.Fatalf("Write() = %v, want %v", err, BTErrOk)
		}
	}
}
