package flash_btree

import (
	"fmt"

	"github.com/ryusei-oka/btree-go-for-flash/interfaces"
)

type (
	// Stats is a snapshot of the page store counters.
	Stats struct {
		Reads      uint `yaml:"reads"`
		Writes     uint `yaml:"writes"`
		OverWrites uint `yaml:"overwrites"`
		BufferHits uint `yaml:"buffer_hits"`
	}

	// BufMgr owns the backing medium. It presents a flat array of
	// fixed-size physical pages, keeps a tiny pool of in-memory page
	// buffers with a deterministic replacement policy, and appends new
	// pages log-structured through an erase-block ring. When the write
	// head wraps, still-live pages of the block about to be erased are
	// relocated forward through the Relocator capability set.
	BufMgr struct {
		medium interfaces.Medium
		reloc  interfaces.Relocator

		pageSize         uint32
		numBuffers       int
		eraseSizeInPages uint32
		startAddr        int64
		startDataPage    Pid
		endDataPage      Pid // last usable physical page

		nextPageId      uint32 // next logical id to stamp
		nextPageWriteId Pid    // write head
		blockEndPage    Pid    // last page of the open erase block
		erasedStartPage Pid    // first page of the erased-ahead block
		wrappedMemory   bool

		buffers     []byte
		bufferPages []Pid // physical page cached per slot; 0 = empty
		lastHit     int
		nextSlot    int

		// activePath holds the root-to-leaf-parent trajectory of the
		// in-flight insert. Position 0 is always the current root; the
		// slot policy pins it when the pool is large enough.
		activePath [MaxLevel]Pid
		pathDepth  int

		relocSlab   []byte // staging area for live pages of a victim block
		parentStage []byte // staging area for one parent rewrite
		relocPages  []relocEntry

		stats Stats
		err   BTErr
	}

	relocEntry struct {
		page   Pid // live page to move forward; NoPage for rewrite-only
		parent Pid // page holding the pointer that reaches it
	}
)

// NewBufMgr creates a page store over medium. The byte range
// [startAddr, endAddr) is divided into pages of pageSize grouped into
// erase blocks of eraseSizeInPages. The pool holds numBuffers page
// buffers; slot 0 is the engine scratch slot and slot 1 is reserved for
// the root whenever three or more buffers exist.
func NewBufMgr(medium interfaces.Medium, pageSize uint32, numBuffers int, startAddr, endAddr int64, eraseSizeInPages uint32) *BufMgr {
	if pageSize < MinPageSize {
		panic(fmt.Sprintf("page size too small: %d\n", pageSize))
	}
	if numBuffers < MinBuffers {
		panic(fmt.Sprintf("buffer pool too small: %d\n", numBuffers))
	}
	if eraseSizeInPages == 0 {
		eraseSizeInPages = 1
	}

	totalPages := uint32((endAddr - startAddr) / int64(pageSize))
	totalPages -= totalPages % eraseSizeInPages
	if totalPages < 3*eraseSizeInPages {
		panic(fmt.Sprintf("medium too small: %d pages\n", totalPages))
	}

	mgr := &BufMgr{
		medium:           medium,
		pageSize:         pageSize,
		numBuffers:       numBuffers,
		eraseSizeInPages: eraseSizeInPages,
		startAddr:        startAddr,
		startDataPage:    0,
		endDataPage:      totalPages - 1,
		lastHit:          -1,
	}
	mgr.buffers = make([]byte, int(pageSize)*numBuffers)
	mgr.bufferPages = make([]Pid, numBuffers)
	mgr.relocSlab = make([]byte, int(pageSize)*int(eraseSizeInPages))
	mgr.parentStage = make([]byte, pageSize)
	mgr.relocPages = make([]relocEntry, 0, eraseSizeInPages)

	return mgr
}

// SetRelocator wires the engine's relocation capabilities in. Must be
// called before the first Write on a wrapped medium.
func (mgr *BufMgr) SetRelocator(r interfaces.Relocator) {
	mgr.reloc = r
}

func (mgr *BufMgr) TotalDataPages() uint32 {
	return uint32(mgr.endDataPage-mgr.startDataPage) + 1
}

func (mgr *BufMgr) PageSize() uint32 { return mgr.pageSize }

func (mgr *BufMgr) Wrapped() bool { return mgr.wrappedMemory }

func (mgr *BufMgr) pageAddr(pnum Pid) int64 {
	return mgr.startAddr + int64(pnum)*int64(mgr.pageSize)
}

func (mgr *BufMgr) slot(i int) Page {
	off := i * int(mgr.pageSize)
	return Page(mgr.buffers[off : off+int(mgr.pageSize)])
}

// Scratch returns buffer slot 0 zeroed. The engine builds fresh nodes in
// it; reads land there only through ReadInto.
func (mgr *BufMgr) Scratch() Page {
	buf := mgr.slot(0)
	for i := range buf {
		buf[i] = 0
	}
	mgr.bufferPages[0] = 0
	return buf
}

// Format prepares a blank medium: counters zeroed, buffer slots cleared,
// the first two erase blocks erased, write head at page 0.
func (mgr *BufMgr) Format() BTErr {
	mgr.stats = Stats{}
	for i := range mgr.bufferPages {
		mgr.bufferPages[i] = 0
	}
	mgr.lastHit = -1
	mgr.nextPageId = 1
	mgr.nextPageWriteId = mgr.startDataPage
	mgr.blockEndPage = mgr.startDataPage + mgr.eraseSizeInPages - 1
	mgr.erasedStartPage = mgr.blockEndPage + 1
	mgr.wrappedMemory = false
	return mgr.ErasePages(mgr.startDataPage, mgr.startDataPage+2*mgr.eraseSizeInPages-1)
}

// Reattach reconstructs the write head and the current root from a
// previously written medium by scanning page headers for the highest
// logical ids. Returns the root's physical page.
func (mgr *BufMgr) Reattach() (Pid, bool) {
	for i := range mgr.bufferPages {
		mgr.bufferPages[i] = 0
	}
	mgr.lastHit = -1

	scratch := Page(mgr.relocSlab[:mgr.pageSize])
	var maxId, rootLid uint32
	var maxPage, rootPage Pid
	found := false
	for p := mgr.startDataPage; p <= mgr.endDataPage; p++ {
		if _, err := mgr.medium.ReadAt(scratch, mgr.pageAddr(p)); err != nil {
			mgr.err = BTErrRead
			return 0, false
		}
		if !scratch.parses() {
			continue
		}
		id := scratch.LogicalId()
		if id >= maxId {
			maxId = id
			maxPage = p
		}
		if scratch.IsRoot() && id >= rootLid {
			rootLid = id
			rootPage = p
			found = true
		}
	}
	if !found {
		return 0, false
	}

	e := mgr.eraseSizeInPages
	blockStart := maxPage - maxPage%e
	mgr.nextPageId = maxId + 1
	mgr.nextPageWriteId = maxPage + 1
	mgr.blockEndPage = blockStart + e - 1
	mgr.erasedStartPage = mgr.blockEndPage + 1
	mgr.wrappedMemory = false
	if mgr.erasedStartPage > mgr.endDataPage {
		mgr.erasedStartPage = mgr.startDataPage
		mgr.wrappedMemory = true
	}
	if maxId >= mgr.TotalDataPages() {
		mgr.wrappedMemory = true
	}
	return rootPage, true
}

// Read returns a buffer holding physical page pnum, serving it from the
// pool when cached. Page 0 is a real page but never a hit.
func (mgr *BufMgr) Read(pnum Pid) Page {
	if pnum != 0 {
		for i := 1; i < mgr.numBuffers; i++ {
			if mgr.bufferPages[i] == pnum {
				mgr.stats.BufferHits++
				mgr.lastHit = i
				return mgr.slot(i)
			}
		}
	}
	return mgr.ReadInto(pnum, mgr.victimSlot(pnum))
}

// ReadInto force-loads pnum into the given buffer slot.
func (mgr *BufMgr) ReadInto(pnum Pid, slot int) Page {
	buf := mgr.slot(slot)
	if _, err := mgr.medium.ReadAt(buf, mgr.pageAddr(pnum)); err != nil {
		mgr.err = BTErrRead
		return nil
	}
	mgr.stats.Reads++
	mgr.bufferPages[slot] = pnum
	return buf
}

// victimSlot picks the pool slot a read of pnum fills:
// slot 1 is the only general slot with two buffers, and the root's
// reserved home with three or more; otherwise reads rotate over slots
// 2..B-1, preferring empty slots and sparing the last hit.
func (mgr *BufMgr) victimSlot(pnum Pid) int {
	b := mgr.numBuffers
	if b == 2 {
		return 1
	}
	if pnum == mgr.activePath[0] {
		return 1
	}
	if b == 3 {
		return 2
	}
	for i := 2; i < b; i++ {
		if mgr.bufferPages[i] == 0 && i != mgr.lastHit {
			return i
		}
	}
	for tries := 0; tries < b; tries++ {
		s := 2 + mgr.nextSlot%(b-2)
		mgr.nextSlot++
		if s == mgr.lastHit {
			continue
		}
		return s
	}
	return 2
}

// Write append-writes buf at the write head, stamping the next logical
// id. Reaching the end of the open erase block first recycles the next
// block of the ring. Returns the new physical page id.
func (mgr *BufMgr) Write(buf Page) (Pid, BTErr) {
	if err := mgr.ensureSpace(); err != BTErrOk {
		return 0, err
	}
	return mgr.append(buf, nil)
}

func (mgr *BufMgr) ensureSpace() BTErr {
	if mgr.nextPageWriteId > mgr.blockEndPage {
		return mgr.nextBlock()
	}
	return BTErrOk
}

// append places buf at the head without a block check; callers hold the
// space. prep runs once the destination id is known, before the write.
func (mgr *BufMgr) append(buf Page, prep func(Pid)) (Pid, BTErr) {
	pnum := mgr.nextPageWriteId
	if prep != nil {
		prep(pnum)
	}
	buf.SetLogicalId(mgr.nextPageId)
	mgr.nextPageId++
	if _, err := mgr.medium.WriteAt(buf, mgr.pageAddr(pnum)); err != nil {
		mgr.err = BTErrWrite
		return 0, BTErrWrite
	}
	mgr.nextPageWriteId++
	mgr.stats.Writes++
	for i := 0; i < mgr.numBuffers; i++ {
		s := mgr.slot(i)
		if &s[0] == &buf[0] {
			mgr.bufferPages[i] = pnum
		} else if mgr.bufferPages[i] == pnum {
			mgr.bufferPages[i] = 0
		}
	}
	return pnum, BTErrOk
}

// Overwrite rewrites page pnum in place and patches any pool slot
// caching it.
func (mgr *BufMgr) Overwrite(buf Page, pnum Pid) BTErr {
	if _, err := mgr.medium.WriteAt(buf, mgr.pageAddr(pnum)); err != nil {
		mgr.err = BTErrWrite
		return BTErrWrite
	}
	mgr.stats.OverWrites++
	for i := 0; i < mgr.numBuffers; i++ {
		s := mgr.slot(i)
		if mgr.bufferPages[i] == pnum && &s[0] != &buf[0] {
			copy(s, buf)
		}
	}
	return BTErrOk
}

// WriteBytes patches data into page pnum in place at byte offset off,
// leaving the rest of the page untouched. Used to chain next ids onto stale pages.
func (mgr *BufMgr) WriteBytes(pnum Pid, off uint32, data []byte) BTErr {
	if _, err := mgr.medium.WriteAt(data, mgr.pageAddr(pnum)+int64(off)); err != nil {
		mgr.err = BTErrWrite
		return BTErrWrite
	}
	for i := 0; i < mgr.numBuffers; i++ {
		if mgr.bufferPages[i] == pnum {
			copy(mgr.slot(i)[off:], data)
		}
	}
	return BTErrOk
}

// ErasePages erases the inclusive physical page range and drops any pool
// slot caching a page in it.
func (mgr *BufMgr) ErasePages(first, last Pid) BTErr {
	if err := mgr.medium.Erase(mgr.pageAddr(first), mgr.pageAddr(last+1)-1); err != nil {
		mgr.err = BTErrWrite
		return BTErrWrite
	}
	for i := 0; i < mgr.numBuffers; i++ {
		if p := mgr.bufferPages[i]; p >= first && p <= last {
			mgr.bufferPages[i] = 0
		}
	}
	return BTErrOk
}

// nextBlock opens the erased-ahead block for writing and prepares a new
// one behind it.
func (mgr *BufMgr) nextBlock() BTErr {
	mgr.nextPageWriteId = mgr.erasedStartPage
	mgr.blockEndPage = mgr.erasedStartPage + mgr.eraseSizeInPages - 1
	return mgr.prepareAhead(mgr.blockEndPage+1, false)
}

// prepareAhead finds, clears and registers a new erased-ahead block,
// searching the ring from the given page. Once the medium has wrapped,
// every candidate is scanned for live pages and skipped while more than
// half of it is live; the live pages of the chosen block are staged,
// the block is erased, and only then are the staged pages and their
// parent rewrites appended, so that a relocation append that fills the
// open block finds a real erased block ahead of it. With requireDead
// set (reattaching a wrapped medium, where nothing may be appended
// before an erased block provably exists) only a block with no live
// pages and no pending parent rewrites qualifies.
func (mgr *BufMgr) prepareAhead(from Pid, requireDead bool) BTErr {
	e := mgr.eraseSizeInPages
	cand := from
	blocks := mgr.TotalDataPages() / e
	for scanned := uint32(0); ; scanned++ {
		if scanned >= blocks {
			mgr.err = BTErrFull
			return BTErrFull
		}
		if cand+e-1 > mgr.endDataPage {
			cand = mgr.startDataPage
			mgr.wrappedMemory = true
		}
		if cand == mgr.blockEndPage+1-e {
			// the scan came back around to the open block
			mgr.err = BTErrFull
			return BTErrFull
		}
		if !mgr.wrappedMemory {
			mgr.relocPages = mgr.relocPages[:0]
			break
		}
		if mgr.scanBlock(cand, cand+e-1) {
			if !requireDead || len(mgr.relocPages) == 0 {
				break
			}
		}
		cand += e
	}

	// snapshot the schedule: relocation below can advance the ring again,
	// and the nested pass reuses the scan buffer
	schedule := append([]relocEntry(nil), mgr.relocPages...)
	if err := mgr.stageLive(schedule); err != BTErrOk {
		return err
	}
	if err := mgr.ErasePages(cand, cand+e-1); err != BTErrOk {
		return err
	}
	mgr.erasedStartPage = cand
	return mgr.relocate(schedule, cand, cand+e-1)
}

// scanBlock classifies every page of the victim block and fills the
// relocation schedule. Returns false when the block is more than half
// live and should be skipped.
func (mgr *BufMgr) scanBlock(first, last Pid) bool {
	mgr.relocPages = mgr.relocPages[:0]
	live := 0
	for p := first; p <= last; p++ {
		status, parent := mgr.reloc.IsValid(p)
		switch status {
		case interfaces.StatusLive:
			live++
			mgr.relocPages = append(mgr.relocPages, relocEntry{page: p, parent: parent})
		case interfaces.StatusStale:
			mgr.relocPages = append(mgr.relocPages, relocEntry{page: NoPage, parent: parent})
		}
	}
	return 2*live <= int(mgr.eraseSizeInPages)
}

// stageLive copies the scheduled live pages into the relocation slab
// before their block is erased.
func (mgr *BufMgr) stageLive(schedule []relocEntry) BTErr {
	ps := int(mgr.pageSize)
	for i, entry := range schedule {
		if entry.page == NoPage {
			continue
		}
		dst := mgr.relocSlab[i*ps : (i+1)*ps]
		if _, err := mgr.medium.ReadAt(dst, mgr.pageAddr(entry.page)); err != nil {
			mgr.err = BTErrRead
			return BTErrRead
		}
		mgr.stats.Reads++
	}
	return BTErrOk
}

// relocate appends the staged live pages forward, then rewrites their
// parents so the remapping entries the moves created are absorbed and
// retired. A parent whose mapping no longer resolves to itself was
// already rewritten (or moved) in this pass and needs nothing more; the
// same goes for a parent that sat in the erased range itself, since its
// own move refreshed its children.
func (mgr *BufMgr) relocate(schedule []relocEntry, erasedFirst, erasedLast Pid) BTErr {
	ps := int(mgr.pageSize)

	// the staged pages fit the freshly opened block, so none of these
	// appends can advance the ring while the slab is still in use
	for i, entry := range schedule {
		if entry.page == NoPage {
			continue
		}
		buf := Page(mgr.relocSlab[i*ps : (i+1)*ps])
		old := entry.page
		if err := mgr.ensureSpace(); err != BTErrOk {
			return err
		}
		if _, err := mgr.append(buf, func(newp Pid) { mgr.reloc.MovePage(old, newp, buf) }); err != BTErrOk {
			return err
		}
	}

	for _, entry := range schedule {
		p := entry.parent
		if p == NoPage {
			continue
		}
		if p >= erasedFirst && p <= erasedLast {
			continue
		}
		if mgr.reloc.Mapping(p) != p {
			continue
		}
		// make room first: a nested block advance below would reuse the
		// staging areas
		if err := mgr.ensureSpace(); err != BTErrOk {
			return err
		}
		buf := mgr.Read(p)
		if buf == nil {
			return BTErrRead
		}
		if !buf.parses() {
			// the recorded parent was itself erased this pass (an old
			// root has no mapping entry to betray the move)
			continue
		}
		stage := Page(mgr.parentStage)
		copy(stage, buf)
		mgr.reloc.UpdatePrev(stage, p)
		if _, err := mgr.append(stage, func(newp Pid) { mgr.reloc.MovePage(p, newp, stage) }); err != BTErrOk {
			return err
		}
	}
	return BTErrOk
}

// Stats returns a snapshot of the counters.
func (mgr *BufMgr) Stats() Stats {
	return mgr.stats
}

func (mgr *BufMgr) PrintStats() {
	fmt.Printf("buffer: %d reads, %d writes, %d overwrites, %d hits\n",
		mgr.stats.Reads, mgr.stats.Writes, mgr.stats.OverWrites, mgr.stats.BufferHits)
}

// Close flushes the medium, prints the counters and releases it.
func (mgr *BufMgr) Close() {
	mgr.PrintStats()
	if err := mgr.medium.Sync(); err != nil {
		errPrintf("sync failed on close: %v\n", err)
	}
	if err := mgr.medium.Close(); err != nil {
		errPrintf("close failed: %v\n", err)
	}
}
