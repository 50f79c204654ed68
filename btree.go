package flash_btree

import (
	"encoding/binary"
	"fmt"

	"github.com/ryusei-oka/btree-go-for-flash/interfaces"
)

/*
 *  Notes:
 *
 *  Every node occupies exactly one page. Internal nodes hold keys plus
 *  child page ids; leaves hold fixed-size key/value records in sorted
 *  order. Records never move between pages except through splits.
 *
 *  Writes are copy-on-write through the page store's log head: a
 *  non-root leaf that changes is appended at a new physical page and the
 *  old copy goes stale. Parents are not rewritten for that; instead a
 *  small remapping table translates the id the parent still stores to
 *  the current one. When the table runs out of room the translation is
 *  demoted onto the stale page itself as a next-id chain. Internal
 *  nodes and the root leaf are rewritten in place, which keeps their
 *  ids stable and the table small.
 *
 *  The engine keeps the root-to-leaf-parent trajectory of the current
 *  insert in a fixed array instead of recursing, and hands the page
 *  store an {IsValid, MovePage} capability set so block recycling can
 *  move live pages without understanding node contents.
 *
 *  Buffer slot 0 belongs to the node the engine is modifying; nothing
 *  on the relocation path ever touches it.
 */

const maxChainHops = 4096

type BTree struct {
	mgr     *BufMgr
	lay     Layout
	cmp     KeyCompare
	mapping *mappingTable

	levels   int
	numNodes uint32

	tempKey  []byte // promoted separator, live across the promotion loop
	validKey []byte // descent key scratch for liveness checks
	tempNode []byte // split assembly area for the new right half

	err BTErr // last error
}

// NewBTree builds an index over mgr for fixed keySize/dataSize records.
// mappingCapacity bounds the in-memory remapping table. A nil cmp
// compares keys as unsigned big-endian integers. Call Init on a blank
// medium or Recover on a written one before use.
func NewBTree(mgr *BufMgr, keySize, dataSize, mappingCapacity int, cmp KeyCompare) *BTree {
	lay := NewLayout(mgr.pageSize, keySize, dataSize)
	if lay.MaxRecords < 2 || lay.MaxFanout < 2 {
		panic(fmt.Sprintf("page size %d cannot hold %d+%d byte records\n", mgr.pageSize, keySize, dataSize))
	}
	if mappingCapacity < 1 {
		mappingCapacity = 1
	}
	if cmp == nil {
		cmp = defaultKeyCompare
	}
	tree := &BTree{
		mgr:      mgr,
		lay:      lay,
		cmp:      cmp,
		mapping:  newMappingTable(mappingCapacity),
		tempKey:  make([]byte, keySize),
		validKey: make([]byte, keySize),
		tempNode: make([]byte, mgr.pageSize),
	}
	mgr.SetRelocator(tree)
	return tree
}

func (t *BTree) Levels() int      { return t.levels }
func (t *BTree) NumNodes() uint32 { return t.numNodes }
func (t *BTree) Layout() Layout   { return t.lay }
func (t *BTree) BufMgr() *BufMgr  { return t.mgr }

// Init formats the medium and writes an empty root leaf.
func (t *BTree) Init() BTErr {
	if err := t.mgr.Format(); err != BTErrOk {
		return err
	}
	t.mapping.used = 0
	buf := t.mgr.Scratch()
	buf.SetPrevId(NoPage)
	buf.SetNextId(NoPage)
	buf.SetCount(0, false, true)
	pnum, err := t.mgr.Write(buf)
	if err != BTErrOk {
		return err
	}
	t.mgr.activePath[0] = pnum
	t.mgr.pathDepth = 1
	t.levels = 1
	t.numNodes = 1
	return BTErrOk
}

// Recover reattaches to a previously written medium: the page with the
// highest root-flagged logical id becomes the active root, levels and
// the node count are rebuilt by walking, and the remapping table starts
// empty.
func (t *BTree) Recover() BTErr {
	root, ok := t.mgr.Reattach()
	if !ok {
		if t.mgr.err != BTErrOk {
			return t.mgr.err
		}
		return BTErrStruct
	}
	t.mapping.used = 0
	t.mgr.activePath[0] = root
	t.levels = 1
	buf := t.mgr.Read(root)
	if buf == nil {
		return BTErrRead
	}
	for buf.IsInternal() {
		if t.levels >= MaxLevel {
			return BTErrStruct
		}
		t.levels++
		_, buf = t.resolve(t.lay.Child(buf, 0))
		if buf == nil {
			return BTErrRead
		}
	}
	t.mgr.pathDepth = t.levels
	n, err := t.countNodes()
	if err != BTErrOk {
		return err
	}
	t.numNodes = n

	// a wrapped medium may have skipped blocks before shutdown, so the
	// erased-ahead block cannot be assumed adjacent; prove one exists
	// before the first write
	if t.mgr.wrappedMemory {
		return t.mgr.prepareAhead(t.mgr.blockEndPage+1, true)
	}
	return BTErrOk
}

// Close demotes every remaining remapping entry onto its stale page as
// an on-disk next-id chain, so a later Recover resolves reads from the
// medium alone, then closes the page store.
func (t *BTree) Close() BTErr {
	var next [ChildIdSize]byte
	for t.mapping.Len() > 0 {
		vp, vc := t.mapping.Oldest()
		binary.LittleEndian.PutUint32(next[:], vc)
		if err := t.mgr.WriteBytes(vp, offNextId, next[:]); err != BTErrOk {
			return err
		}
		t.mapping.Delete(vp)
	}
	t.mgr.Close()
	return BTErrOk
}

// resolve follows the remapping table and any on-disk next-id chain to
// the current copy of a node, re-applying the table at every hop.
// Returns the final physical id and a pool buffer holding it.
func (t *BTree) resolve(id Pid) (Pid, Page) {
	id = t.mapping.Get(id)
	buf := t.mgr.Read(id)
	if buf == nil {
		return id, nil
	}
	for hops := 0; buf.NextId() != NoPage; hops++ {
		if hops >= maxChainHops {
			t.err = BTErrStruct
			return id, nil
		}
		id = t.mapping.Get(buf.NextId())
		if buf = t.mgr.Read(id); buf == nil {
			return id, nil
		}
	}
	return id, buf
}

// FindKey copies the value stored under key into value, which must hold
// at least the configured data size.
func (t *BTree) FindKey(key, value []byte) BTErr {
	if len(key) != t.lay.KeySize {
		return BTErrStruct
	}
	buf := t.mgr.Read(t.mgr.activePath[0])
	if buf == nil {
		return BTErrRead
	}
	for lvl := 0; buf.IsInternal(); lvl++ {
		if lvl >= MaxLevel {
			return BTErrStruct
		}
		slot := t.lay.SearchInternal(buf, key, t.cmp)
		if _, buf = t.resolve(t.lay.Child(buf, slot)); buf == nil {
			return BTErrRead
		}
	}
	i := t.lay.SearchLeaf(buf, key, t.cmp, true)
	if i < 0 {
		return BTErrNotFound
	}
	copy(value, t.lay.RecordValue(buf, i))
	return BTErrOk
}

// InsertKey inserts the record or, when key already exists in a leaf,
// overwrites that slot's value.
func (t *BTree) InsertKey(key, value []byte) BTErr {
	if len(key) != t.lay.KeySize || len(value) != t.lay.DataSize {
		return BTErrStruct
	}
	if t.numNodes >= t.mgr.TotalDataPages()/2 {
		return BTErrFull
	}

	// descend, recording the trajectory for the promotion loop
	cur := t.mgr.activePath[0]
	buf := t.mgr.Read(cur)
	if buf == nil {
		return BTErrRead
	}
	for lvl := 0; lvl < t.levels-1; lvl++ {
		t.mgr.activePath[lvl] = cur
		slot := t.lay.SearchInternal(buf, key, t.cmp)
		if cur, buf = t.resolve(t.lay.Child(buf, slot)); buf == nil {
			return BTErrRead
		}
	}
	t.mgr.pathDepth = t.levels

	leaf := cur
	lbuf := t.mgr.ReadInto(leaf, 0)
	if lbuf == nil {
		return BTErrRead
	}

	n := lbuf.Count()
	pos := t.lay.SearchLeaf(lbuf, key, t.cmp, false)
	if pos >= 0 && t.cmp(t.lay.RecordKey(lbuf, pos), key) == 0 {
		// last write wins on an existing slot
		copy(t.lay.RecordValue(lbuf, pos), value)
		return t.writeLeaf(lbuf, leaf)
	}
	insertAt := pos + 1

	if n < t.lay.MaxRecords {
		t.lay.ShiftRecords(lbuf, insertAt, n-insertAt)
		copy(t.lay.RecordKey(lbuf, insertAt), key)
		copy(t.lay.RecordValue(lbuf, insertAt), value)
		lbuf.SetCount(n+1, false, lbuf.IsRoot())
		return t.writeLeaf(lbuf, leaf)
	}

	// leaf full: split, then place the promoted separator upward
	left, right, err := t.splitLeaf(lbuf, insertAt, key, value)
	if err != BTErrOk {
		return err
	}
	t.numNodes++
	return t.promote(left, right)
}

// writeLeaf routes a modified leaf back to storage: the root leaf is
// rewritten in place, any other leaf is appended at the log head and
// the remapping table keeps the parent's stale pointer resolvable.
func (t *BTree) writeLeaf(buf Page, pnum Pid) BTErr {
	if t.levels == 1 {
		return t.mgr.Overwrite(buf, pnum)
	}
	prev := t.updatePrev(buf, pnum)
	newp, err := t.mgr.Write(buf)
	if err != BTErrOk {
		return err
	}
	return t.fixMappings(prev, newp)
}

// promote walks the recorded trajectory bottom-up placing the separator
// in t.tempKey with children left and right, splitting ancestors as
// needed and growing a new root when the split reaches the top.
func (t *BTree) promote(left, right Pid) BTErr {
	for lvl := t.levels - 2; lvl >= 0; lvl-- {
		// an earlier recycling pass may have moved this ancestor
		a, abuf := t.resolve(t.mgr.activePath[lvl])
		if abuf == nil {
			return BTErrRead
		}
		if abuf = t.mgr.ReadInto(a, 0); abuf == nil {
			return BTErrRead
		}
		t.updatePointers(abuf, 0, abuf.Count()+1)

		pos := t.lay.SearchInternal(abuf, t.tempKey, t.cmp)
		if abuf.Count() < t.lay.MaxFanout {
			t.insertInternalAt(abuf, pos, t.tempKey, left, right)
			// rewriting in place keeps the node's id, so any table entry
			// resolving to it stays valid as it stands
			return t.mgr.Overwrite(abuf, a)
		}

		var err BTErr
		if left, right, err = t.splitInternal(abuf, pos, t.tempKey, left, right); err != BTErrOk {
			return err
		}
		t.numNodes++
	}

	// the split ran past the root
	if t.levels >= MaxLevel {
		return BTErrTooDeep
	}
	buf := t.mgr.Scratch()
	buf.SetPrevId(NoPage)
	buf.SetNextId(NoPage)
	copy(t.lay.Key(buf, 0), t.tempKey)
	t.lay.SetChild(buf, 0, left)
	t.lay.SetChild(buf, 1, right)
	buf.SetCount(1, true, true)
	root, err := t.mgr.Write(buf)
	if err != BTErrOk {
		return err
	}
	t.mgr.activePath[0] = root
	t.levels++
	t.mgr.pathDepth = t.levels
	t.numNodes++
	return BTErrOk
}

// insertInternalAt places separator sep with children left/right at
// child slot pos of a node with room.
func (t *BTree) insertInternalAt(buf Page, pos int, sep []byte, left, right Pid) {
	n := buf.Count()
	for i := n; i > pos; i-- {
		copy(t.lay.Key(buf, i), t.lay.Key(buf, i-1))
	}
	copy(t.lay.Key(buf, pos), sep)
	for i := n + 1; i > pos+1; i-- {
		t.lay.SetChild(buf, i, t.lay.Child(buf, i-1))
	}
	t.lay.SetChild(buf, pos, left)
	t.lay.SetChild(buf, pos+1, right)
	buf.SetCount(n+1, true, buf.IsRoot())
}

// splitLeaf splits the full leaf in buf, routing the incoming record
// into the smaller- or larger-key half by its position relative to the
// middle. Both halves are appended; the promoted separator (the first
// key of the right half, which is the incoming key when it lands on the
// split point) is left in t.tempKey.
func (t *BTree) splitLeaf(buf Page, insertAt int, key, value []byte) (Pid, Pid, BTErr) {
	n := buf.Count()
	mid := n / 2
	scratch := Page(t.tempNode)

	if insertAt >= mid {
		dst := 0
		for i := mid; i < insertAt; i++ {
			copy(t.lay.Record(scratch, dst), t.lay.Record(buf, i))
			dst++
		}
		copy(t.lay.RecordKey(scratch, dst), key)
		copy(t.lay.RecordValue(scratch, dst), value)
		dst++
		for i := insertAt; i < n; i++ {
			copy(t.lay.Record(scratch, dst), t.lay.Record(buf, i))
			dst++
		}
		scratch.SetCount(n-mid+1, false, false)
		buf.SetCount(mid, false, false)
	} else {
		for i := mid; i < n; i++ {
			copy(t.lay.Record(scratch, i-mid), t.lay.Record(buf, i))
		}
		scratch.SetCount(n-mid, false, false)
		t.lay.ShiftRecords(buf, insertAt, mid-insertAt)
		copy(t.lay.RecordKey(buf, insertAt), key)
		copy(t.lay.RecordValue(buf, insertAt), value)
		buf.SetCount(mid+1, false, false)
	}
	if buf.Count() == 0 || scratch.Count() == 0 {
		panic("leaf split produced an empty half")
	}

	copy(t.tempKey, t.lay.RecordKey(scratch, 0))
	buf.SetPrevId(NoPage)
	buf.SetNextId(NoPage)
	scratch.SetPrevId(NoPage)
	scratch.SetNextId(NoPage)

	left, err := t.mgr.Write(buf)
	if err != BTErrOk {
		return 0, 0, err
	}
	right, err := t.mgr.Write(scratch)
	if err != BTErrOk {
		return 0, 0, err
	}
	return left, right, BTErrOk
}

// splitInternal splits the full internal node in buf while placing
// separator sep with children left/right at child slot pos. The
// promoted key ends up in t.tempKey.
func (t *BTree) splitInternal(buf Page, pos int, sep []byte, left, right Pid) (Pid, Pid, BTErr) {
	n := buf.Count()
	keys := make([][]byte, n, n+1)
	for i := 0; i < n; i++ {
		k := make([]byte, t.lay.KeySize)
		copy(k, t.lay.Key(buf, i))
		keys[i] = k
	}
	children := make([]Pid, n+1, n+2)
	for i := 0; i <= n; i++ {
		children[i] = t.lay.Child(buf, i)
	}
	children[pos] = left
	sepCopy := make([]byte, t.lay.KeySize)
	copy(sepCopy, sep)
	keys = append(keys, nil)
	copy(keys[pos+1:], keys[pos:])
	keys[pos] = sepCopy
	children = append(children, 0)
	copy(children[pos+2:], children[pos+1:])
	children[pos+1] = right

	m := (n + 1) / 2
	for i := 0; i < m; i++ {
		copy(t.lay.Key(buf, i), keys[i])
	}
	for i := 0; i <= m; i++ {
		t.lay.SetChild(buf, i, children[i])
	}
	buf.SetCount(m, true, false)
	buf.SetPrevId(NoPage)
	buf.SetNextId(NoPage)

	scratch := Page(t.tempNode)
	rn := n - m
	for i := 0; i < rn; i++ {
		copy(t.lay.Key(scratch, i), keys[m+1+i])
	}
	for i := 0; i <= rn; i++ {
		t.lay.SetChild(scratch, i, children[m+1+i])
	}
	scratch.SetCount(rn, true, false)
	scratch.SetPrevId(NoPage)
	scratch.SetNextId(NoPage)
	if m == 0 || rn == 0 {
		panic("internal split produced an empty half")
	}

	copy(t.tempKey, keys[m])

	newLeft, err := t.mgr.Write(buf)
	if err != BTErrOk {
		return 0, 0, err
	}
	newRight, err := t.mgr.Write(scratch)
	if err != BTErrOk {
		return 0, 0, err
	}
	return newLeft, newRight, BTErrOk
}

// updatePointers absorbs stale child ids of the given slot range via
// the remapping table and retires the entries it consumed.
func (t *BTree) updatePointers(buf Page, start, end int) {
	for i := start; i < end; i++ {
		id := t.lay.Child(buf, i)
		if cur := t.mapping.Get(id); cur != id {
			t.lay.SetChild(buf, i, cur)
			t.mapping.Delete(id)
		}
	}
}

// updatePointersDeep additionally chases on-disk next-id chains, so a
// rewritten parent no longer depends on stale pages a recycling pass is
// about to erase. Every table entry consumed along a resolution path is
// retired: the rewritten pointer is the only thing that referenced it.
func (t *BTree) updatePointersDeep(buf Page) BTErr {
	for i := 0; i <= buf.Count(); i++ {
		id := t.lay.Child(buf, i)
		cur := id
		for hops := 0; ; hops++ {
			if hops >= maxChainHops {
				return BTErrStruct
			}
			if m := t.mapping.Get(cur); m != cur {
				t.mapping.Delete(cur)
				cur = m
				continue
			}
			nbuf := t.mgr.Read(cur)
			if nbuf == nil {
				return BTErrRead
			}
			next := nbuf.NextId()
			if next == NoPage {
				break
			}
			cur = next
		}
		if cur != id {
			t.lay.SetChild(buf, i, cur)
		}
	}
	return BTErrOk
}

// updatePrev refreshes buf's prev-id field: it keeps prev when the
// table still resolves it back to curr, otherwise the node is known
// under curr itself. Returns the effective id.
func (t *BTree) updatePrev(buf Page, curr Pid) Pid {
	prev := buf.PrevId()
	if prev == NoPage || t.mapping.Get(prev) != curr {
		buf.SetPrevId(curr)
		return curr
	}
	return prev
}

// fixMappings records that the node known under prev now lives at curr.
// With the table full, the oldest entry is demoted onto its stale page
// as an on-disk next-id chain and its slot reused.
func (t *BTree) fixMappings(prev, curr Pid) BTErr {
	if t.mapping.Set(prev, curr) {
		return BTErrOk
	}
	vp, vc := t.mapping.Oldest()
	var next [ChildIdSize]byte
	binary.LittleEndian.PutUint32(next[:], vc)
	if err := t.mgr.WriteBytes(vp, offNextId, next[:]); err != BTErrOk {
		return err
	}
	t.mapping.Delete(vp)
	t.mapping.Set(prev, curr)
	return BTErrOk
}

// IsValid classifies physical page pnum for block recycling: live when
// the descent for its minimum key resolves to it, stale when the
// resolution merely passes through it, garbage otherwise. For live and
// stale pages the second result names the page holding the pointer.
func (t *BTree) IsValid(pnum uint32) (int8, uint32) {
	if pnum == t.mgr.activePath[0] {
		return interfaces.StatusLive, NoPage
	}
	buf := t.mgr.Read(pnum)
	if buf == nil || !buf.parses() || buf.Count() == 0 {
		return interfaces.StatusGarbage, NoPage
	}
	if buf.IsInternal() {
		copy(t.validKey, t.lay.Key(buf, 0))
	} else {
		copy(t.validKey, t.lay.RecordKey(buf, 0))
	}

	cur := t.mgr.activePath[0]
	cbuf := t.mgr.Read(cur)
	if cbuf == nil {
		return interfaces.StatusGarbage, NoPage
	}
	for lvl := 0; cbuf.IsInternal(); lvl++ {
		if lvl >= MaxLevel {
			return interfaces.StatusGarbage, NoPage
		}
		slot := t.lay.SearchInternal(cbuf, t.validKey, t.cmp)
		id := t.lay.Child(cbuf, slot)
		stale := id == pnum
		hop := t.mapping.Get(id)
		var hbuf Page
		for hops := 0; ; hops++ {
			if hops >= maxChainHops {
				return interfaces.StatusGarbage, NoPage
			}
			if hbuf = t.mgr.Read(hop); hbuf == nil {
				return interfaces.StatusGarbage, NoPage
			}
			next := hbuf.NextId()
			if next == NoPage {
				break
			}
			if hop == pnum {
				stale = true
			}
			hop = t.mapping.Get(next)
		}
		if hop == pnum {
			return interfaces.StatusLive, cur
		}
		if stale {
			return interfaces.StatusStale, cur
		}
		// a page the table maps away is never read, but its entry must
		// be retired before the page can be erased and reused
		if m := t.mapping.Get(pnum); m != pnum && hop == m {
			return interfaces.StatusStale, cur
		}
		cur = hop
		cbuf = hbuf
	}
	return interfaces.StatusGarbage, NoPage
}

// MovePage is called by the page store just before it appends a copy of
// page prev at physical page curr: child pointers of the copy are
// brought current first, then the remapping state follows the move.
func (t *BTree) MovePage(prev, curr uint32, b []byte) {
	buf := Page(b)
	if buf.IsInternal() {
		if err := t.updatePointersDeep(buf); err != BTErrOk {
			t.err = err
			return
		}
	}
	if prev == t.mgr.activePath[0] {
		t.mgr.activePath[0] = curr
		return
	}
	ep := t.updatePrev(buf, prev)
	if err := t.fixMappings(ep, curr); err != BTErrOk {
		t.err = err
	}
}

// UpdatePrev exposes the prev-id refresh to the page store.
func (t *BTree) UpdatePrev(b []byte, curr uint32) uint32 {
	return t.updatePrev(Page(b), curr)
}

// Mapping resolves one remapping step for the page store.
func (t *BTree) Mapping(pnum uint32) uint32 {
	return t.mapping.Get(pnum)
}

func (t *BTree) DeleteMapping(pnum uint32) {
	t.mapping.Delete(pnum)
}

// countNodes walks the whole tree iteratively and returns the number of
// live nodes.
func (t *BTree) countNodes() (uint32, BTErr) {
	count := uint32(1)
	if t.levels == 1 {
		return count, BTErrOk
	}
	var path [MaxLevel]Pid
	var slot [MaxLevel]int
	depth := 0
	path[0] = t.mgr.activePath[0]
	slot[0] = 0
	for depth >= 0 {
		buf := t.mgr.Read(path[depth])
		if buf == nil {
			return 0, BTErrRead
		}
		if slot[depth] > buf.Count() {
			depth--
			if depth >= 0 {
				slot[depth]++
			}
			continue
		}
		id, cbuf := t.resolve(t.lay.Child(buf, slot[depth]))
		if cbuf == nil {
			return 0, BTErrRead
		}
		count++
		if cbuf.IsInternal() {
			depth++
			path[depth] = id
			slot[depth] = 0
		} else {
			slot[depth]++
		}
	}
	return count, BTErrOk
}
