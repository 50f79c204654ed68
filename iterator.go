package flash_btree

// BTreeItr is a stateful range cursor. It holds the page id and child
// slot taken at every internal level plus the record position inside
// the current leaf; exhausting a leaf walks the stored path upward
// until a level can advance and re-descends leftmost from there. The
// cursor observes the tree as of NewItr; mutating the tree while
// iterating is undefined.
type BTreeItr struct {
	tree   *BTree
	path   [MaxLevel]Pid
	slots  [MaxLevel]int
	leaf   Pid
	idx    int
	maxKey []byte
	done   bool
}

// NewItr positions a cursor at the first record with key >= minKey (the
// logical start when minKey is nil). Iteration stops after the last
// record with key <= maxKey; a nil maxKey means no upper bound.
func (t *BTree) NewItr(minKey, maxKey []byte) (*BTreeItr, BTErr) {
	it := &BTreeItr{tree: t}
	if maxKey != nil {
		it.maxKey = make([]byte, len(maxKey))
		copy(it.maxKey, maxKey)
	}

	cur := t.mgr.activePath[0]
	buf := t.mgr.Read(cur)
	if buf == nil {
		return nil, BTErrRead
	}
	for d := 0; buf.IsInternal(); d++ {
		if d >= MaxLevel {
			return nil, BTErrStruct
		}
		slot := 0
		if minKey != nil {
			slot = t.lay.SearchInternal(buf, minKey, t.cmp)
		}
		it.path[d] = cur
		it.slots[d] = slot
		if cur, buf = t.resolve(t.lay.Child(buf, slot)); buf == nil {
			return nil, BTErrRead
		}
	}
	it.leaf = cur

	if minKey == nil {
		it.idx = 0
	} else {
		pos := t.lay.SearchLeaf(buf, minKey, t.cmp, false)
		if pos >= 0 && t.cmp(t.lay.RecordKey(buf, pos), minKey) == 0 {
			it.idx = pos
		} else {
			it.idx = pos + 1
		}
	}
	return it, BTErrOk
}

// Next yields the next in-range record, copying key and value out of
// the page cache. ok is false past the end of the range or on error.
func (it *BTreeItr) Next() (ok bool, key []byte, value []byte) {
	if it.done {
		return false, nil, nil
	}
	t := it.tree

	buf := t.mgr.Read(it.leaf)
	if buf == nil {
		it.done = true
		return false, nil, nil
	}
	for it.idx >= buf.Count() {
		if !it.advanceLeaf() {
			it.done = true
			return false, nil, nil
		}
		if buf = t.mgr.Read(it.leaf); buf == nil {
			it.done = true
			return false, nil, nil
		}
	}

	key = make([]byte, t.lay.KeySize)
	value = make([]byte, t.lay.DataSize)
	copy(key, t.lay.RecordKey(buf, it.idx))
	copy(value, t.lay.RecordValue(buf, it.idx))
	if it.maxKey != nil && t.cmp(key, it.maxKey) > 0 {
		it.done = true
		return false, nil, nil
	}
	it.idx++
	return true, key, value
}

// advanceLeaf steps to the next leaf in key order: climb the stored
// path until a level has a further child, then descend its leftmost
// edge.
func (it *BTreeItr) advanceLeaf() bool {
	t := it.tree
	depth := t.levels - 1 // number of internal levels on the stack
	d := depth - 1
	for d >= 0 {
		buf := t.mgr.Read(it.path[d])
		if buf == nil {
			return false
		}
		if it.slots[d] < buf.Count() {
			it.slots[d]++
			break
		}
		d--
	}
	if d < 0 {
		return false
	}

	buf := t.mgr.Read(it.path[d])
	if buf == nil {
		return false
	}
	cur, cbuf := t.resolve(t.lay.Child(buf, it.slots[d]))
	if cbuf == nil {
		return false
	}
	for lvl := d + 1; cbuf.IsInternal(); lvl++ {
		if lvl >= MaxLevel {
			return false
		}
		it.path[lvl] = cur
		it.slots[lvl] = 0
		if cur, cbuf = t.resolve(t.lay.Child(cbuf, 0)); cbuf == nil {
			return false
		}
	}
	it.leaf = cur
	it.idx = 0
	return true
}
