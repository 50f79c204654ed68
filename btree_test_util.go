package flash_btree

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ryusei-oka/btree-go-for-flash/storage/mem"
)

const (
	testKeySize  = 4
	testDataSize = 12
)

type testConfig struct {
	pages      uint32
	pageSize   uint32
	buffers    int
	eraseBlock uint32
	mapping    int
}

func defaultTestConfig() testConfig {
	return testConfig{
		pages:      4096,
		pageSize:   512,
		buffers:    4,
		eraseBlock: 8,
		mapping:    32,
	}
}

func newTestTree(t *testing.T, cfg testConfig) (*BTree, *BufMgr, *mem.Medium) {
	t.Helper()
	size := int64(cfg.pages) * int64(cfg.pageSize)
	medium := mem.New(size)
	mgr := NewBufMgr(medium, cfg.pageSize, cfg.buffers, 0, size, cfg.eraseBlock)
	tree := NewBTree(mgr, testKeySize, testDataSize, cfg.mapping, nil)
	if err := tree.Init(); err != BTErrOk {
		t.Fatalf("Init() = %v, want %v", err, BTErrOk)
	}
	return tree, mgr, medium
}

func testKey(v uint32) []byte {
	bs := make([]byte, testKeySize)
	binary.BigEndian.PutUint32(bs, v)
	return bs
}

// testValue is the key padded to the value size.
func testValue(v uint32) []byte {
	bs := make([]byte, testDataSize)
	binary.BigEndian.PutUint32(bs, v)
	return bs
}

func mustInsert(t *testing.T, tree *BTree, v uint32) {
	t.Helper()
	if err := tree.InsertKey(testKey(v), testValue(v)); err != BTErrOk {
		t.Fatalf("InsertKey(%d) = %v, want %v", v, err, BTErrOk)
	}
}

func mustFind(t *testing.T, tree *BTree, v uint32) {
	t.Helper()
	got := make([]byte, testDataSize)
	if err := tree.FindKey(testKey(v), got); err != BTErrOk {
		t.Fatalf("FindKey(%d) = %v, want %v", v, err, BTErrOk)
	}
	if !bytes.Equal(got, testValue(v)) {
		t.Fatalf("FindKey(%d) value = %v, want %v", v, got, testValue(v))
	}
}

// checkTree walks the whole tree verifying the structural invariants:
// strictly ascending keys inside every node, separator bounds between
// levels, capacity bounds, and uniform depth.
func checkTree(t *testing.T, tree *BTree) {
	t.Helper()
	leafDepth := -1
	var walk func(id Pid, depth int, min, max []byte)
	walk = func(id Pid, depth int, min, max []byte) {
		if depth >= MaxLevel {
			t.Fatalf("tree deeper than %d levels", MaxLevel)
		}
		_, buf := tree.resolve(id)
		if buf == nil {
			t.Fatalf("page %d unreadable", id)
		}
		lay := &tree.lay
		n := buf.Count()
		if buf.IsInternal() {
			if n > lay.MaxFanout {
				t.Fatalf("internal node with %d keys, max %d", n, lay.MaxFanout)
			}
			if n < 1 {
				t.Fatalf("internal node with no keys")
			}
			keys := make([][]byte, n)
			for i := 0; i < n; i++ {
				keys[i] = append([]byte(nil), lay.Key(buf, i)...)
			}
			children := make([]Pid, n+1)
			for i := 0; i <= n; i++ {
				children[i] = lay.Child(buf, i)
			}
			for i := 1; i < n; i++ {
				if tree.cmp(keys[i-1], keys[i]) >= 0 {
					t.Fatalf("internal keys not strictly ascending at %d", i)
				}
			}
			if min != nil && tree.cmp(keys[0], min) < 0 {
				t.Fatalf("internal key below subtree bound")
			}
			if max != nil && tree.cmp(keys[n-1], max) >= 0 {
				t.Fatalf("internal key above subtree bound")
			}
			for i := 0; i <= n; i++ {
				lo, hi := min, max
				if i > 0 {
					lo = keys[i-1]
				}
				if i < n {
					hi = keys[i]
				}
				walk(children[i], depth+1, lo, hi)
			}
			return
		}
		if leafDepth < 0 {
			leafDepth = depth
		} else if depth != leafDepth {
			t.Fatalf("leaf at depth %d, another leaf at depth %d", depth, leafDepth)
		}
		if n > lay.MaxRecords {
			t.Fatalf("leaf with %d records, max %d", n, lay.MaxRecords)
		}
		for i := 0; i < n; i++ {
			k := lay.RecordKey(buf, i)
			if i > 0 && tree.cmp(lay.RecordKey(buf, i-1), k) >= 0 {
				t.Fatalf("leaf keys not strictly ascending at %d", i)
			}
			if min != nil && tree.cmp(k, min) < 0 {
				t.Fatalf("leaf key below subtree bound")
			}
			if max != nil && tree.cmp(k, max) >= 0 {
				t.Fatalf("leaf key at or above subtree bound")
			}
		}
	}
	walk(tree.mgr.activePath[0], 0, nil, nil)

	// every live remapping entry must lead to something that parses
	for i := 0; i < tree.mapping.used; i++ {
		_, buf := tree.resolve(tree.mapping.prev[i])
		if buf == nil || !buf.parses() {
			t.Fatalf("mapping entry %d -> %d does not reach a node",
				tree.mapping.prev[i], tree.mapping.curr[i])
		}
	}
}

// checkChainsTerminate follows the next-id chain of every written page.
func checkChainsTerminate(t *testing.T, tree *BTree, medium *mem.Medium) {
	t.Helper()
	mgr := tree.mgr
	ps := int(mgr.pageSize)
	raw := medium.Bytes()
	pageAt := func(p Pid) Page {
		off := int(p) * ps
		return Page(raw[off : off+ps])
	}
	for p := mgr.startDataPage; p <= mgr.endDataPage; p++ {
		buf := pageAt(p)
		if !buf.parses() {
			continue
		}
		hops := 0
		for buf.NextId() != NoPage {
			next := tree.mapping.Get(buf.NextId())
			if next > mgr.endDataPage {
				t.Fatalf("chain from page %d leaves the medium", p)
			}
			buf = pageAt(next)
			hops++
			if hops > int(mgr.TotalDataPages()) {
				t.Fatalf("chain from page %d does not terminate", p)
			}
		}
	}
}
