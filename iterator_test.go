package flash_btree

import (
	"bytes"
	"testing"
)

func TestBTreeItr_empty(t *testing.T) {
	tree, _, _ := newTestTree(t, defaultTestConfig())
	it, err := tree.NewItr(nil, nil)
	if err != BTErrOk {
		t.Fatalf("NewItr() = %v", err)
	}
	if ok, _, _ := it.Next(); ok {
		t.Errorf("Next() on empty tree = true, want false")
	}
}

func TestBTreeItr_fullScan(t *testing.T) {
	tree, _, _ := newTestTree(t, defaultTestConfig())
	const n = 2000
	// insert descending so leaves split on the low side too
	for v := uint32(n); v >= 1; v-- {
		mustInsert(t, tree, v)
	}

	it, err := tree.NewItr(nil, nil)
	if err != BTErrOk {
		t.Fatalf("NewItr() = %v", err)
	}
	want := uint32(1)
	for {
		ok, k, v := it.Next()
		if !ok {
			break
		}
		if !bytes.Equal(k, testKey(want)) {
			t.Fatalf("key = %v, want %v", k, testKey(want))
		}
		if !bytes.Equal(v, testValue(want)) {
			t.Fatalf("value mismatch at %d", want)
		}
		want++
	}
	if want != n+1 {
		t.Errorf("scan yielded %d records, want %d", want-1, n)
	}
}

func TestBTreeItr_bounds(t *testing.T) {
	tree, _, _ := newTestTree(t, defaultTestConfig())
	// only even keys present
	for v := uint32(2); v <= 200; v += 2 {
		mustInsert(t, tree, v)
	}

	// bounds that fall between stored keys
	it, err := tree.NewItr(testKey(11), testKey(21))
	if err != BTErrOk {
		t.Fatalf("NewItr() = %v", err)
	}
	var got []uint32
	for {
		ok, k, _ := it.Next()
		if !ok {
			break
		}
		got = append(got, uint32(k[0])<<24|uint32(k[1])<<16|uint32(k[2])<<8|uint32(k[3]))
	}
	want := []uint32{12, 14, 16, 18, 20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	// inclusive upper bound
	it, _ = tree.NewItr(testKey(20), testKey(20))
	n := 0
	for {
		ok, k, _ := it.Next()
		if !ok {
			break
		}
		if !bytes.Equal(k, testKey(20)) {
			t.Fatalf("key = %v, want %v", k, testKey(20))
		}
		n++
	}
	if n != 1 {
		t.Errorf("single-key range yielded %d records, want 1", n)
	}

	// range entirely above the data
	it, _ = tree.NewItr(testKey(500), nil)
	if ok, _, _ := it.Next(); ok {
		t.Errorf("range above all keys yielded a record")
	}
}
