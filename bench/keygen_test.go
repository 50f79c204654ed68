package bench

import "testing"

func TestUniqueRand_permutation(t *testing.T) {
	const size = 1000
	for _, seed := range []uint64{0, 1, 42} {
		gen := NewUniqueRand(size, seed)
		seen := make([]bool, size)
		n := 0
		for {
			v, ok := gen.Next()
			if !ok {
				break
			}
			if v >= size {
				t.Fatalf("seed %d: value %d out of range", seed, v)
			}
			if seen[v] {
				t.Fatalf("seed %d: value %d repeated", seed, v)
			}
			seen[v] = true
			n++
		}
		if n != size {
			t.Fatalf("seed %d: yielded %d values, want %d", seed, n, size)
		}
	}
}

func TestUniqueRand_seedsDiffer(t *testing.T) {
	a := NewUniqueRand(1000, 0)
	b := NewUniqueRand(1000, 1)
	same := 0
	for i := 0; i < 100; i++ {
		va, _ := a.Next()
		vb, _ := b.Next()
		if va == vb {
			same++
		}
	}
	if same == 100 {
		t.Errorf("seeds 0 and 1 produced identical streams")
	}
}

func TestUniqueRand_reset(t *testing.T) {
	gen := NewUniqueRand(100, 9)
	first, _ := gen.Next()
	gen.Reset()
	again, _ := gen.Next()
	if first != again {
		t.Errorf("Reset() changed the stream: %d then %d", first, again)
	}
}

func TestUniqueRand_tinySizes(t *testing.T) {
	for _, size := range []uint32{1, 2, 3} {
		gen := NewUniqueRand(size, 0)
		n := 0
		for {
			if _, ok := gen.Next(); !ok {
				break
			}
			n++
		}
		if n != int(size) {
			t.Errorf("size %d yielded %d values", size, n)
		}
	}
}
