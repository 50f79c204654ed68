package mem

import (
	"bytes"
	"testing"
)

func TestMedium_readWrite(t *testing.T) {
	m := New(4096)
	data := bytes.Repeat([]byte{0xAB}, 512)
	if _, err := m.WriteAt(data, 512); err != nil {
		t.Fatalf("WriteAt() = %v", err)
	}
	got := make([]byte, 512)
	if _, err := m.ReadAt(got, 512); err != nil {
		t.Fatalf("ReadAt() = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("roundtrip mismatch")
	}
}

func TestMedium_writePastEnd(t *testing.T) {
	m := New(1024)
	if _, err := m.WriteAt(make([]byte, 512), 1024); err == nil {
		t.Errorf("write past end must fail")
	}
}

func TestMedium_eraseReadsBackFF(t *testing.T) {
	m := New(2048)
	m.WriteAt(bytes.Repeat([]byte{0x11}, 1024), 0)
	if err := m.Erase(0, 511); err != nil {
		t.Fatalf("Erase() = %v", err)
	}
	got := make([]byte, 1024)
	m.ReadAt(got, 0)
	for i := 0; i < 512; i++ {
		if got[i] != 0xFF {
			t.Fatalf("byte %d = %x after erase, want ff", i, got[i])
		}
	}
	for i := 512; i < 1024; i++ {
		if got[i] != 0x11 {
			t.Fatalf("byte %d = %x, erase leaked past its range", i, got[i])
		}
	}
}

func TestMedium_attachSharesContents(t *testing.T) {
	m := New(1024)
	m.WriteAt([]byte{1, 2, 3, 4}, 100)
	m2 := Attach(m.Bytes())
	got := make([]byte, 4)
	m2.ReadAt(got, 100)
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("attached medium lost contents: %v", got)
	}
}
