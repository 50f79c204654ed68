// Package mem provides a RAM-backed medium, mainly for tests and
// benchmarks. Erase fills the range with 0xFF the way NOR flash reads
// back after an erase, so header parsing sees the same bytes it would
// on real flash.
package mem

import (
	"fmt"

	"github.com/dsnet/golib/memfile"
)

type Medium struct {
	f    *memfile.File
	size int64
}

// New returns a blank medium of the given byte size.
func New(size int64) *Medium {
	return &Medium{f: memfile.New(make([]byte, size)), size: size}
}

// Attach wraps existing medium contents, e.g. the bytes kept from a
// closed medium when re-opening it.
func Attach(data []byte) *Medium {
	return &Medium{f: memfile.New(data), size: int64(len(data))}
}

func (m *Medium) ReadAt(p []byte, off int64) (int, error) {
	return m.f.ReadAt(p, off)
}

func (m *Medium) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write past end of medium: %d+%d > %d", off, len(p), m.size)
	}
	return m.f.WriteAt(p, off)
}

func (m *Medium) Erase(firstAddr, lastAddr int64) error {
	b := m.f.Bytes()
	if firstAddr < 0 || lastAddr >= int64(len(b)) {
		return fmt.Errorf("erase past end of medium: [%d, %d]", firstAddr, lastAddr)
	}
	for i := firstAddr; i <= lastAddr; i++ {
		b[i] = 0xFF
	}
	return nil
}

func (m *Medium) Sync() error { return nil }

func (m *Medium) Close() error { return nil }

// Bytes exposes the raw contents, so a medium can be re-attached after
// Close to exercise recovery.
func (m *Medium) Bytes() []byte { return m.f.Bytes() }

func (m *Medium) Size() int64 { return m.size }
