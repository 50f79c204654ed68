// Package file provides a file-backed medium. The file is opened with
// O_DIRECT through ncw/directio where the filesystem allows it, so page
// traffic bypasses the OS cache the way it would on a raw device;
// otherwise it falls back to buffered I/O. Erase is a no-op: files
// tolerate in-place overwrite without it.
package file

import (
	"io"
	"os"

	"github.com/ncw/directio"
)

type Medium struct {
	f      *os.File
	size   int64
	direct bool
}

// Open creates or opens path and sizes it to size bytes.
func Open(path string, size int64) (*Medium, error) {
	direct := true
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		direct = false
		if f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644); err != nil {
			return nil, err
		}
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &Medium{f: f, size: size, direct: direct}, nil
}

func (m *Medium) ReadAt(p []byte, off int64) (int, error) {
	if !m.direct {
		return m.f.ReadAt(p, off)
	}
	blk, start := m.alignedSpan(off, len(p))
	if _, err := m.f.ReadAt(blk, start); err != nil && err != io.EOF {
		return 0, err
	}
	copy(p, blk[off-start:])
	return len(p), nil
}

func (m *Medium) WriteAt(p []byte, off int64) (int, error) {
	if !m.direct {
		return m.f.WriteAt(p, off)
	}
	// O_DIRECT wants aligned offsets, lengths and memory: read the
	// covering span, patch it, write it back
	blk, start := m.alignedSpan(off, len(p))
	if _, err := m.f.ReadAt(blk, start); err != nil && err != io.EOF {
		return 0, err
	}
	copy(blk[off-start:], p)
	if _, err := m.f.WriteAt(blk, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

// alignedSpan returns an aligned buffer covering [off, off+n) and the
// file offset it starts at.
func (m *Medium) alignedSpan(off int64, n int) ([]byte, int64) {
	align := int64(directio.BlockSize)
	start := off &^ (align - 1)
	end := (off + int64(n) + align - 1) &^ (align - 1)
	if end > m.size {
		end = m.size
	}
	return directio.AlignedBlock(int(end - start)), start
}

func (m *Medium) Erase(firstAddr, lastAddr int64) error { return nil }

func (m *Medium) Sync() error { return m.f.Sync() }

func (m *Medium) Close() error { return m.f.Close() }

func (m *Medium) Size() int64 { return m.size }
