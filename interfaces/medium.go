package interfaces

import "io"

// Medium is a block-addressable backing store. Read and write granularity
// is one page; implementations that cannot patch arbitrary byte ranges in
// place (O_DIRECT files) are expected to read-modify-write internally.
type Medium interface {
	io.ReaderAt
	io.WriterAt

	// Erase resets the inclusive byte range [firstAddr, lastAddr] to the
	// medium's erased state. A no-op on file backends.
	Erase(firstAddr, lastAddr int64) error

	Sync() error
	Close() error
}
