package flash_btree

import (
	"encoding/binary"
)

// Page layout:
//
//	offset 0  logical id  (4 bytes, assigned on every append write)
//	offset 4  prev id     (4 bytes, page this one replaces, or NoPage)
//	offset 8  next id     (4 bytes, on-disk successor chain, or NoPage)
//	offset 12 count+flags (2 bytes)
//	offset 14 padding     (2 bytes)
//	offset 16 payload
//
// The count field packs the record count with the node kind:
// count + 10000 marks an internal node, count + 20000 marks the root.
// The raw count is always below 10000.
const (
	offLogicalId  = 0
	offPrevId     = 4
	offNextId     = 8
	offCountFlags = 12

	countInternalFlag = 10000
	countRootFlag     = 20000
)

// Page is a view over one raw page buffer, header included.
type Page []byte

func (p Page) LogicalId() uint32 {
	return binary.LittleEndian.Uint32(p[offLogicalId:])
}

func (p Page) SetLogicalId(id uint32) {
	binary.LittleEndian.PutUint32(p[offLogicalId:], id)
}

func (p Page) PrevId() Pid {
	return binary.LittleEndian.Uint32(p[offPrevId:])
}

func (p Page) SetPrevId(id Pid) {
	binary.LittleEndian.PutUint32(p[offPrevId:], id)
}

func (p Page) NextId() Pid {
	return binary.LittleEndian.Uint32(p[offNextId:])
}

func (p Page) SetNextId(id Pid) {
	binary.LittleEndian.PutUint32(p[offNextId:], id)
}

func (p Page) countFlags() uint16 {
	return binary.LittleEndian.Uint16(p[offCountFlags:])
}

func (p Page) Count() int {
	return int(p.countFlags() % countInternalFlag)
}

func (p Page) IsInternal() bool {
	return (p.countFlags()/countInternalFlag)%2 == 1
}

func (p Page) IsRoot() bool {
	return p.countFlags() >= countRootFlag
}

func (p Page) SetCount(count int, internal, root bool) {
	if count < 0 || count >= countInternalFlag {
		panic("page record count out of range")
	}
	cf := uint16(count)
	if internal {
		cf += countInternalFlag
	}
	if root {
		cf += countRootFlag
	}
	binary.LittleEndian.PutUint16(p[offCountFlags:], cf)
}

// SetRoot rewrites only the root bit, keeping count and kind.
func (p Page) SetRoot(root bool) {
	p.SetCount(p.Count(), p.IsInternal(), root)
}

// parses reports whether the header looks like a written node: a
// non-zero, non-erased logical id and a raw count inside the encoding
// range. Erased flash reads back 0xFF, a never-written file hole 0x00.
func (p Page) parses() bool {
	id := p.LogicalId()
	if id == 0 || id == 0xFFFFFFFF {
		return false
	}
	return p.countFlags() < countRootFlag+2*countInternalFlag
}

// Layout carries the node geometry derived from the configured sizes.
type Layout struct {
	PageSize   uint32
	KeySize    int
	DataSize   int
	RecordSize int
	MaxRecords int // leaf capacity L
	MaxFanout  int // internal key capacity F
}

func NewLayout(pageSize uint32, keySize, dataSize int) Layout {
	record := keySize + dataSize
	payload := int(pageSize) - PageHeaderSize
	return Layout{
		PageSize:   pageSize,
		KeySize:    keySize,
		DataSize:   dataSize,
		RecordSize: record,
		MaxRecords: payload / record,
		MaxFanout:  (payload - ChildIdSize) / (keySize + ChildIdSize),
	}
}

// Leaf payload: MaxRecords records of RecordSize bytes, sorted by key.

func (l *Layout) Record(p Page, i int) []byte {
	off := PageHeaderSize + i*l.RecordSize
	return p[off : off+l.RecordSize]
}

func (l *Layout) RecordKey(p Page, i int) []byte {
	return l.Record(p, i)[:l.KeySize]
}

func (l *Layout) RecordValue(p Page, i int) []byte {
	return l.Record(p, i)[l.KeySize:]
}

// Internal payload: MaxFanout keys followed by MaxFanout+1 child ids.
// A node holding n keys has n+1 valid children.

func (l *Layout) Key(p Page, i int) []byte {
	off := PageHeaderSize + i*l.KeySize
	return p[off : off+l.KeySize]
}

func (l *Layout) childOff(i int) int {
	return PageHeaderSize + l.MaxFanout*l.KeySize + i*ChildIdSize
}

func (l *Layout) Child(p Page, i int) Pid {
	return binary.LittleEndian.Uint32(p[l.childOff(i):])
}

func (l *Layout) SetChild(p Page, i int, id Pid) {
	binary.LittleEndian.PutUint32(p[l.childOff(i):], id)
}

// ShiftRecords moves the records [from, from+count) one slot to the
// right, opening a hole at from. Ranges may overlap; copy is a move.
func (l *Layout) ShiftRecords(p Page, from, count int) {
	start := PageHeaderSize + from*l.RecordSize
	end := start + count*l.RecordSize
	copy(p[start+l.RecordSize:end+l.RecordSize], p[start:end])
}

// SearchLeaf binary-searches the records of a leaf. In exact mode it
// returns the index holding key, or -1. In range mode it returns the
// index of the last record whose key is <= key, or -1 when every record
// is greater.
func (l *Layout) SearchLeaf(p Page, key []byte, cmp KeyCompare, exact bool) int {
	low, high := 0, p.Count()-1
	last := -1
	for low <= high {
		mid := (low + high) / 2
		c := cmp(l.RecordKey(p, mid), key)
		switch {
		case c == 0:
			return mid
		case c < 0:
			last = mid
			low = mid + 1
		default:
			high = mid - 1
		}
	}
	if exact {
		return -1
	}
	return last
}

// SearchInternal returns the child slot to descend into: the number of
// keys <= key, so a key equal to a separator routes to the rightmost
// child holding it.
func (l *Layout) SearchInternal(p Page, key []byte, cmp KeyCompare) int {
	low, high := 0, p.Count()
	for low < high {
		mid := (low + high) / 2
		if cmp(l.Key(p, mid), key) <= 0 {
			low = mid + 1
		} else {
			high = mid
		}
	}
	return low
}
