package sfs

// Region is a byte range of a file.
type Region struct {
	Offset int64
	Length int64
}

// AlignRegion widens [offset, offset+length) to whole cipher blocks. The
// start moves down to a block boundary and the length covers the request
// plus one block of slack, even when the request already ends on a
// boundary. Reads and writes through the region only ever touch whole
// blocks.
func AlignRegion(offset, length int64) Region {
	head := offset % BlockSize
	count := head + length
	count = count - count%BlockSize + BlockSize
	return Region{Offset: offset - head, Length: count}
}

// End returns the offset just past r.
func (r Region) End() int64 {
	return r.Offset + r.Length
}

// Contains reports whether r covers [offset, offset+length).
func (r Region) Contains(offset, length int64) bool {
	return offset >= r.Offset && offset+length <= r.End()
}

// Blocks returns the number of cipher blocks in r.
func (r Region) Blocks() int64 {
	return r.Length / BlockSize
}
