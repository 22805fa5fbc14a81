// Package buffer implements the growable byte buffer described in
// spec.md §4.6: read/write cursors, compact-before-grow, a scatter read
// into (writable tail, fixed-size overflow) to minimize syscalls and
// reallocation, and small string-search helpers.
//
// Grounded on original_source/src/buffer.cc (make_space/append/retrieve/
// read_fd using readv + a thread-local extrabuf).
package buffer

import (
	"bytes"

	"golang.org/x/sys/unix"
)

const initialCapacity = 1024

// overflowSize is the size of the scatter-read overflow region, matching
// the teacher's 64 KiB extrabuf.
const overflowSize = 65536

// overflowPool stands in for the original's thread_local char
// extrabuf[65536]: a package-level free list holding at most one spare
// overflow region. ReadFD takes a region from it (allocating a new one when
// it is empty) and puts it back afterwards, so no true thread-local is
// needed.
var overflowPool = make(chan *[overflowSize]byte, 1)

func getOverflow() *[overflowSize]byte {
	select {
	case b := <-overflowPool:
		return b
	default:
		return new([overflowSize]byte)
	}
}

func putOverflow(b *[overflowSize]byte) {
	select {
	case overflowPool <- b:
	default:
	}
}

// Buffer is a growable byte vector with read_index <= write_index <= cap.
// The readable region is buf[readIndex:writeIndex].
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// New creates an empty Buffer with the default initial capacity.
func New() *Buffer { return NewSize(initialCapacity) }

// NewSize creates an empty Buffer with the given initial capacity.
func NewSize(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Readable returns the number of bytes available to read.
func (b *Buffer) Readable() int { return b.writeIndex - b.readIndex }

// Writeable returns the number of bytes that can be appended without
// growing or compacting.
func (b *Buffer) Writeable() int { return len(b.buf) - b.writeIndex }

// Prependable returns the number of bytes already retrieved, i.e. the
// space available to reclaim via compaction.
func (b *Buffer) Prependable() int { return b.readIndex }

// Peek returns the readable region without consuming it. The returned
// slice aliases the buffer's storage and is invalidated by the next
// Append/Retrieve/CString/ReadFD call.
func (b *Buffer) Peek() []byte { return b.buf[b.readIndex:b.writeIndex] }

// makeSpace ensures n bytes can be appended, first compacting (shifting
// the readable region to offset 0) if that alone suffices, otherwise
// growing the underlying storage.
func (b *Buffer) makeSpace(n int) {
	if n <= b.Writeable() {
		return
	}
	if n <= b.Writeable()+b.Prependable() {
		readable := b.Readable()
		copy(b.buf, b.buf[b.readIndex:b.writeIndex])
		b.readIndex = 0
		b.writeIndex = readable
		return
	}
	grown := make([]byte, b.writeIndex+n)
	copy(grown, b.buf)
	b.buf = grown
}

// Append copies data into the buffer's writable tail, compacting or
// growing storage as needed.
func (b *Buffer) Append(data []byte) {
	b.makeSpace(len(data))
	copy(b.buf[b.writeIndex:], data)
	b.writeIndex += len(data)
}

// AppendString is a convenience wrapper over Append.
func (b *Buffer) AppendString(s string) { b.Append([]byte(s)) }

// Retrieve consumes n bytes from the readable region. Per spec.md §3, once
// n >= Readable(), both cursors reset to 0 rather than merely advancing
// readIndex to writeIndex, so a fully-drained buffer can immediately reuse
// its full capacity without a later compaction.
func (b *Buffer) Retrieve(n int) {
	if n < b.Readable() {
		b.readIndex += n
	} else {
		b.readIndex = 0
		b.writeIndex = 0
	}
}

// RetrieveAll drains the entire readable region.
func (b *Buffer) RetrieveAll() { b.Retrieve(b.Readable()) }

// RetrieveAsString consumes and returns the first n bytes as a string. If
// n exceeds Readable(), the whole readable region is returned.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.Readable() {
		n = b.Readable()
	}
	s := string(b.buf[b.readIndex : b.readIndex+n])
	b.Retrieve(n)
	return s
}

// Find returns the index (relative to the readable region) of the first
// occurrence of pattern, or -1 if not found. Linear search per spec.md §4.6.
func (b *Buffer) Find(pattern []byte) int {
	return bytes.Index(b.Peek(), pattern)
}

// FindCRLF locates the first "\r\n" in the readable region.
func (b *Buffer) FindCRLF() int { return b.Find([]byte("\r\n")) }

// FindLF locates the first "\n" in the readable region.
func (b *Buffer) FindLF() int { return bytes.IndexByte(b.Peek(), '\n') }

// CString ensures a trailing NUL immediately after the readable region,
// without extending Readable(), and returns the readable region as a
// NUL-terminated byte slice suitable for passing to C-style APIs.
func (b *Buffer) CString() []byte {
	b.makeSpace(1)
	b.buf[b.writeIndex] = 0
	return b.buf[b.readIndex : b.writeIndex+1]
}

// ReadFD performs a scatter read from fd directly into the buffer's
// writable tail plus a fixed-size overflow region, appending the overflow
// portion (if used) in a single additional growth. Mirrors
// original_source's buffer::read_fd(fd) via readv(2) with an iovec pair.
//
// Returns the number of bytes read (0 means EOF, negative is never
// returned — errors come back via err).
func (b *Buffer) ReadFD(fd int) (int, error) {
	writeable := b.Writeable()
	overflow := getOverflow()
	defer putOverflow(overflow)

	iovs := []unix.Iovec{
		{Base: nil, Len: 0}, // placeholder, filled below
		{Base: &overflow[0], Len: uint64(len(overflow))},
	}
	if writeable > 0 {
		iovs[0].Base = &b.buf[b.writeIndex]
		iovs[0].Len = uint64(writeable)
	} else {
		// No room in the tail: still offer the overflow buffer alone so a
		// readable socket isn't starved just because the buffer is full.
		iovs = iovs[1:]
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return int(n), nil
	}

	if writeable > 0 && int(n) <= writeable {
		b.writeIndex += int(n)
	} else {
		used := writeable
		if used < 0 {
			used = 0
		}
		b.writeIndex += used
		b.Append(overflow[:int(n)-used])
	}
	return int(n), nil
}
