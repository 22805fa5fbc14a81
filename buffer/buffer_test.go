package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRetrieveRoundTrip(t *testing.T) {
	b := New()
	b.AppendString("hello world")
	data := b.RetrieveAsString(b.Readable())
	assert.Equal(t, "hello world", data)
}

func TestCursorInvariants(t *testing.T) {
	b := NewSize(16)
	b.AppendString("0123456789")
	b.Retrieve(4)
	assert.Equal(t, b.Readable()+b.Prependable()+b.Writeable(), len(b.buf))
	assert.LessOrEqual(t, b.readIndex, b.writeIndex)
}

func TestRetrieveAllResetsCursors(t *testing.T) {
	b := New()
	b.AppendString("abc")
	b.Retrieve(b.Readable())
	assert.Equal(t, 0, b.readIndex)
	assert.Equal(t, 0, b.writeIndex)
}

func TestCompactBeforeGrow(t *testing.T) {
	b := NewSize(8)
	b.AppendString("1234")
	b.Retrieve(2) // readIndex=2, writeIndex=4: 4 writeable + 2 prependable
	b.AppendString("567890")
	require.Equal(t, 8, b.Readable())
	assert.Equal(t, 8, len(b.buf), "6 bytes fit after compaction, so storage must not grow")
	assert.Equal(t, "34567890", string(b.Peek()))
}

func TestFindCRLF(t *testing.T) {
	b := New()
	b.AppendString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	idx := b.FindCRLF()
	require.NotEqual(t, -1, idx)
	line := b.RetrieveAsString(idx)
	assert.Equal(t, "GET / HTTP/1.1", line)
}

func TestCStringNoTrailingNULInReadable(t *testing.T) {
	b := New()
	b.AppendString("abc")
	before := b.Readable()
	cstr := b.CString()
	assert.Equal(t, before, b.Readable())
	assert.Equal(t, byte(0), cstr[len(cstr)-1])
}
