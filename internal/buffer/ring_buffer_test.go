package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodterm/moodterm/internal/relay"
)

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer(100)
	assert.Equal(t, 100, rb.Cap())
	assert.Zero(t, rb.Len())

	assert.Equal(t, 1, NewRingBuffer(0).Cap())
	assert.Equal(t, 1, NewRingBuffer(-5).Cap())
}

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	n, err := rb.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = rb.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, 10, rb.Len())
	assert.Equal(t, "helloworld", string(rb.ReadAll()))
}

func TestRingBuffer_WriteOverflow(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte("0123456789"))
	rb.Write([]byte("abc"))

	assert.Equal(t, "3456789abc", string(rb.ReadAll()))
	assert.Equal(t, 10, rb.Len())

	// Wrap again from a non-zero start.
	rb.Write([]byte("defgh"))
	assert.Equal(t, "89abcdefgh", string(rb.ReadAll()))
	assert.Equal(t, uint64(18), rb.Total())
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Write([]byte("ab"))

	n, err := rb.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "56789", string(rb.ReadAll()))
}

func TestRingBuffer_ReadAllReturnsCopy(t *testing.T) {
	rb := NewRingBuffer(10)
	assert.Nil(t, rb.ReadAll())

	rb.Write([]byte("test"))
	data := rb.ReadAll()
	data[0] = 'X'
	assert.Equal(t, "test", string(rb.ReadAll()))
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte("hello"))
	rb.Clear()

	assert.Zero(t, rb.Len())
	assert.Nil(t, rb.ReadAll())
	assert.Equal(t, uint64(5), rb.Total())

	rb.Write([]byte("world"))
	assert.Equal(t, "world", string(rb.ReadAll()))
}

func TestRingBuffer_IsRelaySink(t *testing.T) {
	var sink relay.Sink = NewRingBuffer(4)
	require.NoError(t, sink.Deliver(relay.Chunk("abcdef")))

	data, total := sink.(*RingBuffer).Snapshot()
	assert.Equal(t, "cdef", string(data))
	assert.Equal(t, uint64(6), total)
}

// The buffer always holds the last Cap() bytes of everything written.
func TestRingBufferTailProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("contents equal the tail of all writes", prop.ForAll(
		func(capacity int, writes []string) bool {
			rb := NewRingBuffer(capacity)
			var all []byte
			for _, w := range writes {
				rb.Write([]byte(w))
				all = append(all, w...)
			}
			want := all
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			data, total := rb.Snapshot()
			return bytes.Equal(want, data) && total == uint64(len(all)) && rb.Len() == len(want)
		},
		gen.IntRange(1, 32),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
