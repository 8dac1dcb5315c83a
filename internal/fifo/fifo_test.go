package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := NewFifo(8)
	n := f.Write([]byte{1, 2, 3, 4})
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, f.GetOccupied())

	out := make([]byte, 4)
	n = f.Read(out)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.Equal(t, 0, f.GetOccupied())
}

func TestWriteStopsAtCapacity(t *testing.T) {
	f := NewFifo(4)
	n := f.Write([]byte{1, 2, 3, 4, 5, 6})
	// One slot is always kept empty to disambiguate full from empty.
	assert.Equal(t, 3, n)
}

func TestAltReadDoesNotConsumeUntilFinish(t *testing.T) {
	f := NewFifo(8)
	f.Write([]byte{1, 2, 3})

	f.AltBegin(0)
	peek := make([]byte, 3)
	n := f.AltRead(peek)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.GetOccupied(), "alt read must not advance the real read cursor")

	f.AltFinish()
	assert.Equal(t, 0, f.GetOccupied())
}

func TestReset(t *testing.T) {
	f := NewFifo(4)
	f.Write([]byte{1, 2})
	f.Reset()
	assert.Equal(t, 0, f.GetOccupied())
	assert.Equal(t, 3, f.GetSpace())
}
