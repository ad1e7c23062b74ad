package rtps

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRoundtrip(t *testing.T) {
	cases := []struct{ t time.Time }{
		{time.Unix(1451457191, 226962928)}, // arbitrary point in time
		{time.Unix(1709294400, 0)},
		{time.Unix(0, 1)},
	}

	for _, c := range cases {
		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			b := timeToBytes(c.t, order)
			tout, err := timeFromBytes(order, b)
			require.NoError(t, err)
			assert.True(t, tout.Equal(c.t), "time roundtrip mismatch. got %v, want %v", tout, c.t)
		}
	}

	_, err := timeFromBytes(binary.LittleEndian, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDurationRoundtrip(t *testing.T) {
	cases := []struct{ d time.Duration }{
		{time.Duration(1451457191)}, // arbitrary duration
		{0},
		{100 * time.Second},
		{durationInfinite},
	}

	for _, c := range cases {
		b := durationToBytes(c.d, binary.LittleEndian)
		dout, err := durationFromBytes(binary.LittleEndian, b)
		require.NoError(t, err)
		assert.Equal(t, c.d, dout)
	}
}

func TestDurationInfiniteEncoding(t *testing.T) {
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0x7f, 0xff, 0xff, 0xff, 0xff},
		durationToBytes(durationInfinite, binary.LittleEndian))
}
