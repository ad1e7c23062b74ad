package rtps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserID(t *testing.T) {
	cases := []struct {
		kind     uint8
		isReader bool
		isWriter bool
	}{
		{ENTITYID_KIND_READER_NO_KEY, true, false},
		{ENTITYID_KIND_READER_WITH_KEY, true, false},
		{ENTITYID_KIND_WRITER_NO_KEY, false, true},
		{ENTITYID_KIND_WRITER_WITH_KEY, false, true},
	}

	var ids entityIDAllocator
	seen := map[EntityID]bool{}
	for i, c := range cases {
		id := ids.create(c.kind)
		assert.Equal(t, c.isReader, id.isReader(), "[%d] reader", i)
		assert.Equal(t, c.isWriter, id.isWriter(), "[%d] writer", i)
		assert.False(t, id.isBuiltin(), "[%d] user id should never be builtin", i)
		assert.Equal(t, c.kind, id.kind(), "[%d] kind", i)
		assert.False(t, seen[id], "[%d] duplicate id %x", i, uint32(id))
		seen[id] = true
	}
}

func TestBuiltinIDs(t *testing.T) {
	for _, eid := range []EntityID{SPDPWriterID, SEDPPubWriterID, SEDPSubWriterID} {
		assert.True(t, eid.isWriter())
		assert.True(t, eid.isBuiltinEndpoint())
	}
	for _, eid := range []EntityID{SPDPReaderID, SEDPPubReaderID, SEDPSubReaderID} {
		assert.True(t, eid.isReader())
		assert.True(t, eid.isBuiltinEndpoint())
	}
	assert.True(t, EIDParticipant.isBuiltin())
	assert.False(t, EIDParticipant.isBuiltinEndpoint())
}

func TestGUIDBytes(t *testing.T) {
	guid := GUID{Prefix: NewGUIDPrefix(), EntityID: SEDPPubWriterID}
	b := guid.Bytes()
	require.Len(t, b, 16)
	assert.Equal(t, []byte{0, 0, 3, 0xc2}, b[12:])

	out, err := GUIDFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, guid, out)

	_, err = GUIDFromBytes(b[:15])
	assert.Error(t, err)
}

func TestNewGUIDPrefix(t *testing.T) {
	a, b := NewGUIDPrefix(), NewGUIDPrefix()
	assert.NotEqual(t, a, b)
	assert.Equal(t, byte(MY_RTPS_VENDOR_ID>>8), a[0])
	assert.Equal(t, byte(MY_RTPS_VENDOR_ID&0xff), a[1])
	assert.False(t, GUID{Prefix: a}.Unknown())
	assert.True(t, GUID{}.Unknown())
}

func TestCompareGUID(t *testing.T) {
	lo := GUID{Prefix: GUIDPrefix{1}, EntityID: 0x207}
	hi := GUID{Prefix: GUIDPrefix{2}, EntityID: 0x107}
	assert.Negative(t, compareGUID(lo, hi))
	assert.Positive(t, compareGUID(hi, lo))
	assert.Zero(t, compareGUID(lo, lo))
	assert.Negative(t, compareGUID(GUID{EntityID: 1}, GUID{EntityID: 2}))
}

func TestVendorString(t *testing.T) {
	assert.Equal(t, "0x010f (eProsima)", VendorID(0x010f).String())
	assert.Equal(t, "0xbeef (unknown)", VendorID(0xbeef).String())
}
