package rtps

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamString(t *testing.T) {
	cases := []struct{ s string }{
		{"i am a test"},
		{"test"}, // already aligned
		{""},     // empty
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		for i, c := range cases {
			pstr := paramListItem{
				pid:   0x123, // don't care
				value: packParamString(order, c.s),
			}
			assert.Zero(t, len(pstr.value)&0x3, "[%d] packed str len not 32-bit aligned", i)
			strout, err := pstr.valToString(order)
			require.NoError(t, err)
			assert.Equal(t, c.s, strout, "[%d] str mismatch", i)
		}
	}

	short := paramListItem{value: []byte{10, 0, 0, 0, 'a'}}
	_, err := short.valToString(binary.LittleEndian)
	assert.Error(t, err)
}

func TestParamList(t *testing.T) {
	b := appendParamList(nil, []*paramListItem{
		{pid: PID_TOPIC_NAME, value: packParamString(binary.LittleEndian, "chatter")},
		{pid: PID_PAD, value: []byte{0, 0, 0, 0}},
		{pid: PID_TYPE_NAME, value: []byte{7, 0, 0, 0}},
	})
	b = append(b, 0xde, 0xad) // trailing bytes past the sentinel are not consumed

	plist, n, err := newParamList(binary.LittleEndian, b)
	require.NoError(t, err)
	assert.Equal(t, len(b)-2, n)
	require.Len(t, plist, 2)
	assert.Equal(t, paramID(PID_TOPIC_NAME), plist[0].pid)
	assert.Equal(t, paramID(PID_TYPE_NAME), plist[1].pid)

	// no sentinel
	_, _, err = newParamList(binary.LittleEndian, b[:len(b)-6])
	assert.Error(t, err)
}

func TestSeqNumSet(t *testing.T) {
	sns := newSeqNumSet(10, 40)
	assert.True(t, sns.Valid())
	assert.True(t, sns.Empty())
	assert.Equal(t, 2, sns.BitMapWords())
	assert.Equal(t, SeqNum(49), sns.Last())

	sns.Set(10)
	sns.Set(43)
	sns.Set(50) // out of range
	sns.Set(9)  // out of range
	assert.False(t, sns.Empty())
	assert.True(t, sns.IsSet(10))
	assert.True(t, sns.IsSet(43))
	assert.False(t, sns.IsSet(11))
	assert.False(t, sns.IsSet(50))
	assert.Equal(t, uint32(1<<31), sns.bitmap[0])
	assert.Equal(t, uint32(1<<(31-1)), sns.bitmap[1])

	all := newAllOnesSeqNumSet(1, 33)
	for seq := SeqNum(1); seq <= 33; seq++ {
		assert.True(t, all.IsSet(seq))
	}
	assert.Equal(t, uint32(1<<31), all.bitmap[1])

	capped := newSeqNumSet(1, 1000)
	assert.Equal(t, uint32(maxSeqNumSetLen), capped.numBits)

	assert.False(t, (&SeqNumSet{bitmapBase: 0}).Valid())
	assert.False(t, (&SeqNumSet{bitmapBase: 1, numBits: 64, bitmap: []uint32{0}}).Valid())
}

func TestSeqNumSetRoundtrip(t *testing.T) {
	sns := newSeqNumSet(newSeqNum(1, 5), 70)
	sns.Set(newSeqNum(1, 5))
	sns.Set(newSeqNum(1, 74))
	b := sns.appendTo(nil)
	assert.Len(t, b, 12+3*4)

	out, n, err := seqNumSetFromBytes(binary.LittleEndian, b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, sns, out)

	_, _, err = seqNumSetFromBytes(binary.LittleEndian, b[:len(b)-1])
	assert.Error(t, err)

	bigSet := newSeqNumSet(1, 0)
	big := bigSet.appendTo(nil)
	binary.LittleEndian.PutUint32(big[8:], 257)
	_, _, err = seqNumSetFromBytes(binary.LittleEndian, big)
	assert.Error(t, err)
}

func TestSeqNumHiLo(t *testing.T) {
	s := newSeqNum(2, 0xfffffffe)
	assert.Equal(t, int32(2), s.hi())
	assert.Equal(t, uint32(0xfffffffe), s.lo())
	assert.Equal(t, SeqNum(2<<32|0xfffffffe), s)
	assert.Equal(t, s, seqNumFromBytes(binary.LittleEndian, appendSeqNum(nil, s)))
}

func TestHeader(t *testing.T) {
	gp := GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	b := newHeader(gp).appendTo(nil)
	require.Len(t, b, rtpsHeaderLen)
	assert.Equal(t, "RTPS", string(b[:4]))

	hdr, err := newHeaderFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, gp, hdr.guidPrefix)
	assert.Equal(t, VendorID(MY_RTPS_VENDOR_ID), hdr.vid)
	assert.Equal(t, "2.1", hdr.protoVer.String())

	_, err = newHeaderFromBytes(b[:rtpsHeaderLen-1])
	assert.Error(t, err)

	bad := append([]byte("RTPX"), b[4:]...)
	_, err = newHeaderFromBytes(bad)
	assert.ErrorIs(t, err, errBadMagic)

	old := append([]byte(nil), b...)
	old[4] = 1
	_, err = newHeaderFromBytes(old)
	assert.ErrorIs(t, err, errOldVersion)
}

// parseOne decodes the single submessage in b.
func parseOne(t *testing.T, b []byte) *subMsg {
	t.Helper()
	sm, err := newSubMsgFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), sm.wireLen())
	return sm
}

func TestHeartbeatCodec(t *testing.T) {
	hb := &submsgHeartbeat{
		final:       true,
		readerEID:   SEDPPubReaderID,
		writerEID:   SEDPPubWriterID,
		firstSeqNum: 3,
		lastSeqNum:  newSeqNum(1, 2),
		count:       42,
	}
	sm := parseOne(t, hb.appendTo(nil))
	assert.Equal(t, uint8(SUBMSG_ID_HEARTBEAT), sm.hdr.id)

	out, err := newHeartbeatFromBytes(sm)
	require.NoError(t, err)
	assert.Equal(t, hb, out)

	sm.data = sm.data[:27]
	_, err = newHeartbeatFromBytes(sm)
	assert.Error(t, err)
}

func TestAckNackCodec(t *testing.T) {
	an := &submsgAckNack{
		readerEID:     0x107,
		writerEID:     0x102,
		readerSNState: newAllOnesSeqNumSet(5, 40),
		count:         9,
	}
	out, err := newAckNackFromBytes(parseOne(t, an.appendTo(nil)))
	require.NoError(t, err)
	assert.Equal(t, an, out)

	an = &submsgAckNack{final: true, readerEID: 0x107, writerEID: 0x102, readerSNState: newSeqNumSet(8, 0), count: 10}
	out, err = newAckNackFromBytes(parseOne(t, an.appendTo(nil)))
	require.NoError(t, err)
	assert.Equal(t, an, out)
}

func TestGapCodec(t *testing.T) {
	g := &submsgGap{readerID: 0x107, writerID: 0x102, gapStart: 4, gapList: newSeqNumSet(9, 0)}
	sm := parseOne(t, g.appendTo(nil))
	assert.Equal(t, uint8(SUBMSG_ID_GAP), sm.hdr.id)

	out, err := newGapFromBytes(sm)
	require.NoError(t, err)
	assert.Equal(t, g, out)
}

func TestDataCodec(t *testing.T) {
	writer := GUID{Prefix: GUIDPrefix{1}, EntityID: 0x102}
	c := newCacheChange(writer, 7, ChangeKindWrite, []byte("key"), encapsulate(SCHEME_CDR_LE, []byte("hello")), timeInvalid)

	sm := parseOne(t, c.toData(0x107).appendTo(nil))
	d, err := newDataFromBytes(sm)
	require.NoError(t, err)
	assert.Equal(t, EntityID(0x107), d.readerID)
	assert.Equal(t, EntityID(0x102), d.writerID)
	assert.Equal(t, SeqNum(7), d.writerSeqNum)
	assert.Equal(t, ChangeKindWrite, d.changeKind())
	assert.Equal(t, keyHash([]byte("key")), d.keyHash())

	in := changeFromData(writer, d, timeInvalid)
	assert.Equal(t, c.Payload(), in.Payload())
	es, payload, err := decapsulate(in.Payload())
	require.NoError(t, err)
	assert.Equal(t, uint16(SCHEME_CDR_LE), es.scheme)
	assert.Equal(t, []byte("hello"), payload)
}

func TestDataCodecDispose(t *testing.T) {
	writer := GUID{Prefix: GUIDPrefix{1}, EntityID: 0x102}
	for _, kind := range []ChangeKind{ChangeKindDispose, ChangeKindUnregister} {
		c := newCacheChange(writer, 2, kind, []byte("k"), nil, timeInvalid)
		d, err := newDataFromBytes(parseOne(t, c.toData(EIDUnknown).appendTo(nil)))
		require.NoError(t, err)
		assert.Zero(t, d.flags&FLAGS_DATA_DATAFLAG)
		assert.Empty(t, d.payload)

		in := changeFromData(writer, d, timeInvalid)
		assert.Equal(t, kind, in.Kind())
		assert.Equal(t, keyHash([]byte("k")), in.Key())
	}
}

func TestSubMsgTruncated(t *testing.T) {
	hb := (&submsgHeartbeat{firstSeqNum: 1}).appendTo(nil)
	_, err := newSubMsgFromBytes(hb[:len(hb)-1])
	assert.Error(t, err)
	_, err = newSubMsgFromBytes(hb[:3])
	assert.Error(t, err)
}

func TestEncapsulation(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("a"), []byte("abcd"), []byte("abcdef")} {
		b := encapsulate(SCHEME_PL_CDR_LE, data)
		assert.Zero(t, len(b)%4)

		es, out, err := decapsulate(b)
		require.NoError(t, err)
		assert.Equal(t, uint16(SCHEME_PL_CDR_LE), es.scheme)
		assert.Equal(t, string(data), string(out))
	}
	_, _, err := decapsulate([]byte{0, 1})
	assert.Error(t, err)
}

func TestKeyHash(t *testing.T) {
	short := keyHash([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, short)

	guid := GUID{Prefix: GUIDPrefix{9, 8, 7}, EntityID: 0x3c2}
	assert.Equal(t, guid.Bytes(), keyHash(guid.Bytes()))

	long := keyHash([]byte(strings.Repeat("x", 17)))
	assert.Len(t, long, 16)
	assert.NotEqual(t, keyHash([]byte(strings.Repeat("x", 18))), long)
}

func TestLocatorBytes(t *testing.T) {
	cases := []Locator{
		NewUDPv4Locator(netip.MustParseAddr("239.255.0.1"), 7400),
		NewUDPv4Locator(netip.MustParseAddr("192.168.1.20"), 7411),
		{Kind: LOCATOR_KIND_UDPV6, Port: 7410, Addr: netip.MustParseAddr("fe80::1")},
	}
	for _, loc := range cases {
		b := loc.Bytes()
		require.Len(t, b, locatorLen)
		out, err := locatorFromBytes(binary.LittleEndian, b)
		require.NoError(t, err)
		assert.Equal(t, loc, out)
		assert.True(t, out.Valid())
	}

	assert.True(t, cases[0].IsMulticast())
	assert.False(t, cases[1].IsMulticast())
	assert.Equal(t, "192.168.1.20:7411", cases[1].String())
	assert.False(t, Locator{}.Valid())

	_, err := locatorFromBytes(binary.LittleEndian, make([]byte, locatorLen-1))
	assert.Error(t, err)
}
