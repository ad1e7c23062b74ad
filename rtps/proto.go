package rtps

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	SeqNumUnknown = newSeqNum(-1, 0)

	errBadMagic   = errors.New("rtps: bad magic")
	errOldVersion = errors.New("rtps: protocol version too old")

	errBadSeqNumSet      = errors.New("rtps: invalid sequence number set")
	errBadHeartbeatRange = errors.New("rtps: invalid heartbeat range")
)

const (
	FRUDP_FLAGS_LITTLE_ENDIAN = 0x01
	FRUDP_FLAGS_INLINE_QOS    = 0x02
	FRUDP_FLAGS_DATA_PRESENT  = 0x04

	FLAGS_SM_ENDIAN = 0x01 // applies to all submessages

	FLAGS_INFOTS_INVALIDATE = 0x2

	FLAGS_DATA_INLINE_QOS = 0x02
	FLAGS_DATA_DATAFLAG   = 0x04
	FLAGS_DATA_KEYFLAG    = 0x08

	FLAGS_ACKNACK_FINAL = 0x02

	FLAGS_HEARTBEAT_FLAG_FINAL      = 0x02
	FLAGS_HEARTBEAT_FLAG_LIVELINESS = 0x04

	SUBMSG_ID_PAD            = 0x01
	SUBMSG_ID_ACKNACK        = 0x06
	SUBMSG_ID_HEARTBEAT      = 0x07
	SUBMSG_ID_GAP            = 0x08
	SUBMSG_ID_INFO_TS        = 0x09
	SUBMSG_ID_INFO_SRC       = 0x0c
	SUBMSG_ID_INFO_REPLY_IP4 = 0x0d
	SUBMSG_ID_INFO_DST       = 0x0e
	SUBMSG_ID_INFO_REPLY     = 0x0f
	SUBMSG_ID_NACK_FRAG      = 0x12
	SUBMSG_ID_HEARTBEAT_FRAG = 0x13
	SUBMSG_ID_DATA           = 0x15
	SUBMSG_ID_DATA_FRAG      = 0x16

	SCHEME_CDR_BE    = 0x0000
	SCHEME_CDR_LE    = 0x0001
	SCHEME_PL_CDR_BE = 0x0002
	SCHEME_PL_CDR_LE = 0x0003

	MY_RTPS_VERSION_MAJOR = 2
	MY_RTPS_VERSION_MINOR = 1
)

const (
	PID_PAD                           = 0x0000
	PID_SENTINEL                      = 0x0001
	PID_PARTICIPANT_LEASE_DURATION    = 0x0002
	PID_TOPIC_NAME                    = 0x0005
	PID_TYPE_NAME                     = 0x0007
	PID_PROTOCOL_VERSION              = 0x0015
	PID_VENDOR_ID                     = 0x0016
	PID_RELIABILITY                   = 0x001a
	PID_LIVELINESS                    = 0x001b
	PID_DURABILITY                    = 0x001d
	PID_OWNERSHIP                     = 0x001f
	PID_PRESENTATION                  = 0x0021
	PID_DEADLINE                      = 0x0023
	PID_DESTINATION_ORDER             = 0x0025
	PID_LATENCY_BUDGET                = 0x0027
	PID_PARTITION                     = 0x0029
	PID_LIFESPAN                      = 0x002b
	PID_UNICAST_LOCATOR               = 0x002f
	PID_MULTICAST_LOCATOR             = 0x0030
	PID_DEFAULT_UNICAST_LOCATOR       = 0x0031
	PID_METATRAFFIC_UNICAST_LOCATOR   = 0x0032
	PID_METATRAFFIC_MULTICAST_LOCATOR = 0x0033
	PID_HISTORY                       = 0x0040
	PID_EXPECTS_INLINE_QOS            = 0x0043
	PID_RESOURCE_LIMITS               = 0x0041
	PID_DEFAULT_MULTICAST_LOCATOR     = 0x0048
	PID_TRANSPORT_PRIORITY            = 0x0049
	PID_PARTICIPANT_GUID              = 0x0050
	PID_BUILTIN_ENDPOINT_SET          = 0x0058
	PID_PROPERTY_LIST                 = 0x0059
	PID_ENDPOINT_GUID                 = 0x005a
	PID_KEY_HASH                      = 0x0070
	PID_STATUS_INFO                   = 0x0071

	PID_VENDOR_SPECIFIC = 0x8000
)

// status info flags, carried in the last octet of PID_STATUS_INFO
const (
	statusInfoDisposed     = 0x01
	statusInfoUnregistered = 0x02
)

const (
	MaxSeqNum = 0x7fffffffffffffff

	rtpsHeaderLen   = 8 + UDPGuidPrefixLen
	submsgHeaderLen = 4
	maxSeqNumSetLen = 256
)

type SeqNum int64

func newSeqNum(hi int32, lo uint32) SeqNum {
	return SeqNum(int64(hi)<<32 | int64(lo))
}

func (s SeqNum) hi() int32 {
	return int32(int64(s) >> 32)
}

func (s SeqNum) lo() uint32 {
	return uint32(s)
}

func appendSeqNum(b []byte, s SeqNum) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(s.hi()))
	return binary.LittleEndian.AppendUint32(b, s.lo())
}

func seqNumFromBytes(bin binary.ByteOrder, b []byte) SeqNum {
	return newSeqNum(int32(bin.Uint32(b[0:])), bin.Uint32(b[4:]))
}

type ProtoVersion struct {
	major uint8
	minor uint8
}

func (v ProtoVersion) String() string {
	return fmt.Sprintf("%d.%d", v.major, v.minor)
}

type Header struct {
	protoVer   ProtoVersion
	vid        VendorID // vendor ID
	guidPrefix GUIDPrefix
}

func newHeader(gp GUIDPrefix) Header {
	return Header{
		protoVer:   ProtoVersion{MY_RTPS_VERSION_MAJOR, MY_RTPS_VERSION_MINOR},
		vid:        MY_RTPS_VENDOR_ID,
		guidPrefix: gp,
	}
}

func (h Header) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, Magic)
	b = append(b, h.protoVer.major, h.protoVer.minor)
	b = binary.BigEndian.AppendUint16(b, uint16(h.vid))
	return append(b, h.guidPrefix[:]...)
}

func newHeaderFromBytes(b []byte) (Header, error) {
	if len(b) < rtpsHeaderLen {
		return Header{}, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint32(b[0:]) != Magic {
		return Header{}, errBadMagic
	}

	hdr := Header{
		protoVer: ProtoVersion{major: b[4], minor: b[5]},
		vid:      VendorID(binary.BigEndian.Uint16(b[6:])),
	}
	copy(hdr.guidPrefix[:], b[8:rtpsHeaderLen])
	if hdr.protoVer.major < MY_RTPS_VERSION_MAJOR {
		return hdr, errOldVersion
	}
	return hdr, nil
}

// SeqNumSet is a bitmap of sequence numbers starting at bitmapBase.
// Bit i (msb first within each 32-bit word) refers to bitmapBase+i.
type SeqNumSet struct {
	bitmapBase SeqNum   // first sequence number in the set
	numBits    uint32   // total bit count
	bitmap     []uint32 // as many uint32s required by numBits
}

func newSeqNumSet(base SeqNum, numBits uint32) SeqNumSet {
	if numBits > maxSeqNumSetLen {
		numBits = maxSeqNumSetLen
	}
	return SeqNumSet{
		bitmapBase: base,
		numBits:    numBits,
		bitmap:     make([]uint32, (numBits+31)/32),
	}
}

// newAllOnesSeqNumSet marks every bit from base onwards.
func newAllOnesSeqNumSet(base SeqNum, numBits uint32) SeqNumSet {
	sns := newSeqNumSet(base, numBits)
	for i := uint32(0); i < sns.numBits; i++ {
		sns.bitmap[i/32] |= 1 << (31 - i%32)
	}
	return sns
}

func (sns *SeqNumSet) Valid() bool {
	if sns.bitmapBase <= 0 {
		return false
	}
	if sns.numBits > maxSeqNumSetLen {
		return false
	}
	return len(sns.bitmap) >= sns.BitMapWords()
}

func (sns *SeqNumSet) BitMapWords() int {
	return int((sns.numBits + 31) / 32)
}

// Last is the highest sequence number the set can describe.
func (sns *SeqNumSet) Last() SeqNum {
	return sns.bitmapBase + SeqNum(sns.numBits) - 1
}

func (sns *SeqNumSet) IsSet(s SeqNum) bool {
	if s < sns.bitmapBase || s > sns.Last() {
		return false
	}
	i := uint32(s - sns.bitmapBase)
	return sns.bitmap[i/32]&(1<<(31-i%32)) != 0
}

func (sns *SeqNumSet) Set(s SeqNum) {
	if s < sns.bitmapBase || s > sns.Last() {
		return
	}
	i := uint32(s - sns.bitmapBase)
	sns.bitmap[i/32] |= 1 << (31 - i%32)
}

// Empty reports whether no bit is set, i.e. the set is a pure acknowledgement.
func (sns *SeqNumSet) Empty() bool {
	for _, w := range sns.bitmap {
		if w != 0 {
			return false
		}
	}
	return true
}

func (sns *SeqNumSet) appendTo(b []byte) []byte {
	b = appendSeqNum(b, sns.bitmapBase)
	b = binary.LittleEndian.AppendUint32(b, sns.numBits)
	for i := 0; i < sns.BitMapWords(); i++ {
		b = binary.LittleEndian.AppendUint32(b, sns.bitmap[i])
	}
	return b
}

func seqNumSetFromBytes(bin binary.ByteOrder, b []byte) (SeqNumSet, int, error) {
	if len(b) < 12 {
		return SeqNumSet{}, 0, io.ErrUnexpectedEOF
	}
	sns := SeqNumSet{
		bitmapBase: seqNumFromBytes(bin, b),
		numBits:    bin.Uint32(b[8:]),
	}
	if sns.numBits > maxSeqNumSetLen {
		return SeqNumSet{}, 0, fmt.Errorf("rtps: seqnum set too large (%d bits)", sns.numBits)
	}
	n := 12 + sns.BitMapWords()*4
	if len(b) < n {
		return SeqNumSet{}, 0, io.ErrUnexpectedEOF
	}
	sns.bitmap = make([]uint32, sns.BitMapWords())
	for i := range sns.bitmap {
		sns.bitmap[i] = bin.Uint32(b[12+i*4:])
	}
	return sns, n, nil
}

type submsgHeader struct {
	id    uint8
	flags uint8
	sz    uint16
}

func (s submsgHeader) appendTo(b []byte) []byte {
	b = append(b, s.id, s.flags|FLAGS_SM_ENDIAN)
	return binary.LittleEndian.AppendUint16(b, s.sz)
}

type subMsg struct {
	hdr  submsgHeader
	bin  binary.ByteOrder // relevant for packing/unpacking
	data []uint8
}

func newSubMsgFromBytes(b []byte) (*subMsg, error) {
	if len(b) < submsgHeaderLen {
		return nil, io.ErrUnexpectedEOF
	}
	sm := &subMsg{
		hdr: submsgHeader{
			id:    b[0],
			flags: b[1],
		},
	}
	if sm.hdr.flags&FLAGS_SM_ENDIAN != 0 {
		sm.bin = binary.LittleEndian
	} else {
		sm.bin = binary.BigEndian
	}
	sm.hdr.sz = sm.bin.Uint16(b[2:])

	// "octetsToNextHeader == 0" means the submessage extends to the end of the message,
	// for anything other than PAD and INFO_TS
	if sm.hdr.sz == 0 && sm.hdr.id != SUBMSG_ID_PAD && sm.hdr.id != SUBMSG_ID_INFO_TS {
		sm.data = b[submsgHeaderLen:]
		return sm, nil
	}

	// make sure we can trust sm.hdr.sz
	if len(b) < int(sm.hdr.sz)+submsgHeaderLen {
		return nil, io.ErrUnexpectedEOF
	}

	sm.data = b[submsgHeaderLen : submsgHeaderLen+int(sm.hdr.sz)]
	return sm, nil
}

// wireLen is how many bytes this submessage occupied in the message.
func (sm *subMsg) wireLen() int {
	return submsgHeaderLen + len(sm.data)
}

type submsgInfoTS struct {
	invalidate bool
	ts         time.Time
}

func (s *submsgInfoTS) appendTo(b []byte) []byte {
	if s.invalidate {
		return submsgHeader{id: SUBMSG_ID_INFO_TS, flags: FLAGS_INFOTS_INVALIDATE}.appendTo(b)
	}
	b = submsgHeader{id: SUBMSG_ID_INFO_TS, sz: 8}.appendTo(b)
	return append(b, timeToBytes(s.ts, binary.LittleEndian)...)
}

type submsgInfoDest struct {
	guidPrefix GUIDPrefix
}

func (s *submsgInfoDest) appendTo(b []byte) []byte {
	b = submsgHeader{id: SUBMSG_ID_INFO_DST, sz: UDPGuidPrefixLen}.appendTo(b)
	return append(b, s.guidPrefix[:]...)
}

type submsgInfoSrc struct {
	version    ProtoVersion
	vid        VendorID
	guidPrefix GUIDPrefix
}

func newInfoSrcFromBytes(b []byte) (submsgInfoSrc, error) {
	if len(b) < 8+UDPGuidPrefixLen {
		return submsgInfoSrc{}, io.ErrUnexpectedEOF
	}
	is := submsgInfoSrc{
		// first 4 octets unused
		version: ProtoVersion{b[4], b[5]},
		vid:     VendorID(binary.BigEndian.Uint16(b[6:])),
	}
	copy(is.guidPrefix[:], b[8:])
	return is, nil
}

type submsgData struct {
	flags        uint8
	readerID     EntityID
	writerID     EntityID
	writerSeqNum SeqNum
	inlineQos    []*paramListItem
	payload      []uint8 // serialized payload, including the encapsulation header
}

const dataFixedLen = 20 // extraflags .. writerSN

func (s *submsgData) appendTo(b []byte) []byte {
	body := make([]byte, 0, dataFixedLen+len(s.payload)+32)
	body = binary.LittleEndian.AppendUint16(body, 0)  // extraflags
	body = binary.LittleEndian.AppendUint16(body, 16) // octetsToInlineQos
	body = binary.BigEndian.AppendUint32(body, uint32(s.readerID))
	body = binary.BigEndian.AppendUint32(body, uint32(s.writerID))
	body = appendSeqNum(body, s.writerSeqNum)

	flags := s.flags &^ FLAGS_DATA_INLINE_QOS
	if len(s.inlineQos) > 0 {
		flags |= FLAGS_DATA_INLINE_QOS
		for _, p := range s.inlineQos {
			body = p.appendTo(body)
		}
		body = (&paramListItem{pid: PID_SENTINEL}).appendTo(body)
	}
	body = append(body, s.payload...)

	b = submsgHeader{id: SUBMSG_ID_DATA, flags: flags, sz: uint16(len(body))}.appendTo(b)
	return append(b, body...)
}

func newDataFromBytes(sm *subMsg) (*submsgData, error) {
	if len(sm.data) < dataFixedLen {
		return nil, io.ErrUnexpectedEOF
	}
	// additional data-specific header info
	octetsToInlineQos := int(sm.bin.Uint16(sm.data[2:]))
	smd := &submsgData{
		flags:        sm.hdr.flags,
		readerID:     EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		writerID:     EntityID(binary.BigEndian.Uint32(sm.data[8:])),
		writerSeqNum: seqNumFromBytes(sm.bin, sm.data[12:]),
	}
	if 4+octetsToInlineQos > len(sm.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := sm.data[4+octetsToInlineQos:]

	// parse inline QoS parameters
	if sm.hdr.flags&FLAGS_DATA_INLINE_QOS != 0 {
		plist, n, err := newParamList(sm.bin, b)
		if err != nil {
			return nil, err
		}
		smd.inlineQos = plist
		b = b[n:]
	}
	if sm.hdr.flags&(FLAGS_DATA_DATAFLAG|FLAGS_DATA_KEYFLAG) != 0 {
		smd.payload = b
	}
	return smd, nil
}

// statusInfo returns the change kind signalled by inline QoS.
func (s *submsgData) changeKind() ChangeKind {
	for _, p := range s.inlineQos {
		if p.pid == PID_STATUS_INFO && len(p.value) >= 4 {
			switch {
			case p.value[3]&statusInfoDisposed != 0:
				return ChangeKindDispose
			case p.value[3]&statusInfoUnregistered != 0:
				return ChangeKindUnregister
			}
		}
	}
	return ChangeKindWrite
}

func (s *submsgData) keyHash() []byte {
	for _, p := range s.inlineQos {
		if p.pid == PID_KEY_HASH && len(p.value) >= 16 {
			return p.value[:16]
		}
	}
	return nil
}

type submsgGap struct {
	readerID EntityID
	writerID EntityID
	gapStart SeqNum
	gapList  SeqNumSet
}

func (s *submsgGap) appendTo(b []byte) []byte {
	sz := 8 + 8 + 12 + s.gapList.BitMapWords()*4
	b = submsgHeader{id: SUBMSG_ID_GAP, sz: uint16(sz)}.appendTo(b)
	b = binary.BigEndian.AppendUint32(b, uint32(s.readerID))
	b = binary.BigEndian.AppendUint32(b, uint32(s.writerID))
	b = appendSeqNum(b, s.gapStart)
	return s.gapList.appendTo(b)
}

func newGapFromBytes(sm *subMsg) (*submsgGap, error) {
	if len(sm.data) < 16 {
		return nil, io.ErrUnexpectedEOF
	}
	g := &submsgGap{
		readerID: EntityID(binary.BigEndian.Uint32(sm.data[0:])),
		writerID: EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		gapStart: seqNumFromBytes(sm.bin, sm.data[8:]),
	}
	var err error
	if g.gapList, _, err = seqNumSetFromBytes(sm.bin, sm.data[16:]); err != nil {
		return nil, err
	}
	return g, nil
}

type submsgHeartbeat struct {
	final       bool
	liveliness  bool
	readerEID   EntityID
	writerEID   EntityID
	firstSeqNum SeqNum
	lastSeqNum  SeqNum
	count       uint32
}

func (s *submsgHeartbeat) appendTo(b []byte) []byte {
	var flags uint8
	if s.final {
		flags |= FLAGS_HEARTBEAT_FLAG_FINAL
	}
	if s.liveliness {
		flags |= FLAGS_HEARTBEAT_FLAG_LIVELINESS
	}
	b = submsgHeader{id: SUBMSG_ID_HEARTBEAT, flags: flags, sz: 28}.appendTo(b)
	b = binary.BigEndian.AppendUint32(b, uint32(s.readerEID))
	b = binary.BigEndian.AppendUint32(b, uint32(s.writerEID))
	b = appendSeqNum(b, s.firstSeqNum)
	b = appendSeqNum(b, s.lastSeqNum)
	return binary.LittleEndian.AppendUint32(b, s.count)
}

func newHeartbeatFromBytes(sm *subMsg) (*submsgHeartbeat, error) {
	if len(sm.data) < 28 {
		return nil, io.ErrUnexpectedEOF
	}
	return &submsgHeartbeat{
		final:       sm.hdr.flags&FLAGS_HEARTBEAT_FLAG_FINAL != 0,
		liveliness:  sm.hdr.flags&FLAGS_HEARTBEAT_FLAG_LIVELINESS != 0,
		readerEID:   EntityID(binary.BigEndian.Uint32(sm.data[0:])),
		writerEID:   EntityID(binary.BigEndian.Uint32(sm.data[4:])),
		firstSeqNum: seqNumFromBytes(sm.bin, sm.data[8:]),
		lastSeqNum:  seqNumFromBytes(sm.bin, sm.data[16:]),
		count:       sm.bin.Uint32(sm.data[24:]),
	}, nil
}

type submsgAckNack struct {
	final         bool
	readerEID     EntityID
	writerEID     EntityID
	readerSNState SeqNumSet
	count         uint32
}

func (s *submsgAckNack) appendTo(b []byte) []byte {
	var flags uint8
	if s.final {
		flags |= FLAGS_ACKNACK_FINAL
	}
	sz := 8 + 12 + s.readerSNState.BitMapWords()*4 + 4
	b = submsgHeader{id: SUBMSG_ID_ACKNACK, flags: flags, sz: uint16(sz)}.appendTo(b)
	b = binary.BigEndian.AppendUint32(b, uint32(s.readerEID))
	b = binary.BigEndian.AppendUint32(b, uint32(s.writerEID))
	b = s.readerSNState.appendTo(b)
	return binary.LittleEndian.AppendUint32(b, s.count)
}

func newAckNackFromBytes(sm *subMsg) (*submsgAckNack, error) {
	if len(sm.data) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	an := &submsgAckNack{
		final:     sm.hdr.flags&FLAGS_ACKNACK_FINAL != 0,
		readerEID: EntityID(binary.BigEndian.Uint32(sm.data[0:])),
		writerEID: EntityID(binary.BigEndian.Uint32(sm.data[4:])),
	}
	sns, n, err := seqNumSetFromBytes(sm.bin, sm.data[8:])
	if err != nil {
		return nil, err
	}
	if len(sm.data) < 8+n+4 {
		return nil, io.ErrUnexpectedEOF
	}
	an.readerSNState = sns
	an.count = sm.bin.Uint32(sm.data[8+n:])
	return an, nil
}

type paramID uint16

type paramListItem struct {
	pid   paramID
	value []uint8 // must be 32-bit aligned
}

func (p *paramListItem) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(p.pid))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(p.value)))
	return append(b, p.value...)
}

func newParamListItemFromBytes(bin binary.ByteOrder, b []byte) (*paramListItem, error) {
	if len(b) < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	sz := int(bin.Uint16(b[2:]))
	if len(b) < sz+4 {
		return nil, io.ErrUnexpectedEOF
	}

	return &paramListItem{
		pid:   paramID(bin.Uint16(b[0:])),
		value: b[4 : 4+sz],
	}, nil
}

func (p *paramListItem) valToString(bin binary.ByteOrder) (string, error) {
	if len(p.value) < 4 {
		return "", io.ErrUnexpectedEOF
	}
	sz := int(bin.Uint32(p.value[0:]))
	if len(p.value) < 4+sz {
		return "", io.ErrUnexpectedEOF
	}
	if sz > 0 && p.value[4+sz-1] == 0 {
		sz-- // trailing NUL
	}
	return string(p.value[4 : 4+sz]), nil
}

func packParamString(bin binary.ByteOrder, s string) []byte {
	b := make([]byte, (4+len(s)+1+3) & ^0x3) // must be 32-bit aligned
	bin.PutUint32(b[0:], uint32(len(s)+1))
	copy(b[4:], []byte(s))
	b[4+len(s)] = 0
	return b
}

// newParamList parses parameters up to and including the sentinel.
// n is the number of bytes consumed.
func newParamList(bin binary.ByteOrder, b []byte) ([]*paramListItem, int, error) {
	var plist []*paramListItem
	n := 0

	for {
		p, err := newParamListItemFromBytes(bin, b)
		if err != nil {
			return nil, 0, err
		}
		b = b[4+len(p.value):]
		n += 4 + len(p.value)
		if p.pid == PID_SENTINEL {
			break
		}
		if p.pid == PID_PAD {
			continue
		}
		plist = append(plist, p)
	}
	return plist, n, nil
}

type encapsulationScheme struct {
	scheme  uint16
	options uint16
}

// encapsulate prefixes data with its scheme and pads it to 32 bits.
// The padding count goes into the low bits of options so the reader can strip it.
func encapsulate(scheme uint16, data []byte) []byte {
	pad := (4 - len(data)%4) % 4
	b := make([]byte, 4, 4+len(data)+pad)
	binary.BigEndian.PutUint16(b, scheme)
	binary.BigEndian.PutUint16(b[2:], uint16(pad))
	b = append(b, data...)
	return append(b, make([]byte, pad)...)
}

func decapsulate(b []byte) (encapsulationScheme, []byte, error) {
	if len(b) < 4 {
		return encapsulationScheme{}, nil, io.ErrUnexpectedEOF
	}
	es := encapsulationScheme{
		scheme:  binary.BigEndian.Uint16(b[0:]), // always big endian
		options: binary.BigEndian.Uint16(b[2:]),
	}
	data := b[4:]
	if pad := int(es.options & 0x3); pad <= len(data) {
		data = data[:len(data)-pad]
	}
	return es, data, nil
}

// keyHash follows the RTPS rule: keys of up to 16 bytes are zero padded,
// longer keys are digested with MD5.
func keyHash(key []byte) []byte {
	if len(key) > 16 {
		h := md5.Sum(key)
		return h[:]
	}
	kh := make([]byte, 16)
	copy(kh, key)
	return kh
}

func statusInfoParam(kind ChangeKind) *paramListItem {
	v := make([]byte, 4)
	switch kind {
	case ChangeKindDispose:
		v[3] = statusInfoDisposed
	case ChangeKindUnregister:
		v[3] = statusInfoUnregistered
	}
	return &paramListItem{pid: PID_STATUS_INFO, value: v}
}
