package rtps

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	UDPGuidPrefixLen  = 12
	Magic             = 0x52545053 // RTPS in ASCII
	MY_RTPS_VENDOR_ID = 0x1234
)

const (
	ENTITYID_UNKNOWN                                = 0x0
	ENTITYID_PARTICIPANT                            = 0x1c1
	ENTITYID_SEDP_BUILTIN_TOPIC_WRITER              = 0x2c2
	ENTITYID_SEDP_BUILTIN_TOPIC_READER              = 0x2c7
	ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER       = 0x3c2
	ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER       = 0x3c7
	ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER      = 0x4c2
	ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER      = 0x4c7
	ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER        = 0x100c2
	ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER        = 0x100c7
	ENTITYID_P2P_BUILTIN_PARTICIPANT_MESSAGE_WRITER = 0x200c2
	ENTITYID_P2P_BUILTIN_PARTICIPANT_MESSAGE_READER = 0x200c7
	ENTITYID_SOURCE_MASK                            = 0xc0
	ENTITYID_SOURCE_USER                            = 0x00
	ENTITYID_SOURCE_BUILTIN                         = 0xc0
	ENTITYID_SOURCE_VENDOR                          = 0x40
	ENTITYID_KIND_MASK                              = 0x3f
	ENTITYID_KIND_WRITER_WITH_KEY                   = 0x02
	ENTITYID_KIND_WRITER_NO_KEY                     = 0x03
	ENTITYID_KIND_READER_NO_KEY                     = 0x04
	ENTITYID_KIND_READER_WITH_KEY                   = 0x07
	ENTITYID_ALLOCSTEP                              = 0x100
)

const (
	EIDUnknown      EntityID = ENTITYID_UNKNOWN
	EIDParticipant  EntityID = ENTITYID_PARTICIPANT
	SPDPWriterID    EntityID = ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER
	SPDPReaderID    EntityID = ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER
	SEDPPubWriterID EntityID = ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER
	SEDPPubReaderID EntityID = ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER
	SEDPSubWriterID EntityID = ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER
	SEDPSubReaderID EntityID = ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER
)

var (
	unknownGUIDPrefix = GUIDPrefix{}
)

func vendorName(id VendorID) string {
	switch id {
	case 0x0101:
		return "RTI Connext"
	case 0x0102:
		return "PrismTech OpenSplice"
	case 0x0103:
		return "OCI OpenDDS"
	case 0x0104:
		return "MilSoft"
	case 0x0105:
		return "Gallium InterCOM"
	case 0x0106:
		return "TwinOaks CoreDX"
	case 0x0107:
		return "Lakota Technical Systems"
	case 0x0108:
		return "ICOUP Consulting"
	case 0x0109:
		return "ETRI"
	case 0x010a:
		return "RTI Connext Micro"
	case 0x010b:
		return "PrismTech Vortex Cafe"
	case 0x010c:
		return "PrismTech Vortex Gateway"
	case 0x010d:
		return "PrismTech Vortex Lite"
	case 0x010e:
		return "Technicolor Qeo"
	case 0x010f:
		return "eProsima"
	case 0x0120:
		return "PrismTech Vortex Cloud"
	case MY_RTPS_VENDOR_ID:
		return "go-rtps"
	default:
		return "unknown"
	}
}

// EntityID is an entity id.
// NB: always encoded big endian, regardless of submessage endian flag
type EntityID uint32

func (eid EntityID) kind() uint8 {
	return uint8(eid & 0xff)
}

// entityIDAllocator hands out user entity ids for one participant.
type entityIDAllocator struct {
	next atomic.Uint32
}

func (a *entityIDAllocator) create(entityKind uint8) EntityID {
	// For user IDs, "the entityKey field within the EntityId_t
	// can be chosen arbitrarily by the middleware implementation
	// as long as the resulting EntityId_t is unique within the Participant.", sec 9.3.1.2
	return EntityID(a.next.Add(ENTITYID_ALLOCSTEP) | uint32(entityKind))
}

func (eid EntityID) isWriter() bool {
	switch eid & ENTITYID_KIND_MASK {
	case ENTITYID_KIND_WRITER_WITH_KEY, ENTITYID_KIND_WRITER_NO_KEY:
		return true
	}
	return false
}

func (eid EntityID) isReader() bool {
	switch eid & ENTITYID_KIND_MASK {
	case ENTITYID_KIND_READER_WITH_KEY, ENTITYID_KIND_READER_NO_KEY:
		return true
	}
	return false
}

func (eid EntityID) isBuiltin() bool {
	return (eid & ENTITYID_SOURCE_MASK) == ENTITYID_SOURCE_BUILTIN
}

func (eid EntityID) isBuiltinEndpoint() bool {
	return eid.isBuiltin() && eid != ENTITYID_PARTICIPANT
}

type VendorID uint16

func (v VendorID) String() string {
	return fmt.Sprintf("0x%04x (%s)", uint16(v), vendorName(v))
}

// GUIDPrefix identifies a participant. It is an array so that GUIDs
// can be compared with == and used as map keys.
type GUIDPrefix [UDPGuidPrefixLen]byte

// NewGUIDPrefix returns a random prefix tagged with our vendor id.
func NewGUIDPrefix() GUIDPrefix {
	var gp GUIDPrefix
	gp[0] = MY_RTPS_VENDOR_ID >> 8
	gp[1] = MY_RTPS_VENDOR_ID & 0xff
	u := uuid.New()
	copy(gp[2:], u[:])
	return gp
}

func guidPrefixFromBytes(b []byte) (GUIDPrefix, error) {
	var gp GUIDPrefix
	if len(b) < UDPGuidPrefixLen {
		return gp, io.ErrUnexpectedEOF
	}
	copy(gp[:], b)
	return gp, nil
}

func (gp GUIDPrefix) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x%02x%02x-%02x%02x%02x%02x",
		gp[0], gp[1], gp[2], gp[3], gp[4], gp[5], gp[6], gp[7], gp[8], gp[9], gp[10], gp[11])
}

// GUID is participant prefix + entity id.
type GUID struct {
	Prefix   GUIDPrefix
	EntityID EntityID
}

func GUIDFromBytes(b []byte) (GUID, error) {
	if len(b) < UDPGuidPrefixLen+4 {
		return GUID{}, io.ErrUnexpectedEOF
	}
	gp, _ := guidPrefixFromBytes(b)
	return GUID{
		Prefix:   gp,
		EntityID: EntityID(binary.BigEndian.Uint32(b[UDPGuidPrefixLen:])),
	}, nil
}

func (g GUID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, g.Prefix[:])
	binary.BigEndian.PutUint32(b[UDPGuidPrefixLen:], uint32(g.EntityID))
	return b
}

func (g GUID) Unknown() bool {
	return g.EntityID == ENTITYID_UNKNOWN && g.Prefix == unknownGUIDPrefix
}

func (g GUID) String() string {
	return fmt.Sprintf("[%s : 0x%x]", g.Prefix.String(), uint32(g.EntityID))
}

func compareGUID(a, b GUID) int {
	if c := bytes.Compare(a.Prefix[:], b.Prefix[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.EntityID, b.EntityID)
}
