package rtps

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

const (
	LOCATOR_KIND_INVALID  = -1
	LOCATOR_KIND_RESERVED = 0
	LOCATOR_KIND_UDPV4    = 1
	LOCATOR_KIND_UDPV6    = 2
	LOCATOR_KIND_TCPv4    = 4
	LOCATOR_KIND_TCPv6    = 8
	LOCATOR_PORT_INVALID  = 0

	locatorLen = 4 + 4 + 16
)

// Locator is an (address, port) pair a transport can send to.
type Locator struct {
	Kind int32
	Port uint32
	Addr netip.Addr
}

func NewUDPv4Locator(addr netip.Addr, port uint16) Locator {
	return Locator{
		Kind: LOCATOR_KIND_UDPV4,
		Port: uint32(port),
		Addr: addr.Unmap(),
	}
}

func locatorFromBytes(bin binary.ByteOrder, b []byte) (Locator, error) {
	if len(b) < locatorLen {
		return Locator{}, io.ErrUnexpectedEOF
	}
	loc := Locator{
		Kind: int32(bin.Uint32(b[0:])),
		Port: bin.Uint32(b[4:]),
	}
	switch loc.Kind {
	case LOCATOR_KIND_UDPV4, LOCATOR_KIND_TCPv4:
		loc.Addr = netip.AddrFrom4([4]byte{b[20], b[21], b[22], b[23]})
	default:
		loc.Addr = netip.AddrFrom16([16]byte(b[8:24]))
	}
	return loc, nil
}

// Bytes encodes the locator the way it appears in a parameter list.
func (loc Locator) Bytes() []byte {
	buf := make([]byte, locatorLen)
	binary.LittleEndian.PutUint32(buf, uint32(loc.Kind))
	binary.LittleEndian.PutUint32(buf[4:], loc.Port)
	if loc.Addr.Is4() {
		a := loc.Addr.As4()
		copy(buf[8+12:], a[:])
	} else if loc.Addr.IsValid() {
		a := loc.Addr.As16()
		copy(buf[8:], a[:])
	}
	return buf
}

func (loc Locator) Valid() bool {
	return loc.Kind > LOCATOR_KIND_RESERVED && loc.Port != LOCATOR_PORT_INVALID && loc.Addr.IsValid()
}

func (loc Locator) IsMulticast() bool {
	return loc.Addr.IsMulticast()
}

func (loc Locator) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(loc.Addr, uint16(loc.Port))
}

func (loc Locator) String() string {
	return fmt.Sprintf("%s:%d", loc.Addr.String(), loc.Port)
}
