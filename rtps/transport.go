package rtps

import (
	"context"
	"net/netip"
)

// Datagram is one received RTPS message and the address it came from.
type Datagram struct {
	Data   []byte
	Source netip.AddrPort
}

// Locators are the addresses a participant listens on, as announced through SPDP.
type Locators struct {
	DefaultUnicast   []Locator
	DefaultMulticast []Locator
	MetaUnicast      []Locator
	MetaMulticast    []Locator
}

// Transport moves RTPS messages between participants.
//
// Send must not block on a slow receiver: when the datagram cannot be
// queued it returns ErrTransportOverflow and the protocol recovers through
// heartbeats. Listen delivers every received datagram to out, blocking when
// out is full, until ctx is done or the transport is closed.
type Transport interface {
	Send(dst Locator, b []byte) error
	Listen(ctx context.Context, out chan<- Datagram) error
	Locators() Locators
	Close() error
}
