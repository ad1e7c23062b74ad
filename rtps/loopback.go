package rtps

import (
	"context"
	"net/netip"
	"sync"
)

// LoopbackNetwork connects LoopbackTransports inside one process. Each
// transport gets its own 127.0.0.x host address and the standard port
// mapping, and multicast locators fan out to every transport that
// listens on them.
type LoopbackNetwork struct {
	mu        sync.Mutex
	sockets   map[Locator][]*LoopbackTransport
	nextHost  byte
	queueSize int
}

func NewLoopbackNetwork(queueSize int) *LoopbackNetwork {
	return &LoopbackNetwork{
		sockets:   make(map[Locator][]*LoopbackTransport),
		nextHost:  1,
		queueSize: queueSize,
	}
}

// NewTransport attaches a new transport for the participant described by cfg.
func (n *LoopbackNetwork) NewTransport(cfg Config) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := netip.AddrFrom4([4]byte{127, 0, 0, n.nextHost})
	n.nextHost++

	pid := cfg.ParticipantID
	if pid == AutoParticipantID {
		pid = 0
	}
	t := &LoopbackTransport{
		network:  n,
		locators: cfg.locators(addr, pid),
		in:       make(chan Datagram, n.queueSize),
		done:     make(chan struct{}),
	}
	for _, loc := range t.all() {
		n.sockets[loc] = append(n.sockets[loc], t)
	}
	return t
}

func (n *LoopbackNetwork) detach(t *LoopbackTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, loc := range t.all() {
		ts := n.sockets[loc]
		for i, x := range ts {
			if x == t {
				ts = append(ts[:i], ts[i+1:]...)
				break
			}
		}
		if len(ts) == 0 {
			delete(n.sockets, loc)
		} else {
			n.sockets[loc] = ts
		}
	}
}

func (n *LoopbackNetwork) deliver(src netip.AddrPort, dst Locator, b []byte) error {
	n.mu.Lock()
	targets := n.sockets[dst]
	n.mu.Unlock()

	var err error
	for _, t := range targets {
		dg := Datagram{Data: append([]byte(nil), b...), Source: src}
		select {
		case t.in <- dg:
		default:
			err = ErrTransportOverflow
		}
	}
	return err
}

// LoopbackTransport is a Transport over a LoopbackNetwork.
type LoopbackTransport struct {
	network  *LoopbackNetwork
	locators Locators
	in       chan Datagram

	closeOnce sync.Once
	done      chan struct{}
}

// source is the address datagrams from t appear to come from, its
// metatraffic unicast socket as with UDPTransport.
func (t *LoopbackTransport) source() netip.AddrPort {
	if len(t.locators.MetaUnicast) == 0 {
		return netip.AddrPort{}
	}
	return t.locators.MetaUnicast[0].AddrPort()
}

func (t *LoopbackTransport) all() []Locator {
	var locs []Locator
	locs = append(locs, t.locators.DefaultUnicast...)
	locs = append(locs, t.locators.DefaultMulticast...)
	locs = append(locs, t.locators.MetaUnicast...)
	return append(locs, t.locators.MetaMulticast...)
}

// Send queues a copy of b on every transport listening on dst. A full
// receive queue drops the datagram and reports ErrTransportOverflow.
func (t *LoopbackTransport) Send(dst Locator, b []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.network.deliver(t.source(), dst, b)
}

func (t *LoopbackTransport) Listen(ctx context.Context, out chan<- Datagram) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case dg := <-t.in:
			select {
			case out <- dg:
			case <-ctx.Done():
				return nil
			case <-t.done:
				return nil
			}
		}
	}
}

func (t *LoopbackTransport) Locators() Locators {
	return t.locators
}

func (t *LoopbackTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.network.detach(t)
	})
	return nil
}
