package rtps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const maxUDPPayload = 65507

// UDPTransport is the standard RTPS UDPv4 transport: unicast sockets on the
// participant's metatraffic and user ports, and the domain's multicast
// group joined on one interface.
type UDPTransport struct {
	log      *zap.Logger
	iface    *net.Interface
	locators Locators

	tx    *net.UDPConn // also the metatraffic unicast receiver
	conns []*net.UDPConn

	closeOnce sync.Once
	done      chan struct{}
}

// NewUDPTransport opens the sockets for cfg. With AutoParticipantID the
// first participant id whose metatraffic port is free is used.
func NewUDPTransport(cfg Config, log *zap.Logger) (*UDPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	iface, err := selectInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}
	ip, err := defaultIP(iface)
	if err != nil {
		return nil, err
	}
	group, _ := cfg.multicastGroup()

	t := &UDPTransport{
		log:   log.Named("udp"),
		iface: iface,
		done:  make(chan struct{}),
	}

	pid := cfg.ParticipantID
	if pid == AutoParticipantID {
		// scan ports on our unicast address to find a free one
		for pid = 0; pid < maxParticipantID; pid++ {
			if t.tx, err = listenUnicast(ip, cfg.metaUnicastPort(pid)); err == nil {
				break
			}
		}
	} else {
		t.tx, err = listenUnicast(ip, cfg.metaUnicastPort(pid))
	}
	if err != nil || t.tx == nil {
		return nil, fmt.Errorf("no free participant id on %s: %w", ip, err)
	}
	t.conns = append(t.conns, t.tx)

	pc := ipv4.NewPacketConn(t.tx)
	err = multierr.Combine(
		pc.SetMulticastInterface(iface),
		pc.SetMulticastLoopback(true),
		pc.SetMulticastTTL(1),
	)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("configure multicast send: %w", err)
	}

	user, err := listenUnicast(ip, cfg.userUnicastPort(pid))
	if err != nil {
		t.Close()
		return nil, err
	}
	t.conns = append(t.conns, user)

	for _, port := range []uint32{cfg.metaMulticastPort(), cfg.userMulticastPort()} {
		c, err := listenMulticast(iface, group, port)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.conns = append(t.conns, c)
	}

	t.locators = cfg.locators(ip, pid)
	t.log.Info("udp transport up",
		zap.String("interface", iface.Name),
		zap.Int("mtu", iface.MTU),
		zap.Stringer("ip", ip),
		zap.Int("participant_id", pid))
	return t, nil
}

func selectInterface(name string) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}
	return defaultInterface()
}

func defaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	mask := net.FlagUp | net.FlagMulticast
	for _, ifi := range ifaces {
		if ifi.Flags&mask == mask && ifi.Flags&net.FlagLoopback == 0 {
			return &ifi, nil
		}
	}
	return nil, errors.New("rtps: no multicast capable interface")
}

func defaultIP(iface *net.Interface) (netip.Addr, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		if ifa, ok := addr.(*net.IPNet); ok {
			if ip4 := ifa.IP.To4(); ip4 != nil {
				return netip.AddrFrom4([4]byte(ip4)), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("rtps: no IPv4 address on %s", iface.Name)
}

func listenUnicast(ip netip.Addr, port uint32) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))))
}

func listenMulticast(iface *net.Interface, group netip.Addr, port uint32) (*net.UDPConn, error) {
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(group, uint16(port)))
	c, err := net.ListenMulticastUDP("udp4", iface, addr)
	if err != nil {
		return nil, fmt.Errorf("join %s on %s: %w", addr, iface.Name, err)
	}
	return c, nil
}

func (t *UDPTransport) Send(dst Locator, b []byte) error {
	if len(b) > maxUDPPayload {
		return ErrTransportOverflow
	}
	_, err := t.tx.WriteToUDPAddrPort(b, dst.AddrPort())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EMSGSIZE):
		return fmt.Errorf("%w: %v", ErrTransportOverflow, err)
	case errors.Is(err, net.ErrClosed):
		return ErrClosed
	}
	return err
}

func (t *UDPTransport) Listen(ctx context.Context, out chan<- Datagram) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range t.conns {
		c := c
		g.Go(func() error {
			return t.rx(ctx, c, out)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		// unblock the readers
		for _, c := range t.conns {
			c.SetReadDeadline(time.Unix(1, 0))
		}
		return nil
	})
	return g.Wait()
}

func (t *UDPTransport) rx(ctx context.Context, c *net.UDPConn, out chan<- Datagram) error {
	// OpenSplice and others send messages larger than the MTU, so
	// size for the largest UDP payload
	buf := make([]byte, maxUDPPayload)
	for {
		n, src, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || t.closed() {
				return nil
			}
			t.log.Debug("read failed", zap.Error(err))
			continue
		}
		select {
		case out <- Datagram{Data: append([]byte(nil), buf[:n]...), Source: src}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *UDPTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *UDPTransport) Locators() Locators {
	return t.locators
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		for _, c := range t.conns {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}
