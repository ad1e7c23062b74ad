package rtps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackLocators(t *testing.T) {
	n := NewLoopbackNetwork(4)
	a := n.NewTransport(DefaultConfig())
	b := n.NewTransport(DefaultConfig())

	la, lb := a.Locators(), b.Locators()
	require.Len(t, la.MetaUnicast, 1)
	assert.Equal(t, "127.0.0.1:7410", la.MetaUnicast[0].String())
	assert.Equal(t, "127.0.0.2:7411", lb.DefaultUnicast[0].String())
	assert.Equal(t, la.MetaMulticast, lb.MetaMulticast)
}

func TestLoopbackDelivery(t *testing.T) {
	n := NewLoopbackNetwork(4)
	a := n.NewTransport(DefaultConfig())
	b := n.NewTransport(DefaultConfig())
	c := n.NewTransport(DefaultConfig())

	msg := []byte("unicast")
	require.NoError(t, a.Send(b.Locators().MetaUnicast[0], msg))
	msg[0] = 'X'
	dg := <-b.in
	assert.Equal(t, []byte("unicast"), dg.Data)
	assert.Equal(t, "127.0.0.1:7410", dg.Source.String())
	assert.Empty(t, c.in)

	// multicast reaches everyone listening, the sender included
	require.NoError(t, a.Send(a.Locators().MetaMulticast[0], []byte("hello")))
	for _, tr := range []*LoopbackTransport{a, b, c} {
		require.Len(t, tr.in, 1)
		dg := <-tr.in
		assert.Equal(t, []byte("hello"), dg.Data)
		assert.Equal(t, a.Locators().MetaUnicast[0].AddrPort(), dg.Source)
	}

	// nobody there
	require.NoError(t, a.Send(NewUDPv4Locator(DefaultMulticastGroup, 9999), msg))
}

func TestLoopbackOverflow(t *testing.T) {
	n := NewLoopbackNetwork(1)
	a := n.NewTransport(DefaultConfig())
	b := n.NewTransport(DefaultConfig())
	dst := b.Locators().DefaultUnicast[0]

	require.NoError(t, a.Send(dst, []byte("1")))
	assert.ErrorIs(t, a.Send(dst, []byte("2")), ErrTransportOverflow)
	assert.Equal(t, []byte("1"), (<-b.in).Data)
}

func TestLoopbackClose(t *testing.T) {
	n := NewLoopbackNetwork(4)
	a := n.NewTransport(DefaultConfig())
	b := n.NewTransport(DefaultConfig())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.NoError(t, a.Send(b.Locators().DefaultUnicast[0], []byte("x")))
	assert.Empty(t, b.in)
	assert.ErrorIs(t, b.Send(a.Locators().DefaultUnicast[0], []byte("x")), ErrClosed)

	out := make(chan Datagram)
	assert.NoError(t, b.Listen(context.Background(), out))
}

func TestLoopbackListen(t *testing.T) {
	n := NewLoopbackNetwork(4)
	a := n.NewTransport(DefaultConfig())
	b := n.NewTransport(DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Datagram, 1)
	done := make(chan error, 1)
	go func() { done <- b.Listen(ctx, out) }()

	require.NoError(t, a.Send(b.Locators().MetaUnicast[0], []byte("ping")))
	select {
	case dg := <-out:
		assert.Equal(t, []byte("ping"), dg.Data)
		assert.Equal(t, a.Locators().MetaUnicast[0].AddrPort(), dg.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("no datagram")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
}
