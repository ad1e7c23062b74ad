package rtps

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testConfig answers acknacks and heartbeats inline so a single pump
// settles an exchange.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NackResponseDelay = 0
	cfg.HeartbeatResponseDelay = 0
	return cfg
}

// testNet runs participants over a LoopbackNetwork without goroutines:
// pump hands queued datagrams to handleMessage and runs due timers of a
// shared mock clock until nothing moves.
type testNet struct {
	t     *testing.T
	clock *clock.Mock
	net   *LoopbackNetwork
	nodes []*testNode
}

type testNode struct {
	p      *Participant
	tr     *LoopbackTransport
	reg    *prometheus.Registry
	events []MatchEvent
}

func newTestNet(t *testing.T) *testNet {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return &testNet{
		t:     t,
		clock: mock,
		net:   NewLoopbackNetwork(1024),
	}
}

func (n *testNet) add(cfg Config) *testNode {
	n.t.Helper()
	node := &testNode{
		tr:  n.net.NewTransport(cfg),
		reg: prometheus.NewRegistry(),
	}
	p, err := NewParticipant(cfg, node.tr,
		WithClock(n.clock),
		WithLogger(zaptest.NewLogger(n.t)),
		WithRegisterer(node.reg),
		WithEventListener(EventListenerFunc(func(ev MatchEvent) {
			node.events = append(node.events, ev)
		})),
	)
	require.NoError(n.t, err)
	node.p = p
	n.nodes = append(n.nodes, node)
	n.t.Cleanup(func() { p.Close() })
	return node
}

// remove takes node off the network without letting it say goodbye.
func (n *testNet) remove(node *testNode) {
	for i, x := range n.nodes {
		if x == node {
			n.nodes = append(n.nodes[:i], n.nodes[i+1:]...)
			break
		}
	}
	n.net.detach(node.tr)
}

func (n *testNet) pump() {
	n.t.Helper()
	for i := 0; i < 100000; i++ {
		busy := false
		for _, node := range n.nodes {
			select {
			case dg := <-node.tr.in:
				node.p.handleDatagram(dg)
				busy = true
			default:
			}
			if node.p.sched.RunDue() > 0 {
				busy = true
			}
		}
		if !busy {
			return
		}
	}
	n.t.Fatal("loopback network did not settle")
}

func (n *testNet) advance(d time.Duration) {
	n.t.Helper()
	n.clock.Add(d)
	n.pump()
}

func (node *testNode) eventsOf(kind MatchEventKind) []MatchEvent {
	var evs []MatchEvent
	for _, ev := range node.events {
		if ev.Kind == kind {
			evs = append(evs, ev)
		}
	}
	return evs
}

// sampleLog is a Listener recording every delivery.
type sampleLog struct {
	batches int
	samples []Sample
}

func (l *sampleLog) OnSamples(_ *ReaderEndpoint, samples []Sample) {
	l.batches++
	l.samples = append(l.samples, samples...)
}

func (l *sampleLog) values() []any {
	vs := make([]any, 0, len(l.samples))
	for _, s := range l.samples {
		vs = append(vs, s.Value)
	}
	return vs
}

// peer is a bare transport standing in for a remote participant; tests
// read what the participant under test sent it.
type peer struct {
	t      *testing.T
	tr     *LoopbackTransport
	prefix GUIDPrefix
}

func (n *testNet) peer(cfg Config) *peer {
	return &peer{
		t:      n.t,
		tr:     n.net.NewTransport(cfg),
		prefix: GUIDPrefix{0xaa, 0xbb, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}
}

// participantData describes the peer so the participant under test can
// address it.
func (pr *peer) participantData() *ParticipantData {
	locs := pr.tr.Locators()
	return &ParticipantData{
		GUIDPrefix:       pr.prefix,
		ProtocolVersion:  ProtoVersion{2, 1},
		VendorID:         MY_RTPS_VENDOR_ID,
		DefaultUnicast:   locs.DefaultUnicast,
		MetaUnicast:      locs.MetaUnicast,
		LeaseDuration:    100 * time.Second,
		BuiltinEndpoints: ourBuiltinEndpoints,
	}
}

func (pr *peer) guid(eid EntityID) GUID {
	return GUID{Prefix: pr.prefix, EntityID: eid}
}

// received drains the peer and returns every submessage it got, in order.
func (pr *peer) received() []*subMsg {
	pr.t.Helper()
	var sms []*subMsg
	for {
		select {
		case dg := <-pr.tr.in:
			_, err := newHeaderFromBytes(dg.Data)
			require.NoError(pr.t, err)
			buf := dg.Data[rtpsHeaderLen:]
			for len(buf) >= submsgHeaderLen {
				sm, err := newSubMsgFromBytes(buf)
				require.NoError(pr.t, err)
				sms = append(sms, sm)
				buf = buf[sm.wireLen():]
			}
		default:
			return sms
		}
	}
}

func (pr *peer) drain() {
	pr.received()
}

func filterSubmsgs(sms []*subMsg, id uint8) []*subMsg {
	var out []*subMsg
	for _, sm := range sms {
		if sm.hdr.id == id {
			out = append(out, sm)
		}
	}
	return out
}

func decodeData(t *testing.T, sms []*subMsg) []*submsgData {
	t.Helper()
	var ds []*submsgData
	for _, sm := range filterSubmsgs(sms, SUBMSG_ID_DATA) {
		d, err := newDataFromBytes(sm)
		require.NoError(t, err)
		ds = append(ds, d)
	}
	return ds
}

func decodeAckNacks(t *testing.T, sms []*subMsg) []*submsgAckNack {
	t.Helper()
	var ans []*submsgAckNack
	for _, sm := range filterSubmsgs(sms, SUBMSG_ID_ACKNACK) {
		an, err := newAckNackFromBytes(sm)
		require.NoError(t, err)
		ans = append(ans, an)
	}
	return ans
}

func decodeHeartbeats(t *testing.T, sms []*subMsg) []*submsgHeartbeat {
	t.Helper()
	var hbs []*submsgHeartbeat
	for _, sm := range filterSubmsgs(sms, SUBMSG_ID_HEARTBEAT) {
		hb, err := newHeartbeatFromBytes(sm)
		require.NoError(t, err)
		hbs = append(hbs, hb)
	}
	return hbs
}

func dataSeqs(ds []*submsgData) []SeqNum {
	seqs := make([]SeqNum, 0, len(ds))
	for _, d := range ds {
		seqs = append(seqs, d.writerSeqNum)
	}
	return seqs
}

// wire assembles an RTPS message from a remote participant.
type wire struct {
	src GUIDPrefix
	b   []byte
}

func newWire(src GUIDPrefix) *wire {
	return &wire{src: src, b: newHeader(src).appendTo(nil)}
}

func (w *wire) data(readerID, writerID EntityID, seq SeqNum, payload []byte) *wire {
	c := newCacheChange(GUID{Prefix: w.src, EntityID: writerID}, seq, ChangeKindWrite, nil,
		encapsulate(SCHEME_CDR_LE, payload), time.Time{})
	w.b = c.toData(readerID).appendTo(w.b)
	return w
}

func (w *wire) heartbeat(readerID, writerID EntityID, first, last SeqNum, count uint32, final bool) *wire {
	w.b = (&submsgHeartbeat{
		final:       final,
		readerEID:   readerID,
		writerEID:   writerID,
		firstSeqNum: first,
		lastSeqNum:  last,
		count:       count,
	}).appendTo(w.b)
	return w
}

func (w *wire) ackNack(readerID, writerID EntityID, set SeqNumSet, count uint32) *wire {
	w.b = (&submsgAckNack{
		final:         set.Empty(),
		readerEID:     readerID,
		writerEID:     writerID,
		readerSNState: set,
		count:         count,
	}).appendTo(w.b)
	return w
}

func (w *wire) gap(readerID, writerID EntityID, start, base SeqNum) *wire {
	w.b = (&submsgGap{
		readerID: readerID,
		writerID: writerID,
		gapStart: start,
		gapList:  newSeqNumSet(base, 0),
	}).appendTo(w.b)
	return w
}

func (w *wire) infoDst(gp GUIDPrefix) *wire {
	w.b = (&submsgInfoDest{guidPrefix: gp}).appendTo(w.b)
	return w
}

func (w *wire) infoTS(ts time.Time) *wire {
	w.b = (&submsgInfoTS{ts: ts}).appendTo(w.b)
	return w
}
