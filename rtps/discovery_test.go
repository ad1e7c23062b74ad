package rtps

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testParticipantData() *ParticipantData {
	addr := netip.MustParseAddr("10.1.2.3")
	return &ParticipantData{
		GUIDPrefix:       GUIDPrefix{0x01, 0x0f, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		ProtocolVersion:  ProtoVersion{2, 3},
		VendorID:         0x010f,
		ExpectsInlineQoS: true,
		DefaultUnicast:   []Locator{NewUDPv4Locator(addr, 7411)},
		DefaultMulticast: []Locator{NewUDPv4Locator(DefaultMulticastGroup, 7401)},
		MetaUnicast:      []Locator{NewUDPv4Locator(addr, 7410)},
		MetaMulticast:    []Locator{NewUDPv4Locator(DefaultMulticastGroup, 7400)},
		LeaseDuration:    20 * time.Second,
		BuiltinEndpoints: ourBuiltinEndpoints,
	}
}

func TestParticipantMarshaller(t *testing.T) {
	pd := testParticipantData()
	var m participantMarshaller

	key, err := m.Key(pd)
	require.NoError(t, err)
	assert.Equal(t, pd.GUID().Bytes(), key)
	assert.Equal(t, uint16(SCHEME_PL_CDR_LE), marshalScheme(m))

	b, err := m.Marshal(pd)
	require.NoError(t, err)
	v, err := m.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, pd, v)

	_, err = m.Marshal("nope")
	assert.Error(t, err)
	_, err = m.Key(42)
	assert.Error(t, err)
}

func TestParticipantDataFromParams(t *testing.T) {
	pd := testParticipantData()
	guid := pd.GUID().Bytes()
	v6 := Locator{Kind: LOCATOR_KIND_UDPV6, Port: 7410, Addr: netip.MustParseAddr("fe80::1")}

	plist := []*paramListItem{
		{pid: PID_PARTICIPANT_GUID, value: guid},
		{pid: PID_VENDOR_SPECIFIC | 0x10, value: []byte{1, 2, 3, 4}},
		{pid: PID_METATRAFFIC_UNICAST_LOCATOR, value: v6.Bytes()},
		{pid: PID_METATRAFFIC_UNICAST_LOCATOR, value: pd.MetaUnicast[0].Bytes()},
		{pid: PID_PROPERTY_LIST, value: []byte{0, 0, 0, 0}},
	}
	out, err := participantDataFromParams(binary.LittleEndian, plist)
	require.NoError(t, err)
	assert.Equal(t, pd.GUIDPrefix, out.GUIDPrefix)
	assert.Equal(t, pd.MetaUnicast, out.MetaUnicast)
	assert.Equal(t, 100*time.Second, out.LeaseDuration)
	assert.False(t, out.ExpectsInlineQoS)

	_, err = participantDataFromParams(binary.LittleEndian, plist[1:])
	assert.ErrorIs(t, err, errNoParticipantGUID)

	_, err = participantDataFromParams(binary.LittleEndian, []*paramListItem{
		{pid: PID_PARTICIPANT_GUID, value: guid},
		{pid: PID_DEFAULT_UNICAST_LOCATOR, value: []byte{1, 0, 0, 0}},
	})
	assert.Error(t, err)
}

func TestEndpointMarshaller(t *testing.T) {
	qos := DefaultWriterQoS()
	qos.Durability.Kind = TransientLocal
	qos.Partition.Names = []string{"robots"}
	ed := &EndpointData{
		GUID:      GUID{Prefix: GUIDPrefix{1, 2, 3}, EntityID: 0x102},
		Topic:     "rt/chatter",
		TypeName:  "std_msgs::msg::dds_::String_",
		QoS:       qos,
		Unicast:   []Locator{NewUDPv4Locator(netip.MustParseAddr("10.0.0.9"), 7411)},
		Multicast: []Locator{NewUDPv4Locator(DefaultMulticastGroup, 7401)},
	}
	m := endpointMarshaller{kind: DiscoveredWriter}

	key, err := m.Key(ed)
	require.NoError(t, err)
	assert.Equal(t, ed.GUID.Bytes(), key)

	b, err := m.Marshal(ed)
	require.NoError(t, err)
	v, err := m.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, ed, v)
}

func TestEndpointDataDefaults(t *testing.T) {
	guid := GUID{Prefix: GUIDPrefix{1, 2, 3}, EntityID: 0x107}
	b := appendParamList(nil, []*paramListItem{
		{pid: PID_ENDPOINT_GUID, value: guid.Bytes()},
		{pid: PID_TOPIC_NAME, value: packParamString(binary.LittleEndian, "chatter")},
	})

	v, err := endpointMarshaller{kind: DiscoveredReader}.Unmarshal(b)
	require.NoError(t, err)
	ed := v.(*EndpointData)
	assert.Equal(t, guid, ed.GUID)
	assert.Equal(t, "chatter", ed.Topic)
	assert.Equal(t, DefaultReaderQoS(), ed.QoS)

	v, err = endpointMarshaller{kind: DiscoveredWriter}.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, DefaultWriterQoS(), v.(*EndpointData).QoS)

	_, err = endpointMarshaller{kind: DiscoveredReader}.Unmarshal(appendParamList(nil, nil))
	assert.ErrorIs(t, err, errNoEndpointGUID)
}

func TestDiscoveryDirectoryParticipants(t *testing.T) {
	d := NewDiscoveryDirectory()
	pd := testParticipantData()
	t0 := time.Unix(1000, 0)

	assert.True(t, d.UpsertParticipant(pd, t0))
	assert.False(t, d.UpsertParticipant(pd, t0))
	got, ok := d.Participant(pd.GUIDPrefix)
	require.True(t, ok)
	assert.Same(t, pd, got)
	assert.Len(t, d.Participants(), 1)

	assert.Empty(t, d.Expired(t0.Add(pd.LeaseDuration)))
	assert.Equal(t, []GUIDPrefix{pd.GUIDPrefix}, d.Expired(t0.Add(pd.LeaseDuration+time.Millisecond)))

	d.Touch(pd.GUIDPrefix, t0.Add(15*time.Second))
	assert.Empty(t, d.Expired(t0.Add(pd.LeaseDuration+time.Millisecond)))
	d.Touch(GUIDPrefix{9}, t0)
	assert.Len(t, d.Participants(), 1)
}

func TestDiscoveryDirectoryEndpoints(t *testing.T) {
	d := NewDiscoveryDirectory()
	pd := testParticipantData()
	d.UpsertParticipant(pd, time.Unix(0, 0))

	w := &EndpointData{GUID: GUID{Prefix: pd.GUIDPrefix, EntityID: 0x202}, Topic: "b"}
	w2 := &EndpointData{GUID: GUID{Prefix: pd.GUIDPrefix, EntityID: 0x102}, Topic: "a"}
	r := &EndpointData{GUID: GUID{Prefix: pd.GUIDPrefix, EntityID: 0x107}, Topic: "a"}
	other := &EndpointData{GUID: GUID{Prefix: GUIDPrefix{7}, EntityID: 0x107}, Topic: "a"}

	assert.Nil(t, d.UpsertEndpoint(DiscoveredWriter, w))
	assert.Same(t, w, d.UpsertEndpoint(DiscoveredWriter, w))
	d.UpsertEndpoint(DiscoveredWriter, w2)
	d.UpsertEndpoint(DiscoveredReader, r)
	d.UpsertEndpoint(DiscoveredReader, other)

	assert.Equal(t, []*EndpointData{w2, w}, d.Endpoints(DiscoveredWriter))
	_, ok := d.Endpoint(DiscoveredReader, w.GUID)
	assert.False(t, ok)

	readers, writers, ok := d.RemoveParticipant(pd.GUIDPrefix)
	require.True(t, ok)
	assert.Equal(t, []*EndpointData{r}, readers)
	assert.Len(t, writers, 2)
	assert.Empty(t, d.Endpoints(DiscoveredWriter))
	assert.Equal(t, []*EndpointData{other}, d.Endpoints(DiscoveredReader))

	_, _, ok = d.RemoveParticipant(pd.GUIDPrefix)
	assert.False(t, ok)

	removed, ok := d.RemoveEndpoint(DiscoveredReader, other.GUID)
	assert.True(t, ok)
	assert.Same(t, other, removed)
}

func TestDiscoveredTopicMismatch(t *testing.T) {
	n := newTestNet(t)
	node := n.add(testConfig())
	w, err := node.p.CreateWriter("chatter", "A", DefaultWriterQoS(), BytesMarshaller{})
	require.NoError(t, err)

	node.p.Matcher().OnDiscovered(DiscoveredEntity{Kind: DiscoveredTopic, Topic: &TopicData{Name: "chatter", TypeName: "A"}})
	assert.Empty(t, node.eventsOf(MatchInconsistentTopic))

	node.p.Matcher().OnDiscovered(DiscoveredEntity{Kind: DiscoveredTopic, Topic: &TopicData{Name: "chatter", TypeName: "B"}})
	evs := node.eventsOf(MatchInconsistentTopic)
	require.Len(t, evs, 1)
	assert.Equal(t, w.GUID(), evs[0].Local)

	td, ok := node.p.Directory().Topic("chatter")
	require.True(t, ok)
	assert.Equal(t, "B", td.TypeName)
}

func TestMatcherLocalEndpointsMatchKnownRemotes(t *testing.T) {
	n := newTestNet(t)
	node := n.add(testConfig())
	pr := n.peer(peerConfig())
	m := node.p.Matcher()

	m.OnDiscovered(DiscoveredEntity{Kind: DiscoveredParticipant, Participant: pr.participantData()})
	m.OnDiscovered(DiscoveredEntity{Kind: DiscoveredParticipant, Participant: pr.participantData()})
	require.Len(t, node.eventsOf(MatchParticipantDiscovered), 1)

	rd := &EndpointData{
		GUID:     pr.guid(peerReaderID),
		Topic:    "chatter",
		TypeName: "T",
		QoS:      DefaultReaderQoS(),
	}
	m.OnDiscovered(DiscoveredEntity{Kind: DiscoveredReader, Endpoint: rd})
	assert.Empty(t, node.eventsOf(MatchMatched))

	// a writer created later matches the reader already in the directory
	w, err := node.p.CreateWriter("chatter", "T", DefaultWriterQoS(), BytesMarshaller{})
	require.NoError(t, err)
	assert.Equal(t, []GUID{rd.GUID}, w.MatchedReaders())
	require.Len(t, node.eventsOf(MatchMatched), 1)

	// rediscovery with a now incompatible QoS unmatches
	changed := *rd
	changed.QoS.Durability.Kind = TransientLocal
	m.OnDiscovered(DiscoveredEntity{Kind: DiscoveredReader, Endpoint: &changed})
	assert.Empty(t, w.MatchedReaders())
	assert.Len(t, node.eventsOf(MatchUnmatched), 1)
	assert.Len(t, node.eventsOf(MatchIncompatibleQoS), 1)

	m.OnDiscovered(DiscoveredEntity{Kind: DiscoveredParticipant, Participant: &ParticipantData{GUIDPrefix: pr.prefix}, Disposed: true})
	assert.Len(t, node.eventsOf(MatchParticipantLost), 1)
	_, ok := node.p.Directory().Endpoint(DiscoveredReader, rd.GUID)
	assert.False(t, ok)
}

func TestMatcherListenerMayCreateEndpoints(t *testing.T) {
	n := newTestNet(t)
	cfg := testConfig()

	var p *Participant
	var fallback []*ReaderEndpoint
	listener := EventListenerFunc(func(ev MatchEvent) {
		if ev.Kind != MatchIncompatibleQoS {
			return
		}
		r, err := p.CreateReader("chatter/fallback", "T", DefaultReaderQoS(), BytesMarshaller{}, nil)
		if assert.NoError(t, err) {
			fallback = append(fallback, r)
		}
	})
	p, err := NewParticipant(cfg, n.net.NewTransport(cfg),
		WithClock(n.clock),
		WithLogger(zaptest.NewLogger(t)),
		WithEventListener(listener),
	)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	_, err = p.CreateWriter("chatter", "T", DefaultWriterQoS(), BytesMarshaller{})
	require.NoError(t, err)

	pr := n.peer(peerConfig())
	rq := DefaultReaderQoS()
	rq.Durability.Kind = Transient
	rd := &EndpointData{GUID: pr.guid(peerReaderID), Topic: "chatter", TypeName: "T", QoS: rq}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Matcher().OnDiscovered(DiscoveredEntity{Kind: DiscoveredParticipant, Participant: pr.participantData()})
		p.Matcher().OnDiscovered(DiscoveredEntity{Kind: DiscoveredReader, Endpoint: rd})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDiscovered did not return")
	}

	require.Len(t, fallback, 1)
	assert.Equal(t, "chatter/fallback", fallback[0].Topic())
	assert.Same(t, fallback[0], p.reader(fallback[0].GUID().EntityID))
}
