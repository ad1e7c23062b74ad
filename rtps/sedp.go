package rtps

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// sedp: Simple Endpoint Discovery Protocol
//
// Publications and subscriptions are announced as keyed samples of the
// builtin SEDP writers, the key being the endpoint GUID. Deleting an
// endpoint disposes its sample.

var errNoEndpointGUID = errors.New("rtps: sedp data without endpoint guid")

func sedpQoS() QoS {
	q := defaultQoS()
	q.Reliability.Kind = Reliable
	q.Durability.Kind = TransientLocal
	q.History = HistoryQosPolicy{Kind: KeepLast, Depth: 1}
	return q
}

type sedp struct {
	p         *Participant
	pubWriter *WriterEndpoint // our publications
	subWriter *WriterEndpoint // our subscriptions
	pubReader *ReaderEndpoint // remote publications
	subReader *ReaderEndpoint // remote subscriptions
	log       *zap.Logger
}

func newSEDP(p *Participant) *sedp {
	s := &sedp{
		p:   p,
		log: p.log.Named("sedp"),
	}
	guid := func(eid EntityID) GUID {
		return GUID{Prefix: p.guidPrefix, EntityID: eid}
	}
	pubs := endpointMarshaller{kind: DiscoveredWriter}
	subs := endpointMarshaller{kind: DiscoveredReader}

	s.pubWriter = newWriterEndpoint(p, guid(SEDPPubWriterID), "", "", sedpQoS(), pubs)
	s.subWriter = newWriterEndpoint(p, guid(SEDPSubWriterID), "", "", sedpQoS(), subs)
	s.pubReader = newReaderEndpoint(p, guid(SEDPPubReaderID), "", "", sedpQoS(), pubs,
		ListenerFunc(func(_ *ReaderEndpoint, samples []Sample) {
			s.onSamples(DiscoveredWriter, samples)
		}))
	s.subReader = newReaderEndpoint(p, guid(SEDPSubReaderID), "", "", sedpQoS(), subs,
		ListenerFunc(func(_ *ReaderEndpoint, samples []Sample) {
			s.onSamples(DiscoveredReader, samples)
		}))
	return s
}

func (s *sedp) endpointData(guid GUID, topic, typeName string, qos QoS) *EndpointData {
	locs := s.p.transport.Locators()
	return &EndpointData{
		GUID:      guid,
		Topic:     topic,
		TypeName:  typeName,
		QoS:       qos,
		Unicast:   locs.DefaultUnicast,
		Multicast: locs.DefaultMulticast,
	}
}

func (s *sedp) announceWriter(w *WriterEndpoint) {
	s.announce(s.pubWriter, s.endpointData(w.guid, w.topic, w.typeName, w.qos))
}

func (s *sedp) announceReader(r *ReaderEndpoint) {
	s.announce(s.subWriter, s.endpointData(r.guid, r.topic, r.typeName, r.qos))
}

func (s *sedp) announce(w *WriterEndpoint, ed *EndpointData) {
	if _, err := w.Write(ed); err != nil {
		s.log.Warn("announce failed", guidField("endpoint", ed.GUID), zap.Error(err))
	}
}

func (s *sedp) disposeWriter(w *WriterEndpoint) {
	s.dispose(s.pubWriter, w.guid)
}

func (s *sedp) disposeReader(r *ReaderEndpoint) {
	s.dispose(s.subWriter, r.guid)
}

func (s *sedp) dispose(w *WriterEndpoint, guid GUID) {
	if _, err := w.Dispose(&EndpointData{GUID: guid}); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn("dispose failed", guidField("endpoint", guid), zap.Error(err))
	}
}

// firstContact pairs our SEDP endpoints with those the participant
// advertises and pushes our announcements at its detectors.
func (s *sedp) firstContact(pd *ParticipantData) {
	remote := func(eid EntityID) GUID {
		return GUID{Prefix: pd.GUIDPrefix, EntityID: eid}
	}
	eps := pd.BuiltinEndpoints

	if eps.has(NN_DISC_BUILTIN_ENDPOINT_PUBLICATION_ANNOUNCER) {
		s.pubReader.addMatchedWriter(remote(SEDPPubWriterID), pd.MetaUnicast)
	}
	if eps.has(NN_DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_ANNOUNCER) {
		s.subReader.addMatchedWriter(remote(SEDPSubWriterID), pd.MetaUnicast)
	}
	if eps.has(NN_DISC_BUILTIN_ENDPOINT_PUBLICATION_DETECTOR) {
		guid := remote(SEDPPubReaderID)
		s.pubWriter.addMatchedReader(guid, sedpQoS(), pd.MetaUnicast)
		s.pubWriter.pushAll(guid)
	}
	if eps.has(NN_DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_DETECTOR) {
		guid := remote(SEDPSubReaderID)
		s.subWriter.addMatchedReader(guid, sedpQoS(), pd.MetaUnicast)
		s.subWriter.pushAll(guid)
	}
}

func (s *sedp) onSamples(kind DiscoveredKind, samples []Sample) {
	for _, smp := range samples {
		if smp.Change.Kind() == ChangeKindWrite {
			ed, ok := smp.Value.(*EndpointData)
			if !ok {
				continue
			}
			s.p.matcher.OnDiscovered(DiscoveredEntity{Kind: kind, Endpoint: ed})
			continue
		}
		guid, err := GUIDFromBytes(smp.Change.Key())
		if err != nil {
			s.log.Debug("dispose without endpoint guid", guidField("writer", smp.Change.WriterGUID()))
			continue
		}
		s.p.matcher.OnDiscovered(DiscoveredEntity{
			Kind:     kind,
			Endpoint: &EndpointData{GUID: guid},
			Disposed: true,
		})
	}
}

// endpointMarshaller encodes EndpointData as a PL_CDR_LE parameter list.
// Policies a remote leaves out take the default for the endpoint kind.
type endpointMarshaller struct {
	kind DiscoveredKind
}

func (endpointMarshaller) Scheme() uint16 { return SCHEME_PL_CDR_LE }

func (endpointMarshaller) Key(v any) ([]byte, error) {
	ed, ok := v.(*EndpointData)
	if !ok {
		return nil, fmt.Errorf("rtps: sedp cannot key %T", v)
	}
	return ed.GUID.Bytes(), nil
}

func (endpointMarshaller) Marshal(v any) ([]byte, error) {
	ed, ok := v.(*EndpointData)
	if !ok {
		return nil, fmt.Errorf("rtps: sedp cannot marshal %T", v)
	}
	return appendParamList(nil, ed.params()), nil
}

func (m endpointMarshaller) Unmarshal(b []byte) (any, error) {
	plist, _, err := newParamList(binary.LittleEndian, b)
	if err != nil {
		return nil, err
	}
	qos := DefaultReaderQoS()
	if m.kind == DiscoveredWriter {
		qos = DefaultWriterQoS()
	}
	return endpointDataFromParams(binary.LittleEndian, plist, qos)
}

func (ed *EndpointData) params() []*paramListItem {
	participant := GUID{Prefix: ed.GUID.Prefix, EntityID: EIDParticipant}
	ps := []*paramListItem{
		{pid: PID_PROTOCOL_VERSION, value: []byte{MY_RTPS_VERSION_MAJOR, MY_RTPS_VERSION_MINOR, 0, 0}},
		{pid: PID_VENDOR_ID, value: []byte{MY_RTPS_VENDOR_ID >> 8, MY_RTPS_VENDOR_ID & 0xff, 0, 0}},
		{pid: PID_ENDPOINT_GUID, value: ed.GUID.Bytes()},
		{pid: PID_PARTICIPANT_GUID, value: participant.Bytes()},
	}
	if ed.Topic != "" {
		ps = append(ps, &paramListItem{pid: PID_TOPIC_NAME, value: packParamString(binary.LittleEndian, ed.Topic)})
	}
	if ed.TypeName != "" {
		ps = append(ps, &paramListItem{pid: PID_TYPE_NAME, value: packParamString(binary.LittleEndian, ed.TypeName)})
	}
	ps = append(ps, ed.QoS.params()...)
	ps = append(ps, locatorParams(PID_UNICAST_LOCATOR, ed.Unicast)...)
	ps = append(ps, locatorParams(PID_MULTICAST_LOCATOR, ed.Multicast)...)
	return ps
}

func endpointDataFromParams(bin binary.ByteOrder, plist []*paramListItem, qos QoS) (*EndpointData, error) {
	ed := &EndpointData{QoS: qos}
	haveGUID := false

	for _, p := range plist {
		if p.pid&PID_VENDOR_SPECIFIC != 0 {
			continue
		}

		var err error
		switch p.pid {
		case PID_ENDPOINT_GUID:
			if ed.GUID, err = GUIDFromBytes(p.value); err == nil {
				haveGUID = true
			}

		case PID_TOPIC_NAME:
			ed.Topic, err = p.valToString(bin)

		case PID_TYPE_NAME:
			ed.TypeName, err = p.valToString(bin)

		case PID_UNICAST_LOCATOR:
			ed.Unicast, err = appendLocator(ed.Unicast, bin, p.value)

		case PID_MULTICAST_LOCATOR:
			ed.Multicast, err = appendLocator(ed.Multicast, bin, p.value)

		default:
			_, err = ed.QoS.applyParam(bin, p)
		}
		if err != nil {
			return nil, fmt.Errorf("sedp param 0x%04x: %w", uint16(p.pid), err)
		}
	}

	if !haveGUID {
		return nil, errNoEndpointGUID
	}
	return ed, nil
}
