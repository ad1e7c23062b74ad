package rtps

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// spdp: Simple Participant Discovery Protocol
//
// "The purpose of a PDP is to discover the presence of other Participants on the network and their properties.
// A Participant may support multiple PDPs, but for the purpose of interoperability,
// all implementations must support at least the Simple Participant Discovery Protocol."

var errNoParticipantGUID = errors.New("rtps: spdp data without participant guid")

// spdpQoS is used by both builtin SPDP endpoints.
func spdpQoS() QoS {
	q := defaultQoS()
	q.Reliability.Kind = BestEffort
	q.Durability.Kind = TransientLocal
	q.History = HistoryQosPolicy{Kind: KeepLast, Depth: 1}
	return q
}

type spdp struct {
	p        *Participant
	writer   *WriterEndpoint
	reader   *ReaderEndpoint
	announce *Task
	log      *zap.Logger
}

func newSPDP(p *Participant) *spdp {
	s := &spdp{
		p:   p,
		log: p.log.Named("spdp"),
	}
	s.writer = newWriterEndpoint(p, GUID{Prefix: p.guidPrefix, EntityID: SPDPWriterID},
		"", "", spdpQoS(), participantMarshaller{})
	s.writer.setBroadcast(p.transport.Locators().MetaMulticast)
	s.reader = newReaderEndpoint(p, GUID{Prefix: p.guidPrefix, EntityID: SPDPReaderID},
		"", "", spdpQoS(), participantMarshaller{}, ListenerFunc(s.onSamples))
	return s
}

func (s *spdp) start() {
	s.bcast()
	s.announce = s.p.sched.Every(s.p.cfg.AnnouncePeriod, s.bcast)
}

// bcast writes a fresh announcement; KEEP_LAST 1 keeps only the newest.
func (s *spdp) bcast() {
	if _, err := s.writer.Write(s.p.participantData()); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn("announce failed", zap.Error(err))
	}
}

// stop tells peers we are leaving.
func (s *spdp) stop() {
	s.announce.Cancel()
	if _, err := s.writer.Dispose(s.p.participantData()); err != nil {
		s.log.Debug("dispose announcement", zap.Error(err))
	}
}

// firstContact unicasts our announcement to a newly discovered participant.
func (s *spdp) firstContact(pd *ParticipantData) {
	if !pd.BuiltinEndpoints.has(NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_DETECTOR) {
		return
	}
	s.writer.addMatchedReader(GUID{Prefix: pd.GUIDPrefix, EntityID: SPDPReaderID}, spdpQoS(), pd.MetaUnicast)
}

// called when data has been received for SPDPReaderID
func (s *spdp) onSamples(_ *ReaderEndpoint, samples []Sample) {
	for _, smp := range samples {
		switch smp.Change.Kind() {
		case ChangeKindWrite:
			pd, ok := smp.Value.(*ParticipantData)
			if !ok {
				continue
			}
			s.p.directory.Touch(pd.GUIDPrefix, s.p.clock.Now())
			s.p.matcher.OnDiscovered(DiscoveredEntity{Kind: DiscoveredParticipant, Participant: pd})
		default:
			guid, err := GUIDFromBytes(smp.Change.Key())
			if err != nil {
				guid.Prefix = smp.Change.WriterGUID().Prefix
			}
			s.p.matcher.OnDiscovered(DiscoveredEntity{
				Kind:        DiscoveredParticipant,
				Participant: &ParticipantData{GUIDPrefix: guid.Prefix},
				Disposed:    true,
			})
		}
	}
}

// participantMarshaller encodes ParticipantData as a PL_CDR_LE parameter list.
type participantMarshaller struct{}

func (participantMarshaller) Scheme() uint16 { return SCHEME_PL_CDR_LE }

func (participantMarshaller) Key(v any) ([]byte, error) {
	pd, ok := v.(*ParticipantData)
	if !ok {
		return nil, fmt.Errorf("rtps: spdp cannot key %T", v)
	}
	return pd.GUID().Bytes(), nil
}

func (participantMarshaller) Marshal(v any) ([]byte, error) {
	pd, ok := v.(*ParticipantData)
	if !ok {
		return nil, fmt.Errorf("rtps: spdp cannot marshal %T", v)
	}
	return appendParamList(nil, pd.params()), nil
}

func (participantMarshaller) Unmarshal(b []byte) (any, error) {
	plist, _, err := newParamList(binary.LittleEndian, b)
	if err != nil {
		return nil, err
	}
	return participantDataFromParams(binary.LittleEndian, plist)
}

func appendParamList(b []byte, plist []*paramListItem) []byte {
	for _, p := range plist {
		b = p.appendTo(b)
	}
	return (&paramListItem{pid: PID_SENTINEL}).appendTo(b)
}

func locatorParams(pid paramID, locs []Locator) []*paramListItem {
	ps := make([]*paramListItem, 0, len(locs))
	for _, loc := range locs {
		ps = append(ps, &paramListItem{pid: pid, value: loc.Bytes()})
	}
	return ps
}

func (pd *ParticipantData) params() []*paramListItem {
	ps := []*paramListItem{
		{pid: PID_PROTOCOL_VERSION, value: []byte{pd.ProtocolVersion.major, pd.ProtocolVersion.minor, 0, 0}},
		{pid: PID_VENDOR_ID, value: []byte{byte(pd.VendorID >> 8), byte(pd.VendorID), 0, 0}},
		{pid: PID_PARTICIPANT_GUID, value: pd.GUID().Bytes()},
		durationParam(PID_PARTICIPANT_LEASE_DURATION, pd.LeaseDuration),
		u32Param(PID_BUILTIN_ENDPOINT_SET, uint32(pd.BuiltinEndpoints)),
	}
	if pd.ExpectsInlineQoS {
		ps = append(ps, &paramListItem{pid: PID_EXPECTS_INLINE_QOS, value: []byte{1, 0, 0, 0}})
	}
	ps = append(ps, locatorParams(PID_DEFAULT_UNICAST_LOCATOR, pd.DefaultUnicast)...)
	ps = append(ps, locatorParams(PID_DEFAULT_MULTICAST_LOCATOR, pd.DefaultMulticast)...)
	ps = append(ps, locatorParams(PID_METATRAFFIC_UNICAST_LOCATOR, pd.MetaUnicast)...)
	ps = append(ps, locatorParams(PID_METATRAFFIC_MULTICAST_LOCATOR, pd.MetaMulticast)...)
	return ps
}

// appendLocator keeps the UDPv4 locators; other kinds are skipped.
func appendLocator(locs []Locator, bin binary.ByteOrder, b []byte) ([]Locator, error) {
	loc, err := locatorFromBytes(bin, b)
	if err != nil {
		return locs, err
	}
	if loc.Kind != LOCATOR_KIND_UDPV4 {
		return locs, nil
	}
	return append(locs, loc), nil
}

func participantDataFromParams(bin binary.ByteOrder, plist []*paramListItem) (*ParticipantData, error) {
	pd := &ParticipantData{LeaseDuration: 100 * time.Second}
	haveGUID := false

	for _, p := range plist {
		if p.pid&PID_VENDOR_SPECIFIC != 0 {
			// ignoring vendor specific params for now
			continue
		}

		var err error
		switch p.pid {
		case PID_PROTOCOL_VERSION:
			if len(p.value) >= 2 {
				pd.ProtocolVersion = ProtoVersion{p.value[0], p.value[1]}
			}

		case PID_VENDOR_ID:
			if len(p.value) >= 2 {
				pd.VendorID = VendorID(binary.BigEndian.Uint16(p.value[0:]))
			}

		case PID_EXPECTS_INLINE_QOS:
			pd.ExpectsInlineQoS = len(p.value) > 0 && p.value[0] != 0

		case PID_DEFAULT_UNICAST_LOCATOR:
			pd.DefaultUnicast, err = appendLocator(pd.DefaultUnicast, bin, p.value)

		case PID_DEFAULT_MULTICAST_LOCATOR:
			pd.DefaultMulticast, err = appendLocator(pd.DefaultMulticast, bin, p.value)

		case PID_METATRAFFIC_UNICAST_LOCATOR:
			pd.MetaUnicast, err = appendLocator(pd.MetaUnicast, bin, p.value)

		case PID_METATRAFFIC_MULTICAST_LOCATOR:
			pd.MetaMulticast, err = appendLocator(pd.MetaMulticast, bin, p.value)

		case PID_PARTICIPANT_LEASE_DURATION:
			pd.LeaseDuration, err = durationFromBytes(bin, p.value)

		case PID_PARTICIPANT_GUID:
			var guid GUID
			if guid, err = GUIDFromBytes(p.value); err == nil {
				pd.GUIDPrefix = guid.Prefix
				haveGUID = true
			}

		case PID_BUILTIN_ENDPOINT_SET:
			if len(p.value) >= 4 {
				pd.BuiltinEndpoints = builtinEndpointSet(bin.Uint32(p.value[0:]))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("spdp param 0x%04x: %w", uint16(p.pid), err)
		}
	}

	if !haveGUID {
		return nil, errNoParticipantGUID
	}
	return pd, nil
}
