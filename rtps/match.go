package rtps

import (
	"sync"

	"go.uber.org/zap"
)

type MatchEventKind int

const (
	MatchMatched MatchEventKind = iota
	MatchUnmatched
	MatchIncompatibleQoS
	MatchInconsistentTopic
	MatchParticipantDiscovered
	MatchParticipantLost
)

func (k MatchEventKind) String() string {
	switch k {
	case MatchMatched:
		return "matched"
	case MatchUnmatched:
		return "unmatched"
	case MatchIncompatibleQoS:
		return "incompatible_qos"
	case MatchInconsistentTopic:
		return "inconsistent_topic"
	case MatchParticipantDiscovered:
		return "participant_discovered"
	case MatchParticipantLost:
		return "participant_lost"
	default:
		return "unknown"
	}
}

// MatchEvent reports a change in what a local endpoint is connected to.
// For participant events Local is zero and Remote is the participant GUID.
// Policies lists the offending policies of an IncompatibleQoS event.
type MatchEvent struct {
	Kind     MatchEventKind
	Local    GUID
	Remote   GUID
	Topic    string
	Policies []PolicyKind
}

type EventListener interface {
	OnMatchEvent(ev MatchEvent)
}

type EventListenerFunc func(ev MatchEvent)

func (f EventListenerFunc) OnMatchEvent(ev MatchEvent) {
	f(ev)
}

// Matcher pairs local endpoints with discovered remote ones. Remote
// entities arrive through OnDiscovered; local endpoints are matched
// against the directory when they are created. Matching decisions are
// serialized; events are emitted in the order they are decided, after the
// matcher lock is released, so a listener may create or close endpoints.
type Matcher struct {
	p         *Participant
	directory *DiscoveryDirectory
	log       *zap.Logger

	mu      sync.Mutex
	pending []MatchEvent
}

func newMatcher(p *Participant) *Matcher {
	return &Matcher{
		p:         p,
		directory: p.directory,
		log:       p.log.Named("match"),
	}
}

// emit queues ev for the listener. Must hold m.mu.
func (m *Matcher) emit(ev MatchEvent) {
	m.p.metrics.matchEvents.WithLabelValues(ev.Kind.String()).Inc()
	if m.p.events != nil {
		m.pending = append(m.pending, ev)
	}
}

// unlock releases m.mu and hands the queued events to the listener.
func (m *Matcher) unlock() {
	evs := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, ev := range evs {
		m.p.events.OnMatchEvent(ev)
	}
}

// OnDiscovered applies one discovery announcement.
func (m *Matcher) OnDiscovered(e DiscoveredEntity) {
	m.mu.Lock()
	defer m.unlock()

	switch e.Kind {
	case DiscoveredParticipant:
		if e.Participant == nil {
			return
		}
		if e.Disposed {
			m.participantLost(e.Participant.GUIDPrefix)
		} else {
			m.participantFound(e.Participant)
		}
	case DiscoveredReader, DiscoveredWriter:
		if e.Endpoint == nil {
			return
		}
		if e.Disposed {
			m.endpointLost(e.Kind, e.Endpoint.GUID)
		} else {
			m.endpointFound(e.Kind, e.Endpoint)
		}
	case DiscoveredTopic:
		if e.Topic != nil && !e.Disposed {
			m.topicFound(*e.Topic)
		}
	}
}

func (m *Matcher) participantFound(pd *ParticipantData) {
	if pd.GUIDPrefix == m.p.guidPrefix {
		return
	}
	if !m.directory.UpsertParticipant(pd, m.p.clock.Now()) {
		return
	}
	m.log.Info("participant discovered",
		prefixField("prefix", pd.GUIDPrefix), zap.Stringer("vendor", pd.VendorID))
	m.emit(MatchEvent{Kind: MatchParticipantDiscovered, Remote: pd.GUID()})
	m.p.firstContact(pd)
}

func (m *Matcher) participantLost(prefix GUIDPrefix) {
	if _, _, ok := m.directory.RemoveParticipant(prefix); !ok {
		return
	}
	m.log.Info("participant lost", prefixField("prefix", prefix))

	for _, w := range m.p.writerList() {
		for _, guid := range w.removeMatchedReaders(prefix) {
			if !w.guid.EntityID.isBuiltin() {
				m.emit(MatchEvent{Kind: MatchUnmatched, Local: w.guid, Remote: guid, Topic: w.topic})
			}
		}
	}
	for _, r := range m.p.readerList() {
		for _, guid := range r.removeWriters(prefix) {
			if !r.guid.EntityID.isBuiltin() {
				m.emit(MatchEvent{Kind: MatchUnmatched, Local: r.guid, Remote: guid, Topic: r.topic})
			}
		}
	}
	m.emit(MatchEvent{Kind: MatchParticipantLost, Remote: GUID{Prefix: prefix, EntityID: EIDParticipant}})
}

func (m *Matcher) endpointFound(kind DiscoveredKind, ed *EndpointData) {
	if ed.GUID.Prefix == m.p.guidPrefix {
		return
	}
	m.directory.UpsertEndpoint(kind, ed)
	m.directory.UpsertTopic(TopicData{Name: ed.Topic, TypeName: ed.TypeName})
	m.directory.Touch(ed.GUID.Prefix, m.p.clock.Now())

	if kind == DiscoveredReader {
		for _, w := range m.p.userWriters() {
			if w.topic == ed.Topic {
				m.matchWriter(w, ed)
			}
		}
		return
	}
	for _, r := range m.p.userReaders() {
		if r.topic == ed.Topic {
			m.matchReader(r, ed)
		}
	}
}

func (m *Matcher) endpointLost(kind DiscoveredKind, guid GUID) {
	m.directory.RemoveEndpoint(kind, guid)
	if kind == DiscoveredReader {
		for _, w := range m.p.userWriters() {
			m.unmatchWriter(w, guid)
		}
		return
	}
	for _, r := range m.p.userReaders() {
		m.unmatchReader(r, guid)
	}
}

func (m *Matcher) topicFound(td TopicData) {
	m.directory.UpsertTopic(td)
	for _, w := range m.p.userWriters() {
		if w.topic == td.Name && w.typeName != td.TypeName {
			m.emit(MatchEvent{Kind: MatchInconsistentTopic, Local: w.guid, Topic: td.Name})
		}
	}
	for _, r := range m.p.userReaders() {
		if r.topic == td.Name && r.typeName != td.TypeName {
			m.emit(MatchEvent{Kind: MatchInconsistentTopic, Local: r.guid, Topic: td.Name})
		}
	}
}

// matchWriter decides whether the local writer w serves the remote reader rd.
func (m *Matcher) matchWriter(w *WriterEndpoint, rd *EndpointData) {
	switch {
	case w.typeName != rd.TypeName:
		m.unmatchWriter(w, rd.GUID)
		m.emit(MatchEvent{Kind: MatchInconsistentTopic, Local: w.guid, Remote: rd.GUID, Topic: w.topic})
	case !w.qos.Partition.Matches(rd.QoS.Partition):
		m.unmatchWriter(w, rd.GUID)
		m.log.Debug("partitions differ", guidField("writer", w.guid), guidField("reader", rd.GUID))
	default:
		if bad := w.qos.IncompatiblePolicies(rd.QoS); len(bad) > 0 {
			m.unmatchWriter(w, rd.GUID)
			m.emit(MatchEvent{Kind: MatchIncompatibleQoS, Local: w.guid, Remote: rd.GUID, Topic: w.topic, Policies: bad})
			return
		}
		if w.addMatchedReader(rd.GUID, rd.QoS, m.p.endpointLocators(rd)) {
			m.emit(MatchEvent{Kind: MatchMatched, Local: w.guid, Remote: rd.GUID, Topic: w.topic})
		}
	}
}

// matchReader decides whether the remote writer wd serves the local reader r.
func (m *Matcher) matchReader(r *ReaderEndpoint, wd *EndpointData) {
	switch {
	case r.typeName != wd.TypeName:
		m.unmatchReader(r, wd.GUID)
		m.emit(MatchEvent{Kind: MatchInconsistentTopic, Local: r.guid, Remote: wd.GUID, Topic: r.topic})
	case !wd.QoS.Partition.Matches(r.qos.Partition):
		m.unmatchReader(r, wd.GUID)
		m.log.Debug("partitions differ", guidField("reader", r.guid), guidField("writer", wd.GUID))
	default:
		if bad := wd.QoS.IncompatiblePolicies(r.qos); len(bad) > 0 {
			m.unmatchReader(r, wd.GUID)
			m.emit(MatchEvent{Kind: MatchIncompatibleQoS, Local: r.guid, Remote: wd.GUID, Topic: r.topic, Policies: bad})
			return
		}
		if r.addMatchedWriter(wd.GUID, m.p.endpointLocators(wd)) {
			m.emit(MatchEvent{Kind: MatchMatched, Local: r.guid, Remote: wd.GUID, Topic: r.topic})
		}
	}
}

func (m *Matcher) unmatchWriter(w *WriterEndpoint, reader GUID) {
	if w.removeMatchedReader(reader) {
		m.emit(MatchEvent{Kind: MatchUnmatched, Local: w.guid, Remote: reader, Topic: w.topic})
	}
}

func (m *Matcher) unmatchReader(r *ReaderEndpoint, writer GUID) {
	if r.removeMatchedWriter(writer) {
		m.emit(MatchEvent{Kind: MatchUnmatched, Local: r.guid, Remote: writer, Topic: r.topic})
	}
}

// matchLocalWriter runs a new local writer against every known remote reader.
func (m *Matcher) matchLocalWriter(w *WriterEndpoint) {
	m.mu.Lock()
	defer m.unlock()
	for _, rd := range m.directory.Endpoints(DiscoveredReader) {
		if rd.Topic == w.topic {
			m.matchWriter(w, rd)
		}
	}
}

func (m *Matcher) matchLocalReader(r *ReaderEndpoint) {
	m.mu.Lock()
	defer m.unlock()
	for _, wd := range m.directory.Endpoints(DiscoveredWriter) {
		if wd.Topic == r.topic {
			m.matchReader(r, wd)
		}
	}
}
