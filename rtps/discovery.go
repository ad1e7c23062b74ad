package rtps

import (
	"slices"
	"sync"
	"time"
)

// "allows a participant to indicate that it only contains a
// subset of the possible builtin endpoints"
// bitmask of _BUILTIN_ENDPOINT_ values below
type builtinEndpointSet uint32

const (
	NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_ANNOUNCER       = (1 << 0)
	NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_DETECTOR        = (1 << 1)
	NN_DISC_BUILTIN_ENDPOINT_PUBLICATION_ANNOUNCER       = (1 << 2)
	NN_DISC_BUILTIN_ENDPOINT_PUBLICATION_DETECTOR        = (1 << 3)
	NN_DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_ANNOUNCER      = (1 << 4)
	NN_DISC_BUILTIN_ENDPOINT_SUBSCRIPTION_DETECTOR       = (1 << 5)
	NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_PROXY_ANNOUNCER = (1 << 6) // undefined meaning
	NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_PROXY_DETECTOR  = (1 << 7) // undefined meaning
	NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_STATE_ANNOUNCER = (1 << 8) // undefined meaning
	NN_DISC_BUILTIN_ENDPOINT_PARTICIPANT_STATE_DETECTOR  = (1 << 9) // undefined meaning
	NN_BUILTIN_ENDPOINT_PARTICIPANT_MESSAGE_DATA_WRITER  = (1 << 10)
	NN_BUILTIN_ENDPOINT_PARTICIPANT_MESSAGE_DATA_READER  = (1 << 11)

	// the endpoints every go-rtps participant runs
	ourBuiltinEndpoints builtinEndpointSet = 0x3f
)

func (s builtinEndpointSet) has(bit builtinEndpointSet) bool {
	return s&bit != 0
}

// ParticipantData is what SPDP announces about a participant.
type ParticipantData struct {
	GUIDPrefix       GUIDPrefix
	ProtocolVersion  ProtoVersion
	VendorID         VendorID
	ExpectsInlineQoS bool
	DefaultUnicast   []Locator
	DefaultMulticast []Locator
	MetaUnicast      []Locator
	MetaMulticast    []Locator
	LeaseDuration    time.Duration
	BuiltinEndpoints builtinEndpointSet
}

func (pd *ParticipantData) GUID() GUID {
	return GUID{Prefix: pd.GUIDPrefix, EntityID: EIDParticipant}
}

// EndpointData is what SEDP announces about a reader or writer.
type EndpointData struct {
	GUID      GUID
	Topic     string
	TypeName  string
	QoS       QoS
	Unicast   []Locator
	Multicast []Locator
}

// TopicData describes a topic known to the participant.
type TopicData struct {
	Name     string
	TypeName string
}

// DiscoveredKind tags the variant carried by a DiscoveredEntity.
type DiscoveredKind int

const (
	DiscoveredParticipant DiscoveredKind = iota
	DiscoveredReader
	DiscoveredWriter
	DiscoveredTopic
)

func (k DiscoveredKind) String() string {
	switch k {
	case DiscoveredParticipant:
		return "participant"
	case DiscoveredReader:
		return "reader"
	case DiscoveredWriter:
		return "writer"
	case DiscoveredTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// DiscoveredEntity is one discovery announcement. Exactly one of
// Participant, Endpoint and Topic is set, according to Kind. A disposed
// entity carries only its identity.
type DiscoveredEntity struct {
	Kind        DiscoveredKind
	Participant *ParticipantData
	Endpoint    *EndpointData
	Topic       *TopicData
	Disposed    bool
}

type participantEntry struct {
	data     *ParticipantData
	lastSeen time.Time
}

// DiscoveryDirectory holds everything discovered about remote entities.
type DiscoveryDirectory struct {
	mu           sync.RWMutex
	participants map[GUIDPrefix]*participantEntry
	readers      map[GUID]*EndpointData
	writers      map[GUID]*EndpointData
	topics       map[string]TopicData
}

func NewDiscoveryDirectory() *DiscoveryDirectory {
	return &DiscoveryDirectory{
		participants: make(map[GUIDPrefix]*participantEntry),
		readers:      make(map[GUID]*EndpointData),
		writers:      make(map[GUID]*EndpointData),
		topics:       make(map[string]TopicData),
	}
}

// UpsertParticipant stores pd and renews its lease. It reports whether
// the participant was new.
func (d *DiscoveryDirectory) UpsertParticipant(pd *ParticipantData, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.participants[pd.GUIDPrefix]
	if !ok {
		d.participants[pd.GUIDPrefix] = &participantEntry{data: pd, lastSeen: now}
		return true
	}
	e.data = pd
	e.lastSeen = now
	return false
}

// Touch renews the lease of a known participant.
func (d *DiscoveryDirectory) Touch(prefix GUIDPrefix, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.participants[prefix]; ok {
		e.lastSeen = now
	}
}

func (d *DiscoveryDirectory) Participant(prefix GUIDPrefix) (*ParticipantData, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.participants[prefix]; ok {
		return e.data, true
	}
	return nil, false
}

func (d *DiscoveryDirectory) Participants() []*ParticipantData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pds := make([]*ParticipantData, 0, len(d.participants))
	for _, e := range d.participants {
		pds = append(pds, e.data)
	}
	return pds
}

// RemoveParticipant forgets a participant together with every reader and
// writer it owned, and returns those endpoints.
func (d *DiscoveryDirectory) RemoveParticipant(prefix GUIDPrefix) (readers, writers []*EndpointData, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok = d.participants[prefix]; !ok {
		return nil, nil, false
	}
	delete(d.participants, prefix)
	for guid, ed := range d.readers {
		if guid.Prefix == prefix {
			readers = append(readers, ed)
			delete(d.readers, guid)
		}
	}
	for guid, ed := range d.writers {
		if guid.Prefix == prefix {
			writers = append(writers, ed)
			delete(d.writers, guid)
		}
	}
	return readers, writers, true
}

// Expired lists the participants whose lease ran out at now.
func (d *DiscoveryDirectory) Expired(now time.Time) []GUIDPrefix {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var expired []GUIDPrefix
	for prefix, e := range d.participants {
		if now.Sub(e.lastSeen) > e.data.LeaseDuration {
			expired = append(expired, prefix)
		}
	}
	return expired
}

func (d *DiscoveryDirectory) endpoints(kind DiscoveredKind) map[GUID]*EndpointData {
	if kind == DiscoveredReader {
		return d.readers
	}
	return d.writers
}

// UpsertEndpoint stores a remote reader or writer and returns the
// previous description, if any.
func (d *DiscoveryDirectory) UpsertEndpoint(kind DiscoveredKind, ed *EndpointData) *EndpointData {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.endpoints(kind)
	prev := m[ed.GUID]
	m[ed.GUID] = ed
	return prev
}

func (d *DiscoveryDirectory) RemoveEndpoint(kind DiscoveredKind, guid GUID) (*EndpointData, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.endpoints(kind)
	ed, ok := m[guid]
	delete(m, guid)
	return ed, ok
}

func (d *DiscoveryDirectory) Endpoint(kind DiscoveredKind, guid GUID) (*EndpointData, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ed, ok := d.endpoints(kind)[guid]
	return ed, ok
}

// Endpoints returns the known readers or writers, ordered by GUID.
func (d *DiscoveryDirectory) Endpoints(kind DiscoveredKind) []*EndpointData {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m := d.endpoints(kind)
	eds := make([]*EndpointData, 0, len(m))
	for _, ed := range m {
		eds = append(eds, ed)
	}
	slices.SortFunc(eds, func(a, b *EndpointData) int {
		return compareGUID(a.GUID, b.GUID)
	})
	return eds
}

func (d *DiscoveryDirectory) UpsertTopic(td TopicData) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topics[td.Name] = td
}

func (d *DiscoveryDirectory) Topic(name string) (TopicData, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	td, ok := d.topics[name]
	return td, ok
}
