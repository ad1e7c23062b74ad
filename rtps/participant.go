package rtps

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// writers we have already complained about having no reader
const unknownWriterCacheSize = 256

type options struct {
	log    *zap.Logger
	clock  clock.Clock
	reg    prometheus.Registerer
	events EventListener
	prefix *GUIDPrefix
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers the participant's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithEventListener receives every match event of the participant.
func WithEventListener(l EventListener) Option {
	return func(o *options) { o.events = l }
}

func WithGUIDPrefix(gp GUIDPrefix) Option {
	return func(o *options) { o.prefix = &gp }
}

// Participant is a local RTPS domain participant: it owns the transport,
// the builtin discovery endpoints and every user reader and writer.
//
// The protocol runs on two goroutines started by Run, one dispatching
// inbound messages and one running timed work. Endpoint methods may be
// called from any goroutine.
type Participant struct {
	cfg        Config
	guidPrefix GUIDPrefix
	transport  Transport
	clock      clock.Clock
	sched      *Scheduler
	log        *zap.Logger
	metrics    *metrics
	events     EventListener
	ids        entityIDAllocator

	directory *DiscoveryDirectory
	matcher   *Matcher
	spdp      *spdp
	sedp      *sedp
	leaseTask *Task

	unknownWriters *lru.Cache[GUID, struct{}]

	mu      sync.RWMutex
	writers map[EntityID]*WriterEndpoint
	readers map[EntityID]*ReaderEndpoint
	closed  bool
}

// NewParticipant creates a participant on t and starts announcing it.
// Messages are only processed once Run is called.
func NewParticipant(cfg Config, t Transport, opts ...Option) (*Participant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		log:   zap.NewNop(),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	prefix := NewGUIDPrefix()
	if o.prefix != nil {
		prefix = *o.prefix
	}

	unknownWriters, err := lru.New[GUID, struct{}](unknownWriterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("unknown writer cache: %w", err)
	}

	p := &Participant{
		cfg:            cfg,
		guidPrefix:     prefix,
		transport:      t,
		clock:          o.clock,
		sched:          NewScheduler(o.clock),
		log:            o.log.With(prefixField("participant", prefix)),
		metrics:        newMetrics(o.reg, prefix),
		events:         o.events,
		directory:      NewDiscoveryDirectory(),
		unknownWriters: unknownWriters,
		writers:        make(map[EntityID]*WriterEndpoint),
		readers:        make(map[EntityID]*ReaderEndpoint),
	}
	p.matcher = newMatcher(p)

	p.spdp = newSPDP(p)
	p.sedp = newSEDP(p)
	for _, w := range []*WriterEndpoint{p.spdp.writer, p.sedp.pubWriter, p.sedp.subWriter} {
		p.writers[w.guid.EntityID] = w
	}
	for _, r := range []*ReaderEndpoint{p.spdp.reader, p.sedp.pubReader, p.sedp.subReader} {
		p.readers[r.guid.EntityID] = r
	}

	p.log.Info("participant created",
		zap.Uint32("domain", cfg.DomainID),
		zap.Stringers("meta_unicast", t.Locators().MetaUnicast),
		zap.Stringers("default_unicast", t.Locators().DefaultUnicast))

	p.spdp.start()
	p.leaseTask = p.sched.Every(cfg.LeaseCheckPeriod, p.checkLeases)
	return p, nil
}

func (p *Participant) GUIDPrefix() GUIDPrefix         { return p.guidPrefix }
func (p *Participant) Config() Config                 { return p.cfg }
func (p *Participant) Directory() *DiscoveryDirectory { return p.directory }
func (p *Participant) Matcher() *Matcher              { return p.matcher }
func (p *Participant) Locators() Locators             { return p.transport.Locators() }
func (p *Participant) Scheduler() *Scheduler          { return p.sched }

func (p *Participant) GUID() GUID {
	return GUID{Prefix: p.guidPrefix, EntityID: EIDParticipant}
}

// addWriter files a new user writer unless the participant is closed.
func (p *Participant) addWriter(w *WriterEndpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.writers[w.guid.EntityID] = w
	return true
}

func (p *Participant) addReader(r *ReaderEndpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.readers[r.guid.EntityID] = r
	return true
}

// CreateWriter creates a writer on topic, announces it through SEDP and
// matches it against the readers discovered so far.
func (p *Participant) CreateWriter(topic, typeName string, qos QoS, m Marshaller) (*WriterEndpoint, error) {
	if err := qos.Validate(); err != nil {
		return nil, err
	}
	eid := p.ids.create(ENTITYID_KIND_WRITER_WITH_KEY)
	w := newWriterEndpoint(p, GUID{Prefix: p.guidPrefix, EntityID: eid}, topic, typeName, qos, m)
	if !p.addWriter(w) {
		w.close()
		return nil, ErrClosed
	}
	w.log.Info("writer created", zap.String("type", typeName), zap.Bool("reliable", qos.reliable()))

	p.sedp.announceWriter(w)
	p.matcher.matchLocalWriter(w)
	return w, nil
}

// CreateReader creates a reader on topic that hands accepted samples to l.
func (p *Participant) CreateReader(topic, typeName string, qos QoS, m Marshaller, l Listener) (*ReaderEndpoint, error) {
	if err := qos.Validate(); err != nil {
		return nil, err
	}
	eid := p.ids.create(ENTITYID_KIND_READER_WITH_KEY)
	r := newReaderEndpoint(p, GUID{Prefix: p.guidPrefix, EntityID: eid}, topic, typeName, qos, m, l)
	if !p.addReader(r) {
		return nil, ErrClosed
	}
	r.log.Info("reader created", zap.String("type", typeName), zap.Bool("reliable", qos.reliable()))

	p.sedp.announceReader(r)
	p.matcher.matchLocalReader(r)
	return r, nil
}

func (p *Participant) deleteWriter(w *WriterEndpoint) error {
	p.mu.Lock()
	if p.writers[w.guid.EntityID] != w || w.guid.EntityID.isBuiltin() {
		p.mu.Unlock()
		return ErrUnknownEndpoint
	}
	delete(p.writers, w.guid.EntityID)
	p.mu.Unlock()

	w.close()
	p.sedp.disposeWriter(w)
	return nil
}

func (p *Participant) deleteReader(r *ReaderEndpoint) error {
	p.mu.Lock()
	if p.readers[r.guid.EntityID] != r || r.guid.EntityID.isBuiltin() {
		p.mu.Unlock()
		return ErrUnknownEndpoint
	}
	delete(p.readers, r.guid.EntityID)
	p.mu.Unlock()

	r.close()
	p.sedp.disposeReader(r)
	return nil
}

func (p *Participant) writer(eid EntityID) *WriterEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writers[eid]
}

func (p *Participant) reader(eid EntityID) *ReaderEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readers[eid]
}

func (p *Participant) writerList() []*WriterEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ws := make([]*WriterEndpoint, 0, len(p.writers))
	for _, w := range p.writers {
		ws = append(ws, w)
	}
	return ws
}

func (p *Participant) readerList() []*ReaderEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rs := make([]*ReaderEndpoint, 0, len(p.readers))
	for _, r := range p.readers {
		rs = append(rs, r)
	}
	return rs
}

func (p *Participant) userWriters() []*WriterEndpoint {
	var ws []*WriterEndpoint
	for _, w := range p.writerList() {
		if !w.guid.EntityID.isBuiltin() {
			ws = append(ws, w)
		}
	}
	return ws
}

func (p *Participant) userReaders() []*ReaderEndpoint {
	var rs []*ReaderEndpoint
	for _, r := range p.readerList() {
		if !r.guid.EntityID.isBuiltin() {
			rs = append(rs, r)
		}
	}
	return rs
}

// remoteLocators is where traffic for a remote endpoint goes: the
// metatraffic unicast locators for builtin endpoints, the default unicast
// locators otherwise. Unknown participants have none.
func (p *Participant) remoteLocators(guid GUID) []Locator {
	pd, ok := p.directory.Participant(guid.Prefix)
	if !ok {
		return nil
	}
	if guid.EntityID.isBuiltin() {
		return pd.MetaUnicast
	}
	return pd.DefaultUnicast
}

// endpointLocators prefers the locators an endpoint announced itself.
func (p *Participant) endpointLocators(ed *EndpointData) []Locator {
	if len(ed.Unicast) > 0 {
		return ed.Unicast
	}
	return p.remoteLocators(ed.GUID)
}

// firstContact connects the builtin endpoints to a newly discovered
// participant and pushes our discovery data at it.
func (p *Participant) firstContact(pd *ParticipantData) {
	p.spdp.firstContact(pd)
	p.sedp.firstContact(pd)
}

// participantData is our own SPDP announcement.
func (p *Participant) participantData() *ParticipantData {
	locs := p.transport.Locators()
	return &ParticipantData{
		GUIDPrefix:       p.guidPrefix,
		ProtocolVersion:  ProtoVersion{MY_RTPS_VERSION_MAJOR, MY_RTPS_VERSION_MINOR},
		VendorID:         MY_RTPS_VENDOR_ID,
		DefaultUnicast:   locs.DefaultUnicast,
		DefaultMulticast: locs.DefaultMulticast,
		MetaUnicast:      locs.MetaUnicast,
		MetaMulticast:    locs.MetaMulticast,
		LeaseDuration:    p.cfg.LeaseDuration,
		BuiltinEndpoints: ourBuiltinEndpoints,
	}
}

// checkLeases drops participants that stopped announcing themselves.
func (p *Participant) checkLeases() {
	for _, prefix := range p.directory.Expired(p.clock.Now()) {
		p.log.Info("participant lease expired", prefixField("prefix", prefix))
		p.matcher.OnDiscovered(DiscoveredEntity{
			Kind:        DiscoveredParticipant,
			Participant: &ParticipantData{GUIDPrefix: prefix},
			Disposed:    true,
		})
	}
}

// Run receives and dispatches messages and runs timed protocol work until
// ctx is done or the transport is closed.
func (p *Participant) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan Datagram, p.cfg.InboundQueueSize)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.transport.Listen(ctx, in)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case d := <-in:
				p.handleDatagram(d)
			}
		}
	})
	g.Go(func() error {
		return p.sched.Run(ctx)
	})
	return g.Wait()
}

// Close disposes our announcement, closes every endpoint and the
// transport. Run returns once the transport is closed.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.leaseTask.Cancel()
	p.spdp.stop()
	for _, w := range p.writerList() {
		w.close()
	}
	for _, r := range p.readerList() {
		r.close()
	}
	p.log.Info("participant closed")
	return p.transport.Close()
}
