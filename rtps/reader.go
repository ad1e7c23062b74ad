package rtps

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Sample is one accepted change as handed to a Listener. Value is the
// unmarshalled payload of WRITE changes and nil otherwise.
type Sample struct {
	Change *CacheChange
	Value  any
}

// Listener receives the samples a reader accepted, once per inbound RTPS
// message. It is called from the dispatcher goroutine and should not block.
type Listener interface {
	OnSamples(r *ReaderEndpoint, samples []Sample)
}

type ListenerFunc func(r *ReaderEndpoint, samples []Sample)

func (f ListenerFunc) OnSamples(r *ReaderEndpoint, samples []Sample) {
	f(r, samples)
}

// ReaderEndpoint receives changes on one topic from its matched writers.
// It accepts each writer's changes in sequence order only; anything at or
// below the highest accepted sequence number is dropped, so replays and
// resends are never delivered twice.
type ReaderEndpoint struct {
	p          *Participant
	guid       GUID
	topic      string
	typeName   string
	qos        QoS
	marshaller Marshaller
	listener   Listener
	log        *zap.Logger

	mu       sync.Mutex
	proxies  map[GUID]*WriterProxy
	ackCount uint32
	closed   bool
}

func newReaderEndpoint(p *Participant, guid GUID, topic, typeName string, qos QoS, m Marshaller, l Listener) *ReaderEndpoint {
	return &ReaderEndpoint{
		p:          p,
		guid:       guid,
		topic:      topic,
		typeName:   typeName,
		qos:        qos,
		marshaller: m,
		listener:   l,
		log:        endpointLogger(p.log, "reader", guid, topic),
		proxies:    make(map[GUID]*WriterProxy),
	}
}

func (r *ReaderEndpoint) GUID() GUID       { return r.guid }
func (r *ReaderEndpoint) Topic() string    { return r.topic }
func (r *ReaderEndpoint) TypeName() string { return r.typeName }
func (r *ReaderEndpoint) QoS() QoS         { return r.qos }

// proxy finds or creates the proxy for writer. Must hold r.mu.
func (r *ReaderEndpoint) proxy(writer GUID) *WriterProxy {
	wp, ok := r.proxies[writer]
	if !ok {
		wp = newWriterProxy(writer, r.p.remoteLocators(writer))
		r.proxies[writer] = wp
	}
	return wp
}

// onData reports whether c is new and should be delivered.
func (r *ReaderEndpoint) onData(writer GUID, c *CacheChange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	wp := r.proxy(writer)
	prev := wp.highestAccepted
	if !wp.accept(c.seqNum) {
		r.p.metrics.samplesDropped.Inc()
		r.log.Debug("duplicate data", guidField("writer", writer),
			seqField("seq", c.seqNum), seqField("highest", prev))
		return false
	}
	if c.seqNum > prev+1 {
		r.log.Debug("gap in data", guidField("writer", writer),
			seqField("from", prev+1), seqField("to", c.seqNum-1))
	}
	r.p.metrics.samplesAccepted.Inc()
	return true
}

func (r *ReaderEndpoint) onHeartbeat(writer GUID, hb *submsgHeartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	wp := r.proxy(writer)
	if hb.count <= wp.lastHeartbeatCount {
		r.log.Debug("duplicate heartbeat", guidField("writer", writer), zap.Uint32("count", hb.count))
		return
	}
	wp.lastHeartbeatCount = hb.count

	// the writer no longer holds anything below first
	if hb.firstSeqNum > wp.highestAccepted+1 {
		r.log.Debug("skipping unavailable changes", guidField("writer", writer),
			seqField("from", wp.highestAccepted+1), seqField("to", hb.firstSeqNum-1))
		wp.advance(hb.firstSeqNum - 1)
	}

	if !r.qos.reliable() {
		return
	}
	if hb.final && wp.highestAccepted >= hb.lastSeqNum {
		return
	}
	wp.ackLast = max(wp.ackLast, hb.lastSeqNum)

	delay := r.p.cfg.HeartbeatResponseDelay
	if delay <= 0 {
		r.sendAckNack(wp)
		return
	}
	if wp.pendingAck != nil {
		return
	}
	wp.pendingAck = r.p.sched.After(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed || r.proxies[wp.guid] != wp {
			return
		}
		wp.pendingAck = nil
		r.sendAckNack(wp)
	})
}

func (r *ReaderEndpoint) sendAckNack(wp *WriterProxy) {
	// the proxy may predate discovery of its participant
	if len(wp.locators) == 0 {
		wp.locators = r.p.remoteLocators(wp.guid)
	}
	if len(wp.locators) == 0 {
		r.log.Debug("no locator for acknack", guidField("writer", wp.guid))
		return
	}
	set := wp.ackNackSet(wp.ackLast)
	r.ackCount++
	an := &submsgAckNack{
		final:         set.Empty(),
		readerEID:     r.guid.EntityID,
		writerEID:     wp.guid.EntityID,
		readerSNState: set,
		count:         r.ackCount,
	}
	m := r.p.newMessage(wp.guid.Prefix, wp.locators)
	m.addAckNack(an)
	if m.send() == nil {
		r.p.metrics.ackNacksSent.Inc()
	}
}

// onGap skips changes the writer will never send.
func (r *ReaderEndpoint) onGap(writer GUID, g *submsgGap) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wp, ok := r.proxies[writer]
	if !ok || r.closed {
		return
	}
	if g.gapStart <= wp.highestAccepted+1 {
		wp.advance(g.gapList.bitmapBase - 1)
	}
}

func (r *ReaderEndpoint) addMatchedWriter(guid GUID, locators []Locator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	wp := r.proxy(guid)
	if len(locators) > 0 {
		wp.locators = locators
	}
	if wp.matched {
		return false
	}
	wp.matched = true
	r.log.Debug("matched writer", guidField("writer", guid))
	return true
}

func (r *ReaderEndpoint) removeMatchedWriter(guid GUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	wp, ok := r.proxies[guid]
	if !ok {
		return false
	}
	wp.pendingAck.Cancel()
	delete(r.proxies, guid)
	r.log.Debug("unmatched writer", guidField("writer", guid))
	return wp.matched
}

// removeWriters forgets every writer of the participant prefix and
// returns the ones that were matched.
func (r *ReaderEndpoint) removeWriters(prefix GUIDPrefix) []GUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []GUID
	for guid, wp := range r.proxies {
		if guid.Prefix != prefix {
			continue
		}
		wp.pendingAck.Cancel()
		delete(r.proxies, guid)
		if wp.matched {
			matched = append(matched, guid)
		}
	}
	return matched
}

func (r *ReaderEndpoint) hasMatchedWriter(guid GUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.proxies[guid]
	return ok && wp.matched
}

func (r *ReaderEndpoint) MatchedWriters() []GUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var guids []GUID
	for guid, wp := range r.proxies {
		if wp.matched {
			guids = append(guids, guid)
		}
	}
	slices.SortFunc(guids, compareGUID)
	return guids
}

// sample unmarshals c for delivery. A payload the marshaller rejects is
// delivered with a nil Value.
func (r *ReaderEndpoint) sample(c *CacheChange) Sample {
	s := Sample{Change: c}
	if c.kind != ChangeKindWrite || r.marshaller == nil {
		return s
	}
	_, data, err := decapsulate(c.payload)
	if err == nil {
		s.Value, err = r.marshaller.Unmarshal(data)
	}
	if err != nil {
		r.log.Debug("unmarshal failed", seqField("seq", c.seqNum), zap.Error(err))
	}
	return s
}

func (r *ReaderEndpoint) deliver(samples []Sample) {
	if r.listener != nil && len(samples) > 0 {
		r.listener.OnSamples(r, samples)
	}
}

// Close removes the reader from its participant and disposes its
// discovery announcement.
func (r *ReaderEndpoint) Close() error {
	return r.p.deleteReader(r)
}

func (r *ReaderEndpoint) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, wp := range r.proxies {
		wp.pendingAck.Cancel()
	}
	clear(r.proxies)
}
