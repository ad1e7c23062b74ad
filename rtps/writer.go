package rtps

import (
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriterEndpoint publishes changes on one topic to its matched readers.
//
// Best-effort readers are pushed every new change once. Reliable readers
// are told about new changes with a HEARTBEAT and pull what they are
// missing with ACKNACK; a periodic heartbeat covers lost messages.
type WriterEndpoint struct {
	p          *Participant
	guid       GUID
	topic      string
	typeName   string
	qos        QoS
	marshaller Marshaller
	history    *HistoryCache
	log        *zap.Logger

	mu            sync.Mutex
	proxies       map[GUID]*ReaderProxy
	hbCount       uint32
	broadcast     []Locator
	broadcastSent SeqNum
	hbTask        *Task
	closed        bool
}

func newWriterEndpoint(p *Participant, guid GUID, topic, typeName string, qos QoS, m Marshaller) *WriterEndpoint {
	w := &WriterEndpoint{
		p:          p,
		guid:       guid,
		topic:      topic,
		typeName:   typeName,
		qos:        qos,
		marshaller: m,
		history:    NewHistoryCache(guid, qos),
		log:        endpointLogger(p.log, "writer", guid, topic),
		proxies:    make(map[GUID]*ReaderProxy),
	}
	if qos.reliable() {
		w.hbTask = p.sched.Every(p.cfg.HeartbeatPeriod, w.periodicHeartbeat)
	}
	return w
}

func (w *WriterEndpoint) GUID() GUID             { return w.guid }
func (w *WriterEndpoint) Topic() string          { return w.topic }
func (w *WriterEndpoint) TypeName() string       { return w.typeName }
func (w *WriterEndpoint) QoS() QoS               { return w.qos }
func (w *WriterEndpoint) History() *HistoryCache { return w.history }

// Write marshals v, adds it to the history and notifies every matched reader.
func (w *WriterEndpoint) Write(v any) (*CacheChange, error) {
	if w.marshaller == nil {
		return nil, ErrNoMarshaller
	}
	key, err := w.marshaller.Key(v)
	if err != nil {
		return nil, err
	}
	payload, err := w.marshaller.Marshal(v)
	if err != nil {
		return nil, err
	}
	payload = encapsulate(marshalScheme(w.marshaller), payload)
	return w.commit(func(ts time.Time) (*CacheChange, error) {
		return w.history.Write(payload, key, ts)
	})
}

// WriteRaw publishes an already serialized sample under key.
func (w *WriterEndpoint) WriteRaw(payload, key []byte) (*CacheChange, error) {
	scheme := uint16(SCHEME_CDR_LE)
	if w.marshaller != nil {
		scheme = marshalScheme(w.marshaller)
	}
	payload = encapsulate(scheme, payload)
	return w.commit(func(ts time.Time) (*CacheChange, error) {
		return w.history.Write(payload, key, ts)
	})
}

// Dispose ends the instance v belongs to.
func (w *WriterEndpoint) Dispose(v any) (*CacheChange, error) {
	key, err := w.key(v)
	if err != nil {
		return nil, err
	}
	return w.commit(func(ts time.Time) (*CacheChange, error) {
		return w.history.Dispose(key, ts)
	})
}

func (w *WriterEndpoint) Unregister(v any) (*CacheChange, error) {
	key, err := w.key(v)
	if err != nil {
		return nil, err
	}
	return w.commit(func(ts time.Time) (*CacheChange, error) {
		return w.history.Unregister(key, ts)
	})
}

func (w *WriterEndpoint) key(v any) ([]byte, error) {
	if w.marshaller == nil {
		return nil, ErrNoMarshaller
	}
	return w.marshaller.Key(v)
}

func (w *WriterEndpoint) commit(op func(time.Time) (*CacheChange, error)) (*CacheChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	c, err := op(w.p.clock.Now())
	if err != nil {
		var re *ResourceExhaustedError
		if errors.As(err, &re) {
			w.p.metrics.writeRejected.WithLabelValues(string(re.Limit)).Inc()
		}
		return nil, err
	}
	w.log.Debug("new change", seqField("seq", c.seqNum), zap.Stringer("kind", c.kind))

	for _, rp := range w.proxies {
		w.notify(rp)
	}
	w.sendBroadcast()
	return c, nil
}

func (w *WriterEndpoint) notify(rp *ReaderProxy) {
	if rp.reliable {
		w.sendHeartbeat(rp, false)
		return
	}
	w.pushChanges(rp)
}

// pushChanges sends a best-effort reader everything it has not been sent.
func (w *WriterEndpoint) pushChanges(rp *ReaderProxy) {
	last := w.history.SeqNumMax()
	m := w.p.newMessage(rp.guid.Prefix, rp.locators)
	for _, c := range w.history.ChangesSince(rp.sendFloor(rp.highestSent)) {
		if m.addData(c, rp.guid.EntityID) != nil {
			break
		}
	}
	if err := m.send(); err != nil {
		w.log.Debug("push abandoned", guidField("reader", rp.guid), zap.Error(err))
	}
	rp.highestSent = max(rp.highestSent, last)
}

// sendBroadcast sends new changes to the broadcast locators, addressed to
// any reader. Only the SPDP writer has broadcast locators.
func (w *WriterEndpoint) sendBroadcast() {
	if len(w.broadcast) == 0 {
		return
	}
	m := w.p.newMessage(unknownGUIDPrefix, w.broadcast)
	for _, c := range w.history.ChangesSince(w.broadcastSent) {
		if m.addData(c, EIDUnknown) != nil {
			break
		}
	}
	if err := m.send(); err != nil {
		w.log.Debug("broadcast abandoned", zap.Stringers("to", w.broadcast), zap.Error(err))
	}
	w.broadcastSent = w.history.SeqNumMax()
}

func (w *WriterEndpoint) setBroadcast(locs []Locator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcast = locs
}

// heartbeatRange is the range of changes rp may still ask for.
func (w *WriterEndpoint) heartbeatRange(rp *ReaderProxy) (first, last SeqNum) {
	last = w.history.SeqNumMax()
	first = max(w.history.SeqNumMin(), rp.lowMark+1)
	return min(first, last+1), last
}

func (w *WriterEndpoint) newHeartbeat(rp *ReaderProxy, final bool) *submsgHeartbeat {
	first, last := w.heartbeatRange(rp)
	w.hbCount++
	return &submsgHeartbeat{
		final:       final,
		readerEID:   rp.guid.EntityID,
		writerEID:   w.guid.EntityID,
		firstSeqNum: first,
		lastSeqNum:  last,
		count:       w.hbCount,
	}
}

func (w *WriterEndpoint) sendHeartbeat(rp *ReaderProxy, final bool) {
	hb := w.newHeartbeat(rp, final)
	m := w.p.newMessage(rp.guid.Prefix, rp.locators)
	m.addHeartbeat(hb)
	if m.send() == nil {
		w.p.metrics.heartbeatsSent.Inc()
	}
}

func (w *WriterEndpoint) periodicHeartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	last := w.history.SeqNumMax()
	for _, rp := range w.proxies {
		if rp.reliable && rp.highestAcked < last {
			w.sendHeartbeat(rp, false)
		}
	}
}

// onAckNack handles an ACKNACK from reader. Everything below the bitmap
// base is acknowledged; any set bit asks for a resend from the base up.
func (w *WriterEndpoint) onAckNack(reader GUID, an *submsgAckNack) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	rp, ok := w.proxies[reader]
	if !ok {
		w.log.Debug("acknack from unmatched reader", guidField("reader", reader))
		return
	}
	if an.count <= rp.lastAckNackCount {
		w.log.Debug("duplicate acknack", guidField("reader", reader), zap.Uint32("count", an.count))
		return
	}
	rp.lastAckNackCount = an.count

	base := an.readerSNState.bitmapBase
	if base-1 > rp.highestAcked {
		rp.highestAcked = base - 1
	}
	rp.active = true

	if an.readerSNState.Empty() {
		return
	}
	w.scheduleResend(rp, base)
}

// scheduleResend arms the nack response timer; requests arriving while it
// is pending widen the resend to the lowest base asked for.
func (w *WriterEndpoint) scheduleResend(rp *ReaderProxy, base SeqNum) {
	if rp.pendingNack != nil {
		rp.pendingBase = min(rp.pendingBase, base)
		return
	}
	delay := w.p.cfg.NackResponseDelay
	if delay <= 0 {
		w.resend(rp, base)
		return
	}
	rp.pendingBase = base
	rp.pendingNack = w.p.sched.After(delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || w.proxies[rp.guid] != rp {
			return
		}
		rp.pendingNack = nil
		w.resend(rp, rp.pendingBase)
	})
}

// resend sends every resident change from base on, then a final
// HEARTBEAT so a reader that is still behind asks again. Changes that were
// evicted are simply not sent; the heartbeat's first moves the reader past them.
func (w *WriterEndpoint) resend(rp *ReaderProxy, base SeqNum) {
	m := w.p.newMessage(rp.guid.Prefix, rp.locators)
	sent := SeqNum(0)
	for _, c := range w.history.ChangesSince(rp.sendFloor(base - 1)) {
		if m.addData(c, rp.guid.EntityID) != nil {
			break
		}
		sent = c.seqNum
		w.p.metrics.resends.Inc()
	}
	m.addHeartbeat(w.newHeartbeat(rp, true))
	if err := m.send(); err != nil {
		w.log.Debug("resend cut short", guidField("reader", rp.guid), seqField("last_sent", sent), zap.Error(err))
		w.sendHeartbeat(rp, false)
	} else {
		w.p.metrics.heartbeatsSent.Inc()
	}
	rp.highestSent = max(rp.highestSent, sent)
}

// pushAll sends reader every resident change it may see without waiting
// for it to ask.
func (w *WriterEndpoint) pushAll(reader GUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rp, ok := w.proxies[reader]; ok && !w.closed {
		w.resend(rp, 1)
	}
}

// addMatchedReader starts serving a remote reader. A VOLATILE reader only
// sees changes written from now on; a durable one catches up on the history.
func (w *WriterEndpoint) addMatchedReader(guid GUID, qos QoS, locators []Locator) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if rp, ok := w.proxies[guid]; ok {
		rp.qos = qos
		rp.locators = locators
		return false
	}
	rp := newReaderProxy(guid, qos, locators, w.qos.reliable() && qos.reliable())
	if qos.Durability.Kind == Volatile {
		last := w.history.SeqNumMax()
		rp.lowMark, rp.highestSent = last, last
	}
	w.proxies[guid] = rp
	w.log.Debug("matched reader", guidField("reader", guid), zap.Bool("reliable", rp.reliable))

	if rp.reliable {
		w.sendHeartbeat(rp, false)
	} else {
		w.pushChanges(rp)
	}
	return true
}

func (w *WriterEndpoint) removeMatchedReader(guid GUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	rp, ok := w.proxies[guid]
	if !ok {
		return false
	}
	rp.pendingNack.Cancel()
	delete(w.proxies, guid)
	w.log.Debug("unmatched reader", guidField("reader", guid))
	return true
}

// removeMatchedReaders drops every reader of the participant prefix.
func (w *WriterEndpoint) removeMatchedReaders(prefix GUIDPrefix) []GUID {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []GUID
	for guid, rp := range w.proxies {
		if guid.Prefix == prefix {
			rp.pendingNack.Cancel()
			delete(w.proxies, guid)
			removed = append(removed, guid)
		}
	}
	return removed
}

func (w *WriterEndpoint) MatchedReaders() []GUID {
	w.mu.Lock()
	defer w.mu.Unlock()

	guids := make([]GUID, 0, len(w.proxies))
	for guid := range w.proxies {
		guids = append(guids, guid)
	}
	slices.SortFunc(guids, compareGUID)
	return guids
}

// IsAcknowledgedByAll reports whether every reader that has acknowledged
// anything has acknowledged seq.
func (w *WriterEndpoint) IsAcknowledgedByAll(seq SeqNum) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rp := range w.proxies {
		if rp.active && rp.highestAcked < seq {
			return false
		}
	}
	return true
}

// Close removes the writer from its participant and disposes its
// discovery announcement.
func (w *WriterEndpoint) Close() error {
	return w.p.deleteWriter(w)
}

func (w *WriterEndpoint) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.hbTask.Cancel()
	for _, rp := range w.proxies {
		rp.pendingNack.Cancel()
	}
	clear(w.proxies)
}
