package rtps

import (
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// receiver is used to dispatch all the submsgs within a msg
// lifetime is a single msg
type receiver struct {
	p             *Participant
	srcAddr       netip.AddrPort
	srcProtoVer   ProtoVersion
	srcVID        VendorID
	srcGUIDPrefix GUIDPrefix
	dstGUIDPrefix GUIDPrefix
	haveTimestamp bool
	timestamp     time.Time

	// samples accepted from this message, per reader, in arrival order
	batch []*delivery
}

type delivery struct {
	r       *ReaderEndpoint
	samples []Sample
}

// handleMessage dispatches a message whose source address is unknown.
func (p *Participant) handleMessage(b []byte) {
	p.handleDatagram(Datagram{Data: b})
}

// handleDatagram parses one RTPS message and dispatches its submessages.
// Samples are handed to reader listeners once the whole message is processed.
func (p *Participant) handleDatagram(d Datagram) {
	b := d.Data
	hdr, err := newHeaderFromBytes(b)
	if err != nil {
		p.metrics.malformed.Inc()
		p.log.Debug("bad message header", zap.Error(err),
			zap.Stringer("from", d.Source), zap.Int("size", len(b)))
		return
	}

	// don't process our own messages, multicast loops them back to us
	if hdr.guidPrefix == p.guidPrefix {
		return
	}
	p.metrics.messagesReceived.Inc()

	rx := &receiver{
		p:             p,
		srcAddr:       d.Source,
		srcProtoVer:   hdr.protoVer,
		srcVID:        hdr.vid,
		srcGUIDPrefix: hdr.guidPrefix,
		dstGUIDPrefix: p.guidPrefix,
	}

	buf := b[rtpsHeaderLen:]
	for len(buf) >= submsgHeaderLen {
		sm, err := newSubMsgFromBytes(buf)
		if err != nil {
			p.metrics.malformed.Inc()
			p.log.Debug("truncated submessage", prefixField("src", rx.srcGUIDPrefix),
				zap.Stringer("from", d.Source), zap.Error(err))
			break
		}
		rx.handleSubMsg(sm)
		buf = buf[sm.wireLen():]
	}
	rx.flush()
}

func (r *receiver) handleSubMsg(sm *subMsg) {
	switch sm.hdr.id {
	case SUBMSG_ID_INFO_TS:
		r.rxInfoTS(sm)
		return
	case SUBMSG_ID_INFO_SRC:
		r.rxInfoSrc(sm)
		return
	case SUBMSG_ID_INFO_DST:
		r.rxInfoDst(sm)
		return
	case SUBMSG_ID_PAD:
		return
	}

	// entity submessages meant for another participant
	if r.dstGUIDPrefix != r.p.guidPrefix {
		return
	}

	switch sm.hdr.id {
	case SUBMSG_ID_DATA:
		r.rxData(sm)

	case SUBMSG_ID_HEARTBEAT:
		r.rxHeartbeat(sm)

	case SUBMSG_ID_ACKNACK:
		r.rxAckNack(sm)

	case SUBMSG_ID_GAP:
		r.rxGap(sm)

	case SUBMSG_ID_DATA_FRAG, SUBMSG_ID_NACK_FRAG, SUBMSG_ID_HEARTBEAT_FRAG,
		SUBMSG_ID_INFO_REPLY, SUBMSG_ID_INFO_REPLY_IP4:
		r.p.log.Debug("unsupported submessage", zap.Uint8("id", sm.hdr.id))

	default:
		r.p.log.Debug("unknown submessage", zap.Uint8("id", sm.hdr.id))
	}
}

func (r *receiver) malformed(what string, err error) {
	r.p.metrics.malformed.Inc()
	r.p.log.Debug("malformed "+what, prefixField("src", r.srcGUIDPrefix),
		zap.Stringer("from", r.srcAddr), zap.Error(err))
}

// handler for SUBMSG_ID_INFO_TS submessages
func (r *receiver) rxInfoTS(sm *subMsg) {
	if sm.hdr.flags&FLAGS_INFOTS_INVALIDATE != 0 {
		r.haveTimestamp = false
		r.timestamp = timeInvalid
		return
	}
	ts, err := timeFromBytes(sm.bin, sm.data)
	if err != nil {
		r.malformed("INFO_TS", err)
		return
	}
	r.timestamp, r.haveTimestamp = ts, true
}

// handler for SUBMSG_ID_INFO_SRC submessages
func (r *receiver) rxInfoSrc(sm *subMsg) {
	is, err := newInfoSrcFromBytes(sm.data)
	if err != nil {
		r.malformed("INFO_SRC", err)
		return
	}
	r.srcGUIDPrefix = is.guidPrefix
	r.srcProtoVer = is.version
	r.srcVID = is.vid
}

// handler for SUBMSG_ID_INFO_DST submessages
func (r *receiver) rxInfoDst(sm *subMsg) {
	gp, err := guidPrefixFromBytes(sm.data)
	if err != nil {
		r.malformed("INFO_DST", err)
		return
	}
	// an unknown prefix addresses everyone
	if gp == unknownGUIDPrefix {
		gp = r.p.guidPrefix
	}
	r.dstGUIDPrefix = gp
}

// readersFor lists the local readers a submessage from writer addressed to
// readerID concerns. Submessages addressed to no reader in particular go to
// the readers matched with writer; SPDP announcements go to the SPDP reader
// before the writer is known.
func (r *receiver) readersFor(writer GUID, readerID EntityID) []*ReaderEndpoint {
	if readerID != EIDUnknown {
		if rdr := r.p.reader(readerID); rdr != nil {
			return []*ReaderEndpoint{rdr}
		}
		return nil
	}
	var rdrs []*ReaderEndpoint
	for _, rdr := range r.p.readerList() {
		spdp := writer.EntityID == SPDPWriterID && rdr.guid.EntityID == SPDPReaderID
		if spdp || rdr.hasMatchedWriter(writer) {
			rdrs = append(rdrs, rdr)
		}
	}
	return rdrs
}

// unknownWriter notes traffic nobody listens to, once per writer while it
// stays in the cache.
func (r *receiver) unknownWriter(writer GUID, readerID EntityID) {
	if seen, _ := r.p.unknownWriters.ContainsOrAdd(writer, struct{}{}); seen {
		return
	}
	r.p.log.Debug("no reader for writer", guidField("writer", writer), zap.Uint32("reader_eid", uint32(readerID)))
}

// handler for SUBMSG_ID_DATA submessages
func (r *receiver) rxData(sm *subMsg) {
	d, err := newDataFromBytes(sm)
	if err != nil {
		r.malformed("DATA", err)
		return
	}
	writer := GUID{Prefix: r.srcGUIDPrefix, EntityID: d.writerID}

	ts := r.timestamp
	if !r.haveTimestamp {
		ts = r.p.clock.Now()
	}
	c := changeFromData(writer, d, ts)

	rdrs := r.readersFor(writer, d.readerID)
	if len(rdrs) == 0 {
		r.p.metrics.samplesDropped.Inc()
		r.unknownWriter(writer, d.readerID)
		return
	}
	for _, rdr := range rdrs {
		if rdr.onData(writer, c) {
			r.add(rdr, rdr.sample(c))
		}
	}
}

// handler for SUBMSG_ID_HEARTBEAT submessages
func (r *receiver) rxHeartbeat(sm *subMsg) {
	hb, err := newHeartbeatFromBytes(sm)
	if err != nil {
		r.malformed("HEARTBEAT", err)
		return
	}
	if hb.firstSeqNum < 1 || hb.lastSeqNum < hb.firstSeqNum-1 {
		r.malformed("HEARTBEAT", errBadHeartbeatRange)
		return
	}
	writer := GUID{Prefix: r.srcGUIDPrefix, EntityID: hb.writerEID}

	rdrs := r.readersFor(writer, hb.readerEID)
	if len(rdrs) == 0 {
		r.unknownWriter(writer, hb.readerEID)
		return
	}
	for _, rdr := range rdrs {
		rdr.onHeartbeat(writer, hb)
	}
}

// handler for SUBMSG_ID_GAP submessages
func (r *receiver) rxGap(sm *subMsg) {
	g, err := newGapFromBytes(sm)
	if err != nil {
		r.malformed("GAP", err)
		return
	}
	writer := GUID{Prefix: r.srcGUIDPrefix, EntityID: g.writerID}
	for _, rdr := range r.readersFor(writer, g.readerID) {
		rdr.onGap(writer, g)
	}
}

// handler for SUBMSG_ID_ACKNACK submessages
func (r *receiver) rxAckNack(sm *subMsg) {
	an, err := newAckNackFromBytes(sm)
	if err != nil {
		r.malformed("ACKNACK", err)
		return
	}
	if !an.readerSNState.Valid() {
		r.malformed("ACKNACK", errBadSeqNumSet)
		return
	}

	w := r.p.writer(an.writerEID)
	if w == nil {
		r.p.log.Debug("acknack for unknown writer", zap.Uint32("writer_eid", uint32(an.writerEID)),
			prefixField("src", r.srcGUIDPrefix))
		return
	}
	w.onAckNack(GUID{Prefix: r.srcGUIDPrefix, EntityID: an.readerEID}, an)
}

func (r *receiver) add(rdr *ReaderEndpoint, s Sample) {
	for _, d := range r.batch {
		if d.r == rdr {
			d.samples = append(d.samples, s)
			return
		}
	}
	r.batch = append(r.batch, &delivery{r: rdr, samples: []Sample{s}})
}

func (r *receiver) flush() {
	for _, d := range r.batch {
		d.r.deliver(d.samples)
	}
	r.batch = nil
}
