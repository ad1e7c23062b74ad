package rtps

// ReaderProxy is a writer's view of one matched remote reader.
// It is guarded by the owning WriterEndpoint's mutex.
type ReaderProxy struct {
	guid     GUID
	qos      QoS
	locators []Locator
	reliable bool

	highestAcked SeqNum // every change <= highestAcked is acknowledged
	highestSent  SeqNum
	lowMark      SeqNum // changes <= lowMark are never sent to this reader

	// active is set once the reader has acknowledged anything; only
	// active proxies hold back IsAcknowledgedByAll
	active           bool
	lastAckNackCount uint32

	pendingNack *Task
	pendingBase SeqNum
}

func newReaderProxy(guid GUID, qos QoS, locators []Locator, reliable bool) *ReaderProxy {
	return &ReaderProxy{
		guid:     guid,
		qos:      qos,
		locators: locators,
		reliable: reliable,
	}
}

func (rp *ReaderProxy) GUID() GUID { return rp.guid }

// sendFloor is the highest sequence number this reader must not be sent.
func (rp *ReaderProxy) sendFloor(seq SeqNum) SeqNum {
	return max(seq, rp.lowMark)
}

// WriterProxy is a reader's view of one remote writer.
// It is guarded by the owning ReaderEndpoint's mutex.
type WriterProxy struct {
	guid     GUID
	locators []Locator
	matched  bool

	highestAccepted    SeqNum
	lastHeartbeatCount uint32

	pendingAck *Task
	ackLast    SeqNum // highest "last" of the heartbeats awaiting a reply
}

func newWriterProxy(guid GUID, locators []Locator) *WriterProxy {
	return &WriterProxy{
		guid:     guid,
		locators: locators,
	}
}

func (wp *WriterProxy) GUID() GUID { return wp.guid }

// accept reports whether seq is new, and records it as the high water mark.
// Anything at or below the mark is a duplicate or was given up on.
func (wp *WriterProxy) accept(seq SeqNum) bool {
	if seq <= wp.highestAccepted {
		return false
	}
	wp.highestAccepted = seq
	return true
}

// advance moves the high water mark forward to seq, never back.
func (wp *WriterProxy) advance(seq SeqNum) {
	if seq > wp.highestAccepted {
		wp.highestAccepted = seq
	}
}

// ackNackSet builds the reader state to report when the writer
// claims to hold changes up to last.
func (wp *WriterProxy) ackNackSet(last SeqNum) SeqNumSet {
	base := wp.highestAccepted + 1
	if last <= wp.highestAccepted {
		return newSeqNumSet(base, 0)
	}
	return newAllOnesSeqNumSet(base, uint32(min(SeqNum(maxSeqNumSetLen), last-wp.highestAccepted)))
}
