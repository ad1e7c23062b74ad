package rtps

import (
	"time"
)

// ChangeKind is the kind of update a CacheChange applies to its instance.
type ChangeKind uint8

const (
	ChangeKindWrite ChangeKind = iota
	ChangeKindDispose
	ChangeKindUnregister
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeKindWrite:
		return "WRITE"
	case ChangeKindDispose:
		return "DISPOSE"
	case ChangeKindUnregister:
		return "UNREGISTER"
	default:
		return "UNKNOWN"
	}
}

// CacheChange is one versioned update to an instance. It is never
// modified after creation; the owning HistoryCache hands out shared pointers.
type CacheChange struct {
	seqNum     SeqNum
	kind       ChangeKind
	writerGUID GUID
	key        []byte
	payload    []byte
	timestamp  time.Time
}

func newCacheChange(writer GUID, seq SeqNum, kind ChangeKind, key, payload []byte, ts time.Time) *CacheChange {
	return &CacheChange{
		seqNum:     seq,
		kind:       kind,
		writerGUID: writer,
		key:        append([]byte(nil), key...),
		payload:    payload,
		timestamp:  ts,
	}
}

func (c *CacheChange) SeqNum() SeqNum       { return c.seqNum }
func (c *CacheChange) Kind() ChangeKind     { return c.kind }
func (c *CacheChange) WriterGUID() GUID     { return c.writerGUID }
func (c *CacheChange) Timestamp() time.Time { return c.timestamp }

// Key returns the instance key. Changes received from the wire carry the
// 16 byte key hash instead of the application key.
func (c *CacheChange) Key() []byte { return c.key }

// Payload returns the serialized sample, encapsulation header included;
// empty for dispose and unregister.
func (c *CacheChange) Payload() []byte { return c.payload }

// toData builds the DATA submessage carrying this change to readerID.
func (c *CacheChange) toData(readerID EntityID) *submsgData {
	d := &submsgData{
		readerID:     readerID,
		writerID:     c.writerGUID.EntityID,
		writerSeqNum: c.seqNum,
	}
	if len(c.key) > 0 {
		d.inlineQos = append(d.inlineQos, &paramListItem{pid: PID_KEY_HASH, value: keyHash(c.key)})
	}
	if c.kind != ChangeKindWrite {
		d.inlineQos = append(d.inlineQos, statusInfoParam(c.kind))
		return d
	}
	d.flags = FLAGS_DATA_DATAFLAG
	d.payload = c.payload
	return d
}

// changeFromData is the inverse of toData, on the receiving side.
func changeFromData(writer GUID, d *submsgData, ts time.Time) *CacheChange {
	c := &CacheChange{
		seqNum:     d.writerSeqNum,
		kind:       d.changeKind(),
		writerGUID: writer,
		key:        d.keyHash(),
		timestamp:  ts,
	}
	if c.kind == ChangeKindWrite {
		c.payload = d.payload
	}
	return c
}
