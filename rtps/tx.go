package rtps

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// messageBuilder packs submessages for one destination into RTPS messages
// of at most Config.MaxMessageSize bytes, flushing as it goes.
//
// After the first overflow every further add fails with
// ErrTransportOverflow; messages flushed before it stand.
type messageBuilder struct {
	p         *Participant
	dst       GUIDPrefix
	locators  []Locator
	buf       []byte
	prefixLen int
	haveTS    bool
	lastTS    time.Time
	err       error
}

// newMessage starts a message to the participant dst (unknownGUIDPrefix
// for no INFO_DST) sent to every one of locators.
func (p *Participant) newMessage(dst GUIDPrefix, locators []Locator) *messageBuilder {
	m := &messageBuilder{
		p:        p,
		dst:      dst,
		locators: locators,
	}
	m.reset()
	return m
}

func (m *messageBuilder) reset() {
	m.buf = newHeader(m.p.guidPrefix).appendTo(make([]byte, 0, m.p.cfg.MaxMessageSize))
	if m.dst != unknownGUIDPrefix {
		m.buf = (&submsgInfoDest{guidPrefix: m.dst}).appendTo(m.buf)
	}
	m.prefixLen = len(m.buf)
	m.haveTS = false
}

func (m *messageBuilder) fits(n int) bool {
	return len(m.buf)+n <= m.p.cfg.MaxMessageSize
}

func (m *messageBuilder) add(sub []byte) error {
	if m.err != nil {
		return m.err
	}
	if !m.fits(len(sub)) && len(m.buf) > m.prefixLen {
		if err := m.flush(); err != nil {
			return err
		}
	}
	if !m.fits(len(sub)) {
		m.err = ErrTransportOverflow
		return m.err
	}
	m.buf = append(m.buf, sub...)
	return nil
}

// addData appends the DATA for c, preceded by an INFO_TS when the
// source timestamp changes.
func (m *messageBuilder) addData(c *CacheChange, readerID EntityID) error {
	if m.err != nil {
		return m.err
	}
	data := c.toData(readerID).appendTo(nil)
	withTS := func() []byte {
		return append((&submsgInfoTS{ts: c.timestamp}).appendTo(nil), data...)
	}

	unit := data
	if !m.haveTS || !m.lastTS.Equal(c.timestamp) {
		unit = withTS()
	}
	if !m.fits(len(unit)) && len(m.buf) > m.prefixLen {
		if err := m.flush(); err != nil {
			return err
		}
		unit = withTS()
	}
	if !m.fits(len(unit)) {
		m.err = ErrTransportOverflow
		return m.err
	}
	m.buf = append(m.buf, unit...)
	m.haveTS, m.lastTS = true, c.timestamp
	return nil
}

func (m *messageBuilder) addHeartbeat(hb *submsgHeartbeat) error {
	return m.add(hb.appendTo(nil))
}

func (m *messageBuilder) addAckNack(an *submsgAckNack) error {
	return m.add(an.appendTo(nil))
}

// flush sends whatever is pending. Send failures other than overflow are
// counted and logged but do not stop the builder.
func (m *messageBuilder) flush() error {
	if len(m.buf) == m.prefixLen {
		return nil
	}
	for _, loc := range m.locators {
		if err := m.p.sendRaw(loc, m.buf); errors.Is(err, ErrTransportOverflow) {
			m.err = ErrTransportOverflow
		}
	}
	m.reset()
	return m.err
}

// send flushes the tail of the message.
func (m *messageBuilder) send() error {
	if m.err != nil {
		return m.err
	}
	return m.flush()
}

func (p *Participant) sendRaw(loc Locator, b []byte) error {
	err := p.transport.Send(loc, b)
	switch {
	case err == nil:
		p.metrics.messagesSent.Inc()
		p.metrics.bytesSent.Add(float64(len(b)))
	case errors.Is(err, ErrTransportOverflow):
		p.metrics.overflows.Inc()
		p.log.Warn("send overflow", zap.Stringer("dst", loc), zap.Int("size", len(b)))
	default:
		p.metrics.sendErrors.Inc()
		p.log.Warn("send failed", zap.Stringer("dst", loc), zap.Error(err))
	}
	return err
}
