package rtps

import (
	"encoding/binary"
	"io"
	"time"
)

// Time_t and Duration_t are both NTP style on the wire: whole seconds
// followed by a 1/2^32 fraction of a second.

const nanosPerSec = 1e9

var (
	timeInvalid = time.Unix(-1, 0xffffffff)

	// DURATION_INFINITE
	durationInfinite = time.Duration(1<<63 - 1)
)

// fracFromNanos rounds up so that nanosFromFrac gives back ns exactly.
func fracFromNanos(ns int64) uint32 {
	return uint32((nanosPerSec - 1 + ns<<32) / nanosPerSec)
}

func nanosFromFrac(frac uint32) int64 {
	return (int64(frac) * nanosPerSec) >> 32
}

func putSecFrac(order binary.ByteOrder, b []byte, sec, frac uint32) []byte {
	order.PutUint32(b[0:], sec)
	order.PutUint32(b[4:], frac)
	return b
}

func timeFromBytes(order binary.ByteOrder, b []byte) (time.Time, error) {
	if len(b) < 8 {
		return timeInvalid, io.ErrUnexpectedEOF
	}
	sec := int64(order.Uint32(b[0:]))
	return time.Unix(sec, nanosFromFrac(order.Uint32(b[4:]))).UTC(), nil
}

func timeToBytes(t time.Time, order binary.ByteOrder) []byte {
	return putSecFrac(order, make([]byte, 8), uint32(t.Unix()), fracFromNanos(int64(t.Nanosecond())))
}

func durationToBytes(d time.Duration, order binary.ByteOrder) []byte {
	b := make([]byte, 8)
	if d == durationInfinite {
		return putSecFrac(order, b, 0x7fffffff, 0xffffffff)
	}
	ns := d.Nanoseconds()
	return putSecFrac(order, b, uint32(ns/nanosPerSec), fracFromNanos(ns%nanosPerSec))
}

func durationFromBytes(order binary.ByteOrder, b []byte) (time.Duration, error) {
	if len(b) < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	sec, frac := order.Uint32(b[0:]), order.Uint32(b[4:])
	if sec == 0x7fffffff && frac == 0xffffffff {
		return durationInfinite, nil
	}
	return time.Duration(int64(sec)*nanosPerSec + nanosFromFrac(frac)), nil
}
