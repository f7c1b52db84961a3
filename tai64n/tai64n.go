// Package tai64n implements TAI64N timestamps with whitened
// nanoseconds, used to order handshake proofs without leaking a
// high-resolution clock to the network.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

const TimestampSize = 12

const base = uint64(0x400000000000000a)

// whitenerMask coarsens timestamps to ~16ms so they cannot be used to
// fingerprint the sender's clock.
const whitenerMask = uint32(0x1000000 - 1)

type Timestamp [TimestampSize]byte

// Stamp returns the whitened timestamp for t.
func Stamp(t time.Time) Timestamp {
	var ts Timestamp
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}

// Now returns the current whitened timestamp.
func Now() Timestamp {
	return Stamp(time.Now())
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return bytes.Compare(ts[:], other[:]) > 0
}

// Time converts the timestamp back to wall-clock time.
func (ts Timestamp) Time() time.Time {
	secs := binary.BigEndian.Uint64(ts[:8])
	nano := binary.BigEndian.Uint32(ts[8:])
	return time.Unix(int64(secs-base), int64(nano))
}
