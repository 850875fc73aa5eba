// Package oplog implements the log-replicated state engine: a deterministic
// in-memory state materialized from an ordered, encrypted operation log in
// the KV store, with periodic encrypted checkpoints in the blob store.
// Multiple processes may write to the same path concurrently; conflicts are
// absorbed by replaying the log in timestamp order.
package oplog

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
)

// Timestamp orders log entries: millisecond wall clock in the high 64 bits,
// a random nonce in the low 64. Its hex encoding sorts lexicographically the
// same way it sorts numerically, so it can be used directly as a KV sort key.
type Timestamp struct {
	Msec uint64
	Rand uint64
}

func nowMsec() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Now returns a fresh timestamp at the current wall clock.
func Now() Timestamp {
	return Timestamp{Msec: nowMsec(), Rand: common.RandUint64()}
}

// After returns a fresh timestamp strictly greater than other, clamping the
// clock forward if the local clock lags behind it.
func After(other Timestamp) Timestamp {
	ms := nowMsec()
	if other.Msec+1 > ms {
		ms = other.Msec + 1
	}
	return Timestamp{Msec: ms, Rand: common.RandUint64()}
}

// Zero is the timestamp before every real one.
var Zero = Timestamp{}

func (t Timestamp) IsZero() bool {
	return t == Zero
}

// Before reports whether t sorts strictly before other.
func (t Timestamp) Before(other Timestamp) bool {
	if t.Msec != other.Msec {
		return t.Msec < other.Msec
	}
	return t.Rand < other.Rand
}

// String encodes the timestamp as 16 big-endian hex bytes.
func (t Timestamp) String() string {
	var b [16]byte
	putUint64(b[0:8], t.Msec)
	putUint64(b[8:16], t.Rand)
	return hex.EncodeToString(b[:])
}

// ParseTimestamp reverses String.
func ParseTimestamp(s string) (Timestamp, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid timestamp %q: not hex", s)
	}
	if len(b) != 16 {
		return Zero, fmt.Errorf("invalid timestamp %q: bad length", s)
	}
	return Timestamp{
		Msec: getUint64(b[0:8]),
		Rand: getUint64(b[8:16]),
	}, nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
