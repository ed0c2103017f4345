package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
)

var ErrInvalidRange = errors.New("invalid partition range")

// Range is an inclusive set of partition indices owned by one consumer
// instance. Ranges are supplied by an external coordinator.
type Range struct {
	Lower int32 `mapstructure:"lower"`
	Upper int32 `mapstructure:"upper"`
}

func (r Range) Contains(p int32) bool {
	return p >= r.Lower && p <= r.Upper
}

func (r Range) Len() int {
	if r.Upper < r.Lower {
		return 0
	}
	return int(r.Upper-r.Lower) + 1
}

func (r Range) Partitions() []int32 {
	out := make([]int32, 0, r.Len())
	// int64 so that Upper == MaxInt32 terminates.
	for p := int64(r.Lower); p <= int64(r.Upper); p++ {
		out = append(out, int32(p))
	}
	return out
}

// Validate checks the shape of the range. A count <= 0 means the partition
// count of the topic is unknown and the upper bound is not checked.
// Overlap with other instances is not detectable here.
func (r Range) Validate(count int32) error {
	if r.Lower < 0 || r.Upper < r.Lower {
		return fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	if count > 0 && r.Upper >= count {
		return fmt.Errorf("%w: %s exceeds partition count %d", ErrInvalidRange, r, count)
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Lower, r.Upper)
}

// Diff returns the partitions of prev that next no longer owns and the
// partitions of next that prev did not own.
func Diff(prev, next Range) (removed, added []int32) {
	for _, p := range prev.Partitions() {
		if !next.Contains(p) {
			removed = append(removed, p)
		}
	}
	for _, p := range next.Partitions() {
		if !prev.Contains(p) {
			added = append(added, p)
		}
	}
	return removed, added
}

// ForReceiver computes the backplane partition for a receiver.
// partition = fnv64a(big-endian receiver id) % count
func ForReceiver(receiverID int64, count int32) int32 {
	if count <= 0 {
		return 0
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(receiverID))
	h := fnv.New64a()
	_, _ = h.Write(b[:])
	return int32(h.Sum64() % uint64(count))
}
