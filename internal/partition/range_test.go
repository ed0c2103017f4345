package partition

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"
	"time"
)

func TestForReceiverDeterministic(t *testing.T) {
	ids := []int64{0, 1, 42, -7, 1 << 62}
	for _, id := range ids {
		p1 := ForReceiver(id, 16)
		p2 := ForReceiver(id, 16)
		if p1 != p2 {
			t.Fatalf("partition should be deterministic for %d", id)
		}
		if p1 < 0 || p1 >= 16 {
			t.Fatalf("partition out of range for %d: %d", id, p1)
		}
	}
}

func TestForReceiverRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(id int64, n uint8) bool {
		count := int32(n) + 1
		p := ForReceiver(id, count)
		return p >= 0 && p < count
	}, cfg); err != nil {
		t.Fatalf("partition property failed: %v", err)
	}
}

func TestRangeValidate(t *testing.T) {
	cases := []struct {
		r     Range
		count int32
		ok    bool
	}{
		{Range{0, 3}, 8, true},
		{Range{4, 7}, 8, true},
		{Range{5, 5}, 0, true},
		{Range{4, 8}, 8, false},
		{Range{3, 2}, 8, false},
		{Range{-1, 2}, 8, false},
	}
	for _, c := range cases {
		err := c.r.Validate(c.count)
		if c.ok && err != nil {
			t.Fatalf("validate(%s, %d): %v", c.r, c.count, err)
		}
		if !c.ok && !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("validate(%s, %d) = %v, want ErrInvalidRange", c.r, c.count, err)
		}
	}
}

func TestDiff(t *testing.T) {
	removed, added := Diff(Range{0, 3}, Range{2, 5})
	if !reflect.DeepEqual(removed, []int32{0, 1}) {
		t.Fatalf("removed = %v", removed)
	}
	if !reflect.DeepEqual(added, []int32{4, 5}) {
		t.Fatalf("added = %v", added)
	}
	removed, added = Diff(Range{0, 3}, Range{0, 3})
	if len(removed) != 0 || len(added) != 0 {
		t.Fatalf("identical ranges should not diff: %v %v", removed, added)
	}
}

func TestRangePartitions(t *testing.T) {
	if got := (Range{4, 7}).Partitions(); !reflect.DeepEqual(got, []int32{4, 5, 6, 7}) {
		t.Fatalf("partitions = %v", got)
	}
	if !(Range{4, 7}).Contains(7) || (Range{4, 7}).Contains(3) {
		t.Fatalf("contains is not inclusive")
	}
}

func TestPartitionsAtInt32Limit(t *testing.T) {
	done := make(chan []int32, 1)
	go func() { done <- (Range{Lower: math.MaxInt32 - 1, Upper: math.MaxInt32}).Partitions() }()
	select {
	case got := <-done:
		if !reflect.DeepEqual(got, []int32{math.MaxInt32 - 1, math.MaxInt32}) {
			t.Fatalf("partitions = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Partitions did not return for a range ending at MaxInt32")
	}

	removed, added := Diff(Range{Lower: math.MaxInt32 - 2, Upper: math.MaxInt32 - 1}, Range{Lower: math.MaxInt32 - 1, Upper: math.MaxInt32})
	if !reflect.DeepEqual(removed, []int32{math.MaxInt32 - 2}) || !reflect.DeepEqual(added, []int32{math.MaxInt32}) {
		t.Fatalf("diff removed=%v added=%v", removed, added)
	}
}
