package ring

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

var testKeyCounter int32 = 0x71c00000

func nextTestKey() int32 {
	testKeyCounter++
	return testKeyCounter
}

func createTestRing(t *testing.T, capacity uint32, entrySize uint16, multiProducer, multiConsumer bool) (*RingBuffer, int32) {
	t.Helper()
	key := nextTestKey()
	attr := Attribute{
		Key:              key,
		Capacity:         capacity,
		EntrySize:        entrySize,
		PageSize:         PageDefault,
		MultipleProducer: multiProducer,
		MultipleConsumer: multiConsumer,
		Description:      t.Name(),
	}
	assignedKey, err := CreateRingBuffer(attr)
	if err != nil {
		t.Fatalf("CreateRingBuffer() failed: %v", err)
	}
	t.Cleanup(func() { _ = DeleteRingBuffer(assignedKey) })

	r, err := Get(assignedKey)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, assignedKey
}

func TestCreateGetAttribute(t *testing.T) {
	r, key := createTestRing(t, 16, 64, false, false)
	attr := r.Attribute()
	if attr.Key != key {
		t.Fatalf("Attribute().Key = %d, want %d", attr.Key, key)
	}
	if attr.Capacity != 16 || attr.EntrySize != 64 {
		t.Fatalf("Attribute() = %+v, want capacity=16 entry_size=64", attr)
	}
	if attr.Description != t.Name() {
		t.Fatalf("Attribute().Description = %q, want %q", attr.Description, t.Name())
	}
}

func TestProduceConsumeFIFO(t *testing.T) {
	r, _ := createTestRing(t, 16, 64, false, false)

	for i := 0; i < 15; i++ {
		payload := []byte(fmt.Sprintf("P%d", i))
		if err := r.Produce(payload, len(payload), int64(time.Second)); err != nil {
			t.Fatalf("Produce(%d) failed: %v", i, err)
		}
	}
	// capacity-1 entries fill the ring (RB_IS_FULL when size==capacity-1).
	if !r.full() {
		t.Fatalf("full() = false after filling to capacity-1, want true")
	}
	if err := r.Produce([]byte("overflow"), 8, 10*int64(time.Millisecond)); err == nil {
		t.Fatalf("Produce() into full ring succeeded, want Timeout")
	}

	buf := make([]byte, 64)
	if err := r.Consume(buf, len(buf), int64(time.Second)); err != nil {
		t.Fatalf("Consume() failed: %v", err)
	}
	if got := trimNulls(buf); got != "P0" {
		t.Fatalf("first Consume() = %q, want %q", got, "P0")
	}

	if err := r.Produce([]byte("P15"), 3, int64(time.Second)); err != nil {
		t.Fatalf("Produce(P15) failed: %v", err)
	}

	for i := 1; i <= 15; i++ {
		if err := r.Consume(buf, len(buf), int64(time.Second)); err != nil {
			t.Fatalf("Consume() at step %d failed: %v", i, err)
		}
		want := fmt.Sprintf("P%d", i)
		if got := trimNulls(buf); got != want {
			t.Fatalf("Consume() at step %d = %q, want %q", i, got, want)
		}
	}
	if !r.Empty() {
		t.Fatalf("Empty() = false after draining all entries, want true")
	}
}

func trimNulls(buf []byte) string {
	n := len(buf)
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	return string(buf[:n])
}

func TestConsumeTimesOutOnEmptyRing(t *testing.T) {
	r, _ := createTestRing(t, 8, 32, false, false)
	buf := make([]byte, 32)
	err := r.Consume(buf, len(buf), 0)
	if err == nil {
		t.Fatalf("Consume() on empty ring with zero timeout succeeded, want Timeout")
	}
}

func TestProduceRejectsOversizedPayload(t *testing.T) {
	r, _ := createTestRing(t, 8, 16, false, false)
	buf := make([]byte, 32)
	if err := r.Produce(buf, 32, int64(time.Second)); err == nil {
		t.Fatalf("Produce() with size > EntrySize succeeded, want InvalidArgument")
	}
}

func TestMultipleProducersNoLostOrDuplicateEntries(t *testing.T) {
	r, _ := createTestRing(t, 1024, 32, true, false)

	const perProducer = 500
	const producers = 2
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := []byte(fmt.Sprintf("%d-%d", p, i))
				buf := make([]byte, 32)
				copy(buf, payload)
				for r.Produce(buf, len(buf), int64(50*time.Millisecond)) != nil {
					// retry until space frees up as the consumer drains
				}
			}
		}()
	}

	seen := make(map[string]bool)
	buf := make([]byte, 32)
	total := producers * perProducer
	for i := 0; i < total; i++ {
		if err := r.Consume(buf, len(buf), int64(time.Second)); err != nil {
			t.Fatalf("Consume() at %d failed: %v", i, err)
		}
		key := trimNulls(buf)
		if seen[key] {
			t.Fatalf("duplicate entry %q consumed", key)
		}
		seen[key] = true
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("consumed %d distinct entries, want %d", len(seen), total)
	}
}

func TestDeleteRingBufferAllowsKeyReuse(t *testing.T) {
	key := nextTestKey()
	attr := Attribute{Key: key, Capacity: 4, EntrySize: 16, PageSize: PageDefault}
	assignedKey, err := CreateRingBuffer(attr)
	if err != nil {
		t.Fatalf("CreateRingBuffer() failed: %v", err)
	}
	if err := DeleteRingBuffer(assignedKey); err != nil {
		t.Fatalf("DeleteRingBuffer() failed: %v", err)
	}
	if _, err := Get(assignedKey); err == nil {
		t.Fatalf("Get() after delete succeeded, want error")
	}
}

func TestKeyFromNameIsStableAndNonZero(t *testing.T) {
	k1 := KeyFromName("orders")
	k2 := KeyFromName("orders")
	if k1 != k2 {
		t.Fatalf("KeyFromName() not stable: %d != %d", k1, k2)
	}
	if k1 == 0 {
		t.Fatalf("KeyFromName() = 0, want non-zero")
	}
	if KeyFromName("orders") == KeyFromName("payments") {
		t.Fatalf("KeyFromName() collided for distinct names (possible but not expected in this test)")
	}
}
