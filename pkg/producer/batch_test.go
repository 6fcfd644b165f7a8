package producer

import (
	"encoding/binary"
	"testing"
)

func newTestOp(payload, key string) *sendOp {
	return &sendOp{msg: Message{Payload: []byte(payload), Key: key}}
}

func TestDefaultContainer_FlushesOnMaxMessages(t *testing.T) {
	c := newDefaultContainer()
	if full := c.add(newTestOp("a", ""), 2, 0); full != nil {
		t.Fatalf("expected no flush after 1 of 2 messages, got %v", full)
	}
	full := c.add(newTestOp("b", ""), 2, 0)
	if len(full) != 1 || len(full[0].ops) != 2 {
		t.Fatalf("expected one 2-message batch to flush, got %v", full)
	}
	if !c.empty() {
		t.Fatalf("expected container empty after flush")
	}
}

func TestDefaultContainer_FlushesOnMaxBytes(t *testing.T) {
	c := newDefaultContainer()
	full := c.add(newTestOp("0123456789", ""), 0, 10)
	if len(full) != 1 {
		t.Fatalf("expected a single 10-byte message to satisfy a 10-byte cap, got %v", full)
	}
}

func TestDefaultContainer_DrainAllFlushesPartialBatch(t *testing.T) {
	c := newDefaultContainer()
	c.add(newTestOp("a", ""), 100, 100)
	drained := c.drainAll()
	if len(drained) != 1 || len(drained[0].ops) != 1 {
		t.Fatalf("expected drainAll to flush the partial batch, got %v", drained)
	}
	if !c.empty() {
		t.Fatalf("expected container empty after drainAll")
	}
	if drained2 := c.drainAll(); drained2 != nil {
		t.Fatalf("expected second drainAll on empty container to return nil, got %v", drained2)
	}
}

func TestKeyBasedContainer_SeparatesBatchesByKey(t *testing.T) {
	c := newKeyBasedContainer()
	c.add(newTestOp("a", "k1"), 100, 100)
	c.add(newTestOp("b", "k2"), 100, 100)
	c.add(newTestOp("c", "k1"), 100, 100)

	drained := c.drainAll()
	if len(drained) != 2 {
		t.Fatalf("expected 2 batches (one per key), got %d", len(drained))
	}
	byKey := map[string]int{}
	for _, b := range drained {
		byKey[b.key] = len(b.ops)
	}
	if byKey["k1"] != 2 || byKey["k2"] != 1 {
		t.Fatalf("unexpected batch composition: %v", byKey)
	}
}

func TestKeyBasedContainer_FlushesIndividualKeyOnFull(t *testing.T) {
	c := newKeyBasedContainer()
	c.add(newTestOp("a", "k1"), 100, 100)
	full := c.add(newTestOp("b", "k1"), 2, 0)
	if len(full) != 1 || full[0].key != "k1" {
		t.Fatalf("expected k1's batch to flush on reaching maxMessages, got %v", full)
	}
	// k1 should be gone from the map, k2 unaffected.
	c.add(newTestOp("c", "k2"), 100, 100)
	drained := c.drainAll()
	if len(drained) != 1 || drained[0].key != "k2" {
		t.Fatalf("expected only k2 left to drain, got %v", drained)
	}
}

func TestPendingBatch_EncodePayloadRoundTrips(t *testing.T) {
	b := &pendingBatch{}
	b.add(newTestOp("hello", ""))
	b.add(newTestOp("world!", ""))

	encoded := b.encodePayload()

	off := 0
	for _, want := range []string{"hello", "world!"} {
		n := binary.BigEndian.Uint32(encoded[off : off+4])
		off += 4
		got := string(encoded[off : off+int(n)])
		off += int(n)
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if off != len(encoded) {
		t.Fatalf("leftover bytes after decoding all entries: %d", len(encoded)-off)
	}
}

func TestIsBatchFull(t *testing.T) {
	b := &pendingBatch{}
	b.add(newTestOp("0123456789", ""))

	if isBatchFull(b, 0, 0) {
		t.Fatalf("expected no triggers with both bounds disabled")
	}
	if !isBatchFull(b, 1, 0) {
		t.Fatalf("expected maxMessages=1 to trigger on the first message")
	}
	if !isBatchFull(b, 0, 10) {
		t.Fatalf("expected maxBytes=10 to trigger at exactly 10 bytes")
	}
	if isBatchFull(b, 0, 11) {
		t.Fatalf("expected maxBytes=11 not to trigger at 10 bytes")
	}
}
