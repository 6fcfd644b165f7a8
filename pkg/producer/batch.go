package producer

import (
	"encoding/binary"
	"time"
)

// pendingBatch accumulates sendOps destined for one SEND command. A
// batch's wire payload is the concatenation of each op's payload,
// length-prefixed so the broker (or a test harness standing in for one)
// can split it back into per-message entries; NumMessagesInBatch in the
// stamped Metadata carries the count.
type pendingBatch struct {
	key      string // partition key, only meaningful under key-based batching
	ops      []*sendOp
	numBytes int

	// timer fires SendTimeout after this batch was handed to flushBatch;
	// stopped once an ack, error, or Close resolves the batch.
	timer *time.Timer
}

func (b *pendingBatch) add(op *sendOp) {
	b.ops = append(b.ops, op)
	b.numBytes += len(op.msg.Payload)
}

func (b *pendingBatch) empty() bool { return len(b.ops) == 0 }

// encodePayload concatenates every op's payload as [4-byte length][bytes],
// in arrival order, so BatchIndex in the eventual MessageID matches a
// message's position in this slice.
func (b *pendingBatch) encodePayload() []byte {
	out := make([]byte, 0, b.numBytes+4*len(b.ops))
	var lenBuf [4]byte
	for _, op := range b.ops {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(op.msg.Payload)))
		out = append(out, lenBuf[:]...)
		out = append(out, op.msg.Payload...)
	}
	return out
}

// container decides how arriving sendOps are grouped into pendingBatches
// and when a group becomes ready to flush: a defaultContainer keeps one
// FIFO batch, a keyBasedContainer keeps one batch per partition key.
type container interface {
	// add appends op to the appropriate batch and returns the batches (if
	// any) that just became full and should be flushed immediately.
	add(op *sendOp, maxMessages int, maxBytes int) []*pendingBatch
	// drainAll flushes every non-empty batch, full or not (publish-delay
	// timer expiry, explicit Flush, or Close).
	drainAll() []*pendingBatch
	empty() bool
}

type defaultContainer struct {
	cur *pendingBatch
}

func newDefaultContainer() *defaultContainer {
	return &defaultContainer{cur: &pendingBatch{}}
}

func (c *defaultContainer) add(op *sendOp, maxMessages, maxBytes int) []*pendingBatch {
	c.cur.add(op)
	if isBatchFull(c.cur, maxMessages, maxBytes) {
		full := c.cur
		c.cur = &pendingBatch{}
		return []*pendingBatch{full}
	}
	return nil
}

func (c *defaultContainer) drainAll() []*pendingBatch {
	if c.cur.empty() {
		return nil
	}
	out := []*pendingBatch{c.cur}
	c.cur = &pendingBatch{}
	return out
}

func (c *defaultContainer) empty() bool { return c.cur.empty() }

type keyBasedContainer struct {
	byKey map[string]*pendingBatch
}

func newKeyBasedContainer() *keyBasedContainer {
	return &keyBasedContainer{byKey: make(map[string]*pendingBatch)}
}

func (c *keyBasedContainer) add(op *sendOp, maxMessages, maxBytes int) []*pendingBatch {
	b, ok := c.byKey[op.msg.Key]
	if !ok {
		b = &pendingBatch{key: op.msg.Key}
		c.byKey[op.msg.Key] = b
	}
	b.add(op)
	if isBatchFull(b, maxMessages, maxBytes) {
		delete(c.byKey, op.msg.Key)
		return []*pendingBatch{b}
	}
	return nil
}

func (c *keyBasedContainer) drainAll() []*pendingBatch {
	if len(c.byKey) == 0 {
		return nil
	}
	out := make([]*pendingBatch, 0, len(c.byKey))
	for k, b := range c.byKey {
		out = append(out, b)
		delete(c.byKey, k)
	}
	return out
}

func (c *keyBasedContainer) empty() bool { return len(c.byKey) == 0 }

// isBatchFull implements the batching container's count/byte-size
// triggers: a batch is full once it holds maxMessages ops or its payload
// bytes (not counting the length prefixes encodePayload adds) reach
// maxBytes, so even a single oversized message flushes at once instead
// of waiting on an unreached message-count trigger. A bound of 0 is off.
func isBatchFull(b *pendingBatch, maxMessages, maxBytes int) bool {
	if maxMessages > 0 && len(b.ops) >= maxMessages {
		return true
	}
	if maxBytes > 0 && b.numBytes >= maxBytes {
		return true
	}
	return false
}
