package producer

import "time"

// sendOp is one logical message working its way through the batcher,
// the wire, and the broker's acknowledgment, carrying the extra
// bookkeeping (sequence id, admitted size, deadline) the
// reconnect-and-resend path needs.
type sendOp struct {
	msg Message

	// size is the byte count admitted against the flow-control limiter;
	// released exactly once, on terminal completion.
	size int64

	admittedAt time.Time
	callback   func(MessageID, error)
}

func (op *sendOp) complete(id MessageID, err error) {
	if op.callback != nil {
		op.callback(id, err)
	}
}
