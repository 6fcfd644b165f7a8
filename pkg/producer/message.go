package producer

import (
	"strconv"
	"time"
)

// Message is the payload and routing metadata a caller hands to
// Producer.Send/SendAsync. It is intentionally small: the wire-level
// stamping (producer name, sequence id, publish time, chunk/UUID fields)
// is something Producer computes, not something a caller supplies.
type Message struct {
	Payload    []byte
	Key        string
	Properties map[string]string
	// DeliverAt schedules delivery for a future time; zero means "now".
	DeliverAt time.Time
}

// MessageID identifies a published message's position once acknowledged.
type MessageID struct {
	LedgerID uint64
	EntryID  uint64
	// BatchIndex is the message's position in its batch, or -1 when its
	// SEND carried only this one message.
	BatchIndex int32
}

func (id MessageID) String() string {
	base := strconv.FormatUint(id.LedgerID, 10) + ":" + strconv.FormatUint(id.EntryID, 10)
	if id.BatchIndex < 0 {
		return base
	}
	return base + ":" + strconv.FormatInt(int64(id.BatchIndex), 10)
}
