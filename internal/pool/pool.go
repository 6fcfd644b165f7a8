// Package pool keeps a small round-robin pool of up to
// MaxConnectionsPerBroker Cnx's per broker address, so many producers
// talking to the same broker spread their traffic across more than one
// socket instead of each dialing its own.
package pool

import (
	"context"
	"sync"

	"github.com/rbarbey/flowmq-client-go/internal/cnx"
)

// Pool lazily dials up to size Cnx's to one broker address and hands
// them out round-robin. A Cnx that dies is replaced on its next Get.
type Pool struct {
	address string
	cfg     cnx.Config
	size    int

	mu       sync.Mutex
	conns    []*cnx.Cnx
	next     int
	dialLock []sync.Mutex // one per slot, serializes concurrent dials into the same slot
}

func New(address string, cfg cnx.Config, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	cfg.Address = address
	return &Pool{
		address:  address,
		cfg:      cfg,
		size:     size,
		conns:    make([]*cnx.Cnx, size),
		dialLock: make([]sync.Mutex, size),
	}
}

// Get returns a ready Cnx, dialing one if the slot picked by round-robin
// is empty or its previous occupant died. Dialing into a given slot is
// serialized by that slot's dialLock so two concurrent callers landing
// on the same empty/dead slot don't both dial and race to store the
// result — the loser's Cnx would otherwise be silently overwritten and
// leaked (its reader/writer goroutines and socket never closed).
func (p *Pool) Get(ctx context.Context) (*cnx.Cnx, error) {
	p.mu.Lock()
	idx := p.next
	p.next = (p.next + 1) % p.size
	existing := p.conns[idx]
	p.mu.Unlock()

	if existing != nil && existing.State() != cnx.StateDisconnected {
		return existing, nil
	}

	p.dialLock[idx].Lock()
	defer p.dialLock[idx].Unlock()

	p.mu.Lock()
	existing = p.conns[idx]
	p.mu.Unlock()
	if existing != nil && existing.State() != cnx.StateDisconnected {
		return existing, nil
	}

	c, err := cnx.Dial(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[idx] = c
	p.mu.Unlock()
	return c, nil
}

// CloseAll closes every Cnx currently held by the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make([]*cnx.Cnx, p.size)
	p.mu.Unlock()
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}
