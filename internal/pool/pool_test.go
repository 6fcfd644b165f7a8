package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/cnx"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

// startFakeBroker runs a minimal CONNECT/CONNECTED handshake over real
// TCP so Pool.Get can dial a real cnx.Cnx against it, counting how many
// distinct connections it ever accepts.
func startFakeBroker(t *testing.T) (addr string, accepted *int32AtomicCounter) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	counter := &int32AtomicCounter{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			counter.inc()
			go func(conn net.Conn) {
				defer conn.Close()
				var dec wire.Decoder
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						dec.Feed(buf[:n])
						for {
							f, ferr := dec.Pull()
							if ferr != nil {
								if _, short := ferr.(*wire.ErrShortRead); short {
									break
								}
								return
							}
							if f.Command.Type == wire.CmdConnect {
								raw, err := wire.EncodeFrame(&wire.Command{
									Type:      wire.CmdConnected,
									RequestID: f.Command.RequestID,
								}, nil, nil, false)
								if err == nil {
									conn.Write(raw)
								}
							}
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), counter
}

type int32AtomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *int32AtomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32AtomicCounter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestGet_ReusesLiveConnectionAcrossCalls(t *testing.T) {
	addr, accepted := startFakeBroker(t)
	p := New(addr, cnx.Config{ConnectionTimeout: time.Second}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c1, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the same live Cnx to be reused")
	}
	if accepted.load() != 1 {
		t.Fatalf("expected exactly one dial, broker accepted %d connections", accepted.load())
	}
}

// TestGet_ConcurrentCallsOnOneSlotDialOnlyOnce guards the dial race: two
// goroutines landing on the same empty slot must not both dial and race
// to store the result, leaking the loser's connection.
func TestGet_ConcurrentCallsOnOneSlotDialOnlyOnce(t *testing.T) {
	addr, accepted := startFakeBroker(t)
	p := New(addr, cnx.Config{ConnectionTimeout: time.Second}, 1)

	const n = 8
	results := make([]*cnx.Cnx, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			results[i], errs[i] = p.Get(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get[%d]: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("expected every concurrent Get on a size-1 pool to return the same Cnx")
		}
	}
	if accepted.load() != 1 {
		t.Fatalf("expected exactly one dial across %d concurrent Gets, broker accepted %d connections", n, accepted.load())
	}
}
