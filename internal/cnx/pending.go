package cnx

import (
	"sync"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

// pendingRequest is a one-shot promise for a single request/response RPC
// multiplexed over a Cnx, keyed by Command.RequestID.
type pendingRequest struct {
	done    chan struct{}
	once    sync.Once
	result  *wire.Command
	err     error
	timer   *time.Timer
	timeout time.Duration

	mu          sync.Mutex
	hasResponse bool // an interim notification arrived; deadline was extended
}

func newPendingRequest(timeout time.Duration) *pendingRequest {
	return &pendingRequest{done: make(chan struct{}), timeout: timeout}
}

func (p *pendingRequest) complete(cmd *wire.Command, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result, p.err = cmd, err
		close(p.done)
	})
}

// noteInterimResponse extends the deadline once, tolerating a broker that
// reports "request queued" before the real answer arrives — some RPCs
// see an interim notification ahead of their terminal response.
func (p *pendingRequest) noteInterimResponse(extend func() *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasResponse {
		return
	}
	p.hasResponse = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = extend()
}

func (p *pendingRequest) wait() (*wire.Command, error) {
	<-p.done
	return p.result, p.err
}

// pendingRegistry tracks in-flight request/response RPCs for one Cnx.
type pendingRegistry struct {
	mu      sync.Mutex
	byID    map[uint64]*pendingRequest
	nextID  uint64
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{byID: make(map[uint64]*pendingRequest)}
}

// nextRequestID returns a fresh, monotonically increasing RequestID.
// IDs start at 1: RequestID 0 marks a command with no correlated request.
func (r *pendingRegistry) nextRequestID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// register installs a pendingRequest for requestID and arms its deadline
// timer, which fails the request with flowmqerr.Timeout if no response
// (interim or terminal) arrives in time.
func (r *pendingRegistry) register(requestID uint64, timeout time.Duration) *pendingRequest {
	p := newPendingRequest(timeout)
	r.mu.Lock()
	r.byID[requestID] = p
	r.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		r.fail(requestID, flowmqerr.New(flowmqerr.Timeout))
	})
	return p
}

// resolve completes the pendingRequest for requestID with cmd, if one is
// registered. Returns false if requestID is unknown (already resolved, or
// never registered — e.g. an unsolicited command).
func (r *pendingRegistry) resolve(requestID uint64, cmd *wire.Command) bool {
	r.mu.Lock()
	p, ok := r.byID[requestID]
	if ok {
		delete(r.byID, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.complete(cmd, nil)
	return true
}

// interimNotify extends the deadline for requestID without completing it,
// for a PRODUCER_SUCCESS that arrives with producerReady=false: the
// broker is still attaching the producer and a later PRODUCER_SUCCESS
// with producerReady=true will complete the request. Returns false if
// requestID is unknown.
func (r *pendingRegistry) interimNotify(requestID uint64, timeout time.Duration) bool {
	r.mu.Lock()
	p, ok := r.byID[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.noteInterimResponse(func() *time.Timer {
		return time.AfterFunc(timeout, func() {
			r.fail(requestID, flowmqerr.New(flowmqerr.Timeout))
		})
	})
	return true
}

// fail completes the pendingRequest for requestID with err.
func (r *pendingRegistry) fail(requestID uint64, err error) bool {
	r.mu.Lock()
	p, ok := r.byID[requestID]
	if ok {
		delete(r.byID, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.complete(nil, err)
	return true
}

// failAll completes every pending RPC with err, used when the connection
// drops out from under them.
func (r *pendingRegistry) failAll(err error) {
	r.mu.Lock()
	all := r.byID
	r.byID = make(map[uint64]*pendingRequest)
	r.mu.Unlock()
	for _, p := range all {
		p.complete(nil, err)
	}
}
