// Package cnx implements the long-lived, multiplexed broker connection:
// one TCP/TLS socket carrying many concurrent request/response RPCs plus
// an asynchronous SEND/receipt stream, framed with internal/wire and
// driven by a single reader goroutine and a single writer goroutine per
// connection.
package cnx

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/backoff"
	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
	"github.com/rbarbey/flowmq-client-go/internal/telemetry"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

const (
	clientVersion   = "flowmq-client-go"
	protocolVersion = 1
)

// ProducerHandler is implemented by pkg/producer.Producer; Cnx routes
// asynchronous SEND_RECEIPT/SEND_ERROR/CLOSE_PRODUCER frames to the
// handler registered for their ProducerID, since those don't correlate
// through the RequestID-keyed pendingRegistry.
type ProducerHandler interface {
	HandleSendReceipt(cmd *wire.Command)
	HandleSendError(cmd *wire.Command)
	HandleCloseProducer()
}

// Config configures a single Cnx dial.
type Config struct {
	Address           string
	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	OperationTimeout  time.Duration

	AuthMethod string
	AuthData   []byte
	// RespondChallenge, if set, is called when the broker sends an
	// AUTH_CHALLENGE after CONNECT; it returns the AuthData to answer
	// with. Schemes with no challenge round trip leave this nil.
	RespondChallenge func(ctx context.Context, challenge []byte) ([]byte, error)

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Cnx is one multiplexed broker connection.
type Cnx struct {
	cfg  Config
	conn net.Conn

	state atomic.Int32

	pending   *pendingRegistry
	producers sync.Map // producerID uint64 -> ProducerHandler

	writeCh chan []byte
	closeCh chan struct{}
	closed  atomic.Bool

	connectTimeoutTimer *time.Timer
	keepAlive            *backoff.Periodic
	havePendingPing      atomic.Bool

	logger *slog.Logger

	maxMessageSize        atomic.Int32
	serverProtocolVersion atomic.Int32
}

// Dial opens a TCP (or TLS, if cfg.TLSConfig is non-nil) connection to
// cfg.Address and runs the CONNECT/CONNECTED handshake, including an
// AUTH_CHALLENGE round trip if the broker demands one. It returns once
// the Cnx reaches StateReady or the handshake fails.
func Dial(ctx context.Context, cfg Config) (*Cnx, error) {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cnx{
		cfg:     cfg,
		pending: newPendingRegistry(),
		writeCh: make(chan []byte, 256),
		closeCh: make(chan struct{}),
		logger:  logger.With("component", "cnx", "address", cfg.Address),
	}
	c.state.Store(int32(StatePending))
	c.maxMessageSize.Store(5 * 1024 * 1024)

	// Force-close the socket if we never reach Ready within
	// ConnectionTimeout.
	c.connectTimeoutTimer = time.AfterFunc(cfg.ConnectionTimeout, func() {
		if State(c.state.Load()) != StateReady {
			c.logger.Warn("connect timeout before handshake completed")
			c.Close()
		}
	})

	dialer := &net.Dialer{Timeout: cfg.ConnectionTimeout}
	var conn net.Conn
	var err error
	if cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", cfg.Address, cfg.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		c.connectTimeoutTimer.Stop()
		if cfg.Metrics != nil {
			cfg.Metrics.ConnectFailures.Inc()
		}
		return nil, flowmqerr.Wrap(flowmqerr.ConnectError, err)
	}
	c.conn = conn
	c.state.Store(int32(StateTcpConnected))

	go c.readLoop()
	go c.writeLoop()

	if err := c.handshake(ctx); err != nil {
		c.connectTimeoutTimer.Stop()
		c.Close()
		if cfg.Metrics != nil {
			cfg.Metrics.ConnectFailures.Inc()
		}
		return nil, err
	}

	c.connectTimeoutTimer.Stop()
	c.state.Store(int32(StateReady))
	if c.ServerProtocolVersion() >= 1 {
		c.keepAlive = backoff.StartPeriodic(context.Background(), cfg.KeepAliveInterval, c.sendPing)
	}
	c.logger.Info("connection ready", "server_protocol_version", c.ServerProtocolVersion())
	return c, nil
}

// handshake runs CONNECT -> (optional AUTH_CHALLENGE/AUTH_RESPONSE loop)
// -> CONNECTED.
func (c *Cnx) handshake(ctx context.Context) error {
	cmd := &wire.Command{
		Type:            wire.CmdConnect,
		RequestID:       c.pending.nextRequestID(),
		ClientVersion:   clientVersion,
		ProtocolVersion: protocolVersion,
		AuthMethod:      c.cfg.AuthMethod,
		AuthData:        c.cfg.AuthData,
	}
	resp, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}

	for resp.Type == wire.CmdAuthChallenge {
		if c.cfg.RespondChallenge == nil {
			return flowmqerr.New(flowmqerr.AuthenticationError)
		}
		data, err := c.cfg.RespondChallenge(ctx, resp.Challenge)
		if err != nil {
			return flowmqerr.Wrap(flowmqerr.AuthenticationError, err)
		}
		authResp := &wire.Command{
			Type:      wire.CmdAuthResponse,
			RequestID: c.pending.nextRequestID(),
			AuthData:  data,
		}
		resp, err = c.roundTrip(ctx, authResp)
		if err != nil {
			return err
		}
	}

	if resp.Type != wire.CmdConnected {
		return flowmqerr.New(flowmqerr.ConnectError)
	}
	if resp.MaxMessageSize > 0 {
		c.maxMessageSize.Store(int32(resp.MaxMessageSize))
	}
	// CONNECTED predates per-field version negotiation on some brokers;
	// a zero ProtocolVersion means "assume v1", the floor every broker
	// in the field supports.
	if resp.ProtocolVersion > 0 {
		c.serverProtocolVersion.Store(resp.ProtocolVersion)
	} else {
		c.serverProtocolVersion.Store(1)
	}
	return nil
}

// MaxMessageSize returns the broker-advertised maximum uncompressed
// single-message size negotiated during CONNECT.
func (c *Cnx) MaxMessageSize() int32 { return c.maxMessageSize.Load() }

// ServerProtocolVersion returns the protocol version the broker
// confirmed at CONNECTED, gating keep-alive (v1+) and checksum-on-send
// (v6+).
func (c *Cnx) ServerProtocolVersion() int32 { return c.serverProtocolVersion.Load() }

const checksumMinVersion = 6

// State returns the Cnx's current lifecycle state.
func (c *Cnx) State() State { return State(c.state.Load()) }

// Done returns a channel closed once this Cnx tears down, whether from
// an explicit Close or a read/write failure on the socket. The producer
// watches it (watchConnection) to notice an unexpected drop and schedule
// a reconnect.
func (c *Cnx) Done() <-chan struct{} { return c.closeCh }

// RegisterProducer associates producerID with handler so asynchronous
// SEND_RECEIPT/SEND_ERROR/CLOSE_PRODUCER frames route to it.
func (c *Cnx) RegisterProducer(producerID uint64, handler ProducerHandler) {
	c.producers.Store(producerID, handler)
}

// UnregisterProducer removes a producer's routing entry.
func (c *Cnx) UnregisterProducer(producerID uint64) {
	c.producers.Delete(producerID)
}

// RoundTrip sends cmd and waits for its correlated response (or the
// connection's OperationTimeout), for request/response RPCs like
// PRODUCER, LOOKUP, GET_LAST_MESSAGE_ID, and so on.
func (c *Cnx) RoundTrip(ctx context.Context, cmd *wire.Command) (*wire.Command, error) {
	return c.roundTrip(ctx, cmd)
}

func (c *Cnx) roundTrip(ctx context.Context, cmd *wire.Command) (*wire.Command, error) {
	if cmd.RequestID == 0 && cmd.Type != wire.CmdConnect {
		cmd.RequestID = c.pending.nextRequestID()
	}
	p := c.pending.register(cmd.RequestID, c.cfg.OperationTimeout)

	raw, err := wire.EncodeFrame(cmd, nil, nil, false)
	if err != nil {
		c.pending.fail(cmd.RequestID, err)
		return nil, err
	}
	if err := c.enqueueWrite(ctx, raw); err != nil {
		c.pending.fail(cmd.RequestID, err)
		return nil, err
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		c.pending.fail(cmd.RequestID, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendPublish writes a SEND command carrying meta+payload without
// waiting for its receipt; the receipt arrives asynchronously and is
// routed to the registered ProducerHandler by ProducerID.
func (c *Cnx) SendPublish(ctx context.Context, cmd *wire.Command, meta *wire.Metadata, payload []byte) error {
	useChecksum := c.ServerProtocolVersion() >= checksumMinVersion
	raw, err := wire.EncodeFrame(cmd, meta, payload, useChecksum)
	if err != nil {
		return err
	}
	return c.enqueueWrite(ctx, raw)
}

func (c *Cnx) enqueueWrite(ctx context.Context, raw []byte) error {
	if c.closed.Load() {
		return flowmqerr.New(flowmqerr.AlreadyClosed)
	}
	select {
	case c.writeCh <- raw:
		return nil
	case <-c.closeCh:
		return flowmqerr.New(flowmqerr.AlreadyClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single writer for this Cnx's socket: every frame,
// whether a request/response RPC or a fire-and-forget SEND, passes
// through writeCh so no two goroutines ever call conn.Write concurrently.
func (c *Cnx) writeLoop() {
	for {
		select {
		case raw := <-c.writeCh:
			if _, err := c.conn.Write(raw); err != nil {
				c.logger.Warn("write failed", "error", err)
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// sendPing fires the periodic keep-alive PING. If the previous PING
// never saw an inbound frame in reply, the connection is presumed dead
// and torn down as Retryable rather than sending another one.
func (c *Cnx) sendPing() {
	if c.closed.Load() {
		return
	}
	if !c.havePendingPing.CompareAndSwap(false, true) {
		c.logger.Warn("keep-alive: no inbound frame since last ping, closing connection")
		c.pending.failAll(flowmqerr.New(flowmqerr.Retryable))
		c.Close()
		return
	}
	raw, err := wire.EncodeFrame(&wire.Command{Type: wire.CmdPing}, nil, nil, false)
	if err != nil {
		return
	}
	select {
	case c.writeCh <- raw:
	case <-c.closeCh:
	}
}

// readLoop is the single reader for this Cnx's socket. It decodes frames
// and dispatches them either to the pendingRegistry (request/response
// RPCs) or to the registered ProducerHandler (asynchronous receipts).
func (c *Cnx) readLoop() {
	var dec wire.Decoder
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				frame, ferr := dec.Pull()
				if ferr != nil {
					if _, short := ferr.(*wire.ErrShortRead); short {
						break
					}
					c.logger.Warn("frame decode error", "error", ferr)
					c.Close()
					return
				}
				c.dispatch(frame)
			}
		}
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("read failed", "error", err)
			}
			c.Close()
			return
		}
	}
}

func (c *Cnx) dispatch(frame *wire.Frame) {
	c.havePendingPing.Store(false)
	cmd := frame.Command
	switch cmd.Type {
	case wire.CmdPing:
		raw, err := wire.EncodeFrame(&wire.Command{Type: wire.CmdPong}, nil, nil, false)
		if err == nil {
			select {
			case c.writeCh <- raw:
			case <-c.closeCh:
			}
		}
		return
	case wire.CmdPong:
		return
	case wire.CmdSendReceipt, wire.CmdSendError:
		if h, ok := c.producers.Load(cmd.ProducerID); ok {
			handler := h.(ProducerHandler)
			if cmd.Type == wire.CmdSendReceipt {
				handler.HandleSendReceipt(cmd)
			} else {
				handler.HandleSendError(cmd)
			}
		}
		return
	case wire.CmdCloseProducer:
		if h, ok := c.producers.Load(cmd.ProducerID); ok {
			h.(ProducerHandler).HandleCloseProducer()
		}
		return
	case wire.CmdError:
		if cmd.RequestID != 0 {
			err := flowmqerr.New(flowmqerr.FromServerError(cmd.ServerError, cmd.Message))
			if c.pending.fail(cmd.RequestID, err) && flowmqerr.ForcesReconnect(cmd.ServerError) {
				c.Close()
			}
		}
		return
	case wire.CmdProducerSuccess:
		if cmd.RequestID != 0 && !cmd.ProducerReady {
			// Interim notification: the broker is still attaching the
			// producer. Extend the deadline and wait for a later
			// PRODUCER_SUCCESS with ProducerReady=true to complete it.
			c.pending.interimNotify(cmd.RequestID, c.cfg.OperationTimeout)
			return
		}
		if cmd.RequestID != 0 {
			c.pending.resolve(cmd.RequestID, cmd)
		}
		return
	default:
		if cmd.RequestID != 0 {
			if c.pending.resolve(cmd.RequestID, cmd) {
				return
			}
		}
	}
}

// Close tears down the socket and fails every pending RPC. Idempotent.
func (c *Cnx) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.state.Store(int32(StateDisconnected))
	close(c.closeCh)
	if c.keepAlive != nil {
		c.keepAlive.Stop()
	}
	c.pending.failAll(flowmqerr.New(flowmqerr.NotConnected))
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Err returns a descriptive error if the connection is not usable.
func (c *Cnx) Err() error {
	if c.closed.Load() {
		return flowmqerr.New(flowmqerr.NotConnected)
	}
	if State(c.state.Load()) != StateReady {
		return fmt.Errorf("cnx: not ready (state=%s)", c.State())
	}
	return nil
}
