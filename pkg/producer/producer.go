// Package producer implements the reconnecting, batching, chunking
// broker-facing producer: admission control, a pluggable batching
// container, optional chunking and end-to-end encryption, and
// resend-on-reconnect for messages still awaiting a receipt when the
// connection died.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/cnx"
	"github.com/rbarbey/flowmq-client-go/internal/compression"
	"github.com/rbarbey/flowmq-client-go/internal/crypto"
	"github.com/rbarbey/flowmq-client-go/internal/flowcontrol"
	"github.com/rbarbey/flowmq-client-go/internal/flowmqerr"
	"github.com/rbarbey/flowmq-client-go/internal/handler"
	"github.com/rbarbey/flowmq-client-go/internal/pool"
	"github.com/rbarbey/flowmq-client-go/internal/telemetry"
	"github.com/rbarbey/flowmq-client-go/internal/wire"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var producerIDCounter atomic.Uint64

// Producer publishes messages to one topic, reconnecting and resending
// unacknowledged messages transparently across broker connection loss.
type Producer struct {
	cfg        Config
	pool       *pool.Pool
	base       *handler.Base
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	compressor compression.Compressor
	encryptor  *crypto.Encryptor
	limiter    *flowcontrol.Limiter

	producerID uint64
	// instanceID identifies this client-side Producer instance in logs
	// and traces. It is unrelated to producerID, the client-assigned
	// numeric id carried on the wire — this one never leaves the process.
	instanceID string
	fenceEpoch atomic.Uint64

	mu           sync.Mutex
	cnx          *cnx.Cnx
	producerName string
	nextSeq      uint64

	batchMu    sync.Mutex
	batch      container
	batchTimer *time.Timer

	ackMu sync.Mutex
	// lastSequenceIdPublished is the highest sequence id the broker has
	// acknowledged in order. pending always satisfies
	// lastSequenceIdPublished < head(pending).sequenceId <= nextSeq-1;
	// an ack outside that window means the broker and this producer
	// disagree about what's in flight.
	lastSequenceIdPublished uint64
	pending                 map[uint64]*pendingBatch // sequenceID -> in-flight batch

	closed atomic.Bool
}

// New dials an initial connection through p (shared with other producers
// to the same broker) and registers a PRODUCER on it before returning.
func New(ctx context.Context, p *pool.Pool, cfg Config, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger *slog.Logger) (*Producer, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	instanceID := uuid.NewString()
	pr := &Producer{
		cfg:        cfg,
		pool:       p,
		logger:     logger.With("component", "producer", "topic", cfg.Topic, "instance_id", instanceID),
		metrics:    metrics,
		tracer:     tracer,
		compressor: compression.ByType(cfg.CompressionType),
		limiter:    flowcontrol.New(cfg.MaxPendingMessages, cfg.MaxPendingBytes),
		producerID: producerIDCounter.Add(1),
		instanceID: instanceID,
		pending:    make(map[uint64]*pendingBatch),
	}
	if len(cfg.EncryptionKeys) > 0 {
		pr.encryptor = crypto.NewEncryptor(cfg.EncryptionKeys, noopKeyReader{}, 4*time.Hour)
	}
	if cfg.BatchingKeyBased {
		pr.batch = newKeyBasedContainer()
	} else {
		pr.batch = newDefaultContainer()
	}

	pr.base = handler.New(pr, cfg.InitialBackoff, cfg.MaxBackoff, sendTimeoutMandatoryStop(cfg.SendTimeout), logger)
	if err := pr.base.Start(ctx); err != nil {
		return nil, err
	}
	return pr, nil
}

// sendTimeoutMandatoryStop bounds total reconnect backoff to just under
// the producer's SendTimeout: a reconnect loop must not retry past the
// point a pending send would already have timed out.
func sendTimeoutMandatoryStop(sendTimeout time.Duration) time.Duration {
	if sendTimeout <= 100*time.Millisecond {
		return 0
	}
	return sendTimeout - 100*time.Millisecond
}

// noopKeyReader is the KeyReader a Producer uses whenever EncryptionKeys
// is set; Config has no field to supply another one. Every lookup fails
// with CryptoError, so each Encrypt fails instead of panicking.
type noopKeyReader struct{}

func (noopKeyReader) GetPublicKey(context.Context, string) ([]byte, map[string]string, error) {
	return nil, nil, flowmqerr.New(flowmqerr.CryptoError)
}

// GrabCnx implements handler.Subclass: it acquires a pooled Cnx and
// issues PRODUCER on it, adopting the broker-assigned producer name and
// starting sequence id on the very first connect only.
func (pr *Producer) GrabCnx(ctx context.Context) (c *cnx.Cnx, err error) {
	if pr.tracer != nil {
		var span trace.Span
		ctx, span = pr.tracer.StartSpan(ctx, "producer.grab_cnx", attribute.String("topic", pr.cfg.Topic))
		defer func() { telemetry.EndWithError(span, err) }()
	}

	c, err = pr.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	pr.mu.Lock()
	name := pr.producerName
	pr.mu.Unlock()

	cmd := &wire.Command{
		Type:         wire.CmdProducer,
		Topic:        pr.cfg.Topic,
		ProducerID:   pr.producerID,
		ProducerName: name,
		Epoch:        pr.fenceEpoch.Add(1),
	}
	resp, err := c.RoundTrip(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if resp.Type != wire.CmdProducerSuccess {
		return nil, flowmqerr.New(flowmqerr.ProducerFenced)
	}

	pr.mu.Lock()
	if pr.producerName == "" {
		pr.producerName = resp.AssignedProducerName
		pr.nextSeq = uint64(resp.LastSequenceID + 1)
		pr.ackMu.Lock()
		pr.lastSequenceIdPublished = uint64(resp.LastSequenceID)
		pr.ackMu.Unlock()
	}
	pr.mu.Unlock()
	return c, nil
}

// ConnectionOpened implements handler.Subclass: register with the new
// Cnx's producer-routing table and resend anything still unacknowledged.
func (pr *Producer) ConnectionOpened(c *cnx.Cnx, epoch uint64) {
	pr.mu.Lock()
	pr.cnx = c
	pr.mu.Unlock()
	c.RegisterProducer(pr.producerID, pr)
	if pr.metrics != nil && epoch > 1 {
		pr.metrics.Reconnects.Inc()
	}
	pr.resendPending(c)
	go pr.watchConnection(c, epoch)
}

// watchConnection escalates an unexpected socket drop (as opposed to an
// explicit CLOSE_PRODUCER, handled by HandleCloseProducer) to the
// reconnection handler, so resendPending eventually runs again once a
// fresh Cnx comes up.
func (pr *Producer) watchConnection(c *cnx.Cnx, epoch uint64) {
	<-c.Done()
	pr.base.HandleDisconnection(epoch, flowmqerr.New(flowmqerr.NotConnected))
}

// ConnectionFailed implements handler.Subclass.
func (pr *Producer) ConnectionFailed(err error) {
	if pr.metrics != nil {
		pr.metrics.ConnectFailures.Inc()
	}
	pr.logger.Warn("failed to (re)connect producer", "error", err)
}

// resendPending re-issues every in-flight batch's SEND frame over a
// freshly (re)established Cnx, in ascending sequence-id order.
func (pr *Producer) resendPending(c *cnx.Cnx) {
	pr.ackMu.Lock()
	seqs := make([]uint64, 0, len(pr.pending))
	for seq := range pr.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	batches := make([]*pendingBatch, 0, len(seqs))
	for _, seq := range seqs {
		batches = append(batches, pr.pending[seq])
	}
	pr.ackMu.Unlock()

	for i, b := range batches {
		if err := pr.sendBatch(context.Background(), c, seqs[i], b); err != nil {
			pr.logger.Warn("resend failed, will retry on next reconnect", "sequence_id", seqs[i], "error", err)
		}
	}
}

// Send publishes msg and blocks until the broker acknowledges it (or
// SendTimeout/ctx elapses), returning its assigned MessageID.
func (pr *Producer) Send(ctx context.Context, msg Message) (id MessageID, err error) {
	if pr.tracer != nil {
		var span trace.Span
		ctx, span = pr.tracer.StartSpan(ctx, "producer.send", attribute.String("topic", pr.cfg.Topic), attribute.String("producer_instance_id", pr.instanceID), attribute.Int("payload_bytes", len(msg.Payload)))
		defer func() { telemetry.EndWithError(span, err) }()
	}

	type result struct {
		id  MessageID
		err error
	}
	resCh := make(chan result, 1)
	if err := pr.SendAsync(ctx, msg, func(id MessageID, err error) {
		resCh <- result{id, err}
	}); err != nil {
		return MessageID{}, err
	}
	select {
	case r := <-resCh:
		return r.id, r.err
	case <-ctx.Done():
		return MessageID{}, ctx.Err()
	}
}

// SendAsync admits msg for batching/publication and returns immediately;
// callback fires exactly once, with the final MessageID or error.
func (pr *Producer) SendAsync(ctx context.Context, msg Message, callback func(MessageID, error)) error {
	if pr.closed.Load() {
		return flowmqerr.New(flowmqerr.AlreadyClosed)
	}
	size := int64(len(msg.Payload))
	if pr.cfg.BlockIfQueueFull {
		if err := pr.limiter.Acquire(ctx, size); err != nil {
			return err
		}
	} else if !pr.limiter.TryAcquire(size) {
		return flowmqerr.New(flowmqerr.ProducerQueueIsFull)
	}

	op := &sendOp{msg: msg, size: size, admittedAt: time.Now(), callback: callback}
	if pr.metrics != nil {
		pr.metrics.BytesPublished.Add(float64(size))
		pr.metrics.PendingMessages.Inc()
	}

	if !pr.cfg.BatchingEnabled {
		pr.flushBatch(&pendingBatch{ops: []*sendOp{op}, numBytes: len(op.msg.Payload)})
		return nil
	}

	pr.batchMu.Lock()
	full := pr.batch.add(op, pr.cfg.BatchingMaxMessages, pr.cfg.BatchingMaxBytes)
	firstInBatch := pr.batchTimer == nil
	if firstInBatch && pr.cfg.BatchingMaxPublishDelay > 0 {
		pr.batchTimer = time.AfterFunc(pr.cfg.BatchingMaxPublishDelay, pr.flushOnTimer)
	}
	pr.batchMu.Unlock()

	for _, b := range full {
		pr.flushBatch(b)
	}
	return nil
}

func (pr *Producer) flushOnTimer() {
	pr.batchMu.Lock()
	pr.batchTimer = nil
	batches := pr.batch.drainAll()
	pr.batchMu.Unlock()
	for _, b := range batches {
		pr.flushBatch(b)
	}
}

// Flush forces out any partially filled batch and waits for every
// in-flight send to be acknowledged or to fail.
func (pr *Producer) Flush(ctx context.Context) error {
	pr.batchMu.Lock()
	if pr.batchTimer != nil {
		pr.batchTimer.Stop()
		pr.batchTimer = nil
	}
	batches := pr.batch.drainAll()
	pr.batchMu.Unlock()
	for _, b := range batches {
		pr.flushBatch(b)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		pr.ackMu.Lock()
		n := len(pr.pending)
		pr.ackMu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flushBatch assigns b a sequence id, compresses/encrypts/chunks its
// payload, and sends it over the current Cnx if one is available. If no
// Cnx is up, the batch stays registered in pending so ConnectionOpened's
// resendPending picks it up once reconnected.
func (pr *Producer) flushBatch(b *pendingBatch) {
	pr.mu.Lock()
	seq := pr.nextSeq
	pr.nextSeq++
	c := pr.cnx
	pr.mu.Unlock()

	b.timer = time.AfterFunc(pr.cfg.SendTimeout, func() { pr.failIfPending(seq, flowmqerr.New(flowmqerr.Timeout)) })

	pr.ackMu.Lock()
	pr.pending[seq] = b
	pr.ackMu.Unlock()

	if c == nil {
		return // resendPending will send this once a Cnx is available
	}

	ctx := context.Background()
	var span trace.Span
	if pr.tracer != nil {
		ctx, span = pr.tracer.StartSpan(ctx, "producer.flush_batch", attribute.String("topic", pr.cfg.Topic), attribute.Int64("sequence_id", int64(seq)), attribute.Int("num_messages", len(b.ops)))
	}
	err := pr.sendBatch(ctx, c, seq, b)
	if span != nil {
		telemetry.EndWithError(span, err)
	}
	if err != nil {
		pr.logger.Warn("send failed, awaiting reconnect", "sequence_id", seq, "error", err)
	}
}

// sendBatch encodes and writes b's SEND frame(s) over c, handling
// compression, optional encryption, and chunking for oversized payloads.
func (pr *Producer) sendBatch(ctx context.Context, c *cnx.Cnx, seq uint64, b *pendingBatch) error {
	uncompressed := b.encodePayload()
	compressed, err := pr.compressor.Compress(uncompressed)
	if err != nil {
		pr.failIfPending(seq, flowmqerr.Wrap(flowmqerr.InvalidMessage, err))
		return err
	}

	if pr.encryptor != nil {
		enc, err := pr.encryptor.Encrypt(ctx, compressed)
		if err != nil {
			pr.failIfPending(seq, flowmqerr.Wrap(flowmqerr.CryptoError, err))
			return err
		}
		// The nonce travels inline ahead of the ciphertext; per-recipient
		// wrapped keys have no home in this wire format's metadata (see
		// DESIGN.md) and are dropped here, a known limitation of this
		// encryption path.
		compressed = append(append([]byte(nil), enc.Nonce...), enc.Ciphertext...)
	}

	maxChunkSize := pr.maxChunkSize(c)
	if len(compressed) > maxChunkSize && !pr.cfg.ChunkingEnabled {
		pr.failIfPending(seq, flowmqerr.New(flowmqerr.MessageTooBig))
		return flowmqerr.New(flowmqerr.MessageTooBig)
	}

	var chunks [][]byte
	var uuidStr string
	if len(compressed) > maxChunkSize {
		chunks = splitChunks(compressed, maxChunkSize)
		uuidStr = newChunkUUID(pr.producerNameSnapshot(), seq)
	} else {
		chunks = [][]byte{compressed}
	}

	var key string
	if b.key != "" {
		key = b.key
	} else if len(b.ops) > 0 {
		key = b.ops[0].msg.Key
	}

	for i, chunk := range chunks {
		meta := &wire.Metadata{
			ProducerName:       pr.producerNameSnapshot(),
			SequenceID:         seq,
			PublishTime:        time.Now().UnixMilli(),
			CompressionType:    pr.compressor.Type(),
			UncompressedSize:   uint32(len(uncompressed)),
			NumMessagesInBatch: int32(len(b.ops)),
			PartitionKey:       key,
		}
		if len(chunks) > 1 {
			meta.UUID = uuidStr
			meta.ChunkID = int32(i)
			meta.NumChunksFromMsg = int32(len(chunks))
			meta.TotalChunkMsgSize = uint32(len(compressed))
		}
		cmd := &wire.Command{
			Type:        wire.CmdSend,
			ProducerID:  pr.producerID,
			SequenceID:  seq,
			NumMessages: int32(len(b.ops)),
		}
		if err := c.SendPublish(ctx, cmd, meta, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (pr *Producer) producerNameSnapshot() string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.producerName
}

func (pr *Producer) maxChunkSize(c *cnx.Cnx) int {
	if pr.cfg.MaxMessageSize > 0 {
		return int(pr.cfg.MaxMessageSize)
	}
	if c != nil {
		if sz := c.MaxMessageSize(); sz > 0 {
			return int(sz)
		}
	}
	return 5 * 1024 * 1024
}

// HandleSendReceipt implements cnx.ProducerHandler. A receipt for a
// sequence id below lastSequenceIdPublished+1 is a stale or duplicate
// retransmission and is logged and dropped; one above it means the
// broker acknowledged a message this producer never considers
// outstanding yet, an unrecoverable de-sync that forces a reconnect.
func (pr *Producer) HandleSendReceipt(cmd *wire.Command) {
	pr.ackMu.Lock()
	expected := pr.lastSequenceIdPublished + 1
	switch {
	case cmd.SequenceID < expected:
		pr.ackMu.Unlock()
		pr.logger.Warn("stale or duplicate send receipt, ignoring", "sequence_id", cmd.SequenceID, "expected", expected)
		return
	case cmd.SequenceID > expected:
		pr.ackMu.Unlock()
		pr.logger.Error("sequence id de-sync on send receipt, forcing reconnect", "sequence_id", cmd.SequenceID, "expected", expected)
		pr.forceReconnect()
		return
	}
	pr.lastSequenceIdPublished = cmd.SequenceID
	pr.ackMu.Unlock()

	b := pr.takePending(cmd.SequenceID)
	if b == nil {
		return
	}
	single := len(b.ops) == 1
	for i, op := range b.ops {
		idx := int32(i)
		if single {
			idx = -1
		}
		id := MessageID{LedgerID: cmd.MessageLedgerID, EntryID: cmd.MessageEntryID, BatchIndex: idx}
		pr.limiter.Release(op.size)
		if pr.metrics != nil {
			pr.metrics.MessagesPublished.Inc()
			pr.metrics.PublishLatency.Observe(time.Since(op.admittedAt).Seconds())
			pr.metrics.PendingMessages.Dec()
		}
		op.complete(id, nil)
	}
}

// HandleSendError implements cnx.ProducerHandler. SEND_ERROR with
// ChecksumError gets the conservative head-of-queue policy: only the
// oldest unacknowledged batch is ever considered corrupt. If cmd's
// sequence id matches it, that batch alone fails; if some other batch
// reports the corruption, this producer's view of the queue can't be
// trusted and the connection is closed to force a full resend.
func (pr *Producer) HandleSendError(cmd *wire.Command) {
	code := flowmqerr.FromServerError(cmd.ServerError, cmd.Message)
	err := flowmqerr.New(code)
	if code != flowmqerr.ChecksumError {
		pr.failIfPending(cmd.SequenceID, err)
		return
	}

	pr.ackMu.Lock()
	head, ok := pr.headSequenceLocked()
	pr.ackMu.Unlock()
	if !ok || cmd.SequenceID != head {
		pr.logger.Error("checksum error not at head of pending queue, forcing reconnect", "sequence_id", cmd.SequenceID, "head", head)
		pr.forceReconnect()
		return
	}
	pr.failIfPending(cmd.SequenceID, err)
}

// headSequenceLocked returns the lowest still-pending sequence id.
// Callers must hold ackMu.
func (pr *Producer) headSequenceLocked() (uint64, bool) {
	var head uint64
	found := false
	for seq := range pr.pending {
		if !found || seq < head {
			head, found = seq, true
		}
	}
	return head, found
}

// forceReconnect tears down the current Cnx and schedules a reconnect,
// for failures this producer can't safely recover from in place.
func (pr *Producer) forceReconnect() {
	pr.mu.Lock()
	c := pr.cnx
	pr.cnx = nil
	pr.mu.Unlock()
	if c != nil {
		pr.base.HandleDisconnection(pr.base.Epoch(), flowmqerr.New(flowmqerr.Retryable))
		c.Close()
	}
}

// HandleCloseProducer implements cnx.ProducerHandler: the broker is
// fencing this producer (e.g. a newer instance reconnected with a
// higher epoch); force a reconnect rather than keep writing to a dead
// registration.
func (pr *Producer) HandleCloseProducer() {
	pr.logger.Warn("producer closed by broker, reconnecting")
	pr.mu.Lock()
	c := pr.cnx
	pr.cnx = nil
	pr.mu.Unlock()
	if c != nil {
		pr.base.HandleDisconnection(pr.base.Epoch(), flowmqerr.New(flowmqerr.ProducerFenced))
		c.Close()
	}
}

func (pr *Producer) takePending(seq uint64) *pendingBatch {
	pr.ackMu.Lock()
	b, ok := pr.pending[seq]
	if ok {
		delete(pr.pending, seq)
	}
	pr.ackMu.Unlock()
	if !ok {
		return nil
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	return b
}

func (pr *Producer) failIfPending(seq uint64, err error) {
	b := pr.takePending(seq)
	if b == nil {
		return
	}
	if pr.metrics != nil && flowmqerr.Of(err) == flowmqerr.Timeout {
		pr.metrics.SendTimeouts.Add(float64(len(b.ops)))
	}
	for _, op := range b.ops {
		pr.limiter.Release(op.size)
		if pr.metrics != nil {
			pr.metrics.MessagesFailed.Inc()
			pr.metrics.PendingMessages.Dec()
		}
		op.complete(MessageID{}, err)
	}
}

// Close sends CLOSE_PRODUCER on the current Cnx and unregisters from it,
// fails every in-flight or still-batched message with AlreadyClosed
// (nothing is flushed), and stops the reconnection handler. Safe to call
// more than once.
func (pr *Producer) Close() error {
	if !pr.closed.CompareAndSwap(false, true) {
		return nil
	}
	pr.mu.Lock()
	c := pr.cnx
	pr.mu.Unlock()
	if c != nil {
		closeCmd := &wire.Command{Type: wire.CmdCloseProducer, ProducerID: pr.producerID}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = c.RoundTrip(ctx, closeCmd)
		cancel()
		c.UnregisterProducer(pr.producerID)
	}
	pr.batchMu.Lock()
	if pr.batchTimer != nil {
		pr.batchTimer.Stop()
		pr.batchTimer = nil
	}
	unsent := pr.batch.drainAll()
	pr.batchMu.Unlock()
	pr.ackMu.Lock()
	pending := pr.pending
	pr.pending = make(map[uint64]*pendingBatch)
	pr.ackMu.Unlock()
	for _, b := range pending {
		unsent = append(unsent, b)
	}
	for _, b := range unsent {
		if b.timer != nil {
			b.timer.Stop()
		}
		for _, op := range b.ops {
			pr.limiter.Release(op.size)
			if pr.metrics != nil {
				pr.metrics.PendingMessages.Dec()
			}
			op.complete(MessageID{}, flowmqerr.New(flowmqerr.AlreadyClosed))
		}
	}
	return pr.base.Close()
}

// ProducerName returns the broker-assigned name, empty until the first
// successful connection.
func (pr *Producer) ProducerName() string {
	return pr.producerNameSnapshot()
}

func (pr *Producer) String() string {
	return fmt.Sprintf("Producer{topic=%s, id=%d, name=%s}", pr.cfg.Topic, pr.producerID, pr.ProducerName())
}
