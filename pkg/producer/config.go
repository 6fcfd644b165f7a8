package producer

import (
	"time"

	"github.com/rbarbey/flowmq-client-go/internal/wire"
)

// Config configures one Producer. It mirrors (deliberately duplicates,
// rather than imports — see DESIGN.md) internal/config.ProducerConfig's
// field set, following a defaults-on-zero idiom for its
// BatchSize/BatchTimeout/BufferSize-shaped knobs.
type Config struct {
	Topic string

	// SendTimeout bounds how long a Send/SendAsync waits for a broker
	// acknowledgment before failing with flowmqerr.Timeout. Zero selects
	// the 30s default (see withDefaults); the timeout cannot be disabled.
	SendTimeout time.Duration

	// MaxPendingMessages bounds the number of messages admitted but not
	// yet acknowledged. BlockIfQueueFull selects the behavior once that
	// bound (or MaxPendingBytes) is reached.
	MaxPendingMessages int64
	MaxPendingBytes     int64
	BlockIfQueueFull    bool

	BatchingEnabled         bool
	BatchingMaxMessages     int
	BatchingMaxBytes        int
	BatchingMaxPublishDelay time.Duration
	// BatchingKeyBased groups messages into one sub-batch per partition
	// key instead of one FIFO batch per flush.
	BatchingKeyBased bool

	CompressionType wire.CompressionType

	ChunkingEnabled bool
	// MaxMessageSize caps a single (post-compression) message; larger
	// messages are split into chunks when ChunkingEnabled, or rejected
	// with flowmqerr.MessageTooBig otherwise. Zero defers to the
	// broker-advertised Cnx.MaxMessageSize().
	MaxMessageSize int32

	// EncryptionKeys, if non-empty, routes every batch through
	// internal/crypto.Encryptor for these recipients. Config has no field
	// for a crypto.KeyReader: the producer resolves keys through a reader
	// that always returns CryptoError, so with EncryptionKeys set every
	// batch fails with CryptoError.
	EncryptionKeys []string

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig fills zero-value knobs with sane defaults rather than
// leaving them to mean "off" where that would silently surprise a
// caller.
func DefaultConfig(topic string) Config {
	return Config{
		Topic:                   topic,
		SendTimeout:             30 * time.Second,
		MaxPendingMessages:      1000,
		BlockIfQueueFull:        false,
		BatchingEnabled:         true,
		BatchingMaxMessages:     1000,
		BatchingMaxBytes:        128 * 1024,
		BatchingMaxPublishDelay: 10 * time.Millisecond,
		CompressionType:         wire.CompressionNone,
		ChunkingEnabled:         false,
		InitialBackoff:          100 * time.Millisecond,
		MaxBackoff:              60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Topic)
	if c.SendTimeout == 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxPendingMessages == 0 {
		c.MaxPendingMessages = d.MaxPendingMessages
	}
	if c.BatchingMaxMessages == 0 {
		c.BatchingMaxMessages = d.BatchingMaxMessages
	}
	if c.BatchingMaxBytes == 0 {
		c.BatchingMaxBytes = d.BatchingMaxBytes
	}
	if c.BatchingMaxPublishDelay == 0 {
		c.BatchingMaxPublishDelay = d.BatchingMaxPublishDelay
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}
