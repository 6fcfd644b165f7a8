// Package flowmq is the top-level façade a caller imports: parse a
// service URL, build a Client, and create producers from it. Everything
// underneath (internal/cnx, internal/handler, pkg/producer) is
// machinery reused across many producers to the same brokers.
package flowmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rbarbey/flowmq-client-go/internal/cnx"
	"github.com/rbarbey/flowmq-client-go/internal/config"
	"github.com/rbarbey/flowmq-client-go/internal/pool"
	"github.com/rbarbey/flowmq-client-go/internal/security"
	"github.com/rbarbey/flowmq-client-go/internal/telemetry"
	"github.com/rbarbey/flowmq-client-go/pkg/producer"
)

// Client owns one connection pool per broker address parsed out of a
// service URL and hands out Producers backed by it.
type Client struct {
	cfg     config.Config
	cnxCfg  cnx.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	pools map[string]*pool.Pool
}

// New validates cfg and prepares a Client. It does not dial anything
// until the first NewProducer call.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addresses, useTLS, err := config.ParseServiceURL(cfg.ServiceURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		pools:  make(map[string]*pool.Pool),
	}
	for _, opt := range opts {
		opt(c)
	}

	tlsCfg := security.DefaultTLSConfig()
	tlsCfg.Enabled = cfg.TLSEnabled || useTLS
	tlsCfg.CertFile = cfg.TLSCertFile
	tlsCfg.KeyFile = cfg.TLSKeyFile
	tlsCfg.CAFile = cfg.TLSCAFile
	tlsCfg.InsecureSkipVerify = cfg.TLSInsecureSkipVerify
	tlsConf, err := tlsCfg.NewTLSConfig()
	if err != nil {
		return nil, err
	}

	var authProvider security.Provider = security.None{}
	if cfg.AuthMethod == "token" {
		authProvider = security.Token{Token: cfg.AuthToken}
	}
	initialData, err := authProvider.InitialData(context.Background())
	if err != nil {
		return nil, fmt.Errorf("flowmq: resolve initial auth data: %w", err)
	}

	c.cnxCfg = cnx.Config{
		TLSConfig:         tlsConf,
		ConnectionTimeout: cfg.ConnectionTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		OperationTimeout:  cfg.OperationTimeout,
		AuthMethod:        authProvider.Name(),
		AuthData:          initialData,
		Metrics:           c.metrics,
		Logger:            c.logger,
	}
	if responder, ok := authProvider.(security.ChallengeResponder); ok {
		c.cnxCfg.RespondChallenge = responder.Respond
	}

	for _, addr := range addresses {
		c.pools[addr] = pool.New(addr, c.cnxCfg, cfg.MaxConnectionsPerBroker)
	}
	return c, nil
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithLogger sets the *slog.Logger used by every Cnx/handler/producer
// this Client creates.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics registers Prometheus metrics against reg under namespace.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(c *Client) { c.metrics = telemetry.NewMetrics(reg, namespace) }
}

// WithTracer attaches an OpenTelemetry tracer built by
// telemetry.NewTracer to every producer this Client creates.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

// NewProducer creates a Producer for cfg.Topic, using the broker address
// pool selected by hashing the topic name across the parsed service URL's
// addresses (a single-broker URL always picks the one pool).
func (c *Client) NewProducer(ctx context.Context, cfg producer.Config) (*Producer, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("flowmq: producer config must set Topic")
	}
	p := c.poolFor(cfg.Topic)
	pr, err := producer.New(ctx, p, cfg, c.metrics, c.tracer, c.logger)
	if err != nil {
		return nil, err
	}
	return &Producer{inner: pr}, nil
}

func (c *Client) poolFor(topic string) *pool.Pool {
	if len(c.pools) == 1 {
		for _, p := range c.pools {
			return p
		}
	}
	h := fnv32(topic)
	addrs := make([]string, 0, len(c.pools))
	for addr := range c.pools {
		addrs = append(addrs, addr)
	}
	// Map iteration order is randomized per call, not just across
	// process restarts, so addrs must be sorted before indexing: without
	// this, the same topic can land on a different pool on every call
	// within one Client's lifetime. This client makes no promise of
	// cross-process topic/broker affinity.
	sort.Strings(addrs)
	return c.pools[addrs[int(h)%len(addrs)]]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Close closes every connection pool this Client opened.
func (c *Client) Close() {
	for _, p := range c.pools {
		p.CloseAll()
	}
}
