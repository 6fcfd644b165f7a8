// Package config loads and validates the settings that drive a Cnx dial
// and a producer handler. Values can come from a YAML file, environment
// variables (via struct tags), or direct construction in code; all three
// paths converge on the same Config type and the same Validate method.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full set of client-facing settings, covering both the
// connection pool and a producer.
type Config struct {
	ServiceURL string `yaml:"service_url" env:"FLOWMQ_SERVICE_URL"`

	ConnectionTimeout  time.Duration `yaml:"connection_timeout" env:"FLOWMQ_CONNECTION_TIMEOUT" envDefault:"10s"`
	KeepAliveInterval  time.Duration `yaml:"keep_alive_interval" env:"FLOWMQ_KEEPALIVE_INTERVAL" envDefault:"30s"`
	OperationTimeout   time.Duration `yaml:"operation_timeout" env:"FLOWMQ_OPERATION_TIMEOUT" envDefault:"30s"`

	TLSEnabled            bool   `yaml:"tls_enabled" env:"FLOWMQ_TLS_ENABLED"`
	TLSCertFile           string `yaml:"tls_cert_file" env:"FLOWMQ_TLS_CERT_FILE"`
	TLSKeyFile            string `yaml:"tls_key_file" env:"FLOWMQ_TLS_KEY_FILE"`
	TLSCAFile             string `yaml:"tls_ca_file" env:"FLOWMQ_TLS_CA_FILE"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" env:"FLOWMQ_TLS_INSECURE_SKIP_VERIFY"`

	AuthMethod string `yaml:"auth_method" env:"FLOWMQ_AUTH_METHOD"`
	AuthToken  string `yaml:"auth_token" env:"FLOWMQ_AUTH_TOKEN"`

	MaxConnectionsPerBroker int `yaml:"max_connections_per_broker" env:"FLOWMQ_MAX_CONNECTIONS_PER_BROKER" envDefault:"1"`

	Producer ProducerConfig `yaml:"producer"`
}

// ProducerConfig mirrors pkg/producer.Config's externally-settable fields
// so it can be loaded the same way as the connection settings. The two
// types are kept distinct (rather than reusing pkg/producer.Config
// directly) to avoid internal/config importing pkg/producer, which would
// invert the dependency direction the rest of this module uses.
type ProducerConfig struct {
	Topic                string        `yaml:"topic" env:"FLOWMQ_PRODUCER_TOPIC"`
	SendTimeout          time.Duration `yaml:"send_timeout" env:"FLOWMQ_PRODUCER_SEND_TIMEOUT" envDefault:"30s"`
	MaxPendingMessages   int           `yaml:"max_pending_messages" env:"FLOWMQ_PRODUCER_MAX_PENDING" envDefault:"1000"`
	BlockIfQueueFull     bool          `yaml:"block_if_queue_full" env:"FLOWMQ_PRODUCER_BLOCK_IF_FULL"`
	BatchingEnabled      bool          `yaml:"batching_enabled" env:"FLOWMQ_PRODUCER_BATCHING_ENABLED" envDefault:"true"`
	BatchingMaxMessages  int           `yaml:"batching_max_messages" env:"FLOWMQ_PRODUCER_BATCHING_MAX_MESSAGES" envDefault:"1000"`
	BatchingMaxBytes     int           `yaml:"batching_max_bytes" env:"FLOWMQ_PRODUCER_BATCHING_MAX_BYTES" envDefault:"131072"`
	BatchingMaxPublishDelay time.Duration `yaml:"batching_max_publish_delay" env:"FLOWMQ_PRODUCER_BATCHING_MAX_DELAY" envDefault:"10ms"`
	CompressionType      string        `yaml:"compression_type" env:"FLOWMQ_PRODUCER_COMPRESSION"`
	ChunkingEnabled      bool          `yaml:"chunking_enabled" env:"FLOWMQ_PRODUCER_CHUNKING_ENABLED"`
	MaxMessageSize       int           `yaml:"max_message_size" env:"FLOWMQ_PRODUCER_MAX_MESSAGE_SIZE" envDefault:"5242880"`
}

// Load reads Config from a YAML file (if path is non-empty) and then
// overlays environment variables: the file provides defaults, env vars
// override for containerized deploys.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// ValidationError collects every validation failure found in one pass, so
// the caller can fix all of them instead of re-running one at a time.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks Config for the mistakes a careless caller is likely to
// make, returning every problem found at once.
func (c *Config) Validate() error {
	var errs []string

	if c.ServiceURL == "" {
		errs = append(errs, "service_url: must not be empty")
	} else if err := validateServiceURL(c.ServiceURL); err != nil {
		errs = append(errs, fmt.Sprintf("service_url: %v", err))
	}

	if c.ConnectionTimeout <= 0 {
		errs = append(errs, "connection_timeout: must be > 0")
	}
	if c.KeepAliveInterval <= 0 {
		errs = append(errs, "keep_alive_interval: must be > 0")
	}
	if c.MaxConnectionsPerBroker < 1 {
		errs = append(errs, "max_connections_per_broker: must be >= 1")
	}

	if c.TLSEnabled {
		if c.TLSCertFile != "" && c.TLSKeyFile == "" {
			errs = append(errs, "tls_key_file: required when tls_cert_file is set")
		}
		if c.TLSKeyFile != "" && c.TLSCertFile == "" {
			errs = append(errs, "tls_cert_file: required when tls_key_file is set")
		}
	}

	if c.AuthMethod == "token" && c.AuthToken == "" {
		errs = append(errs, "auth_token: required when auth_method is \"token\"")
	}

	errs = append(errs, validateProducerConfig(&c.Producer)...)

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateProducerConfig(p *ProducerConfig) []string {
	var errs []string
	if p.SendTimeout < 0 {
		errs = append(errs, "producer.send_timeout: must be >= 0 (0 disables the timeout)")
	}
	if p.MaxPendingMessages <= 0 {
		errs = append(errs, "producer.max_pending_messages: must be > 0")
	}
	if p.BatchingEnabled {
		if p.BatchingMaxMessages <= 0 {
			errs = append(errs, "producer.batching_max_messages: must be > 0 when batching is enabled")
		}
		if p.BatchingMaxBytes <= 0 {
			errs = append(errs, "producer.batching_max_bytes: must be > 0 when batching is enabled")
		}
	}
	if p.MaxMessageSize <= 0 {
		errs = append(errs, "producer.max_message_size: must be > 0")
	}
	return errs
}

func validateServiceURL(raw string) error {
	_, _, err := ParseServiceURL(raw)
	return err
}

// ParseServiceURL splits a "flowmq[+ssl]://host:port[,host:port...]" URL
// into its broker address list and whether the +ssl scheme was used, for
// callers (pkg/flowmq.Client) that need the addresses to dial, not just
// validate the URL's shape.
func ParseServiceURL(raw string) (addresses []string, tls bool, err error) {
	for _, scheme := range []string{"flowmq://", "flowmq+ssl://"} {
		if !strings.HasPrefix(raw, scheme) {
			continue
		}
		rest := strings.TrimPrefix(raw, scheme)
		for _, hp := range strings.Split(rest, ",") {
			host, port, err := net.SplitHostPort(hp)
			if err != nil {
				return nil, false, fmt.Errorf("must be scheme://host:port[,host:port...], got %q: %w", raw, err)
			}
			if host == "" || port == "" {
				return nil, false, fmt.Errorf("host and port must both be non-empty")
			}
			addresses = append(addresses, hp)
		}
		return addresses, scheme == "flowmq+ssl://", nil
	}
	return nil, false, fmt.Errorf("must start with flowmq:// or flowmq+ssl://, got %q", raw)
}

