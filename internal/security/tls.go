package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds the client-side TLS settings for a Cnx dial: what a
// client connecting out needs, not a listener's concerns (no ClientAuth
// policy, no self-signed cert generation).
type TLSConfig struct {
	Enabled bool

	// CertFile/KeyFile present a client certificate for mTLS.
	CertFile string
	KeyFile  string

	// CAFile verifies the broker's certificate against a private CA
	// instead of the system trust store.
	CAFile string

	MinVersion         uint16
	InsecureSkipVerify bool
	ServerName         string
}

// DefaultTLSConfig returns TLS disabled, floor at TLS 1.2.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		Enabled:    false,
		MinVersion: tls.VersionTLS12,
	}
}

// NewTLSConfig builds a *tls.Config for the Cnx dialer. Returns nil, nil
// when TLS is disabled so the caller falls back to a plain net.Dial.
func (c *TLSConfig) NewTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.MinVersion > tls.VersionTLS12 {
		tlsConfig.MinVersion = c.MinVersion
	}
	if c.ServerName != "" {
		tlsConfig.ServerName = c.ServerName
	}

	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("security: load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("security: read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("security: parse CA cert from %s", c.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
