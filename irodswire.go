// Package irodswire implements the client side of the iRODS wire protocol:
// message framing and transport, the authentication and SSL negotiation
// handshake, connection lifecycle, and the catalog query paging protocol.
//
// The package exposes per-connection primitives only. Pooling, recycling and
// retry policy belong to the caller; any connection-fatal error means the
// session is gone and a fresh connection must be established.
package irodswire

import (
	"context"
	"crypto/tls"
	"log/slog"
)

// OptionFn options pattern used to define and set options while establishing
// a new connection.
type OptionFn func(*connectOptions)

type connectOptions struct {
	logger    *slog.Logger
	settings  Settings
	tlsConfig *tls.Config
}

// WithLogger sets the structured logger used by the connection and its
// protocol instance.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(options *connectOptions) {
		options.logger = logger
	}
}

// WithSettings sets the pipeline settings the connection is tuned with.
func WithSettings(settings Settings) OptionFn {
	return func(options *connectOptions) {
		options.settings = settings
	}
}

// WithTLSConfig sets the TLS configuration used when SSL wrapping is
// negotiated.
func WithTLSConfig(config *tls.Config) OptionFn {
	return func(options *connectOptions) {
		options.tlsConfig = config
	}
}

// Connect dials the grid host of the given account, drives the negotiation
// and authentication handshake, and returns an authenticated protocol
// instance. A failed handshake never yields a reusable connection; the
// partially established connection is forcefully disconnected before the
// error is returned.
//
// The returned protocol instance is confined to one goroutine at a time and
// must be released with Disconnect (or ForceDisconnect) when no longer
// needed.
func Connect(ctx context.Context, account Account, opts ...OptionFn) (*Protocol, error) {
	options := connectOptions{
		logger:   slog.Default(),
		settings: DefaultSettings(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if err := account.Validate(); err != nil {
		return nil, err
	}

	config, err := NewPipelineConfiguration(options.settings)
	if err != nil {
		return nil, err
	}

	mechanism, err := mechanismFor(account.AuthScheme)
	if err != nil {
		return nil, err
	}

	conn, err := Dial(ctx, account.Address(), config, options.logger)
	if err != nil {
		return nil, err
	}

	protocol, err := newProtocol(conn, config, account, options.logger)
	if err != nil {
		conn.ForceClose()
		return nil, err
	}

	hs := &handshake{
		logger:    options.logger,
		config:    config,
		protocol:  protocol,
		account:   account,
		mechanism: mechanism,
		tlsConfig: options.tlsConfig,
	}

	if _, err := hs.run(); err != nil {
		protocol.ForceDisconnect()
		return nil, err
	}

	return protocol, nil
}

// Disconnect cleanly shuts the given protocol instance down, sending the
// goodbye sequence before the socket is closed.
func Disconnect(protocol *Protocol) error {
	return protocol.Disconnect()
}

// ForceDisconnect unconditionally tears the given protocol instance down
// without the goodbye sequence.
func ForceDisconnect(protocol *Protocol) {
	protocol.ForceDisconnect()
}

// IsConnected reports whether the given protocol instance still owns a
// usable connection.
func IsConnected(protocol *Protocol) bool {
	return protocol.IsConnected()
}
