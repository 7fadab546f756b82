package irodswire

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/datagrid-go/irodswire/errors"
)

// NegotiationPolicy governs whether SSL wrapping of the control connection is
// mandatory, forbidden, or negotiated opportunistically based on the server
// advertisement.
type NegotiationPolicy string

const (
	// NegotiationRequire demands an SSL wrapped connection. Authentication
	// fails when the server refuses to negotiate.
	NegotiationRequire NegotiationPolicy = "CS_NEG_REQUIRE"
	// NegotiationRefuse forbids SSL wrapping even when the selected
	// mechanism would prefer it.
	NegotiationRefuse NegotiationPolicy = "CS_NEG_REFUSE"
	// NegotiationDontCare negotiates SSL opportunistically.
	NegotiationDontCare NegotiationPolicy = "CS_NEG_DONT_CARE"
)

// Settings holds the raw io pipeline tuning options, typically loaded from a
// configuration file once per process. A validated immutable
// PipelineConfiguration is derived from it per connection.
type Settings struct {
	SocketTimeoutSeconds         int    `toml:"socket_timeout_seconds"`
	ParallelSocketTimeoutSeconds int    `toml:"parallel_socket_timeout_seconds"`
	ConnectTimeoutSeconds        int    `toml:"connect_timeout_seconds"`
	InternalInputBufferSize      int    `toml:"internal_input_buffer_size"`
	InternalOutputBufferSize     int    `toml:"internal_output_buffer_size"`
	InternalCacheBufferSize      int    `toml:"internal_cache_buffer_size"`
	SendInputBufferSize          int    `toml:"send_input_buffer_size"`
	CopyBufferSize               int    `toml:"copy_buffer_size"`
	Encoding                     string `toml:"encoding"`
	ForceVersionFlush            bool   `toml:"force_version_flush"`

	PrimaryTCP  TCPSettings `toml:"primary_tcp"`
	ParallelTCP TCPSettings `toml:"parallel_tcp"`

	SocketRenewalIntervalSeconds int `toml:"socket_renewal_interval_seconds"`

	NegotiationPolicy    NegotiationPolicy `toml:"negotiation_policy"`
	EncryptionAlgorithm  string            `toml:"encryption_algorithm"`
	EncryptionKeySize    int               `toml:"encryption_key_size"`
	EncryptionSaltSize   int               `toml:"encryption_salt_size"`
	EncryptionHashRounds int               `toml:"encryption_hash_rounds"`
}

// TCPSettings holds per-socket TCP tuning, configured separately for the
// primary control connection and for parallel transfer connections.
type TCPSettings struct {
	KeepAlive                  bool `toml:"keep_alive"`
	SendWindowSize             int  `toml:"send_window_size"`
	ReceiveWindowSize          int  `toml:"receive_window_size"`
	PerformancePrefsConnection int  `toml:"performance_prefs_connection_time"`
	PerformancePrefsLatency    int  `toml:"performance_prefs_latency"`
	PerformancePrefsBandwidth  int  `toml:"performance_prefs_bandwidth"`
}

// DefaultSettings returns the settings used when no configuration file is
// provided.
func DefaultSettings() Settings {
	return Settings{
		SocketTimeoutSeconds:         120,
		ParallelSocketTimeoutSeconds: 120,
		ConnectTimeoutSeconds:        30,
		InternalInputBufferSize:      65535,
		InternalOutputBufferSize:     65535,
		InternalCacheBufferSize:      65535,
		SendInputBufferSize:          65535,
		CopyBufferSize:               4194304,
		Encoding:                     "UTF-8",
		SocketRenewalIntervalSeconds: 0,
		NegotiationPolicy:            NegotiationDontCare,
		EncryptionAlgorithm:          "AES-256-CBC",
		EncryptionKeySize:            32,
		EncryptionSaltSize:           8,
		EncryptionHashRounds:         16,
	}
}

// LoadSettings reads pipeline settings from the TOML file at the given path.
// Options absent from the file keep their default values.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.NewConfiguration("reading settings file %q: %v", path, err)
	}

	if err := toml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.NewConfiguration("parsing settings file %q: %v", path, err)
	}

	return settings, nil
}

// PipelineConfiguration is an immutable bundle of the transport tuning values
// controlling the io pipeline of one connection. It is derived once from the
// prevailing settings at connect time and is shared read-only for the
// lifetime of the connection.
type PipelineConfiguration struct {
	settings Settings
}

// NewPipelineConfiguration validates the given settings and freezes them into
// an immutable pipeline configuration.
func NewPipelineConfiguration(settings Settings) (*PipelineConfiguration, error) {
	numerics := map[string]int{
		"socket_timeout_seconds":          settings.SocketTimeoutSeconds,
		"parallel_socket_timeout_seconds": settings.ParallelSocketTimeoutSeconds,
		"connect_timeout_seconds":         settings.ConnectTimeoutSeconds,
		"internal_input_buffer_size":      settings.InternalInputBufferSize,
		"internal_output_buffer_size":     settings.InternalOutputBufferSize,
		"internal_cache_buffer_size":      settings.InternalCacheBufferSize,
		"send_input_buffer_size":          settings.SendInputBufferSize,
		"copy_buffer_size":                settings.CopyBufferSize,
		"socket_renewal_interval_seconds": settings.SocketRenewalIntervalSeconds,
		"encryption_key_size":             settings.EncryptionKeySize,
		"encryption_salt_size":            settings.EncryptionSaltSize,
		"encryption_hash_rounds":          settings.EncryptionHashRounds,
	}

	for name, value := range numerics {
		if value < 0 {
			return nil, errors.NewConfiguration("pipeline option %s must not be negative, got %d", name, value)
		}
	}

	switch settings.NegotiationPolicy {
	case NegotiationRequire, NegotiationRefuse, NegotiationDontCare:
	case "":
		settings.NegotiationPolicy = NegotiationDontCare
	default:
		return nil, errors.NewConfiguration("unknown negotiation policy %q", settings.NegotiationPolicy)
	}

	return &PipelineConfiguration{settings: settings}, nil
}

// SocketTimeout returns the read/write deadline applied to the primary
// control connection. Zero disables the deadline.
func (config *PipelineConfiguration) SocketTimeout() time.Duration {
	return time.Duration(config.settings.SocketTimeoutSeconds) * time.Second
}

// ParallelSocketTimeout returns the read/write deadline applied to parallel
// transfer connections.
func (config *PipelineConfiguration) ParallelSocketTimeout() time.Duration {
	return time.Duration(config.settings.ParallelSocketTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the deadline applied while dialing.
func (config *PipelineConfiguration) ConnectTimeout() time.Duration {
	return time.Duration(config.settings.ConnectTimeoutSeconds) * time.Second
}

// SocketRenewalInterval returns the interval after which a long-lived
// connection should be proactively renewed. Zero disables renewal.
func (config *PipelineConfiguration) SocketRenewalInterval() time.Duration {
	return time.Duration(config.settings.SocketRenewalIntervalSeconds) * time.Second
}

// InputBufferSize returns the buffered reader size of the control connection.
func (config *PipelineConfiguration) InputBufferSize() int {
	return config.settings.InternalInputBufferSize
}

// OutputBufferSize returns the buffered writer size of the control connection.
func (config *PipelineConfiguration) OutputBufferSize() int {
	return config.settings.InternalOutputBufferSize
}

// CacheBufferSize returns the scratch buffer size used when draining message
// segments.
func (config *PipelineConfiguration) CacheBufferSize() int {
	return config.settings.InternalCacheBufferSize
}

// CopyBufferSize returns the buffer size used when streaming binary payload
// segments between the wire and a local stream.
func (config *PipelineConfiguration) CopyBufferSize() int {
	return config.settings.CopyBufferSize
}

// Encoding returns the IANA name of the configured wire text encoding.
func (config *PipelineConfiguration) Encoding() string {
	return config.settings.Encoding
}

// ForceVersionFlush reports whether the per-send extra flush is forced
// regardless of the reported server version.
func (config *PipelineConfiguration) ForceVersionFlush() bool {
	return config.settings.ForceVersionFlush
}

// PrimaryTCP returns the TCP tuning applied to the control connection.
func (config *PipelineConfiguration) PrimaryTCP() TCPSettings {
	return config.settings.PrimaryTCP
}

// ParallelTCP returns the TCP tuning to be applied to parallel transfer
// connections.
func (config *PipelineConfiguration) ParallelTCP() TCPSettings {
	return config.settings.ParallelTCP
}

// NegotiationPolicy returns the default SSL negotiation policy. It may be
// overridden per account.
func (config *PipelineConfiguration) NegotiationPolicy() NegotiationPolicy {
	return config.settings.NegotiationPolicy
}

// EncryptionAlgorithm returns the negotiated algorithm used to encrypt
// parallel transfer connections when SSL has been negotiated.
func (config *PipelineConfiguration) EncryptionAlgorithm() string {
	return config.settings.EncryptionAlgorithm
}

// EncryptionKeySize returns the key size in bytes for parallel transfer
// encryption.
func (config *PipelineConfiguration) EncryptionKeySize() int {
	return config.settings.EncryptionKeySize
}

// EncryptionSaltSize returns the salt size in bytes for parallel transfer
// encryption.
func (config *PipelineConfiguration) EncryptionSaltSize() int {
	return config.settings.EncryptionSaltSize
}

// EncryptionHashRounds returns the number of hash rounds used while deriving
// the parallel transfer encryption key.
func (config *PipelineConfiguration) EncryptionHashRounds() int {
	return config.settings.EncryptionHashRounds
}
