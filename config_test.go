package irodswire

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datagrid-go/irodswire/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineConfigurationDefaults(t *testing.T) {
	config, err := NewPipelineConfiguration(DefaultSettings())
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, config.SocketTimeout())
	assert.Equal(t, 120*time.Second, config.ParallelSocketTimeout())
	assert.Equal(t, "UTF-8", config.Encoding())
	assert.Equal(t, NegotiationDontCare, config.NegotiationPolicy())
	assert.Equal(t, 32, config.EncryptionKeySize())
	assert.False(t, config.ForceVersionFlush())
	assert.Equal(t, time.Duration(0), config.SocketRenewalInterval())
}

func TestNewPipelineConfigurationRejectsNegativeNumerics(t *testing.T) {
	settings := DefaultSettings()
	settings.SocketTimeoutSeconds = -1

	_, err := NewPipelineConfiguration(settings)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.GetCategory(err))

	settings = DefaultSettings()
	settings.EncryptionSaltSize = -8

	_, err = NewPipelineConfiguration(settings)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.GetCategory(err))
}

func TestNewPipelineConfigurationRejectsUnknownPolicy(t *testing.T) {
	settings := DefaultSettings()
	settings.NegotiationPolicy = "CS_NEG_MAYBE"

	_, err := NewPipelineConfiguration(settings)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.GetCategory(err))
}

func TestLoadSettings(t *testing.T) {
	content := `
socket_timeout_seconds = 30
encoding = "UTF-8"
force_version_flush = true
negotiation_policy = "CS_NEG_REQUIRE"
socket_renewal_interval_seconds = 600

[primary_tcp]
keep_alive = true
send_window_size = 262144
receive_window_size = 262144

[parallel_tcp]
keep_alive = false
send_window_size = 1048576
`

	path := filepath.Join(t.TempDir(), "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	settings, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, 30, settings.SocketTimeoutSeconds)
	assert.True(t, settings.ForceVersionFlush)
	assert.Equal(t, NegotiationRequire, settings.NegotiationPolicy)
	assert.Equal(t, 600, settings.SocketRenewalIntervalSeconds)
	assert.True(t, settings.PrimaryTCP.KeepAlive)
	assert.Equal(t, 262144, settings.PrimaryTCP.SendWindowSize)
	assert.Equal(t, 1048576, settings.ParallelTCP.SendWindowSize)

	// Options absent from the file keep their defaults.
	assert.Equal(t, DefaultSettings().CopyBufferSize, settings.CopyBufferSize)
	assert.Equal(t, "UTF-8", settings.Encoding)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.GetCategory(err))
}

func TestAccountValidate(t *testing.T) {
	account := Account{Host: "irods.example.org", Port: 1247, User: "rods", Zone: "tempZone"}
	require.NoError(t, account.Validate())

	assert.Error(t, Account{Port: 1247, User: "rods", Zone: "tempZone"}.Validate())
	assert.Error(t, Account{Host: "irods.example.org", User: "rods", Zone: "tempZone"}.Validate())
	assert.Error(t, Account{Host: "irods.example.org", Port: 1247, Zone: "tempZone"}.Validate())

	unknown := account
	unknown.AuthScheme = "kerberos"
	assert.Error(t, unknown.Validate())
}
