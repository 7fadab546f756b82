package irodswire

import (
	"fmt"

	"github.com/datagrid-go/irodswire/errors"
)

// AuthScheme identifies the authentication mechanism used during the
// connection handshake.
type AuthScheme string

const (
	// AuthNative authenticates with the standard iRODS challenge/response
	// password exchange.
	AuthNative AuthScheme = "native"
	// AuthPAM authenticates through the server-side pluggable authentication
	// module. PAM sends a bare credential and therefore demands an SSL
	// wrapped channel.
	AuthPAM AuthScheme = "pam"
)

// Account identifies a user within an iRODS zone together with the grid host
// to connect to. The zero value is not usable; all fields except
// ClientUser/ClientZone and NegotiationPolicy are required.
type Account struct {
	Host     string
	Port     int
	User     string
	Zone     string
	Password string

	// ClientUser and ClientZone identify the acting user when connecting
	// through a proxy user. Blank values default to User and Zone.
	ClientUser string
	ClientZone string

	AuthScheme AuthScheme

	// NegotiationPolicy overrides the pipeline-wide SSL negotiation policy
	// for this account when set.
	NegotiationPolicy NegotiationPolicy
}

// Validate reports whether the account holds everything required to open a
// connection.
func (account Account) Validate() error {
	if account.Host == "" {
		return errors.NewConfiguration("account is missing a host")
	}

	if account.Port <= 0 {
		return errors.NewConfiguration("account has an invalid port %d", account.Port)
	}

	if account.User == "" || account.Zone == "" {
		return errors.NewConfiguration("account is missing a user or zone")
	}

	switch account.AuthScheme {
	case AuthNative, AuthPAM, "":
	default:
		return errors.NewConfiguration("unknown auth scheme %q", account.AuthScheme)
	}

	return nil
}

// Address returns the host:port pair to dial.
func (account Account) Address() string {
	return fmt.Sprintf("%s:%d", account.Host, account.Port)
}

func (account Account) clientUser() string {
	if account.ClientUser == "" {
		return account.User
	}

	return account.ClientUser
}

func (account Account) clientZone() string {
	if account.ClientZone == "" {
		return account.Zone
	}

	return account.ClientZone
}

// policy resolves the effective negotiation policy for this account given
// the pipeline default.
func (account Account) policy(config *PipelineConfiguration) NegotiationPolicy {
	if account.NegotiationPolicy != "" {
		return account.NegotiationPolicy
	}

	return config.NegotiationPolicy()
}
