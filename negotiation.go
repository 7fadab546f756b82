package irodswire

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"log/slog"

	"github.com/datagrid-go/irodswire/codes"
	"github.com/datagrid-go/irodswire/errors"
	"github.com/datagrid-go/irodswire/pkg/tag"
	"golang.org/x/crypto/pbkdf2"
)

// clientReleaseVersion is the protocol release version this client reports
// inside the startup pack.
const clientReleaseVersion = "rods4.3.0"

// clientAPIVersion is the api version this client reports inside the startup
// pack.
const clientAPIVersion = "d"

// negotiationOption is the startup pack option requesting the client-server
// negotiation exchange.
const negotiationOption = "request_server_negotiation"

// Negotiation reply results.
const (
	negotiationUseSSL  = "cs_neg_result_kw=CS_NEG_USE_SSL"
	negotiationUseTCP  = "cs_neg_result_kw=CS_NEG_USE_TCP"
	negotiationFailure = "CS_NEG_FAILURE"
)

// handshakeState tracks the progress of the startup handshake.
type handshakeState int

const (
	stateInit handshakeState = iota
	stateStartupSent
	stateNegotiatingSSL
	stateMechanismDispatch
	stateChallengeResponse
	stateAuthenticated
	stateFailed
)

// handshake drives the startup sequence of one connection: the startup pack,
// the optional SSL negotiation, the mechanism dispatch and the
// challenge/response rounds. A failed handshake never yields a reusable
// connection; the caller force disconnects on any error.
type handshake struct {
	logger    *slog.Logger
	config    *PipelineConfiguration
	protocol  *Protocol
	account   Account
	mechanism AuthMechanism
	tlsConfig *tls.Config

	state  handshakeState
	policy NegotiationPolicy
}

// run walks the handshake state machine to completion. The returned auth
// response is nil for mechanisms that exchange no additional rounds after
// startup.
func (hs *handshake) run() (*AuthResponse, error) {
	hs.policy = hs.account.policy(hs.config)

	if err := hs.mechanism.PreConnectionSetup(hs); err != nil {
		return hs.fail(err)
	}

	startup, err := hs.sendStartup()
	if err != nil {
		return hs.fail(err)
	}

	if err := hs.negotiate(startup); err != nil {
		return hs.fail(err)
	}

	hs.state = stateMechanismDispatch
	if err := hs.enforcePolicy(); err != nil {
		return hs.fail(err)
	}

	hs.state = stateChallengeResponse

	response, err := hs.mechanism.AuthenticateAfterStartup(hs.account, hs.protocol)
	if err != nil {
		return hs.fail(err)
	}

	hs.state = stateAuthenticated
	hs.logger.Debug("handshake completed",
		slog.String("release", hs.protocol.startup.ReleaseVersion),
		slog.String("negotiation", hs.protocol.startup.NegotiationResult))
	return response, nil
}

func (hs *handshake) fail(err error) (*AuthResponse, error) {
	failedAt := hs.state
	hs.state = stateFailed

	if errors.GetCategory(err) == "" {
		err = errors.WithCategory(err, errors.CategoryAuthentication)
	}

	hs.logger.Debug("handshake failed", slog.Int("state", int(failedAt)), slog.Any("err", err))
	return nil, err
}

// sendStartup sends the startup pack and reads the raw server reply, which
// is either the negotiation request or the version message directly.
func (hs *handshake) sendStartup() (*tag.Tag, error) {
	option := ""
	if hs.policy != NegotiationRefuse {
		option = negotiationOption
	}

	pack := tag.New("StartupPack_PI",
		tag.NewInt("irodsProt", 1),
		tag.NewInt("reconnFlag", 0),
		tag.NewInt("connectCnt", 0),
		tag.NewValue("proxyUser", hs.account.User),
		tag.NewValue("proxyRcatZone", hs.account.Zone),
		tag.NewValue("clientUser", hs.account.clientUser()),
		tag.NewValue("clientRcatZone", hs.account.clientZone()),
		tag.NewValue("relVersion", clientReleaseVersion),
		tag.NewValue("apiVersion", clientAPIVersion),
		tag.NewValue("option", option),
	)

	hs.state = stateStartupSent
	return hs.protocol.Call(RequestConnect, &pack, nil, nil, 0)
}

// negotiate resolves the SSL negotiation and captures the startup response.
// Under the refuse policy the startup reply is the version message itself;
// otherwise the server first advertises its own policy and awaits the
// negotiated outcome.
func (hs *handshake) negotiate(reply *tag.Tag) error {
	if reply == nil {
		return errors.NewAuthentication(codes.ClientNegotiationErr, "empty startup response")
	}

	negotiated := ""

	if reply.Name == "CS_NEG_PI" {
		hs.state = stateNegotiatingSSL

		version, result, err := hs.exchangeNegotiation(reply)
		if err != nil {
			return err
		}

		reply = version
		negotiated = result
	}

	if reply.Name != "Version_PI" {
		return errors.NewAuthentication(codes.ClientNegotiationErr, "unexpected startup response "+reply.Name)
	}

	hs.protocol.startup = &StartupResponse{
		Status:            reply.Int("status"),
		ReleaseVersion:    reply.String("relVersion"),
		APIVersion:        reply.String("apiVersion"),
		NegotiationResult: negotiated,
	}

	if negotiated == negotiationUseSSL {
		return hs.wrapSSL()
	}

	return nil
}

// exchangeNegotiation resolves the client and server policies into an
// outcome, reports it back, and reads the version message.
func (hs *handshake) exchangeNegotiation(advert *tag.Tag) (*tag.Tag, string, error) {
	server := NegotiationPolicy(advert.String("result"))
	result, ok := resolvePolicies(hs.policy, server)

	hs.logger.Debug("negotiating ssl",
		slog.String("client_policy", string(hs.policy)),
		slog.String("server_policy", string(server)),
		slog.String("result", result))

	status := int64(1)
	if !ok {
		status = 0
	}

	outcome := tag.New("CS_NEG_PI",
		tag.NewInt("status", status),
		tag.NewValue("result", result),
	)

	if !ok {
		// Report the failure without awaiting a version reply; the agent
		// tears the session down on a failed negotiation.
		_ = hs.protocol.CallUnidirectional(RequestNegotiation, &outcome, nil, nil, 0)
		return nil, "", errors.NewAuthentication(codes.SysSslNotNegotiated, "ssl required but not negotiated")
	}

	version, err := hs.protocol.Call(RequestNegotiation, &outcome, nil, nil, 0)
	if err != nil {
		return nil, "", err
	}

	return version, result, nil
}

// enforcePolicy verifies the negotiated outcome satisfies the client policy
// before any credential bytes are handed to the mechanism. Servers predating
// the negotiation exchange answer the startup pack with the version message
// directly; under the require policy that counts as a failed negotiation.
func (hs *handshake) enforcePolicy() error {
	if hs.policy == NegotiationRequire && hs.protocol.startup.NegotiationResult != negotiationUseSSL {
		return errors.NewAuthentication(codes.SysSslNotNegotiated, "ssl required but not negotiated")
	}

	return nil
}

// resolvePolicies implements the negotiation outcome table. The boolean
// reports whether the policies are compatible.
func resolvePolicies(client, server NegotiationPolicy) (string, bool) {
	switch client {
	case NegotiationRequire:
		if server == NegotiationRefuse {
			return negotiationFailure, false
		}

		return negotiationUseSSL, true
	case NegotiationDontCare:
		if server == NegotiationRequire {
			return negotiationUseSSL, true
		}

		return negotiationUseTCP, true
	default:
		if server == NegotiationRequire {
			return negotiationFailure, false
		}

		return negotiationUseTCP, true
	}
}

// wrapSSL upgrades the transport and shares the parallel transfer
// encryption material over the freshly encrypted channel.
func (hs *handshake) wrapSSL() error {
	tlsConfig := hs.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: hs.account.Host}
	}

	if err := hs.protocol.Conn().StartTLS(tlsConfig); err != nil {
		return err
	}

	return hs.shareEncryptionKey()
}

// shareEncryptionKey generates the shared secret for parallel transfer
// encryption, publishes it to the agent, and derives the transfer key. The
// encryption parameters ride inside the header fields: the algorithm name as
// the type, the key size, salt size and hash rounds as the three lengths.
func (hs *handshake) shareEncryptionKey() error {
	config := hs.config

	secret := make([]byte, config.EncryptionKeySize())
	if _, err := rand.Read(secret); err != nil {
		return errors.NewIOFailure(err)
	}

	salt := make([]byte, config.EncryptionSaltSize())
	if _, err := rand.Read(salt); err != nil {
		return errors.NewIOFailure(err)
	}

	conn := hs.protocol.Conn()

	header := encodeHeader(config.EncryptionAlgorithm(),
		config.EncryptionKeySize(),
		config.EncryptionSaltSize(),
		config.EncryptionHashRounds(), 0)

	if err := conn.SendInNetworkOrder(int32(len(header))); err != nil {
		return err
	}

	if err := conn.Send(header); err != nil {
		return err
	}

	if err := conn.Send(secret); err != nil {
		return err
	}

	if err := conn.Send(salt); err != nil {
		return err
	}

	if err := conn.Flush(); err != nil {
		return err
	}

	key := pbkdf2.Key(secret, salt, config.EncryptionHashRounds(), config.EncryptionKeySize(), sha256.New)
	conn.SetEncryptionKey(key)

	hs.logger.Debug("parallel transfer key derived", slog.String("algorithm", config.EncryptionAlgorithm()))
	return nil
}
