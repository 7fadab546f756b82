package irodswire

import (
	"crypto/md5"
	"encoding/base64"

	"github.com/datagrid-go/irodswire/codes"
	"github.com/datagrid-go/irodswire/errors"
	"github.com/datagrid-go/irodswire/pkg/tag"
)

// maxPasswordLength is the fixed width the password is padded to before
// being folded into the challenge digest.
const maxPasswordLength = 50

// challengeLength is the number of challenge bytes folded into the response
// digest.
const challengeLength = 64

// AuthResponse captures the outcome of a completed authentication exchange.
type AuthResponse struct {
	Scheme    AuthScheme
	Challenge []byte
}

// AuthMechanism is the uniform contract every authentication mechanism
// implements: optional actions before the startup pack is sent, and the
// challenge/response rounds after the startup sequence completed. A
// mechanism returning a nil response without rounds is a valid
// implementation.
type AuthMechanism interface {
	// PreConnectionSetup runs before the startup pack is sent and may adjust
	// the negotiation of the pending handshake, e.g. to demand an encrypted
	// channel.
	PreConnectionSetup(hs *handshake) error

	// AuthenticateAfterStartup exchanges the mechanism-specific
	// authentication rounds over the given protocol.
	AuthenticateAfterStartup(account Account, protocol *Protocol) (*AuthResponse, error)
}

// mechanismFor dispatches the mechanism implementation for the account's
// configured scheme.
func mechanismFor(scheme AuthScheme) (AuthMechanism, error) {
	switch scheme {
	case AuthNative, "":
		return nativeAuth{}, nil
	case AuthPAM:
		return pamAuth{}, nil
	default:
		return nil, errors.NewAuthentication(codes.UserAuthSchemeErr, "unsupported auth scheme "+string(scheme))
	}
}

// nativeAuth implements the standard iRODS challenge/response password
// exchange: request a challenge, fold the padded password into an MD5
// digest, and return the digest alongside the qualified user name.
type nativeAuth struct{}

func (nativeAuth) PreConnectionSetup(*handshake) error {
	return nil
}

func (nativeAuth) AuthenticateAfterStartup(account Account, protocol *Protocol) (*AuthResponse, error) {
	reply, err := protocol.Call(RequestAPI, nil, nil, nil, apiAuthRequest)
	if err != nil {
		return nil, err
	}

	if reply == nil || reply.Get("challenge") == nil {
		return nil, errors.NewAuthentication(codes.CatInvalidAuthentication, "server returned no challenge")
	}

	challenge, err := base64.StdEncoding.DecodeString(reply.String("challenge"))
	if err != nil {
		return nil, errors.NewAuthentication(codes.CatInvalidAuthentication, "malformed challenge: "+err.Error())
	}

	response := tag.New("authResponseInp_PI",
		tag.NewValue("response", challengeResponse(challenge, account.Password)),
		tag.NewValue("username", account.User+"#"+account.Zone),
	)

	if _, err := protocol.Call(RequestAPI, &response, nil, nil, apiAuthResponse); err != nil {
		if errors.GetCategory(err) == errors.CategoryProtocol {
			return nil, errors.NewAuthentication(errors.GetCode(err), "authentication rejected: "+err.Error())
		}

		return nil, err
	}

	return &AuthResponse{Scheme: AuthNative, Challenge: challenge}, nil
}

// challengeResponse folds the first 64 challenge bytes and the zero-padded
// password into an MD5 digest, base64 encoded for the XML message body.
func challengeResponse(challenge []byte, password string) string {
	if len(challenge) > challengeLength {
		challenge = challenge[:challengeLength]
	}

	padded := make([]byte, maxPasswordLength)
	copy(padded, password)

	digest := md5.New()
	digest.Write(challenge)
	digest.Write(padded)

	return base64.StdEncoding.EncodeToString(digest.Sum(nil))
}

// pamTimeToLiveHours is the validity window requested for the generated
// limited password.
const pamTimeToLiveHours = 1

// pamAuth authenticates through the server-side pluggable authentication
// module. The plain credential travels inside the request body, so the
// mechanism demands an SSL wrapped channel before any credential bytes are
// sent. The server answers with a generated limited password which is then
// used for a regular native challenge/response round.
type pamAuth struct{}

func (pamAuth) PreConnectionSetup(hs *handshake) error {
	if hs.policy == NegotiationRefuse {
		return errors.NewAuthentication(codes.SysSslNotNegotiated, "pam authentication requires an encrypted channel, refused by negotiation policy")
	}

	hs.policy = NegotiationRequire
	return nil
}

func (pamAuth) AuthenticateAfterStartup(account Account, protocol *Protocol) (*AuthResponse, error) {
	if protocol.Conn().EncryptionMode() != EncryptionSSLWrapped {
		return nil, errors.NewAuthentication(codes.SysSslNotNegotiated, "pam authentication requires an encrypted channel")
	}

	request := tag.New("pamAuthRequestInp_PI",
		tag.NewValue("pamUser", account.User),
		tag.NewValue("pamPassword", account.Password),
		tag.NewInt("timeToLive", pamTimeToLiveHours),
	)

	reply, err := protocol.Call(RequestAPI, &request, nil, nil, apiPamAuthRequest)
	if err != nil {
		if errors.GetCategory(err) == errors.CategoryProtocol {
			return nil, errors.NewAuthentication(errors.GetCode(err), "pam authentication rejected: "+err.Error())
		}

		return nil, err
	}

	if reply == nil || reply.Get("irodsPamPassword") == nil {
		return nil, errors.NewAuthentication(codes.PamAuthPasswordFailed, "server returned no generated password")
	}

	generated := account
	generated.Password = reply.String("irodsPamPassword")

	response, err := nativeAuth{}.AuthenticateAfterStartup(generated, protocol)
	if err != nil {
		return nil, err
	}

	response.Scheme = AuthPAM
	return response, nil
}
