package token

import (
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// CredentialSource selects how a Guard obtains tokens. The only
// implementations are KeyPair and PrecomputedToken.
type CredentialSource interface {
	credentialSource()
}

// KeyPair signs fresh JWTs with an RSA key registered for Account.User.
type KeyPair struct {
	Account string
	// User is the login name placed in the subject
	User string
	Key  *rsa.PrivateKey
	// Fingerprint overrides the computed "SHA256:..." public key fingerprint
	Fingerprint string
	// Audience is added as the aud claim when set
	Audience string
}

// PrecomputedToken is a token minted elsewhere. It cannot be refreshed.
//
// Deprecated: configure a KeyPair so tokens can be renewed.
type PrecomputedToken struct {
	Value string
}

func (KeyPair) credentialSource()          {}
func (PrecomputedToken) credentialSource() {}

// NormalizeAccount upper-cases the account and replaces '.' with '-'.
func NormalizeAccount(account string) string {
	return strings.ToUpper(strings.ReplaceAll(account, ".", "-"))
}

// signer builds RS256 assertions for one key pair.
type signer struct {
	key      *rsa.PrivateKey
	issuer   string
	subject  string
	audience string
}

func newSigner(kp KeyPair) (*signer, error) {
	if kp.Key == nil {
		return nil, errors.New(errors.ErrorTypeKey, "key pair has no private key")
	}
	if kp.Account == "" || kp.User == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "key pair requires account and user")
	}
	fp := kp.Fingerprint
	if fp == "" {
		var err error
		if fp, err = Fingerprint(&kp.Key.PublicKey); err != nil {
			return nil, err
		}
	}
	subject := NormalizeAccount(kp.Account) + "." + strings.ToUpper(kp.User)
	return &signer{
		key:      kp.Key,
		issuer:   subject + "." + fp,
		subject:  subject,
		audience: kp.Audience,
	}, nil
}

// sign issues a token valid from now for lifetime. Claim times have second
// precision, so the envelope uses the truncated issue time.
func (s *signer) sign(now time.Time, lifetime time.Duration) (Envelope, error) {
	issued := now.Truncate(time.Second)
	expires := issued.Add(lifetime)

	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return Envelope{}, errors.Wrap(err, errors.ErrorTypeSigning, "JWT signing failed")
	}

	env, err := NewEnvelope(signed, issued, expires)
	if err != nil {
		return Envelope{}, err
	}
	env.ID = claims.ID
	return env, nil
}

// precomputedEnvelope reads the unverified exp and iat claims of value. A
// token without a readable exp is treated as long-lived.
func precomputedEnvelope(value string, now time.Time) Envelope {
	issued := now
	expires := now.Add(100 * 365 * 24 * time.Hour)

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err == nil {
		if claims.IssuedAt != nil {
			issued = claims.IssuedAt.Time
		}
		if claims.ExpiresAt != nil {
			expires = claims.ExpiresAt.Time
		}
	}
	if !expires.After(issued) {
		issued = expires.Add(-time.Second)
	}
	return Envelope{Value: value, IssuedAt: issued, ExpiresAt: expires}
}
