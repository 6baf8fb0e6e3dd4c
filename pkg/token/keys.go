package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/youmark/pkcs8"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// LoadPrivateKey parses an RSA private key from PEM. Supported blocks are
// "ENCRYPTED PRIVATE KEY" (PKCS#8, needs passphrase), "PRIVATE KEY" (PKCS#8)
// and "RSA PRIVATE KEY" (PKCS#1). Other blocks are skipped; the first
// supported one decides the result.
func LoadPrivateKey(pemBytes []byte, passphrase string) (*rsa.PrivateKey, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if passphrase == "" {
				return nil, errors.New(errors.ErrorTypeKey, "encrypted private key provided but no passphrase set")
			}
			key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeKey, "PKCS#8 decryption failed")
			}
			return key, nil
		case "PRIVATE KEY":
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeKey, "PKCS#8 parse failed")
			}
			key, ok := parsed.(*rsa.PrivateKey)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeKey, "private key is %T, only RSA keys are supported", parsed)
			}
			return key, nil
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeKey, "PKCS#1 parse failed")
			}
			return key, nil
		}
	}

	return nil, errors.New(errors.ErrorTypeKey, "invalid RSA private key: no supported PEM block found")
}

// Fingerprint returns "SHA256:" followed by the base64 SHA-256 digest of the
// DER-encoded SubjectPublicKeyInfo, the form registered against a user.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeKey, "public key DER encode failed")
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}
