package receipt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // the token-based platform signs with SHA1withRSA
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

var errUnsupportedKey = errors.New("unsupported verification key type")

func decodeSignature(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err == nil {
		return decoded, nil
	}
	if decoded, urlErr := base64.RawURLEncoding.DecodeString(signature); urlErr == nil {
		return decoded, nil
	}
	return nil, err
}

// verifySignature checks sig over data. The token-based platform signs with
// SHA1withRSA; every other RSA and ECDSA key uses SHA-256.
func verifySignature(key crypto.PublicKey, platform purchases.Platform, data, sig []byte) (bool, error) {
	switch k := key.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(k, data, sig), nil
	case *rsa.PublicKey:
		if platform == purchases.PlatformPlayStore {
			sum := sha1.Sum(data) //nolint:gosec
			return rsa.VerifyPKCS1v15(k, crypto.SHA1, sum[:], sig) == nil, nil
		}
		sum := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig) == nil, nil
	case *ecdsa.PublicKey:
		sum := sha256.Sum256(data)
		return ecdsa.VerifyASN1(k, sum[:], sig), nil
	default:
		return false, fmt.Errorf("%w: %T", errUnsupportedKey, key)
	}
}
