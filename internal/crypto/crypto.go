// Package crypto wraps the symmetric Fernet cipher used for every application
// frame on the wire. Key material is resolved once at startup; the development
// fallback key requires an explicit opt-in so a deployment can never run with
// the published key by accident.
package crypto

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/fernet/fernet-go"
)

// KeyEnvVar is the environment variable consulted when no explicit key is
// configured.
const KeyEnvVar = "CHAT_SECRET_KEY"

// devKey is a well-known key for local development. It is only ever used when
// the operator opts in; see ResolveKey.
const devKey = "CdkW6E-EpEDi3B_fI3NKFrjZEG3FyhM3kyehQ2kuU5c="

var (
	// ErrEmptyPayload is returned when encrypting a zero-length payload.
	ErrEmptyPayload = errors.New("crypto: cannot encrypt empty payload")
	// ErrInvalidToken is returned when a frame fails verification or decryption.
	ErrInvalidToken = errors.New("crypto: invalid token")
	// ErrNoKey is returned when no key source yields a usable key.
	ErrNoKey = fmt.Errorf("crypto: no encryption key found; set %s or opt in to the development key", KeyEnvVar)
)

// Cipher encrypts and decrypts application frames with a single Fernet key.
type Cipher struct {
	key *fernet.Key
}

// ResolveKey resolves key material in priority order: the explicit key,
// the CHAT_SECRET_KEY environment variable, and finally the compiled-in
// development key when allowDevKey is set.
func ResolveKey(explicit string, allowDevKey bool) (*fernet.Key, error) {
	if explicit != "" {
		key, err := fernet.DecodeKey(explicit)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid configured key: %w", err)
		}
		return key, nil
	}

	if env := os.Getenv(KeyEnvVar); env != "" {
		key, err := fernet.DecodeKey(env)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid key in %s: %w", KeyEnvVar, err)
		}
		return key, nil
	}

	if allowDevKey {
		log.Println("WARNING: using development encryption key; not safe for production")
		key, err := fernet.DecodeKey(devKey)
		if err != nil {
			return nil, err
		}
		return key, nil
	}

	return nil, ErrNoKey
}

// NewCipher builds a Cipher from the resolved key sources.
func NewCipher(explicit string, allowDevKey bool) (*Cipher, error) {
	key, err := ResolveKey(explicit, allowDevKey)
	if err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals the payload into a Fernet token. Empty payloads are rejected
// to match the encryption contract.
func (c *Cipher) Encrypt(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	token, err := fernet.EncryptAndSign(payload, c.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt failed: %w", err)
	}
	return token, nil
}

// Decrypt opens a Fernet token. Tokens never expire here; replay protection
// beyond Fernet's HMAC is out of scope for the transport.
func (c *Cipher) Decrypt(token []byte) ([]byte, error) {
	payload := fernet.VerifyAndDecrypt(token, 0, []*fernet.Key{c.key})
	if payload == nil {
		return nil, ErrInvalidToken
	}
	return payload, nil
}
