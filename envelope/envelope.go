// Package envelope provides payload-at-rest encryption for job payloads
// flagged with JobSpec.EncryptPayload, wrapping secrets.AesEncrypt /
// AesDecrypt with a version-prefix byte so a future scheme change can be
// recognised without guessing.
package envelope

import (
	"errors"

	"github.com/xkonti/crude-functions/l3"
	"github.com/xkonti/crude-functions/secrets"
)

var logger = l3.Get()

const versionAESCFB = byte(1)

// ErrUnsupportedVersion is returned by Decrypt when the envelope's
// leading version byte isn't one this build understands.
var ErrUnsupportedVersion = errors.New("envelope: unsupported envelope version")

// ErrEmptyCiphertext is returned by Decrypt when given a zero-length
// input, which can never contain a valid version byte.
var ErrEmptyCiphertext = errors.New("envelope: ciphertext is empty")

// Encryptor encrypts and decrypts job payloads at rest.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor is a reference Encryptor backed by AES-CFB, grounded on
// secrets.AesEncrypt/AesDecrypt. key must be 16, 24 or 32 bytes (AES-128
// /192/256).
type AESEncryptor struct {
	key []byte
}

// NewAESEncryptor creates an AESEncryptor using key for AES-CFB.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, errors.New("envelope: key must be 16, 24 or 32 bytes")
	}
	return &AESEncryptor{key: key}, nil
}

// Encrypt produces a version-prefixed ciphertext: one byte identifying
// the scheme, followed by secrets.AesEncrypt's IV-prefixed output.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	body, err := secrets.AesEncrypt(e.key, plaintext)
	if err != nil {
		logger.ErrorF("envelope: encrypt failed: %v", err)
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, versionAESCFB)
	out = append(out, body...)
	return out, nil
}

// Decrypt reverses Encrypt. Returns ErrUnsupportedVersion if the leading
// byte does not match a scheme this build knows how to read.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	version, body := ciphertext[0], ciphertext[1:]
	if version != versionAESCFB {
		return nil, ErrUnsupportedVersion
	}
	return secrets.AesDecrypt(body, e.key)
}
