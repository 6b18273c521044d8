package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"

	"github.com/dmitrijs2005/medvault/internal/common"
	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length used everywhere in medvault.
const KeySize = 32

var ErrInvalidKeySize = errors.New("invalid key size")

// MakeVerifier returns a SHA-256 digest of key, stored to check a passphrase
// without keeping the derived key.
func MakeVerifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

// DeriveKEK turns a passphrase into a key-encryption key with Argon2id.
func DeriveKEK(passphrase []byte, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// seal encrypts plaintext with AES-GCM under key using a fresh random nonce.
func seal(key, plaintext, additional []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nil, nonce, plaintext, additional), nonce, nil
}

// open reverses seal.
func open(key, ciphertext, nonce, additional []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, nonce, ciphertext, additional)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
