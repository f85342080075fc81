// Package custody seals wallet secret keys at rest. Each secret is
// encrypted with AES-256-GCM under a key derived from the server master
// key and a per-secret salt (PBKDF2, SHA-256, 100k rounds). Plaintext
// secrets exist only transiently inside a signing operation; nothing in
// this package logs or serializes them.
package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 16
	derivedKeySize = 32
	pbkdf2Rounds   = 100_000
)

var ErrInvalidCiphertext = errors.New("custody: cannot open sealed secret")

// SealedSecret is the at-rest form of a wallet secret key.
type SealedSecret struct {
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
}

type Vault struct {
	masterKey []byte
}

func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, errors.New("custody: master key is required")
	}
	return &Vault{masterKey: []byte(masterKey)}, nil
}

func (v *Vault) Seal(secret []byte) (SealedSecret, error) {
	if len(secret) == 0 {
		return SealedSecret{}, errors.New("custody: empty secret")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return SealedSecret{}, fmt.Errorf("generate salt: %w", err)
	}

	aead, err := v.aead(salt)
	if err != nil {
		return SealedSecret{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedSecret{}, fmt.Errorf("generate nonce: %w", err)
	}

	return SealedSecret{
		Ciphertext: aead.Seal(nil, nonce, secret, nil),
		Nonce:      nonce,
		Salt:       salt,
	}, nil
}

func (v *Vault) Open(sealed SealedSecret) ([]byte, error) {
	if len(sealed.Ciphertext) == 0 || len(sealed.Nonce) == 0 || len(sealed.Salt) == 0 {
		return nil, ErrInvalidCiphertext
	}

	aead, err := v.aead(sealed.Salt)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}

	secret, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return secret, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.masterKey, salt, pbkdf2Rounds, derivedKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
