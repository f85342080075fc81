// Package wallet creates and parses Solana keypairs for custodial
// accounts.
package wallet

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	bip39 "github.com/tyler-smith/go-bip39"
)

var ErrUnrecognizedKeyMaterial = errors.New("wallet: unrecognized key material")

func Generate() (solana.PrivateKey, error) {
	return solana.NewRandomPrivateKey()
}

// ParseKeyMaterial accepts the key formats wallet apps commonly export:
//
//   - a JSON array of at least 64 byte values (solana-keygen format)
//   - base58 of a 64-byte secret key
//   - base58 of a 32-byte ed25519 seed
//   - a BIP-39 mnemonic phrase
func ParseKeyMaterial(input string) (solana.PrivateKey, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrUnrecognizedKeyMaterial
	}

	if strings.HasPrefix(input, "[") {
		return parseJSONArray(input)
	}

	if decoded, err := base58.Decode(input); err == nil {
		switch len(decoded) {
		case ed25519.PrivateKeySize:
			return solana.PrivateKey(decoded), nil
		case ed25519.SeedSize:
			return privateKeyFromSeed(decoded), nil
		}
	}

	if bip39.IsMnemonicValid(input) {
		seed := bip39.NewSeed(input, "")
		return privateKeyFromSeed(seed[:ed25519.SeedSize]), nil
	}

	return nil, ErrUnrecognizedKeyMaterial
}

func parseJSONArray(input string) (solana.PrivateKey, error) {
	var values []int
	if err := json.Unmarshal([]byte(input), &values); err != nil {
		return nil, fmt.Errorf("wallet: invalid key array: %w", err)
	}
	if len(values) < ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wallet: key array has %d values, need %d", len(values), ed25519.PrivateKeySize)
	}

	key := make([]byte, ed25519.PrivateKeySize)
	for i := range key {
		if values[i] < 0 || values[i] > 255 {
			return nil, fmt.Errorf("wallet: key array value %d out of byte range", values[i])
		}
		key[i] = byte(values[i])
	}
	return solana.PrivateKey(key), nil
}

func privateKeyFromSeed(seed []byte) solana.PrivateKey {
	return solana.PrivateKey(ed25519.NewKeyFromSeed(seed))
}
