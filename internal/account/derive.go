package account

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoAccount = "superhero/account/signing/v1"

var (
	ErrInvalidSeed     = errors.New("invalid seed")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// Keypair is the active signing identity. The secret key never leaves
// this package except as signatures.
type Keypair struct {
	PublicKey string
	pub       ed25519.PublicKey
	priv      ed25519.PrivateKey
}

func (k Keypair) Sign(data []byte) []byte {
	return ed25519.Sign(k.priv, data)
}

func (k Keypair) Verify(data, sig []byte) bool {
	return ed25519.Verify(k.pub, data, sig)
}

// DeriveKeypair derives the account at index from a bip39-style seed.
// Deterministic: the same seed and index always yield the same keypair.
func DeriveKeypair(seed []byte, index int) (Keypair, error) {
	if len(seed) < 16 {
		return Keypair{}, ErrInvalidSeed
	}
	if index < 0 {
		return Keypair{}, fmt.Errorf("%w: negative account index", ErrInvalidSeed)
	}
	info := fmt.Sprintf("%s/%d", hkdfInfoAccount, index)
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	signingSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, signingSeed); err != nil {
		return Keypair{}, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	pub := priv.Public().(ed25519.PublicKey)
	return Keypair{
		PublicKey: Address(pub),
		pub:       pub,
		priv:      priv,
	}, nil
}

// DeriveAddress returns the address of account 0 for a seed.
func DeriveAddress(seed []byte) (string, error) {
	kp, err := DeriveKeypair(seed, 0)
	if err != nil {
		return "", err
	}
	return kp.PublicKey, nil
}

// Address encodes a public key in the ak_ address format.
func Address(pub ed25519.PublicKey) string {
	return "ak_" + base58.Encode(pub)
}

// GenerateMnemonic creates a fresh 24-word recovery phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// SeedFromMnemonic validates the phrase and expands it to a seed.
func SeedFromMnemonic(mnemonic string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return bip39.NewSeed(mnemonic, ""), nil
}
