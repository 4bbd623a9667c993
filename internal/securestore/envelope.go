// Package securestore encrypts wallet state at rest. Snapshots are sealed
// with XChaCha20-Poly1305 under a key derived from the wallet passphrase
// with argon2id, so a stolen state file is useless without the passphrase.
package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SHWENC1\n"

	kdfTime     = uint32(2)
	kdfMemoryKB = uint32(64 * 1024)
	kdfThreads  = uint8(1)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrPlaintext  = errors.New("securestore data is not an encrypted envelope")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Cipher is a passphrase key derived once and reused across seals, so
// repeated snapshot writes pay the argon2id cost a single time. Every
// seal still uses a fresh random nonce.
type Cipher struct {
	salt []byte
	aead cipher.AEAD
}

func NewCipher(passphrase string) (*Cipher, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return cipherFromSalt(passphrase, salt, kdfTime, kdfMemoryKB, kdfThreads)
}

func cipherFromSalt(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) (*Cipher, error) {
	key := deriveKey(passphrase, salt, time, memoryKB, threads)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{salt: append([]byte(nil), salt...), aead: aead}, nil
}

func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        c.salt,
		Nonce:       nonce,
		Ciphertext:  c.aead.Seal(nil, nonce, plaintext, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	c, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return c.Seal(plaintext)
}

func Open(passphrase string, data []byte) ([]byte, error) {
	plaintext, _, err := OpenCipher(passphrase, data)
	return plaintext, err
}

// OpenCipher decrypts an envelope and returns a Cipher bound to the
// envelope's salt and KDF parameters, so the caller can keep sealing
// without re-deriving the key.
func OpenCipher(passphrase string, data []byte) ([]byte, *Cipher, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, nil, ErrPlaintext
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, nil, ErrInvalid
	}

	c, err := cipherFromSalt(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err := c.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, nil, ErrAuthFailed
	}
	return plaintext, c, nil
}

func deriveKey(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, time, memoryKB, threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
