package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadJSON reads an encrypted snapshot file and unmarshals it into v.
func ReadJSON(path, passphrase string, v any) error {
	_, err := LoadJSON(path, passphrase, v)
	return err
}

// LoadJSON is ReadJSON returning the file's Cipher as well, for callers
// that will keep rewriting the file.
func LoadJSON(path, passphrase string, v any) (*Cipher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, c, err := OpenCipher(passphrase, raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return nil, err
	}
	return c, nil
}

// WriteJSON marshals v, seals it and writes it with 0600 permissions.
func WriteJSON(path, passphrase string, v any) error {
	c, err := NewCipher(passphrase)
	if err != nil {
		return err
	}
	return StoreJSON(path, c, v)
}

// StoreJSON is WriteJSON with a pre-derived Cipher.
func StoreJSON(path string, c *Cipher, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := c.Seal(payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}
