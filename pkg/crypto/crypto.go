package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SealedPrefix marks a configuration value produced by Seal.
const SealedPrefix = "enc:"

var ErrNoKey = errors.New("encryption key is not configured")

// Sealer encrypts configuration secrets with AES-256-GCM.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives an AES-256 key from passphrase. An empty passphrase gives
// a Sealer that cannot open sealed values.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return &Sealer{}, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns plainText encrypted and prefixed with SealedPrefix.
func (s *Sealer) Seal(plainText string) (string, error) {
	if s.gcm == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plainText), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without SealedPrefix are returned as is.
func (s *Sealer) Open(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, SealedPrefix)
	if !ok {
		return value, nil
	}
	if s.gcm == nil {
		return "", ErrNoKey
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("sealed value is not base64: %w", err)
	}
	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("sealed value is too short")
	}
	nonce, cipherText := data[:nonceSize], data[nonceSize:]
	plain, err := s.gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plain), nil
}
