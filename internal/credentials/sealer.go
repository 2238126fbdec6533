// Package credentials seals per-user Toggl API tokens at rest.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize          = 32 // AES-256
	nonceSize        = 12 // GCM standard nonce size
	saltSize         = 16
	pbkdf2Iterations = 100000
)

var ErrOpen = errors.New("decryption failed: invalid passphrase or corrupted data")

// Sealer encrypts secrets with AES-256-GCM under a key derived from a
// passphrase. Every sealed value carries its own salt: salt | nonce | ciphertext.
type Sealer struct {
	passphrase []byte
	iterations int

	mu   sync.Mutex
	keys map[string][]byte // salt -> derived key
}

func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("credentials: passphrase is required")
	}
	return &Sealer{passphrase: []byte(passphrase), iterations: pbkdf2Iterations, keys: map[string][]byte{}}, nil
}

// Seal encrypts plaintext and returns it base64 encoded.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	if len(data) < saltSize+nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	salt, nonce, ciphertext := data[:saltSize], data[saltSize:saltSize+nonceSize], data[saltSize+nonceSize:]
	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key(salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Sealer) key(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[string(salt)]; ok {
		return k
	}
	k := pbkdf2.Key(s.passphrase, salt, s.iterations, keySize, sha256.New)
	s.keys[string(salt)] = k
	return k
}
