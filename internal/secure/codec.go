// Package secure implements the symmetric envelope codec used on the
// wire. Keys are derived from a shared secret with PBKDF2 and the
// payload is encrypted with AES in CBC mode using PKCS#7 padding. A
// fresh random IV is generated per encryption; IV and salt travel in
// the envelope and are not secret.
package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"ledgerstore/internal/models"
)

const (
	// Iterations is the PBKDF2 iteration count.
	Iterations = 65536
	// SaltLength is the size in bytes of a key-derivation salt.
	SaltLength = 16

	standardKeyLength = 16
	extendedKeyLength = 32

	encodingUTF8 = "UTF-8"
)

// ErrDecrypt is returned for any decryption failure: malformed
// ciphertext, wrong secret, or bad padding. Callers must not be able to
// tell these apart.
var ErrDecrypt = errors.New("message decryption failed")

// Codec encrypts and decrypts wire envelopes. Derived keys are cached
// by (secret, salt, key length) so repeated calls within one logical
// session do not re-run the key derivation; a new salt causes a fresh
// derivation. Safe for concurrent use.
type Codec struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewCodec creates a Codec with an empty key cache.
func NewCodec() *Codec {
	return &Codec{keys: make(map[string][]byte)}
}

// NewSalt generates a random key-derivation salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func (c *Codec) deriveKey(secret string, salt []byte, extended bool) []byte {
	keyLen := standardKeyLength
	if extended {
		keyLen = extendedKeyLength
	}
	cacheKey := fmt.Sprintf("%d|%s|%s", keyLen, hex.EncodeToString(salt), secret)

	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[cacheKey]; ok {
		return key
	}
	key := pbkdf2.Key([]byte(secret), salt, Iterations, keyLen, sha256.New)
	c.keys[cacheKey] = key
	return key
}

// Encrypt wraps plaintext in an envelope for the given user, deriving
// the key from secret and salt.
func (c *Codec) Encrypt(username string, plaintext []byte, secret string, salt []byte, extended bool) (*models.SecureMessage, error) {
	key := c.deriveKey(secret, salt, extended)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &models.SecureMessage{
		Username:              username,
		Encoding:              encodingUTF8,
		Ciphertext:            base64.StdEncoding.EncodeToString(ciphertext),
		IV:                    base64.StdEncoding.EncodeToString(iv),
		Salt:                  base64.StdEncoding.EncodeToString(salt),
		UsesExtendedKeyLength: extended,
	}, nil
}

// Decrypt unwraps an envelope using the given secret. Any failure is
// reported as ErrDecrypt.
func (c *Codec) Decrypt(msg *models.SecureMessage, secret string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return nil, ErrDecrypt
	}
	salt, err := base64.StdEncoding.DecodeString(msg.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(iv) != aes.BlockSize || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}

	key := c.deriveKey(secret, salt, msg.UsesExtendedKeyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecrypt
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, aes.BlockSize)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// DecodeSalt extracts the raw salt bytes from an envelope so a response
// can reuse them and skip a second key derivation.
func DecodeSalt(msg *models.SecureMessage) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(msg.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	return salt, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
