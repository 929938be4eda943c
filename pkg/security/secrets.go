package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// DeriveKeyFromChainID derives a 32-byte AES-256 key from the chain ID,
// used to encrypt the validator's certificate authority root key at rest.
// The same chain ID always derives the same key, so a replica that loses
// its in-memory key can recompute it from config rather than needing a
// separate backup.
func DeriveKeyFromChainID(chainID string) []byte {
	hash := sha256.Sum256([]byte(chainID))
	return hash[:]
}

// chainEncryptionKey is the in-memory key set once at startup via
// SetChainEncryptionKey.
var chainEncryptionKey []byte

// SetChainEncryptionKey installs the key used by Encrypt/Decrypt. Call once
// during node startup, before CertAuthority.LoadFromStore or Initialize.
func SetChainEncryptionKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	chainEncryptionKey = key
	return nil
}

// Encrypt encrypts data with the chain encryption key using AES-256-GCM,
// prepending the nonce to the returned ciphertext.
func Encrypt(plaintext []byte) ([]byte, error) {
	if len(chainEncryptionKey) == 0 {
		return nil, fmt.Errorf("chain encryption key not set")
	}

	block, err := aes.NewCipher(chainEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext []byte) ([]byte, error) {
	if len(chainEncryptionKey) == 0 {
		return nil, fmt.Errorf("chain encryption key not set")
	}

	block, err := aes.NewCipher(chainEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
