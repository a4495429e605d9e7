package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// NonceLen is the length of the AES-GCM nonce generated for every
// encryption. A fresh random nonce is drawn per Encrypt call; nonces are
// never reused across re-encryptions of the account set.
const NonceLen = 12

// ErrCiphertextAuth is returned when authenticated decryption fails. The
// caller cannot tell whether the key was wrong or the ciphertext was
// corrupted, and neither can we.
var ErrCiphertextAuth = fmt.Errorf("ciphertext authentication failed")

// EncryptedPayload is an authenticated ciphertext together with the nonce it
// was sealed under.
type EncryptedPayload struct {
	Nonce      []byte
	Ciphertext []byte
}

// Encrypt seals the plaintext under the given 32 byte key with AES-256-GCM
// and a fresh random nonce.
func Encrypt(key, plaintext []byte) (*EncryptedPayload, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return &EncryptedPayload{
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens the payload under the given key, returning ErrCiphertextAuth
// if the ciphertext fails authentication for any reason.
func Decrypt(key []byte, payload *EncryptedPayload) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(payload.Nonce) != NonceLen {
		return nil, ErrCiphertextAuth
	}

	plaintext, err := gcm.Open(
		nil, payload.Nonce, payload.Ciphertext, nil,
	)
	if err != nil {
		return nil, ErrCiphertextAuth
	}

	return plaintext, nil
}
