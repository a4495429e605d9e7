package vault

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

// TestEncryptDecryptPayload tests that encrypting a payload and mutating
// parts of it produces the expected decryption results.
func TestEncryptDecryptPayload(t *testing.T) {
	t.Parallel()

	payloadCases := []struct {
		// plaintext is the payload that will be encrypted.
		plaintext []byte

		// mutator allows a test case to modify the encrypted payload
		// before decryption.
		mutator func(*EncryptedPayload)

		// valid indicates if decryption should succeed.
		valid bool
	}{
		// Proper payload, should decrypt.
		{
			plaintext: []byte("kek"),
			mutator:   nil,
			valid:     true,
		},

		// Empty plaintext round trips as well.
		{
			plaintext: []byte{},
			mutator:   nil,
			valid:     true,
		},

		// Mutate the ciphertext, should fail authentication.
		{
			plaintext: []byte("kek"),
			mutator: func(p *EncryptedPayload) {
				p.Ciphertext[0] ^= 0xff
			},
			valid: false,
		},

		// Mutate the nonce, should fail authentication.
		{
			plaintext: []byte("kek"),
			mutator: func(p *EncryptedPayload) {
				p.Nonce[0] ^= 0xff
			},
			valid: false,
		},

		// Truncate the ciphertext below the auth tag size.
		{
			plaintext: []byte("kek"),
			mutator: func(p *EncryptedPayload) {
				p.Ciphertext = p.Ciphertext[:4]
			},
			valid: false,
		},
	}

	key := testKey(t)
	for _, payloadCase := range payloadCases {
		payload, err := Encrypt(key, payloadCase.plaintext)
		require.NoError(t, err)
		require.Len(t, payload.Nonce, NonceLen)

		// Mutate the payload as dictated by the test case.
		if payloadCase.mutator != nil {
			payloadCase.mutator(payload)
		}

		plaintext, err := Decrypt(key, payload)
		if !payloadCase.valid {
			require.ErrorIs(t, err, ErrCiphertextAuth)
			continue
		}

		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, payloadCase.plaintext))
	}
}

// TestDecryptWrongKey tests that a payload sealed under one key cannot be
// opened under another.
func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	payload, err := Encrypt(testKey(t), []byte("kek"))
	require.NoError(t, err)

	_, err = Decrypt(testKey(t), payload)
	require.ErrorIs(t, err, ErrCiphertextAuth)
}

// TestEncryptNonceFreshness tests that sealing the same plaintext twice
// never reuses a nonce.
func TestEncryptNonceFreshness(t *testing.T) {
	t.Parallel()

	key := testKey(t)

	first, err := Encrypt(key, []byte("kek"))
	require.NoError(t, err)

	second, err := Encrypt(key, []byte("kek"))
	require.NoError(t, err)

	require.False(t, bytes.Equal(first.Nonce, second.Nonce))
	require.False(t, bytes.Equal(first.Ciphertext, second.Ciphertext))
}
