package keyring

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/seclave/walletd/vault"
	"github.com/stretchr/testify/require"
)

// TestNewLocalAccount tests that freshly generated accounts carry a valid
// recovery phrase, a matching key pair and a pubkey-derived address.
func TestNewLocalAccount(t *testing.T) {
	t.Parallel()

	account, err := NewLocalAccount("Main Account")
	require.NoError(t, err)
	require.Equal(t, "Main Account", account.Name)
	require.NotEmpty(t, account.RecoveryPhrase)
	require.Len(t, account.PrivKey, 32)

	// The address is deterministic in the public key.
	require.Equal(t, account.Address,
		AddressFromPubKey(mustHexDecode(t, account.PublicKey)))

	// Two generated accounts never collide.
	other, err := NewLocalAccount("Other")
	require.NoError(t, err)
	require.NotEqual(t, account.Address, other.Address)
}

// TestImportLocalAccount tests that importing the recovery phrase of an
// existing account reproduces the same keys and address.
func TestImportLocalAccount(t *testing.T) {
	t.Parallel()

	account, err := NewLocalAccount("Original")
	require.NoError(t, err)

	restored, err := ImportLocalAccount("Restored",
		account.RecoveryPhrase)
	require.NoError(t, err)

	require.Equal(t, account.Address, restored.Address)
	require.Equal(t, account.PublicKey, restored.PublicKey)
	require.Equal(t, account.PrivKey, restored.PrivKey)
	require.Equal(t, "Restored", restored.Name)

	_, err = ImportLocalAccount("Bad", "not a real mnemonic at all")
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

// TestLocalSignVerify tests the local sign path end to end, including that
// signatures do not verify under a different message or key.
func TestLocalSignVerify(t *testing.T) {
	t.Parallel()

	ring := NewRing()

	account, err := NewLocalAccount("Signer")
	require.NoError(t, err)

	signer, err := ring.SignerFor(account)
	require.NoError(t, err)
	require.Equal(t, account.PublicKey, signer.PubKey())

	msg := []byte("message to sign")
	sig, err := signer.SignMessage(msg)
	require.NoError(t, err)

	ok, err := VerifySignature(account.PublicKey, msg, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySignature(account.PublicKey, []byte("other"), sig)
	require.NoError(t, err)
	require.False(t, ok)

	other, err := NewLocalAccount("Other")
	require.NoError(t, err)
	ok, err = VerifySignature(other.PublicKey, msg, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestSignerForMalformedKey tests that corrupted key material is rejected
// before any signing happens.
func TestSignerForMalformedKey(t *testing.T) {
	t.Parallel()

	ring := NewRing()

	_, err := ring.SignerFor(&vault.LocalAccount{
		Address: "0xaaa",
		PrivKey: []byte{0x01, 0x02},
	})
	require.ErrorIs(t, err, ErrMalformedKey)
}

type recordingBackend struct {
	lastMsg []byte
	sig     []byte
	err     error
}

func (b *recordingBackend) Sign(_ vault.Account, msg []byte) ([]byte,
	error) {

	b.lastMsg = msg
	return b.sig, b.err
}

// TestBackendDispatch tests that non-local variants are dispatched to their
// registered backend, and fail cleanly when none is registered.
func TestBackendDispatch(t *testing.T) {
	t.Parallel()

	ring := NewRing()
	hardware := &vault.HardwareAccount{
		Address:   "0xhw",
		PublicKey: "pub-hw",
		Transport: vault.TransportUSB,
	}

	// No backend registered yet.
	_, err := ring.SignerFor(hardware)
	require.ErrorIs(t, err, ErrSignerUnavailable)

	backend := &recordingBackend{sig: []byte("device-sig")}
	ring.RegisterBackend(vault.VariantHardware, backend)

	signer, err := ring.SignerFor(hardware)
	require.NoError(t, err)
	require.Equal(t, "pub-hw", signer.PubKey())

	sig, err := signer.SignMessage([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("device-sig"), sig)
	require.Equal(t, []byte("payload"), backend.lastMsg)

	// A remote variant still has no backend.
	_, err = ring.SignerFor(&vault.RemoteAccount{Address: "0xr"})
	require.ErrorIs(t, err, ErrSignerUnavailable)

	// Backend errors propagate.
	backend.err = fmt.Errorf("device unplugged")
	_, err = signer.SignMessage([]byte("payload"))
	require.Error(t, err)
}

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}
