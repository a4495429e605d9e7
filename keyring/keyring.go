// Package keyring resolves vault accounts to signing capabilities. Local
// accounts sign in-process with their vault-held private key; hardware and
// remote accounts are dispatched to pluggable backends that drive the
// external device flow.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/seclave/walletd/vault"
	"github.com/tyler-smith/go-bip39"
)

var (
	// ErrSignerUnavailable is returned when an account's variant has no
	// registered backend in this host.
	ErrSignerUnavailable = fmt.Errorf("no signer available for account")

	// ErrMalformedKey is returned when a local account's private key
	// material cannot be parsed.
	ErrMalformedKey = fmt.Errorf("malformed private key material")

	// ErrInvalidMnemonic is returned when importing an account from a
	// recovery phrase that fails checksum validation.
	ErrInvalidMnemonic = fmt.Errorf("invalid recovery phrase")
)

// Signer produces signatures on behalf of a single account.
type Signer interface {
	// SignMessage signs the sha256 digest of the passed message and
	// returns the serialized signature.
	SignMessage(msg []byte) ([]byte, error)

	// PubKey returns the hex encoded public key of the signing identity.
	PubKey() string
}

// Backend signs on behalf of accounts whose key material lives outside the
// vault, e.g. on a hardware device. A backend is registered per account
// variant.
type Backend interface {
	// Sign signs the sha256 digest of msg for the given account.
	Sign(account vault.Account, msg []byte) ([]byte, error)
}

// Ring maps accounts onto signers. The zero value supports local accounts
// only; external variants require a registered backend.
type Ring struct {
	mtx      sync.RWMutex
	backends map[vault.Variant]Backend
}

// NewRing creates an empty keyring.
func NewRing() *Ring {
	return &Ring{backends: make(map[vault.Variant]Backend)}
}

// RegisterBackend installs the backend used to sign for the given account
// variant, replacing any previous one.
func (r *Ring) RegisterBackend(variant vault.Variant, backend Backend) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.backends[variant] = backend
}

// SignerFor resolves the account to a signer, or fails with
// ErrSignerUnavailable if the account's variant has no way to sign in this
// host.
func (r *Ring) SignerFor(account vault.Account) (Signer, error) {
	if local, ok := account.(*vault.LocalAccount); ok {
		return newLocalSigner(local)
	}

	r.mtx.RLock()
	backend, ok := r.backends[account.AccountVariant()]
	r.mtx.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: variant %v", ErrSignerUnavailable,
			account.AccountVariant())
	}

	return &backendSigner{account: account, backend: backend}, nil
}

// localSigner signs with an in-memory private key.
type localSigner struct {
	priv *btcec.PrivateKey
	pub  string
}

func newLocalSigner(account *vault.LocalAccount) (*localSigner, error) {
	if len(account.PrivKey) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedKey,
			len(account.PrivKey))
	}

	priv, _ := btcec.PrivKeyFromBytes(account.PrivKey)
	return &localSigner{
		priv: priv,
		pub:  account.PublicKey,
	}, nil
}

// SignMessage signs the sha256 digest of the passed message.
func (s *localSigner) SignMessage(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(s.priv, digest[:])
	return sig.Serialize(), nil
}

// PubKey returns the hex encoded public key of the signing identity.
func (s *localSigner) PubKey() string {
	return s.pub
}

// backendSigner adapts a registered backend to the Signer interface for one
// account.
type backendSigner struct {
	account vault.Account
	backend Backend
}

func (s *backendSigner) SignMessage(msg []byte) ([]byte, error) {
	return s.backend.Sign(s.account, msg)
}

func (s *backendSigner) PubKey() string {
	return s.account.AccountPubKey()
}

// VerifySignature checks a serialized signature produced by SignMessage
// against the hex encoded public key.
func VerifySignature(pubKeyHex string, msg, sig []byte) (bool, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, err
	}
	pubKey, err := btcec.ParsePubKey(raw)
	if err != nil {
		return false, err
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pubKey), nil
}

// NewLocalAccount creates a fresh local account: it generates a recovery
// phrase, derives the key pair from it and computes the account address
// from the public key.
func NewLocalAccount(name string) (*vault.LocalAccount, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}

	return accountFromMnemonic(name, mnemonic)
}

// ImportLocalAccount recreates a local account from an existing recovery
// phrase. The same phrase always yields the same address and keys.
func ImportLocalAccount(name, mnemonic string) (*vault.LocalAccount, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	return accountFromMnemonic(name, mnemonic)
}

func accountFromMnemonic(name, mnemonic string) (*vault.LocalAccount,
	error) {

	seed := bip39.NewSeed(mnemonic, "")

	var priv *btcec.PrivateKey
	privBytes := seed[:btcec.PrivKeyBytesLen]
	priv, _ = btcec.PrivKeyFromBytes(privBytes)
	if priv.Key.IsZero() {
		return nil, ErrMalformedKey
	}

	pubKey := priv.PubKey().SerializeCompressed()

	return &vault.LocalAccount{
		Address:        AddressFromPubKey(pubKey),
		PublicKey:      hex.EncodeToString(pubKey),
		Name:           name,
		PrivKey:        priv.Serialize(),
		RecoveryPhrase: mnemonic,
	}, nil
}

// AddressFromPubKey derives the stable account address from the serialized
// public key.
func AddressFromPubKey(pubKey []byte) string {
	digest := sha256.Sum256(pubKey)
	return "0x" + hex.EncodeToString(digest[:])
}
