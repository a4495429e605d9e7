package vault

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Variant identifies the signing capability backing an account. The set of
// variants is closed; unknown variants fail deserialization instead of being
// carried along silently.
type Variant string

const (
	// VariantLocal is an account whose private key material lives inside
	// the encrypted vault.
	VariantLocal Variant = "local"

	// VariantHardware is an account backed by a hardware signer reached
	// over a local transport.
	VariantHardware Variant = "hardware"

	// VariantRemote is an account backed by an air-gapped remote signer,
	// e.g. a QR based device.
	VariantRemote Variant = "remote"
)

// TransportVariant is the transport a hardware signer is reached over.
type TransportVariant string

const (
	// TransportUSB is a wired USB transport.
	TransportUSB TransportVariant = "usb"

	// TransportBluetooth is a Bluetooth LE transport.
	TransportBluetooth TransportVariant = "bluetooth"

	// TransportSimulated is an in-process transport used in tests.
	TransportSimulated TransportVariant = "simulated"
)

// ErrUnknownVariant is returned when deserializing an account whose variant
// tag is not part of the closed set.
var ErrUnknownVariant = fmt.Errorf("unknown account variant")

// Account is the closed sum of all account variants. Every variant shares
// the public identity projection: a stable address, a public key and an
// optional display name.
type Account interface {
	// AccountAddress returns the stable identity key of the account.
	AccountAddress() string

	// AccountPubKey returns the hex encoded public key.
	AccountPubKey() string

	// AccountName returns the optional display name.
	AccountName() string

	// AccountVariant returns the variant tag of the account.
	AccountVariant() Variant

	// zeroize destroys any secret material the variant holds in memory.
	// It also seals the interface to the variants declared here.
	zeroize()
}

// AccountInfo is the public identity projection of an account. It is the
// only account data that ever crosses the RPC boundary.
type AccountInfo struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
}

// InfoOf projects an account onto its public identity.
func InfoOf(a Account) AccountInfo {
	return AccountInfo{
		Address:   a.AccountAddress(),
		PublicKey: a.AccountPubKey(),
		Name:      a.AccountName(),
	}
}

// LocalAccount is an account signed with in-vault private key material.
type LocalAccount struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`

	// PrivKey is the raw private key material. It only ever exists in
	// memory while the vault is unlocked.
	PrivKey []byte `json:"privateKey"`

	// RecoveryPhrase is the optional mnemonic the key was derived from.
	RecoveryPhrase string `json:"recoveryPhrase,omitempty"`
}

// AccountAddress returns the stable identity key of the account.
func (a *LocalAccount) AccountAddress() string { return a.Address }

// AccountPubKey returns the hex encoded public key.
func (a *LocalAccount) AccountPubKey() string { return a.PublicKey }

// AccountName returns the optional display name.
func (a *LocalAccount) AccountName() string { return a.Name }

// AccountVariant returns VariantLocal.
func (a *LocalAccount) AccountVariant() Variant { return VariantLocal }

func (a *LocalAccount) zeroize() {
	for i := range a.PrivKey {
		a.PrivKey[i] = 0
	}
	a.RecoveryPhrase = ""
}

// HardwareAccount is an account backed by a hardware signer. The vault only
// stores the public identity and how to reach the device; signing is
// delegated to the transport backend.
type HardwareAccount struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`

	// DerivationPath is the BIP44 style path of the key on the device.
	DerivationPath string `json:"derivationPath"`

	// Transport is how the device is reached.
	Transport TransportVariant `json:"transport"`
}

// AccountAddress returns the stable identity key of the account.
func (a *HardwareAccount) AccountAddress() string { return a.Address }

// AccountPubKey returns the hex encoded public key.
func (a *HardwareAccount) AccountPubKey() string { return a.PublicKey }

// AccountName returns the optional display name.
func (a *HardwareAccount) AccountName() string { return a.Name }

// AccountVariant returns VariantHardware.
func (a *HardwareAccount) AccountVariant() Variant { return VariantHardware }

func (a *HardwareAccount) zeroize() {}

// RemoteAccount is an account backed by an air-gapped signer identified by a
// device fingerprint.
type RemoteAccount struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`

	// DerivationPath is the path of the key on the device.
	DerivationPath string `json:"derivationPath"`

	// DerivationIndex is the account index below the derivation path.
	DerivationIndex uint32 `json:"derivationIndex"`

	// DeviceFingerprint uniquely identifies the signing device.
	DeviceFingerprint string `json:"deviceFingerprint"`
}

// AccountAddress returns the stable identity key of the account.
func (a *RemoteAccount) AccountAddress() string { return a.Address }

// AccountPubKey returns the hex encoded public key.
func (a *RemoteAccount) AccountPubKey() string { return a.PublicKey }

// AccountName returns the optional display name.
func (a *RemoteAccount) AccountName() string { return a.Name }

// AccountVariant returns VariantRemote.
func (a *RemoteAccount) AccountVariant() Variant { return VariantRemote }

func (a *RemoteAccount) zeroize() {}

// accountEnvelope is the tagged JSON encoding of an account variant.
type accountEnvelope struct {
	Variant Variant         `json:"variant"`
	Data    json.RawMessage `json:"data"`
}

// MarshalAccount serializes an account into its tagged envelope.
func MarshalAccount(a Account) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&accountEnvelope{
		Variant: a.AccountVariant(),
		Data:    data,
	})
}

// UnmarshalAccount deserializes an account from its tagged envelope,
// rejecting variants outside the closed set.
func UnmarshalAccount(b []byte) (Account, error) {
	var env accountEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}

	var account Account
	switch env.Variant {
	case VariantLocal:
		account = &LocalAccount{}
	case VariantHardware:
		account = &HardwareAccount{}
	case VariantRemote:
		account = &RemoteAccount{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant,
			env.Variant)
	}

	if err := json.Unmarshal(env.Data, account); err != nil {
		return nil, err
	}

	return account, nil
}

// Accounts is the decrypted account set, keyed by address. Map order is
// irrelevant; all deterministic ordering goes through Addresses.
type Accounts map[string]Account

// MarshalJSON encodes every account through its tagged envelope.
func (s Accounts) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(s))
	for addr, account := range s {
		data, err := MarshalAccount(account)
		if err != nil {
			return nil, err
		}
		out[addr] = data
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes every account through its tagged envelope.
func (s *Accounts) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	accounts := make(Accounts, len(raw))
	for addr, data := range raw {
		account, err := UnmarshalAccount(data)
		if err != nil {
			return err
		}
		accounts[addr] = account
	}

	*s = accounts
	return nil
}

// Addresses returns the sorted set of account addresses.
func (s Accounts) Addresses() []string {
	addrs := make([]string, 0, len(s))
	for addr := range s {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	return addrs
}

// zeroize destroys all secret material held by the set.
func (s Accounts) zeroize() {
	for _, account := range s {
		account.zeroize()
	}
}
