// Package vault implements the encrypted-at-rest container for signing
// secrets and its in-memory unlocked projection. The account set is
// serialized to JSON, sealed under a key derived from the wallet passphrase,
// and re-encrypted in full on every mutation; the ciphertext has no internal
// structure to patch.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/seclave/walletd/kdf"
	"github.com/seclave/walletd/statedb"
)

// SaltLen is the length in bytes of the key derivation salt generated at
// init and rotated on every password change.
const SaltLen = 32

var (
	// ErrNotInitialized is returned when an operation requires an
	// existing vault and none has been created yet.
	ErrNotInitialized = fmt.Errorf("vault is not initialized")

	// ErrAlreadyInitialized is returned when Init is called against a
	// vault that already holds an encrypted payload.
	ErrAlreadyInitialized = fmt.Errorf("vault is already initialized")

	// ErrLocked is returned when an operation requires the decrypted
	// session state and the vault is locked.
	ErrLocked = fmt.Errorf("vault is locked")

	// ErrInvalidPassphrase is returned when the encrypted payload cannot
	// be opened. This deliberately does not distinguish a wrong
	// passphrase from corrupted state; the distinction is logged
	// host-side only.
	ErrInvalidPassphrase = fmt.Errorf("invalid passphrase")

	// ErrAccountNotFound is returned when an account operation references
	// an address not present in the decrypted set.
	ErrAccountNotFound = fmt.Errorf("account not found")

	// ErrAccountExists is returned when adding an account whose address
	// is already present.
	ErrAccountExists = fmt.Errorf("account already exists")

	// ErrNoActiveAccount is returned when an operation requires an
	// active account and the vault holds none.
	ErrNoActiveAccount = fmt.Errorf("wallet has no active account")
)

// encryptedAccountsRecord is the persisted form of the sealed account set,
// stored under statedb.KeyEncryptedAccounts. Ciphertext and nonce are hex
// encoded.
type encryptedAccountsRecord struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// unlockedState is the session-only decrypted projection of the vault. It is
// never persisted and is wiped, not merely dropped, on lock.
type unlockedState struct {
	accounts Accounts
	encKey   []byte
}

func (u *unlockedState) wipe() {
	for i := range u.encKey {
		u.encKey[i] = 0
	}
	u.accounts.zeroize()
	u.accounts = nil
	u.encKey = nil
}

// Vault owns the versioned encrypted state record, performs lock and unlock,
// drives schema migrations, and exposes CRUD over the decrypted in-memory
// account set. All methods are safe for concurrent use; persistence-level
// serialization is provided by the underlying state database.
type Vault struct {
	mtx sync.RWMutex

	db      *statedb.DB
	session *unlockedState
}

// New creates a Vault bound to the given state database.
func New(db *statedb.DB) *Vault {
	return &Vault{db: db}
}

// IsInitialized reports whether an encrypted payload exists, at any schema
// version.
func (v *Vault) IsInitialized() (bool, error) {
	snapshot, err := v.db.Snapshot()
	if err != nil {
		return false, err
	}

	return vaultExists(snapshot), nil
}

func vaultExists(snapshot statedb.Snapshot) bool {
	return snapshot.Get(statedb.KeyEncryptedAccounts) != nil ||
		snapshot.Get(legacyEncryptedStateKey) != nil
}

// IsUnlocked reports whether the decrypted session state is currently held.
func (v *Vault) IsUnlocked() bool {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	return v.session != nil
}

// Init creates the vault: it generates a fresh salt, derives the encryption
// key with the strongest supported algorithm, seals the initial account set
// and persists the encrypted state at the current schema version. The vault
// is left unlocked. If activeAddress is empty, the first account in address
// order becomes active.
func (v *Vault) Init(password []byte, accounts Accounts,
	activeAddress string) error {

	v.mtx.Lock()
	defer v.mtx.Unlock()

	snapshot, err := v.db.Snapshot()
	if err != nil {
		return err
	}
	if vaultExists(snapshot) {
		return ErrAlreadyInitialized
	}

	if accounts == nil {
		accounts = make(Accounts)
	}
	if activeAddress == "" && len(accounts) > 0 {
		activeAddress = accounts.Addresses()[0]
	}
	if activeAddress != "" {
		if _, ok := accounts[activeAddress]; !ok {
			return ErrAccountNotFound
		}
	}

	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}

	algo := kdf.Strongest()
	encKey, err := kdf.Derive(algo, password, salt)
	if err != nil {
		return err
	}

	changes, err := sealAccounts(encKey, accounts)
	if err != nil {
		return err
	}

	changes[statedb.KeySalt] = []byte(hex.EncodeToString(salt))
	changes[statedb.KeyKeyDerivationAlgorithm] = []byte(algo)
	changes[statedb.KeyEncryptedStateVersion] =
		encodeVersion(CurrentStateVersion)

	applyActiveAccount(changes, accounts, activeAddress)

	if err := v.db.Commit(changes); err != nil {
		return err
	}

	log.Infof("Vault initialized with %d account(s), kdf=%v",
		len(accounts), algo)

	v.session = &unlockedState{accounts: accounts, encKey: encKey}
	return nil
}

// Unlock decrypts the vault with the given password. If the persisted state
// is at an older (or newer) schema version, the migration engine brings it
// to the current version and persists the migrated state before the key is
// derived. Unlocking an already unlocked vault is a no-op.
func (v *Vault) Unlock(password []byte) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session != nil {
		return nil
	}

	snapshot, err := v.db.Snapshot()
	if err != nil {
		return err
	}
	if !vaultExists(snapshot) {
		return ErrNotInitialized
	}

	version, err := parseVersion(
		snapshot.Get(statedb.KeyEncryptedStateVersion),
	)
	if err != nil {
		return err
	}

	// Bring the persisted state to the current schema version before
	// touching any key material. The migrated state is persisted first so
	// that a crash mid-unlock never leaves a half-migrated shape.
	if version != CurrentStateVersion {
		log.Infof("Migrating persisted state %d -> %d", version,
			CurrentStateVersion)

		changes, err := runMigrations(
			migrations, version, CurrentStateVersion, snapshot,
		)
		if err != nil {
			return err
		}
		if err := v.db.Commit(changes); err != nil {
			return err
		}
		snapshot = snapshot.Apply(changes)
	}

	encKey, accounts, err := openAccounts(snapshot, password)
	if err != nil {
		return err
	}

	v.session = &unlockedState{accounts: accounts, encKey: encKey}
	return nil
}

// Lock discards the decrypted session state, wiping all key material. It is
// always permitted and synchronous; locking a locked vault is a no-op.
func (v *Vault) Lock() {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session == nil {
		return
	}

	v.session.wipe()
	v.session = nil

	log.Debugf("Vault locked")
}

// ChangePassword re-encrypts the vault under a key derived from the new
// password with a fresh salt and the strongest supported algorithm. Salt,
// algorithm and ciphertext are persisted in one atomic batch; a partial
// update would leave the vault undecryptable. Works on a locked vault.
func (v *Vault) ChangePassword(oldPassword, newPassword []byte) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	snapshot, err := v.db.Snapshot()
	if err != nil {
		return err
	}
	if !vaultExists(snapshot) {
		return ErrNotInitialized
	}

	_, accounts, err := openAccounts(snapshot, oldPassword)
	if err != nil {
		return err
	}

	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}

	algo := kdf.Strongest()
	encKey, err := kdf.Derive(algo, newPassword, salt)
	if err != nil {
		return err
	}

	changes, err := sealAccounts(encKey, accounts)
	if err != nil {
		return err
	}
	changes[statedb.KeySalt] = []byte(hex.EncodeToString(salt))
	changes[statedb.KeyKeyDerivationAlgorithm] = []byte(algo)

	if err := v.db.Commit(changes); err != nil {
		return err
	}

	log.Infof("Vault passphrase changed, salt rotated")

	// If a session is active, swap in the new key and account set so
	// subsequent mutations seal under the new credentials.
	if v.session != nil {
		v.session.wipe()
		v.session = &unlockedState{accounts: accounts, encKey: encKey}
	}

	return nil
}

// Accounts returns the decrypted account set. The returned map is shared
// with the session; callers must not mutate it.
func (v *Vault) Accounts() (Accounts, error) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if v.session == nil {
		return nil, ErrLocked
	}

	return v.session.accounts, nil
}

// ActiveAccount returns the currently active account from the decrypted set.
func (v *Vault) ActiveAccount() (Account, error) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if v.session == nil {
		return nil, ErrLocked
	}

	addr, err := v.db.Get(statedb.KeyActiveAccountAddress)
	if err != nil {
		return nil, err
	}
	if len(addr) == 0 {
		return nil, ErrNoActiveAccount
	}

	account, ok := v.session.accounts[string(addr)]
	if !ok {
		return nil, ErrNoActiveAccount
	}

	return account, nil
}

// SetActiveAccount marks the given address as the active account.
func (v *Vault) SetActiveAccount(address string) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session == nil {
		return ErrLocked
	}

	account, ok := v.session.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}

	return v.db.Commit(statedb.Changes{
		statedb.KeyActiveAccountAddress: []byte(address),
		statedb.KeyActiveAccountPublicKey: []byte(
			account.AccountPubKey(),
		),
	})
}

// AddAccount adds a new account to the set, re-encrypts and persists. The
// first account ever added becomes the active one.
func (v *Vault) AddAccount(account Account) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session == nil {
		return ErrLocked
	}

	addr := account.AccountAddress()
	if _, ok := v.session.accounts[addr]; ok {
		return ErrAccountExists
	}

	v.session.accounts[addr] = account

	changes, err := sealAccounts(v.session.encKey, v.session.accounts)
	if err != nil {
		delete(v.session.accounts, addr)
		return err
	}

	active, err := v.db.Get(statedb.KeyActiveAccountAddress)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		applyActiveAccount(changes, v.session.accounts, addr)
	}

	return v.db.Commit(changes)
}

// UpdateAccount replaces an existing account, re-encrypts and persists. If
// the updated account is the active one, the persisted public key is
// refreshed alongside.
func (v *Vault) UpdateAccount(account Account) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session == nil {
		return ErrLocked
	}

	addr := account.AccountAddress()
	prev, ok := v.session.accounts[addr]
	if !ok {
		return ErrAccountNotFound
	}

	v.session.accounts[addr] = account

	changes, err := sealAccounts(v.session.encKey, v.session.accounts)
	if err != nil {
		v.session.accounts[addr] = prev
		return err
	}

	active, err := v.db.Get(statedb.KeyActiveAccountAddress)
	if err != nil {
		return err
	}
	if string(active) == addr {
		applyActiveAccount(changes, v.session.accounts, addr)
	}

	return v.db.Commit(changes)
}

// RenameAccount updates the display name of an account, re-encrypts and
// persists.
func (v *Vault) RenameAccount(address, name string) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session == nil {
		return ErrLocked
	}

	account, ok := v.session.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}

	switch a := account.(type) {
	case *LocalAccount:
		a.Name = name
	case *HardwareAccount:
		a.Name = name
	case *RemoteAccount:
		a.Name = name
	}

	changes, err := sealAccounts(v.session.encKey, v.session.accounts)
	if err != nil {
		return err
	}

	return v.db.Commit(changes)
}

// RemoveAccounts removes the given addresses from the set, re-encrypts and
// persists. If the active account is removed, another remaining account (in
// address order) atomically takes its place; if none remain, the vault is
// left with no active account.
func (v *Vault) RemoveAccounts(addresses []string) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	if v.session == nil {
		return ErrLocked
	}

	removed := false
	for _, addr := range addresses {
		if account, ok := v.session.accounts[addr]; ok {
			account.zeroize()
			delete(v.session.accounts, addr)
			removed = true
		}
	}
	if !removed {
		return nil
	}

	changes, err := sealAccounts(v.session.encKey, v.session.accounts)
	if err != nil {
		return err
	}

	active, err := v.db.Get(statedb.KeyActiveAccountAddress)
	if err != nil {
		return err
	}
	if _, ok := v.session.accounts[string(active)]; !ok {
		// The active account was removed. Fail over to the first
		// remaining account, or clear the active identity entirely.
		if addrs := v.session.accounts.Addresses(); len(addrs) > 0 {
			applyActiveAccount(
				changes, v.session.accounts, addrs[0],
			)
		} else {
			changes[statedb.KeyActiveAccountAddress] = nil
			changes[statedb.KeyActiveAccountPublicKey] = nil
		}
	}

	return v.db.Commit(changes)
}

// sealAccounts serializes and encrypts the account set under the given key
// with a fresh nonce, returning the change batch holding the new record.
func sealAccounts(encKey []byte, accounts Accounts) (statedb.Changes, error) {
	plaintext, err := json.Marshal(accounts)
	if err != nil {
		return nil, err
	}

	payload, err := Encrypt(encKey, plaintext)
	if err != nil {
		return nil, err
	}

	record, err := json.Marshal(&encryptedAccountsRecord{
		Ciphertext: hex.EncodeToString(payload.Ciphertext),
		Nonce:      hex.EncodeToString(payload.Nonce),
	})
	if err != nil {
		return nil, err
	}

	return statedb.Changes{statedb.KeyEncryptedAccounts: record}, nil
}

// openAccounts derives the key for the snapshot's algorithm/salt pair and
// decrypts the account set. All decryption failures surface as
// ErrInvalidPassphrase; the detail is only logged.
func openAccounts(snapshot statedb.Snapshot,
	password []byte) ([]byte, Accounts, error) {

	algo := string(snapshot.Get(statedb.KeyKeyDerivationAlgorithm))
	if !kdf.IsSupported(algo) {
		return nil, nil, fmt.Errorf("%w: %q", kdf.ErrUnknownAlgorithm,
			algo)
	}

	salt, err := hex.DecodeString(string(snapshot.Get(statedb.KeySalt)))
	if err != nil {
		log.Warnf("Persisted salt is malformed: %v", err)
		return nil, nil, ErrInvalidPassphrase
	}

	var record encryptedAccountsRecord
	err = json.Unmarshal(
		snapshot.Get(statedb.KeyEncryptedAccounts), &record,
	)
	if err != nil {
		log.Warnf("Persisted account record is malformed: %v", err)
		return nil, nil, ErrInvalidPassphrase
	}

	ciphertext, err := hex.DecodeString(record.Ciphertext)
	if err != nil {
		log.Warnf("Persisted ciphertext is malformed: %v", err)
		return nil, nil, ErrInvalidPassphrase
	}
	nonce, err := hex.DecodeString(record.Nonce)
	if err != nil {
		log.Warnf("Persisted nonce is malformed: %v", err)
		return nil, nil, ErrInvalidPassphrase
	}

	encKey, err := kdf.Derive(algo, password, salt)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := Decrypt(encKey, &EncryptedPayload{
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		// Either the passphrase is wrong or the ciphertext is
		// corrupt. Callers must not be able to tell the difference.
		return nil, nil, ErrInvalidPassphrase
	}

	var accounts Accounts
	if err := json.Unmarshal(plaintext, &accounts); err != nil {
		log.Warnf("Decrypted payload is malformed: %v", err)
		return nil, nil, ErrInvalidPassphrase
	}

	return encKey, accounts, nil
}

// applyActiveAccount stamps the active account identity keys into the change
// batch.
func applyActiveAccount(changes statedb.Changes, accounts Accounts,
	address string) {

	if address == "" {
		return
	}
	account, ok := accounts[address]
	if !ok {
		return
	}

	changes[statedb.KeyActiveAccountAddress] = []byte(address)
	changes[statedb.KeyActiveAccountPublicKey] = []byte(
		account.AccountPubKey(),
	)
}
