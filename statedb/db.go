// Package statedb implements the persisted key/value state surface shared by
// the vault, the permission ledger and the event notifier. All state lives
// in a single bucket of discrete keys; every mutation is a read-modify-write
// against one bolt transaction, which is what serializes concurrent writers.
package statedb

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const (
	dbFilePermission = 0600
)

// Keys of the persisted wallet state. The vault, permission ledger and
// notifier all read and write through these.
const (
	// KeyActiveAccountAddress holds the address of the currently active
	// account.
	KeyActiveAccountAddress = "activeAccountAddress"

	// KeyActiveAccountPublicKey holds the public key of the currently
	// active account.
	KeyActiveAccountPublicKey = "activeAccountPublicKey"

	// KeyEncryptedAccounts holds the JSON encoded ciphertext/nonce pair
	// protecting the account set.
	KeyEncryptedAccounts = "encryptedAccounts"

	// KeySalt holds the hex encoded key derivation salt.
	KeySalt = "salt"

	// KeyKeyDerivationAlgorithm holds the identifier of the algorithm the
	// encryption key is derived with.
	KeyKeyDerivationAlgorithm = "keyDerivationAlgorithm"

	// KeyEncryptedStateVersion holds the schema version of the persisted
	// state as a decimal string.
	KeyEncryptedStateVersion = "encryptedStateVersion"

	// KeyPermissions holds the JSON encoded map from account address to
	// the list of origins approved for it.
	KeyPermissions = "permissions"

	// KeyNetworkName, KeyChainID and KeyNetworkURL describe the active
	// network. The trust core only reads them for event derivation.
	KeyNetworkName = "networkName"
	KeyChainID     = "chainId"
	KeyNetworkURL  = "networkUrl"
)

var (
	// walletStateBucket is the top level bucket all state keys live in.
	walletStateBucket = []byte("wallet-state")

	// ErrStateBucketNotFound is returned when the state bucket is missing
	// from the database, which can only happen if the file was tampered
	// with or created by something else.
	ErrStateBucketNotFound = fmt.Errorf("wallet state bucket not found")
)

// Snapshot is a point-in-time copy of the full persisted state.
type Snapshot map[string][]byte

// Get returns the value for the given key, or nil if the key is absent.
func (s Snapshot) Get(key string) []byte {
	return s[key]
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Apply returns a copy of the snapshot with the given changes applied.
func (s Snapshot) Apply(changes Changes) Snapshot {
	out := s.Clone()
	for k, v := range changes {
		if v == nil {
			delete(out, k)
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Changes is a batch of mutations applied atomically by Commit. A nil value
// deletes the key.
type Changes map[string][]byte

// CommitHook is invoked after every successful commit with the state before
// and after the change batch. Hooks run sequentially in commit order.
type CommitHook func(old, new Snapshot)

// DB provides access to the persisted wallet state.
type DB struct {
	*bolt.DB

	// commitMtx serializes commits so that hooks observe change batches
	// in the order they were applied.
	commitMtx sync.Mutex

	hookMtx sync.RWMutex
	hooks   []CommitHook
}

// Open opens, creating if necessary, the wallet state database at the given
// path.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(walletStateBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{DB: bdb}, nil
}

// OnCommit registers a hook invoked after every successful commit.
func (d *DB) OnCommit(hook CommitHook) {
	d.hookMtx.Lock()
	defer d.hookMtx.Unlock()

	d.hooks = append(d.hooks, hook)
}

// Get returns the current value of a single key, or nil if it is not set.
func (d *DB) Get(key string) ([]byte, error) {
	var value []byte
	err := d.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(walletStateBucket)
		if bucket == nil {
			return ErrStateBucketNotFound
		}

		if v := bucket.Get([]byte(key)); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Snapshot returns a copy of the complete persisted state.
func (d *DB) Snapshot() (Snapshot, error) {
	snapshot := make(Snapshot)
	err := d.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(walletStateBucket)
		if bucket == nil {
			return ErrStateBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			snapshot[string(k)] = value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Commit atomically applies the change batch. Either every change is
// persisted or none are. After the transaction commits, all registered
// hooks are invoked with the before/after snapshots.
func (d *DB) Commit(changes Changes) error {
	if len(changes) == 0 {
		return nil
	}

	d.commitMtx.Lock()
	defer d.commitMtx.Unlock()

	var oldState, newState Snapshot
	err := d.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(walletStateBucket)
		if bucket == nil {
			return ErrStateBucketNotFound
		}

		oldState = make(Snapshot)
		err := bucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			oldState[string(k)] = value
			return nil
		})
		if err != nil {
			return err
		}

		for key, value := range changes {
			if value == nil {
				if err := bucket.Delete([]byte(key)); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put([]byte(key), value); err != nil {
				return err
			}
		}

		newState = oldState.Apply(changes)
		return nil
	})
	if err != nil {
		return err
	}

	log.Tracef("Committed %d state change(s)", len(changes))

	d.hookMtx.RLock()
	hooks := d.hooks
	d.hookMtx.RUnlock()

	for _, hook := range hooks {
		hook(oldState, newState)
	}

	return nil
}
