package vault

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/seclave/walletd/kdf"
	"github.com/seclave/walletd/statedb"
	"github.com/stretchr/testify/require"
)

// seedLegacyVault writes a pre-v1 vault shape to the database: the combined
// encryptedState blob and a comma joined permission ledger, with no version
// key at all.
func seedLegacyVault(t *testing.T, db *statedb.DB, password []byte,
	accounts Accounts) {

	t.Helper()

	salt := []byte("legacy-salt")
	encKey, err := kdf.Derive(kdf.PBKDF2SHA256, password, salt)
	require.NoError(t, err)

	plaintext, err := json.Marshal(accounts)
	require.NoError(t, err)

	payload, err := Encrypt(encKey, plaintext)
	require.NoError(t, err)

	legacy, err := json.Marshal(&legacyEncryptedState{
		Ciphertext: hex.EncodeToString(payload.Ciphertext),
		Nonce:      hex.EncodeToString(payload.Nonce),
		Salt:       hex.EncodeToString(salt),
	})
	require.NoError(t, err)

	perms, err := json.Marshal(map[string]string{
		"0xaaa": "https://app.example.com,https://dex.example.com",
		"0xbbb": "",
	})
	require.NoError(t, err)

	require.NoError(t, db.Commit(statedb.Changes{
		legacyEncryptedStateKey:         legacy,
		statedb.KeyPermissions:          perms,
		statedb.KeyActiveAccountAddress: []byte("0xaaa"),
	}))
}

// TestUnlockMigratesLegacyState tests that unlocking a pre-v1 vault runs the
// full migration chain, persists the migrated shape atomically and then
// decrypts normally.
func TestUnlockMigratesLegacyState(t *testing.T) {
	t.Parallel()

	v, db := newTestVault(t)
	seedLegacyVault(t, db, []byte("pw"), testAccounts())

	initialized, err := v.IsInitialized()
	require.NoError(t, err)
	require.True(t, initialized)

	require.NoError(t, v.Unlock([]byte("pw")))

	accounts, err := v.Accounts()
	require.NoError(t, err)
	require.Equal(t, []string{"0xaaa", "0xbbb"}, accounts.Addresses())

	// The combined blob is gone and the discrete keys took its place.
	legacy, err := db.Get(legacyEncryptedStateKey)
	require.NoError(t, err)
	require.Nil(t, legacy)

	record, err := db.Get(statedb.KeyEncryptedAccounts)
	require.NoError(t, err)
	require.NotNil(t, record)

	algo, err := db.Get(statedb.KeyKeyDerivationAlgorithm)
	require.NoError(t, err)
	require.Equal(t, kdf.PBKDF2SHA256, string(algo))

	version, err := db.Get(statedb.KeyEncryptedStateVersion)
	require.NoError(t, err)
	require.Equal(t, "2", string(version))

	// The permission ledger is now keyed to JSON arrays.
	raw, err := db.Get(statedb.KeyPermissions)
	require.NoError(t, err)

	var perms map[string][]string
	require.NoError(t, json.Unmarshal(raw, &perms))
	require.Equal(t, []string{
		"https://app.example.com", "https://dex.example.com",
	}, perms["0xaaa"])
	require.Empty(t, perms["0xbbb"])

	// A wrong passphrase against the migrated state still fails cleanly.
	v.Lock()
	require.ErrorIs(t, v.Unlock([]byte("wrong")), ErrInvalidPassphrase)
}

// TestRunMigrationsRoundTrip tests that upgrading legacy state to the
// current version and downgrading it back restores the original logical
// shape.
func TestRunMigrationsRoundTrip(t *testing.T) {
	t.Parallel()

	_, db := newTestVault(t)
	seedLegacyVault(t, db, []byte("pw"), testAccounts())

	state, err := db.Snapshot()
	require.NoError(t, err)

	up, err := runMigrations(migrations, 0, CurrentStateVersion, state)
	require.NoError(t, err)
	migrated := state.Apply(up)

	require.Nil(t, migrated.Get(legacyEncryptedStateKey))
	require.NotNil(t, migrated.Get(statedb.KeyEncryptedAccounts))

	down, err := runMigrations(migrations, CurrentStateVersion, 0, migrated)
	require.NoError(t, err)
	restored := migrated.Apply(down)

	require.Nil(t, restored.Get(statedb.KeyEncryptedAccounts))
	require.Nil(t, restored.Get(statedb.KeyKeyDerivationAlgorithm))

	var (
		before legacyEncryptedState
		after  legacyEncryptedState
	)
	err = json.Unmarshal(state.Get(legacyEncryptedStateKey), &before)
	require.NoError(t, err)
	err = json.Unmarshal(restored.Get(legacyEncryptedStateKey), &after)
	require.NoError(t, err)
	require.Equal(t, before, after)

	require.JSONEq(t, string(state.Get(statedb.KeyPermissions)),
		string(restored.Get(statedb.KeyPermissions)))
}

// TestRunMigrationsMissing tests that a gap in the registry fails the whole
// batch.
func TestRunMigrationsMissing(t *testing.T) {
	t.Parallel()

	reg := map[uint32]Migration{
		1: migrations[1],
		// Version 2 deliberately absent.
	}

	_, err := runMigrations(reg, 0, 2, make(statedb.Snapshot))
	require.ErrorIs(t, err, ErrMigrationMissing)
}

// TestRunMigrationsDowngradeUnsupported tests that a downgrade path crossing
// an irreversible migration fails up front: no step runs and no partial
// batch is produced.
func TestRunMigrationsDowngradeUnsupported(t *testing.T) {
	t.Parallel()

	ran := false
	reg := map[uint32]Migration{
		1: {
			Upgrade: migrations[1].Upgrade,
			Downgrade: func(
				state statedb.Snapshot) (statedb.Changes,
				error) {

				ran = true
				return nil, nil
			},
		},
		2: {
			Upgrade: migrations[2].Upgrade,
			// No downgrade.
		},
	}

	_, err := runMigrations(reg, 2, 0, make(statedb.Snapshot))
	require.ErrorIs(t, err, ErrDowngradeUnsupported)
	require.False(t, ran)
}

// TestRunMigrationsCumulative tests that each step observes the updates of
// the previous one: the v2 permission migration must see the ledger exactly
// as v1 left it.
func TestRunMigrationsCumulative(t *testing.T) {
	t.Parallel()

	state := make(statedb.Snapshot)

	legacy, err := json.Marshal(&legacyEncryptedState{
		Ciphertext: "aa", Nonce: "bb", Salt: "cc",
	})
	require.NoError(t, err)
	state[legacyEncryptedStateKey] = legacy

	perms, err := json.Marshal(map[string]string{"0xaaa": "one,two"})
	require.NoError(t, err)
	state[statedb.KeyPermissions] = perms

	changes, err := runMigrations(migrations, 0, 2, state)
	require.NoError(t, err)

	// The batch carries the net effect of both steps plus the version
	// stamp.
	final := state.Apply(changes)
	require.Nil(t, final.Get(legacyEncryptedStateKey))
	require.Equal(t, "2",
		string(final.Get(statedb.KeyEncryptedStateVersion)))

	var migratedPerms map[string][]string
	err = json.Unmarshal(final.Get(statedb.KeyPermissions), &migratedPerms)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, migratedPerms["0xaaa"])
}
