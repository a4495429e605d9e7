package vault

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/seclave/walletd/kdf"
	"github.com/seclave/walletd/statedb"
)

// CurrentStateVersion is the schema version newly initialized vaults are
// written at, and the version Unlock migrates older state up to.
const CurrentStateVersion uint32 = 2

var (
	// ErrMigrationMissing is returned when the registry has no migration
	// for a version on the upgrade path.
	ErrMigrationMissing = fmt.Errorf("no migration registered for version")

	// ErrDowngradeUnsupported is returned when a downgrade path crosses a
	// migration without a downgrade function. The whole batch fails;
	// nothing is persisted.
	ErrDowngradeUnsupported = fmt.Errorf("migration has no downgrade")
)

// Migration mutates the shape of the persisted state between two adjacent
// schema versions. Upgrade moves version n-1 state to version n; Downgrade,
// when non-nil, reverses it. Migrations are the only code allowed to change
// the shape of the persisted payload; everything else assumes the current
// shape.
type Migration struct {
	Upgrade   func(state statedb.Snapshot) (statedb.Changes, error)
	Downgrade func(state statedb.Snapshot) (statedb.Changes, error)
}

// migrations is the registry of all schema migrations, indexed by the
// version each one upgrades to.
var migrations = map[uint32]Migration{
	1: {
		Upgrade:   splitLegacyEncryptedState,
		Downgrade: combineLegacyEncryptedState,
	},
	2: {
		Upgrade:   permissionsToArrays,
		Downgrade: permissionsToStrings,
	},
}

// runMigrations computes the change batch that moves the given state from
// version `from` to version `to`, chaining the per-version migrations in
// order. Each step observes the cumulative updates of all prior steps. The
// returned batch includes the version stamp and is meant to be applied in a
// single atomic commit; if any step fails, no partial batch is returned.
func runMigrations(reg map[uint32]Migration, from, to uint32,
	state statedb.Snapshot) (statedb.Changes, error) {

	total := make(statedb.Changes)
	apply := func(changes statedb.Changes) {
		for k, v := range changes {
			total[k] = v
		}
		state = state.Apply(changes)
	}

	switch {
	// Upgrade: apply migrations from+1 .. to in ascending order.
	case from < to:
		for v := from + 1; v <= to; v++ {
			m, ok := reg[v]
			if !ok {
				return nil, fmt.Errorf("%w: %d",
					ErrMigrationMissing, v)
			}

			log.Infof("Applying state migration to version %d", v)

			changes, err := m.Upgrade(state)
			if err != nil {
				return nil, fmt.Errorf("migration to "+
					"version %d: %w", v, err)
			}
			apply(changes)
		}

	// Downgrade: apply migrations from .. to+1 in descending order,
	// refusing the whole batch up front if any step is irreversible.
	case from > to:
		for v := from; v > to; v-- {
			m, ok := reg[v]
			if !ok {
				return nil, fmt.Errorf("%w: %d",
					ErrMigrationMissing, v)
			}
			if m.Downgrade == nil {
				return nil, fmt.Errorf("%w: version %d",
					ErrDowngradeUnsupported, v)
			}
		}
		for v := from; v > to; v-- {
			log.Infof("Reverting state migration of version %d", v)

			changes, err := reg[v].Downgrade(state)
			if err != nil {
				return nil, fmt.Errorf("downgrade of "+
					"version %d: %w", v, err)
			}
			apply(changes)
		}
	}

	total[statedb.KeyEncryptedStateVersion] = encodeVersion(to)
	return total, nil
}

func encodeVersion(v uint32) []byte {
	return []byte(strconv.FormatUint(uint64(v), 10))
}

func parseVersion(b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, nil
	}

	v, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed state version %q: %w", b, err)
	}

	return uint32(v), nil
}

// legacyEncryptedStateKey is the pre-v1 key that held the ciphertext, nonce
// and salt as a single JSON blob.
const legacyEncryptedStateKey = "encryptedState"

// legacyEncryptedState is the combined pre-v1 record.
type legacyEncryptedState struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Salt       string `json:"salt"`
}

// splitLegacyEncryptedState is the v0 -> v1 upgrade. It splits the combined
// encryptedState blob into the discrete encryptedAccounts/salt keys and
// stamps the key derivation algorithm, which pre-v1 state always implied to
// be pbkdf2.
func splitLegacyEncryptedState(
	state statedb.Snapshot) (statedb.Changes, error) {

	raw := state.Get(legacyEncryptedStateKey)
	if raw == nil {
		// Nothing to migrate; a vault that was never initialized has
		// no encrypted payload at any version.
		return nil, nil
	}

	var legacy legacyEncryptedState
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}

	record, err := json.Marshal(&encryptedAccountsRecord{
		Ciphertext: legacy.Ciphertext,
		Nonce:      legacy.Nonce,
	})
	if err != nil {
		return nil, err
	}

	return statedb.Changes{
		statedb.KeyEncryptedAccounts:      record,
		statedb.KeySalt:                   []byte(legacy.Salt),
		statedb.KeyKeyDerivationAlgorithm: []byte(kdf.PBKDF2SHA256),
		legacyEncryptedStateKey:           nil,
	}, nil
}

// combineLegacyEncryptedState is the v1 -> v0 downgrade that reassembles the
// combined blob.
func combineLegacyEncryptedState(
	state statedb.Snapshot) (statedb.Changes, error) {

	raw := state.Get(statedb.KeyEncryptedAccounts)
	if raw == nil {
		return nil, nil
	}

	var record encryptedAccountsRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}

	legacy, err := json.Marshal(&legacyEncryptedState{
		Ciphertext: record.Ciphertext,
		Nonce:      record.Nonce,
		Salt:       string(state.Get(statedb.KeySalt)),
	})
	if err != nil {
		return nil, err
	}

	return statedb.Changes{
		legacyEncryptedStateKey:           legacy,
		statedb.KeyEncryptedAccounts:      nil,
		statedb.KeySalt:                   nil,
		statedb.KeyKeyDerivationAlgorithm: nil,
	}, nil
}

// permissionsToArrays is the v1 -> v2 upgrade. The permission ledger used to
// store each address's origins as a comma joined string; v2 stores a proper
// JSON array per address.
func permissionsToArrays(state statedb.Snapshot) (statedb.Changes, error) {
	raw := state.Get(statedb.KeyPermissions)
	if raw == nil {
		return nil, nil
	}

	var legacy map[string]string
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}

	perms := make(map[string][]string, len(legacy))
	for addr, joined := range legacy {
		if joined == "" {
			perms[addr] = []string{}
			continue
		}
		perms[addr] = strings.Split(joined, ",")
	}

	encoded, err := json.Marshal(perms)
	if err != nil {
		return nil, err
	}

	return statedb.Changes{statedb.KeyPermissions: encoded}, nil
}

// permissionsToStrings is the v2 -> v1 downgrade re-joining the origin
// arrays.
func permissionsToStrings(state statedb.Snapshot) (statedb.Changes, error) {
	raw := state.Get(statedb.KeyPermissions)
	if raw == nil {
		return nil, nil
	}

	var perms map[string][]string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, err
	}

	legacy := make(map[string]string, len(perms))
	for addr, origins := range perms {
		legacy[addr] = strings.Join(origins, ",")
	}

	encoded, err := json.Marshal(legacy)
	if err != nil {
		return nil, err
	}

	return statedb.Changes{statedb.KeyPermissions: encoded}, nil
}
