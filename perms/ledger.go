// Package perms implements the per-origin permission ledger. A permission
// is a durable grant of the connect capability from one account address to
// one origin; every other capability checks the ledger before involving the
// user.
package perms

import (
	"encoding/json"
	"sort"

	mapset "github.com/deckarep/golang-set"
	"github.com/seclave/walletd/statedb"
)

// Ledger reads and mutates the persisted permission map. All mutations go
// through the state database so that commit hooks observe them.
type Ledger struct {
	db *statedb.DB
}

// NewLedger creates a ledger bound to the given state database.
func NewLedger(db *statedb.DB) *Ledger {
	return &Ledger{db: db}
}

// grants is the persisted shape: account address to the list of origins
// approved for it.
type grants map[string][]string

func decodeGrants(raw []byte) (grants, error) {
	if raw == nil {
		return make(grants), nil
	}

	var g grants
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	if g == nil {
		g = make(grants)
	}
	return g, nil
}

// DecodeOrigins parses the raw permission value from a state snapshot into
// the set of origins granted to the given address. A missing or malformed
// value yields the empty set.
func DecodeOrigins(raw []byte, address string) mapset.Set {
	set := mapset.NewSet()

	g, err := decodeGrants(raw)
	if err != nil {
		log.Warnf("Ignoring malformed permission ledger: %v", err)
		return set
	}

	for _, origin := range g[address] {
		set.Add(origin)
	}
	return set
}

func (l *Ledger) load() (grants, error) {
	raw, err := l.db.Get(statedb.KeyPermissions)
	if err != nil {
		return nil, err
	}
	return decodeGrants(raw)
}

func (l *Ledger) store(g grants) error {
	encoded, err := json.Marshal(g)
	if err != nil {
		return err
	}

	return l.db.Commit(statedb.Changes{
		statedb.KeyPermissions: encoded,
	})
}

// IsAllowed reports whether the origin holds a grant from the address.
func (l *Ledger) IsAllowed(address, origin string) (bool, error) {
	g, err := l.load()
	if err != nil {
		return false, err
	}

	for _, o := range g[address] {
		if o == origin {
			return true, nil
		}
	}
	return false, nil
}

// Add grants the origin access to the address. Adding an existing grant is
// a no-op that does not touch the database.
func (l *Ledger) Add(address, origin string) error {
	g, err := l.load()
	if err != nil {
		return err
	}

	set := mapset.NewSet()
	for _, o := range g[address] {
		set.Add(o)
	}
	if set.Contains(origin) {
		return nil
	}
	set.Add(origin)

	g[address] = sortedOrigins(set)

	log.Infof("Granting %v access to account %v", origin, address)

	return l.store(g)
}

// Remove revokes the origin's grant from the address. Revoking a grant that
// does not exist is a no-op.
func (l *Ledger) Remove(address, origin string) error {
	g, err := l.load()
	if err != nil {
		return err
	}

	set := mapset.NewSet()
	for _, o := range g[address] {
		set.Add(o)
	}
	if !set.Contains(origin) {
		return nil
	}
	set.Remove(origin)

	if set.Cardinality() == 0 {
		delete(g, address)
	} else {
		g[address] = sortedOrigins(set)
	}

	log.Infof("Revoking %v access to account %v", origin, address)

	return l.store(g)
}

// RemoveAccounts drops all grants held against the given addresses, e.g.
// when the accounts themselves are removed from the vault.
func (l *Ledger) RemoveAccounts(addresses []string) error {
	g, err := l.load()
	if err != nil {
		return err
	}

	removed := false
	for _, addr := range addresses {
		if _, ok := g[addr]; ok {
			delete(g, addr)
			removed = true
		}
	}
	if !removed {
		return nil
	}

	return l.store(g)
}

// List returns the origins granted to the address, in lexical order.
func (l *Ledger) List(address string) ([]string, error) {
	g, err := l.load()
	if err != nil {
		return nil, err
	}

	origins := make([]string, len(g[address]))
	copy(origins, g[address])
	sort.Strings(origins)
	return origins, nil
}

func sortedOrigins(set mapset.Set) []string {
	origins := make([]string, 0, set.Cardinality())
	for o := range set.Iter() {
		origins = append(origins, o.(string))
	}
	sort.Strings(origins)
	return origins
}
