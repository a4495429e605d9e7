// Package kdf houses the registry of key derivation algorithms used to turn
// a wallet passphrase and salt into a symmetric encryption key. The
// algorithm identifier travels with the encrypted state, so new algorithms
// can be registered without invalidating old ciphertexts.
package kdf

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeyLen is the length in bytes of all derived keys.
	KeyLen = 32

	// Argon2id is the identifier of the argon2id algorithm. It is the
	// strongest algorithm currently registered and is what new vaults are
	// created with.
	Argon2id = "argon2id"

	// Scrypt is the identifier of the scrypt algorithm.
	Scrypt = "scrypt"

	// PBKDF2SHA256 is the identifier of the pbkdf2 algorithm with a
	// SHA-256 PRF. It is retained only so that vaults created before
	// scrypt support can still be unlocked.
	PBKDF2SHA256 = "pbkdf2-sha256"
)

const (
	// Interactive argon2id parameters, roughly following the RFC 9106
	// second recommended option. Derivation must stay affordable on the
	// host the daemon runs on while keeping brute force expensive.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	// Interactive scrypt parameters.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	// pbkdf2 iteration count for legacy ciphertexts.
	pbkdf2Iterations = 600_000
)

// ErrUnknownAlgorithm is returned when a derivation is requested for an
// algorithm identifier that has not been registered.
var ErrUnknownAlgorithm = fmt.Errorf("unknown key derivation algorithm")

// Deriver maps a passphrase and salt deterministically onto a symmetric key.
// Implementations must be referentially transparent: the same inputs always
// produce the same key.
type Deriver interface {
	// Name returns the stable identifier of the algorithm.
	Name() string

	// Derive derives a KeyLen byte key from the passphrase and salt.
	Derive(password, salt []byte) ([]byte, error)
}

// registry holds all registered derivers, keyed by algorithm identifier,
// along with the relative strength used to pick the algorithm for newly
// created vaults.
type registry struct {
	sync.RWMutex

	derivers map[string]Deriver
	strength map[string]uint8
}

var reg = &registry{
	derivers: make(map[string]Deriver),
	strength: make(map[string]uint8),
}

// Register adds the deriver to the registry under its name with the given
// relative strength. Registering a name twice replaces the previous deriver,
// which tests use to install cheaper parameters.
func Register(d Deriver, strength uint8) {
	reg.Lock()
	defer reg.Unlock()

	reg.derivers[d.Name()] = d
	reg.strength[d.Name()] = strength
}

// IsSupported returns whether the given algorithm identifier has a
// registered deriver in this host.
func IsSupported(algo string) bool {
	reg.RLock()
	defer reg.RUnlock()

	_, ok := reg.derivers[algo]
	return ok
}

// Strongest returns the identifier of the strongest registered algorithm.
// New vaults are always created with this algorithm.
func Strongest() string {
	reg.RLock()
	defer reg.RUnlock()

	var (
		best         string
		bestStrength uint8
	)
	for name, s := range reg.strength {
		if best == "" || s > bestStrength {
			best, bestStrength = name, s
		}
	}

	return best
}

// Derive derives a key using the registered algorithm identified by algo.
func Derive(algo string, password, salt []byte) ([]byte, error) {
	reg.RLock()
	d, ok := reg.derivers[algo]
	reg.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, algo)
	}

	return d.Derive(password, salt)
}

// argonDeriver implements Deriver on top of argon2id.
type argonDeriver struct{}

func (argonDeriver) Name() string {
	return Argon2id
}

func (argonDeriver) Derive(password, salt []byte) ([]byte, error) {
	return argon2.IDKey(
		password, salt, argonTime, argonMemory, argonThreads, KeyLen,
	), nil
}

// scryptDeriver implements Deriver on top of scrypt.
type scryptDeriver struct{}

func (scryptDeriver) Name() string {
	return Scrypt
}

func (scryptDeriver) Derive(password, salt []byte) ([]byte, error) {
	return scrypt.Key(password, salt, scryptN, scryptR, scryptP, KeyLen)
}

// pbkdf2Deriver implements Deriver on top of pbkdf2 with SHA-256.
type pbkdf2Deriver struct{}

func (pbkdf2Deriver) Name() string {
	return PBKDF2SHA256
}

func (pbkdf2Deriver) Derive(password, salt []byte) ([]byte, error) {
	return pbkdf2.Key(
		password, salt, pbkdf2Iterations, KeyLen, sha256.New,
	), nil
}

func init() {
	Register(pbkdf2Deriver{}, 10)
	Register(scryptDeriver{}, 20)
	Register(argonDeriver{}, 30)
}
