// Package xenstore declares the hierarchical configuration-store contract
// (spec.md §6): path-addressed key/value reads and writes, plus atomic
// transactions for the multi-key publish/read steps in spec.md §4.7. The
// store itself is an external collaborator per spec.md §1; a reference
// implementation lives in xenstore/memimpl.
package xenstore

// Store is the configuration-store contract. Keys are "/"-separated paths,
// e.g. "device/vif/0/backend-id".
type Store interface {
	// Read returns the value at key, or ok=false if the key does not exist.
	Read(key string) (value string, ok bool, err error)
	// Write sets key to value, creating intermediate path segments as
	// needed.
	Write(key, value string) error
	// Directory lists the immediate child names under key.
	Directory(key string) ([]string, error)
	// Transaction runs fn with a Tx that batches reads/writes into one
	// atomic commit, per spec.md §4.7 steps 5 and 6.
	Transaction(fn func(tx Tx) error) error
}

// Tx is a single configuration-store transaction, scoped to the Store's
// Transaction call.
type Tx interface {
	Read(key string) (value string, ok bool, err error)
	Write(key, value string) error
	Directory(key string) ([]string, error)
}

// ReadBool reads key within tx, treating a missing key as false per
// spec.md §7's "config-store read misses for feature keys are silently
// treated as false".
func ReadBool(tx Tx, key string) (bool, error) {
	v, ok, err := tx.Read(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return v == "1", nil
}
