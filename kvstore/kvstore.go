// Package kvstore provides the durable ordered key-value storage the
// scheduler runs on. List iterates keys in byte-lexicographic order, which is
// what makes the zero-padded time-derived queue keys scan in temporal order.
package kvstore

// Entry is one key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

type Store interface {
	// Get returns the value at key and whether it exists.
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	// List returns up to limit entries whose keys start with prefix, in
	// ascending key order. limit <= 0 means no limit.
	List(prefix string, limit int) ([]Entry, error)
	Close() error
}
