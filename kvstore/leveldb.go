package kvstore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB implements Store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// NewInMemory opens a LevelDB database backed by memory only. Used by tests.
func NewInMemory() *LevelDB {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return &LevelDB{db: db}
}

func (l *LevelDB) Get(key string) ([]byte, bool, error) {
	val, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (l *LevelDB) Put(key string, value []byte) error {
	return l.db.Put([]byte(key), value, nil)
}

func (l *LevelDB) Delete(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDB) List(prefix string, limit int) ([]Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		if limit > 0 && len(entries) >= limit {
			break
		}
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		entries = append(entries, Entry{Key: string(key), Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
