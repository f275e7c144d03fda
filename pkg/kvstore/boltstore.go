package kvstore

import (
	"fmt"
	"strings"

	"github.com/shinkailabs/shinkai-node/pkg/log"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of go.etcd.io/bbolt, treating each
// bbolt bucket as a column family. Buckets are created on demand inside
// the write transaction that first touches them.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database file at
// dataDir/shinkai.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := dataDir
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	path += "shinkai.db"

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	log.Info(fmt.Sprintf("opened kv store at %s", path))

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) ensureBucket(tx *bolt.Tx, cf string) (*bolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(cf))
	if err != nil {
		return nil, fmt.Errorf("create column family %q: %w", cf, err)
	}
	return b, nil
}

func (s *BoltStore) Put(cf, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.ensureBucket(tx, cf)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Get(cf, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, found, err
}

func (s *BoltStore) Delete(cf, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) PrefixScan(cf, prefix string) ([]KV, error) {
	var results []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			val := make([]byte, len(v))
			copy(val, v)
			results = append(results, KV{Key: string(k), Value: val})
		}
		return nil
	})
	return results, err
}

func (s *BoltStore) Batch(fn func(w Writer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		w := &txWriter{tx: tx, store: s}
		return fn(w)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// txWriter implements Writer over a single open bbolt transaction so an
// entire Batch call commits or rolls back atomically.
type txWriter struct {
	tx    *bolt.Tx
	store *BoltStore
}

func (w *txWriter) Put(cf, key string, value []byte) error {
	b, err := w.store.ensureBucket(w.tx, cf)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), value)
}

func (w *txWriter) Delete(cf, key string) error {
	b := w.tx.Bucket([]byte(cf))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}
