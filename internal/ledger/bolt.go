package ledger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("ledger")

// BoltKV stores the ledger in a single bbolt bucket; the tag byte keeps
// record kinds apart.
type BoltKV struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, timeout time.Duration) (*BoltKV, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltKV{db: db}, nil
}

func (s *BoltKV) Get(key []byte) (value []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ledgerBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

func (s *BoltKV) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put(key, value)
	})
}

func (s *BoltKV) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Delete(key)
	})
}

func (s *BoltKV) Write(batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ledgerBucket)
		for _, op := range batch.ops {
			var err error
			if op.delete {
				err = b.Delete(op.key)
			} else {
				err = b.Put(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltKV) Iterate(r Range, reverse bool, fn func(k, v []byte) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ledgerBucket).Cursor()

		var k, v []byte
		if reverse {
			k, v = c.Seek(r.Lte)
			if k == nil {
				k, v = c.Last()
			} else if bytes.Compare(k, r.Lte) > 0 {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Seek(r.Gte)
		}

		for k != nil {
			if reverse && bytes.Compare(k, r.Gte) < 0 {
				break
			}
			if !reverse && bytes.Compare(k, r.Lte) > 0 {
				break
			}

			more, err := fn(bytes.Clone(k), bytes.Clone(v))
			if err != nil || !more {
				return err
			}

			if reverse {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
}

func (s *BoltKV) Count(r Range) (n int, err error) {
	err = s.Iterate(r, false, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func (s *BoltKV) Close() error {
	return s.db.Close()
}
