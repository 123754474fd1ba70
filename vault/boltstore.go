package vault

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var vaultsBucket = []byte("vaults")

// BoltStore keeps every user's blob in a single bbolt database file.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "vault: opening bolt store %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(vaultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "vault: creating bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(vaultsBucket).Get([]byte(blobName(id)))
		if v == nil {
			return ErrNotFound
		}
		// bbolt values are only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Put(_ context.Context, id string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(vaultsBucket).Put([]byte(blobName(id)), data)
	})
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(vaultsBucket).Delete([]byte(blobName(id)))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
