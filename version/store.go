package version

import (
	"errors"

	"go.etcd.io/bbolt"
)

var (
	metaBucket       = []byte("meta")
	schemaVersionKey = []byte("schema_version")

	ErrDoesNotExist = errors.New("schema version does not exist")
)

// versionStore keeps the schema version next to the journal and orderbook
// buckets in the same bbolt file.
type versionStore struct {
	db *bbolt.DB
}

func newVersionStore(db *bbolt.DB) (*versionStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &versionStore{db: db}, nil
}

func (vs *versionStore) get() (string, error) {
	var stored string
	err := vs.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(schemaVersionKey)
		if raw == nil {
			return ErrDoesNotExist
		}
		stored = string(raw)
		return nil
	})
	return stored, err
}

func (vs *versionStore) set(v string) error {
	return vs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(schemaVersionKey, []byte(v))
	})
}
