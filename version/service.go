// Package version guards the on-disk schema of the swap journal and the
// orderbook store against upgrades that would strand unfinished swaps.
package version

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

const (
	// version of the journal schema and the orderbook store.
	version = "v0.1"
)

type UnfinishedSwapsGetter interface {
	HasUnfinishedSwaps() (bool, error)
}

type VersionService struct {
	store *versionStore
}

func NewVersionService(db *bbolt.DB) (*VersionService, error) {
	store, err := newVersionStore(db)
	if err != nil {
		return nil, err
	}
	return &VersionService{store: store}, nil
}

// SafeUpgrade stores the current schema version. A fresh database is stamped
// right away. An older one is only stamped once no swap is unfinished, and a
// database written by a newer version is never touched.
func (vs *VersionService) SafeUpgrade(journal UnfinishedSwapsGetter) error {
	stored, err := vs.store.get()
	if errors.Is(err, ErrDoesNotExist) {
		return vs.store.set(version)
	}
	if err != nil {
		return err
	}

	cmp, err := Compare(version, stored)
	if err != nil {
		return err
	}
	switch {
	case cmp == 0:
		return nil
	case cmp < 0:
		return NewerVersionError{stored}
	}

	hasUnfinished, err := journal.HasUnfinishedSwaps()
	if err != nil {
		return err
	}
	// unfinished swaps were journaled with the old schema, resume them with
	// the version that wrote them
	if hasUnfinished {
		return UnfinishedSwapsError{stored}
	}
	return vs.store.set(version)
}

// StoredVersion returns the schema version the database was last stamped
// with.
func (vs *VersionService) StoredVersion() (string, error) {
	return vs.store.get()
}

// GetCurrentVersion returns the hardcoded schema version.
func GetCurrentVersion() string {
	return version
}

type UnfinishedSwapsError struct {
	version string
}

func (e UnfinishedSwapsError) Error() string {
	return fmt.Sprintf("can not upgrade the database while swaps are unfinished, finish them with version %s first", e.version)
}

type NewerVersionError struct {
	version string
}

func (e NewerVersionError) Error() string {
	return fmt.Sprintf("database was written by version %s, which is newer than %s", e.version, version)
}
