package orderbook

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	myOrdersBucket = []byte("my_orders")

	ErrDoesNotExist = fmt.Errorf("does not exist")
)

// Store persists the maker orders of this node so they can be gossiped
// again after a restart.
type Store interface {
	Save(order *MakerOrder) error
	Delete(id uuid.UUID) error
	ListAll() ([]*MakerOrder, error)
}

type bboltStore struct {
	db *bbolt.DB
}

func NewBboltStore(db *bbolt.DB) (*bboltStore, error) {
	tx, err := db.Begin(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	_, err = tx.CreateBucketIfNotExists(myOrdersBucket)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &bboltStore{db: db}, nil
}

func (p *bboltStore) Save(order *MakerOrder) error {
	tx, err := p.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b := tx.Bucket(myOrdersBucket)
	if b == nil {
		return fmt.Errorf("bucket nil")
	}

	jData, err := json.Marshal(order)
	if err != nil {
		return err
	}

	if err := b.Put(order.Uuid[:], jData); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *bboltStore) Delete(id uuid.UUID) error {
	tx, err := p.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b := tx.Bucket(myOrdersBucket)
	if b == nil {
		return fmt.Errorf("bucket nil")
	}
	if b.Get(id[:]) == nil {
		return ErrDoesNotExist
	}
	if err := b.Delete(id[:]); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *bboltStore) ListAll() ([]*MakerOrder, error) {
	tx, err := p.db.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b := tx.Bucket(myOrdersBucket)
	if b == nil {
		return nil, fmt.Errorf("bucket nil")
	}
	var orders []*MakerOrder
	err = b.ForEach(func(k, v []byte) error {
		order := &MakerOrder{}
		if err := json.Unmarshal(v, order); err != nil {
			return err
		}
		orders = append(orders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}
