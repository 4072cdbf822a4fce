// Package sessiondb stores the packets of signing rounds in a bbolt
// database. Every participant's packet for a round is combined into the one
// stored under the round's id.
package sessiondb

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kyleo-o/psbt-sdk/psbt"
	"go.etcd.io/bbolt"
)

var (
	// sessionBucket holds one BIP174 encoded packet per session id.
	sessionBucket = []byte("psbt-sessions")

	// ErrSessionNotFound is returned for ids without a stored packet.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyID is returned for an empty session id.
	ErrEmptyID = errors.New("empty session id")
)

// DB is a session store.
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the store at path. The timeout bounds the wait for
// the file lock held by other processes, zero waits forever.
func Open(path string, timeout time.Duration) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Put combines p with the packet stored under id and stores the result,
// which is returned. The first Put of an id stores p as is.
func (d *DB) Put(id string, p *psbt.Packet) (*psbt.Packet, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	var result *psbt.Packet
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		result = p
		if stored := b.Get([]byte(id)); stored != nil {
			prev, err := psbt.Decode(stored)
			if err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}

			result, err = psbt.Combine(prev, p)
			if err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
		}

		raw, err := result.Bytes()
		if err != nil {
			return err
		}

		return b.Put([]byte(id), raw)
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Stored session %s", id)

	return result, nil
}

// Get returns the packet stored under id.
func (d *DB) Get(id string) (*psbt.Packet, error) {
	var p *psbt.Packet
	err := d.db.View(func(tx *bbolt.Tx) error {
		stored := tx.Bucket(sessionBucket).Get([]byte(id))
		if stored == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}

		// Decode copies what it keeps, the bbolt slice is only valid
		// inside the transaction.
		var err error
		p, err = psbt.Decode(stored)

		return err
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Delete removes the session id.
func (d *DB) Delete(id string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}

		return b.Delete([]byte(id))
	})
}

// List returns the stored session ids in order.
func (d *DB) List() ([]string, error) {
	var ids []string
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	return ids, nil
}
