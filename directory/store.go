// Package directory implements the rendezvous service Makers advertise
// themselves to and Takers pull the current Maker set from (spec §4.7): an
// HTTP server backed by a bbolt bucket keyed by address, plus a Client used
// by both roles to talk to it.
package directory

import (
	"fmt"
	"time"

	bolt "github.com/coreos/bbolt"
	"github.com/fxamacker/cbor/v2"
)

var directoryBucket = []byte("directory-bucket")

// Tuple is one Maker's directory entry: its dial address, its latest
// fidelity bond proof, and the time it was first seen by this directory.
// FirstSeen is preserved across re-pushes from the same address so a Taker
// can prefer long-lived Makers when selecting a route.
type Tuple struct {
	Address       string    `cbor:"address"`
	FidelityProof []byte    `cbor:"fidelity_proof"`
	FirstSeen     time.Time `cbor:"first_seen"`
}

// Store is a bbolt-backed table of Tuples keyed by address, mirroring the
// single-bucket-per-concern layout channeldb uses for its top-level stores.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the directory bucket in db.
func Open(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(directoryBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("directory: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Put inserts or refreshes the Tuple for address. FirstSeen is only set the
// first time an address is seen; subsequent pushes update FidelityProof in
// place and leave FirstSeen untouched.
func (s *Store) Put(address string, fidelityProof []byte, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(directoryBucket)

		firstSeen := now
		if existing := b.Get([]byte(address)); existing != nil {
			var t Tuple
			if err := cbor.Unmarshal(existing, &t); err == nil {
				firstSeen = t.FirstSeen
			}
		}

		t := Tuple{
			Address:       address,
			FidelityProof: fidelityProof,
			FirstSeen:     firstSeen,
		}
		raw, err := cbor.Marshal(t)
		if err != nil {
			return fmt.Errorf("directory: encode tuple: %w", err)
		}
		return b.Put([]byte(address), raw)
	})
}

// Delete removes address from the directory, used to evict an address a
// Taker reports as unreachable.
func (s *Store) Delete(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(directoryBucket).Delete([]byte(address))
	})
}

// List returns every known Tuple, unordered.
func (s *Store) List() ([]Tuple, error) {
	var tuples []Tuple
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(directoryBucket)
		return b.ForEach(func(k, v []byte) error {
			var t Tuple
			if err := cbor.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("directory: decode tuple for %s: %w", k, err)
			}
			tuples = append(tuples, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tuples, nil
}
