// SPDX-License-Identifier: Apache-2.0

// Package store implements the optional persisted client state with a
// simple boltdb backed file. The core never persists anything implicitly;
// callers save state after a successful two-factor login and load it to
// resume a session without replaying the SRP handshake.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	stateBucket = "state"

	refreshTokenKey   = "refresh_token"
	serializedKeysKey = "serialized_keys"
)

// ErrNoState is returned when the store holds no saved credentials.
var ErrNoState = errors.New("store: no saved state")

// SerializedKeys is the JSON document holding the two private keys as JWKs.
type SerializedKeys struct {
	RSAPrivateKey   json.RawMessage `json:"rsaPrivateKey"`
	ECDSAPrivateKey json.RawMessage `json:"ecdsaPrivateKey"`
}

// State is the persisted client state.
type State struct {
	RefreshToken string
	Keys         *SerializedKeys
}

// Store is a boltdb backed state file.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the state file.
func Open(path string) (*Store, error) {
	const fileMode = 0600

	db, err := bolt.Open(path, fileMode, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(stateBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save replaces the persisted state.
func (s *Store) Save(state *State) error {
	keys, err := json.Marshal(state.Keys)
	if err != nil {
		return fmt.Errorf("store: failed to serialize keys: %v", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(stateBucket))
		if err := bkt.Put([]byte(refreshTokenKey), []byte(state.RefreshToken)); err != nil {
			return err
		}
		return bkt.Put([]byte(serializedKeysKey), keys)
	})
}

// Load returns the persisted state, or ErrNoState.
func (s *Store) Load() (*State, error) {
	state := new(State)
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(stateBucket))
		token := bkt.Get([]byte(refreshTokenKey))
		keys := bkt.Get([]byte(serializedKeysKey))
		if token == nil || keys == nil {
			return ErrNoState
		}
		state.RefreshToken = string(token)
		state.Keys = new(SerializedKeys)
		return json.Unmarshal(keys, state.Keys)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Clear drops the persisted state.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(stateBucket))
		if err := bkt.Delete([]byte(refreshTokenKey)); err != nil {
			return err
		}
		return bkt.Delete([]byte(serializedKeysKey))
	})
}

// Close closes the state file.
func (s *Store) Close() error {
	return s.db.Close()
}
