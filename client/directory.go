// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
)

// PeerEntry is a cached peer identity. The Raw fields preserve the exact
// JWK strings received from the relay so fingerprints stay stable across
// refreshes; the parsed keys are what the envelope code consumes.
type PeerEntry struct {
	ID            string
	Gladys4UserID string
	Connected     bool

	RSAPublicKey   *rsa.PublicKey
	ECDSAPublicKey *ecdsa.PublicKey

	RawRSAPublicKey   string
	RawECDSAPublicKey string
}

// RSAFingerprint returns the display fingerprint of the peer's encryption
// key, computed over the verbatim JWK string.
func (p *PeerEntry) RSAFingerprint() string {
	return crypto.Fingerprint([]byte(p.RawRSAPublicKey))
}

// instanceUserDTO is the relay's shape for GET /instances/users. The
// public keys are JSON-in-JSON: JWK documents carried as strings.
type instanceUserDTO struct {
	ID             string `json:"id"`
	Gladys4UserID  string `json:"gladys_4_user_id"`
	Connected      bool   `json:"connected"`
	RSAPublicKey   string `json:"rsa_public_key"`
	ECDSAPublicKey string `json:"ecdsa_public_key"`
}

func (d *instanceUserDTO) toPeerEntry() (*PeerEntry, error) {
	rsaPub, err := crypto.ImportRSAPublicKey([]byte(d.RSAPublicKey))
	if err != nil {
		return nil, err
	}
	ecdsaPub, err := crypto.ImportECDSAPublicKey([]byte(d.ECDSAPublicKey))
	if err != nil {
		return nil, err
	}
	return &PeerEntry{
		ID:                d.ID,
		Gladys4UserID:     d.Gladys4UserID,
		Connected:         d.Connected,
		RSAPublicKey:      rsaPub,
		ECDSAPublicKey:    ecdsaPub,
		RawRSAPublicKey:   d.RSAPublicKey,
		RawECDSAPublicKey: d.ECDSAPublicKey,
	}, nil
}

// PeerDirectory caches the peer public keys of a session. Entries are
// created on first need or on an explicit refresh and only discarded by
// Clear (the clear-key-cache notification); connectivity updates never
// evict keys.
type PeerDirectory struct {
	fetch func(ctx context.Context) ([]*PeerEntry, error)
	log   *logging.Logger

	mu    sync.Mutex
	peers map[string]*PeerEntry
}

func newPeerDirectory(fetch func(ctx context.Context) ([]*PeerEntry, error), log *logging.Logger) *PeerDirectory {
	return &PeerDirectory{
		fetch: fetch,
		log:   log,
		peers: make(map[string]*PeerEntry),
	}
}

// Get returns the cached entry for a peer id.
func (d *PeerDirectory) Get(id string) (*PeerEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	return p, ok
}

// Refresh fetches the peer list. Unknown peers are inserted with their
// keys; known peers only have their connected flag updated, keeping the
// raw JWKs (and thus fingerprints) stable until an explicit Clear.
func (d *PeerDirectory) Refresh(ctx context.Context) error {
	fetched, err := d.fetch(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range fetched {
		if existing, ok := d.peers[p.ID]; ok {
			existing.Connected = p.Connected
			continue
		}
		d.peers[p.ID] = p
	}
	return nil
}

// Clear drops every cached entry. Used when the relay signals that a peer
// rotated its keys.
func (d *PeerDirectory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = make(map[string]*PeerEntry)
}

// FindByGladys4UserID resolves a local Gladys user id to a peer entry,
// refreshing at most once on a cache miss.
func (d *PeerDirectory) FindByGladys4UserID(ctx context.Context, gladys4UserID string) (*PeerEntry, error) {
	if p, ok := d.findGladys4(gladys4UserID); ok {
		return p, nil
	}
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	if p, ok := d.findGladys4(gladys4UserID); ok {
		return p, nil
	}
	return nil, ErrUnknownRecipient
}

func (d *PeerDirectory) findGladys4(gladys4UserID string) (*PeerEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		if p.Gladys4UserID == gladys4UserID {
			return p, true
		}
	}
	return nil, false
}

// Snapshot returns a copy of the current entries, for broadcasts.
func (d *PeerDirectory) Snapshot() []*PeerEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*PeerEntry, 0, len(d.peers))
	for _, p := range d.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// resolveSender returns the entry for an inbound message's sender,
// refreshing at most once if it is unknown.
func (d *PeerDirectory) resolveSender(ctx context.Context, id string) (*PeerEntry, error) {
	if p, ok := d.Get(id); ok {
		return p, nil
	}
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}
	if p, ok := d.Get(id); ok {
		return p, nil
	}
	return nil, ErrUnknownSender
}
