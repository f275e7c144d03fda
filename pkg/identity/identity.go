// Package identity is the node's local view of C2: resolving a peer's
// ShinkaiName to its public keys and address, and holding this node's own
// profile/device keypairs. The authoritative on-chain registry lookup is
// an external collaborator (spec §1); this package is the read-mostly
// cache and local identity store built on top of it.
package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/log"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/rs/zerolog"
)

const cfPeers = "identity_peers"

// PeerRecord is one resolved entry of the identity registry.
type PeerRecord struct {
	NodeName             string `json:"node_name"`
	EncryptionPublicKey  [32]byte `json:"encryption_public_key"`
	SigningPublicKey     ed25519.PublicKey `json:"signing_public_key"`
	Address              string `json:"address"`         // host:port this node listens on
	ProxyNodeName        string `json:"proxy_node_name"`  // non-empty when reachable only via a relay
}

// LocalIdentity is a keypair this node owns, either the node identity or
// a profile/device sub-identity.
type LocalIdentity struct {
	NodeName              shinkiname.ShinkaiName
	EncryptionPrivateKey  [32]byte
	EncryptionPublicKey   [32]byte
	SigningPrivateKey     ed25519.PrivateKey
	SigningPublicKey      ed25519.PublicKey
}

// NewLocalIdentity generates a fresh encryption + signing keypair bound
// to name.
func NewLocalIdentity(name shinkiname.ShinkaiName) (*LocalIdentity, error) {
	encPriv, encPub, err := shinkcrypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate encryption keypair: %w", err)
	}
	signPub, signPriv, err := shinkcrypto.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing keypair: %w", err)
	}
	return &LocalIdentity{
		NodeName:             name,
		EncryptionPrivateKey: encPriv,
		EncryptionPublicKey:  encPub,
		SigningPrivateKey:    signPriv,
		SigningPublicKey:     signPub,
	}, nil
}

// ToPeerRecord projects a local identity into the public record shape
// this node advertises to the registry.
func (l *LocalIdentity) ToPeerRecord(address string) *PeerRecord {
	return &PeerRecord{
		NodeName:            l.NodeName.NodeName(),
		EncryptionPublicKey: l.EncryptionPublicKey,
		SigningPublicKey:    l.SigningPublicKey,
		Address:             address,
	}
}

// Registry is the local, write-through identity cache. Reads are served
// from a lock-free atomic snapshot swapped in on every Register/Refresh,
// matching the "read-mostly, lock-free snapshot swap on refresh" model.
type Registry struct {
	store    kvstore.Store
	logger   zerolog.Logger
	snapshot atomic.Pointer[map[string]*PeerRecord]

	mu sync.Mutex // serializes writers; readers never block on this
}

// NewRegistry builds a Registry backed by store, loading any previously
// persisted peer records.
func NewRegistry(store kvstore.Store) (*Registry, error) {
	r := &Registry{
		store:  store,
		logger: log.WithComponent("identity"),
	}
	empty := make(map[string]*PeerRecord)
	r.snapshot.Store(&empty)
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the in-memory snapshot from the KV store.
func (r *Registry) Refresh() error {
	rows, err := r.store.PrefixScan(cfPeers, "")
	if err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "scan peer records", err)
	}

	next := make(map[string]*PeerRecord, len(rows))
	for _, row := range rows {
		var rec PeerRecord
		if err := json.Unmarshal(row.Value, &rec); err != nil {
			r.logger.Warn().Str("key", row.Key).Err(err).Msg("skipping corrupt peer record")
			continue
		}
		next[rec.NodeName] = &rec
	}
	r.snapshot.Store(&next)
	return nil
}

// Register persists a peer record and atomically swaps it into the
// read snapshot.
func (r *Registry) Register(rec *PeerRecord) error {
	if _, err := shinkiname.Parse(rec.NodeName); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryDecode, shinkerr.CodeInvalidSchema, "invalid peer node name", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(cfPeers, rec.NodeName, data); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "persist peer record", err)
	}

	current := *r.snapshot.Load()
	next := make(map[string]*PeerRecord, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[rec.NodeName] = rec
	r.snapshot.Store(&next)
	return nil
}

// Peers returns a snapshot of every currently known peer record.
func (r *Registry) Peers() []*PeerRecord {
	snap := *r.snapshot.Load()
	out := make([]*PeerRecord, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	return out
}

// Resolve looks up a peer by its node name (profile/device segments are
// ignored; resolution is always node-level).
func (r *Registry) Resolve(name shinkiname.ShinkaiName) (*PeerRecord, error) {
	snap := *r.snapshot.Load()
	rec, ok := snap[name.NodeName()]
	if !ok {
		return nil, shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodeIdentityNotFound,
			fmt.Sprintf("no registry entry for %s", name.NodeName()))
	}
	return rec, nil
}
