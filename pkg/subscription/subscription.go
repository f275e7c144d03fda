// Package subscription implements C11: the shareable-folder subscription
// lifecycle, Merkle-root change detection, and encrypted delta sync over
// frame type 0x02.
package subscription

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/shinkailabs/shinkai-node/pkg/transport"
	"github.com/shinkailabs/shinkai-node/pkg/vectorfs"
)

// State is a subscription's lifecycle stage.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateStalled State = "stalled"
)

// maxConsecutiveFailures is the number of unreachable delivery attempts
// before a subscription is moved to Stalled.
const maxConsecutiveFailures = 5

// PaymentTerms is left opaque; pricing/settlement is out of scope.
type PaymentTerms string

// Subscription is one subscriber's relationship to one shared folder,
// stored identically on both the sharer and subscriber side.
type Subscription struct {
	SubscriptionID   string
	Subscriber       shinkiname.ShinkaiName
	SharedFolderPath string
	PaymentTerms     PaymentTerms
	HTTPPreferred    bool
	LastSyncTime     time.Time
	State            State

	symmetricKey     []byte
	lastSentRoot     [32]byte
	consecutiveFails int
}

// Manager is the C11 subscription manager. One Manager instance serves
// both roles (sharer of folders this node owns, subscriber of folders
// other nodes share), keyed by subscription_id.
type Manager struct {
	vfs     *vectorfs.VectorFS
	profile string
	owner   shinkiname.ShinkaiName
	logger  zerolog.Logger

	sendFrame func(to shinkiname.ShinkaiName, frame transport.Frame) error

	mu              sync.Mutex
	subscriptions   map[string]*Subscription            // subscription_id -> record
	subscribers     map[string]map[string]*Subscription // folder path -> subscription_id -> record
	shareableCache  map[string]vectorfs.FSEntry
}

// New builds a Manager for profile, owned by owner, backed by vfs.
// sendFrame delivers a framed payload to a peer node; the caller wires
// it to pkg/transport (direct) or pkg/relay (when behind NAT).
func New(vfs *vectorfs.VectorFS, profile string, owner shinkiname.ShinkaiName, sendFrame func(shinkiname.ShinkaiName, transport.Frame) error, logger zerolog.Logger) *Manager {
	return &Manager{
		vfs:            vfs,
		profile:        profile,
		owner:          owner,
		logger:         logger.With().Str("component", "subscription").Logger(),
		sendFrame:      sendFrame,
		subscriptions:  make(map[string]*Subscription),
		subscribers:    make(map[string]map[string]*Subscription),
		shareableCache: make(map[string]vectorfs.FSEntry),
	}
}

// HandleSubscribeRequest validates that folderPath is shareable and
// records subscriber, ACKing with the folder's current Merkle root.
func (m *Manager) HandleSubscribeRequest(subscriptionID string, subscriber shinkiname.ShinkaiName, folderPath string) (merkleRoot [32]byte, err error) {
	reader, err := m.vfs.NewReader(m.profile, m.owner, vectorfs.ParsePath(folderPath))
	if err != nil {
		return merkleRoot, fmt.Errorf("validate shareable folder: %w", err)
	}
	entry, err := reader.Entry()
	if err != nil {
		return merkleRoot, fmt.Errorf("load folder entry: %w", err)
	}
	if entry.Shareable == nil {
		return merkleRoot, fmt.Errorf("folder %s is not shareable", folderPath)
	}

	sub := &Subscription{
		SubscriptionID:   subscriptionID,
		Subscriber:       subscriber,
		SharedFolderPath: folderPath,
		State:            StateActive,
		LastSyncTime:     time.Now().UTC(),
	}
	key, kerr := shinkcrypto.GenerateAES256Key()
	if kerr != nil {
		return merkleRoot, fmt.Errorf("generate subscription key: %w", kerr)
	}
	sub.symmetricKey = key

	m.mu.Lock()
	m.subscriptions[subscriptionID] = sub
	if m.subscribers[folderPath] == nil {
		m.subscribers[folderPath] = make(map[string]*Subscription)
	}
	m.subscribers[folderPath][subscriptionID] = sub
	m.mu.Unlock()

	metrics.SubscriptionsActive.Inc()
	return entry.MerkleRoot, nil
}

// OnFolderWrite is called after any write under folderPath. It compares
// the new Merkle root against the last root sent to each subscriber of
// that folder and pushes a delta VRPack to those that differ.
func (m *Manager) OnFolderWrite(folderPath string) {
	reader, err := m.vfs.NewReader(m.profile, m.owner, vectorfs.ParsePath(folderPath))
	if err != nil {
		m.logger.Warn().Err(err).Str("path", folderPath).Msg("cannot read folder after write")
		return
	}
	entry, err := reader.Entry()
	if err != nil {
		return
	}

	m.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, sub := range m.subscribers[folderPath] {
		if sub.lastSentRoot != entry.MerkleRoot {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		m.pushDelta(sub, folderPath, entry.MerkleRoot)
	}
}

func (m *Manager) pushDelta(sub *Subscription, folderPath string, newRoot [32]byte) {
	pack, err := m.vfs.BuildVRPack(m.profile, m.owner, vectorfs.ParsePath(folderPath))
	if err != nil {
		m.logger.Warn().Err(err).Str("subscription_id", sub.SubscriptionID).Msg("build delta vrpack failed")
		m.recordFailure(sub)
		return
	}
	if err := m.sendEncryptedVRPack(sub, pack); err != nil {
		m.logger.Warn().Err(err).Str("subscription_id", sub.SubscriptionID).Msg("send encrypted vrpack failed")
		m.recordFailure(sub)
		return
	}

	m.mu.Lock()
	sub.lastSentRoot = newRoot
	sub.LastSyncTime = time.Now().UTC()
	sub.consecutiveFails = 0
	if sub.State == StateStalled {
		sub.State = StateActive
	}
	m.mu.Unlock()
}

// sendEncryptedVRPack serializes pack, AES-256-GCM-encrypts it under
// sub's symmetric key, prepends the nonce and the BLAKE3 hash of the
// key, and sends it with frame tag 0x02.
func (m *Manager) sendEncryptedVRPack(sub *Subscription, pack *vectorfs.VRPack) error {
	if len(sub.symmetricKey) == 0 {
		return fmt.Errorf("subscription %s has no symmetric key", sub.SubscriptionID)
	}
	plaintext := encodeVRPack(pack)

	nonce, ciphertext, err := shinkcrypto.EncryptAESGCM(sub.symmetricKey, plaintext)
	if err != nil {
		return fmt.Errorf("aes-gcm seal: %w", err)
	}
	keyHash := shinkcrypto.Hash(sub.symmetricKey)

	framed := make([]byte, 0, len(nonce)+len(keyHash)+len(ciphertext))
	framed = append(framed, nonce[:]...)
	framed = append(framed, keyHash[:]...)
	framed = append(framed, ciphertext...)

	return m.sendFrame(sub.Subscriber, transport.Frame{Type: transport.FrameVRPack, Payload: framed})
}

// DecryptVRPackFrame reverses sendEncryptedVRPack's framing: it verifies
// the prepended key hash matches key, then opens the AES-GCM payload.
// A hash mismatch or decrypt failure drops the frame (returns an error,
// never panics).
func DecryptVRPackFrame(key []byte, framed []byte) ([]byte, error) {
	if len(framed) < shinkcrypto.AESGCMNonceSize+32 {
		return nil, fmt.Errorf("frame too short")
	}
	var nonce [shinkcrypto.AESGCMNonceSize]byte
	copy(nonce[:], framed[:shinkcrypto.AESGCMNonceSize])
	claimedHash := framed[shinkcrypto.AESGCMNonceSize : shinkcrypto.AESGCMNonceSize+32]
	ciphertext := framed[shinkcrypto.AESGCMNonceSize+32:]

	actualHash := shinkcrypto.Hash(key)
	if string(actualHash[:]) != string(claimedHash) {
		return nil, fmt.Errorf("subscription key hash mismatch")
	}

	return shinkcrypto.DecryptAESGCM(key, nonce, ciphertext)
}

func (m *Manager) recordFailure(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.consecutiveFails++
	if sub.consecutiveFails >= maxConsecutiveFailures {
		sub.State = StateStalled
		m.logger.Warn().Str("subscription_id", sub.SubscriptionID).Msg("subscription stalled: peer unreachable")
	}
}

// ApplyReceivedVRPack decrypts and applies an inbound delta under the
// subscription's local mount point, updating last_sync_time.
func (m *Manager) ApplyReceivedVRPack(subscriptionID string, framed []byte, mountPoint vectorfs.Path) error {
	m.mu.Lock()
	sub, ok := m.subscriptions[subscriptionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subscription %s", subscriptionID)
	}

	plaintext, err := DecryptVRPackFrame(sub.symmetricKey, framed)
	if err != nil {
		return fmt.Errorf("decrypt vrpack frame: %w", err)
	}
	pack, err := decodeVRPack(plaintext)
	if err != nil {
		return fmt.Errorf("decode vrpack: %w", err)
	}

	if err := m.vfs.ApplyVRPack(m.profile, m.owner, pack, mountPoint); err != nil {
		return fmt.Errorf("apply vrpack: %w", err)
	}

	m.mu.Lock()
	sub.LastSyncTime = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

// Get returns the subscription record for id, if any.
func (m *Manager) Get(id string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	return sub, ok
}

func encodeVRPack(pack *vectorfs.VRPack) []byte {
	data, _ := json.Marshal(pack)
	return data
}

func decodeVRPack(data []byte) (*vectorfs.VRPack, error) {
	var pack vectorfs.VRPack
	if err := json.Unmarshal(data, &pack); err != nil {
		return nil, err
	}
	return &pack, nil
}
