// Package wsfanout implements C12: per-subscriber encrypted streaming of
// inbox/job updates over WebSocket. The transport-level upgrade itself
// is left to the HTTP layer that owns the listener; this package is the
// bounded, non-blocking broadcast fabric and the AEAD framing of each
// update pushed onto it.
package wsfanout

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
)

// subscriberBufferSize bounds each subscriber's outbound channel. A slow
// reader drops updates rather than blocking the publisher, matching the
// dqueue/identity-registry "never block the writer" pattern.
const subscriberBufferSize = 64

// Update is one inbox or job event pushed to subscribers of a topic
// (an inbox name or job_id).
type Update struct {
	Topic   string `json:"topic"`
	Kind    string `json:"kind"` // "message" | "job_status" | "step"
	Payload []byte `json:"payload"`
}

// EncryptedFrame is what actually goes out over the WebSocket: an
// Update, AES-256-GCM sealed under the subscriber's session key.
type EncryptedFrame struct {
	Nonce      [shinkcrypto.AESGCMNonceSize]byte `json:"nonce"`
	Ciphertext []byte                            `json:"ciphertext"`
}

// subscriber is one connected WebSocket client's delivery channel.
type subscriber struct {
	id        string
	sessionKey []byte
	ch        chan EncryptedFrame
}

// Broker is the C12 fan-out fabric: topics map to subscriber sets, and
// every Publish is delivered non-blocking to each subscriber's buffer.
type Broker struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // topic -> subscriber id -> subscriber
}

// New builds an empty Broker.
func New(logger zerolog.Logger) *Broker {
	return &Broker{
		logger:      logger.With().Str("component", "wsfanout").Logger(),
		subscribers: make(map[string]map[string]*subscriber),
	}
}

// Subscribe registers a new subscriber to topic, returning its delivery
// channel and an unsubscribe func. sessionKey seals every update pushed
// to this subscriber; it is typically derived per-connection at
// WebSocket upgrade time.
func (b *Broker) Subscribe(topic, subscriberID string, sessionKey []byte) (<-chan EncryptedFrame, func()) {
	sub := &subscriber{id: subscriberID, sessionKey: sessionKey, ch: make(chan EncryptedFrame, subscriberBufferSize)}

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[string]*subscriber)
	}
	b.subscribers[topic][subscriberID] = sub
	b.mu.Unlock()

	metrics.WSSubscribersActive.Inc()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if topicSubs, ok := b.subscribers[topic]; ok {
			if _, ok := topicSubs[subscriberID]; ok {
				delete(topicSubs, subscriberID)
				close(sub.ch)
				metrics.WSSubscribersActive.Dec()
			}
			if len(topicSubs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish encrypts update under each of topic's subscribers' session
// keys and delivers non-blocking; a full subscriber buffer drops the
// update and increments the dropped-messages counter, never blocking
// the publisher.
func (b *Broker) Publish(update Update) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[update.Topic]))
	for _, s := range b.subscribers[update.Topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	plaintext, err := json.Marshal(update)
	if err != nil {
		b.logger.Error().Err(err).Msg("marshal update failed")
		return
	}

	for _, sub := range subs {
		nonce, ciphertext, err := shinkcrypto.EncryptAESGCM(sub.sessionKey, plaintext)
		if err != nil {
			b.logger.Error().Err(err).Str("subscriber", sub.id).Msg("seal update failed")
			continue
		}
		frame := EncryptedFrame{Nonce: nonce, Ciphertext: ciphertext}
		select {
		case sub.ch <- frame:
		default:
			metrics.WSMessagesDroppedTotal.Inc()
		}
	}
}

// DecryptFrame opens a frame sealed by Publish, for use on the client
// side of the stream (or in tests).
func DecryptFrame(sessionKey []byte, frame EncryptedFrame) (Update, error) {
	plaintext, err := shinkcrypto.DecryptAESGCM(sessionKey, frame.Nonce, frame.Ciphertext)
	if err != nil {
		return Update{}, err
	}
	var update Update
	if err := json.Unmarshal(plaintext, &update); err != nil {
		return Update{}, err
	}
	return update, nil
}
