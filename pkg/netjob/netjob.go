// Package netjob implements C9: the network job manager. It owns the
// durable per-peer inbound queue, a fixed worker pool draining it, and
// the decode -> authenticate -> decrypt -> dispatch pipeline every
// inbound frame goes through before a schema handler ever sees it.
package netjob

import (
	"crypto/ed25519"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/dqueue"
	"github.com/shinkailabs/shinkai-node/pkg/identity"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
)

// queuePrefix namespaces this manager's durable queue keys within the
// shared dqueue keyspace.
const queuePrefix = "netjob"

// Handler processes one fully decoded, authenticated, decrypted message
// for a given schema. When it returns nil, the manager sends a
// best-effort ACK back to the sender.
type Handler func(from shinkiname.ShinkaiName, m message.Message) error

// Manager is the C9 network job manager: durable queue + worker pool +
// dispatch table.
type Manager struct {
	queue    *dqueue.Queue
	registry *identity.Registry
	local    *identity.LocalIdentity
	logger   zerolog.Logger

	sendAck func(to shinkiname.ShinkaiName, ackFor message.Schema) error

	mu       sync.RWMutex
	handlers map[message.Schema]Handler

	workers int
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New builds a Manager. local is this node's identity, used to decrypt
// inbound bodies addressed to it. sendAck is called to best-effort
// acknowledge a successfully dispatched message.
func New(queue *dqueue.Queue, registry *identity.Registry, local *identity.LocalIdentity, workers int, sendAck func(shinkiname.ShinkaiName, message.Schema) error, logger zerolog.Logger) *Manager {
	return &Manager{
		queue:    queue,
		registry: registry,
		local:    local,
		logger:   logger.With().Str("component", "netjob").Logger(),
		sendAck:  sendAck,
		handlers: make(map[message.Schema]Handler),
		workers:  workers,
		stop:     make(chan struct{}),
	}
}

// RegisterHandler wires a schema to its dispatch handler. Must be called
// before Start.
func (m *Manager) RegisterHandler(schema message.Schema, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[schema] = h
}

// Enqueue durably queues a raw inbound frame keyed by the sender's
// socket address, for a worker to pick up.
func (m *Manager) Enqueue(fromAddr string, payload []byte) error {
	return m.queue.Push(queuePrefix, fromAddr, payload)
}

// Start launches the fixed-size worker pool, each draining whichever
// peer address the queue's subscription channel wakes it for.
func (m *Manager) Start() {
	notify, _ := m.queue.Subscribe(queuePrefix, 256)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(notify)
	}
}

// Stop halts all workers and waits for them to drain.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) worker(notify <-chan string) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case addr, ok := <-notify:
			if !ok {
				return
			}
			m.drain(addr)
		}
	}
}

// drain pops and processes every currently queued frame for addr.
func (m *Manager) drain(addr string) {
	for {
		payload, ok, err := m.queue.Dequeue(queuePrefix, addr)
		if err != nil {
			m.logger.Error().Err(err).Str("addr", addr).Msg("dequeue failed")
			return
		}
		if !ok {
			return
		}
		m.processFrame(payload)
	}
}

func (m *Manager) processFrame(payload []byte) {
	metrics.FramesReceivedTotal.WithLabelValues("message").Inc()

	m.process(payload)
}

// process runs the full pipeline for one raw frame payload: decode,
// resolve sender identity, verify signature, decrypt (if needed),
// dispatch, best-effort ACK.
func (m *Manager) process(payload []byte) {
	msg, err := message.Decode(payload)
	if err != nil {
		metrics.NetworkJobsProcessedTotal.WithLabelValues("unknown", "decode_error").Inc()
		m.logger.Warn().Err(err).Msg("decode failed, dropping frame")
		return
	}

	senderName, err := shinkiname.Parse(msg.External.Sender)
	if err != nil {
		metrics.NetworkJobsProcessedTotal.WithLabelValues("unknown", "bad_sender").Inc()
		return
	}

	peer, err := m.registry.Resolve(senderName)
	if err != nil {
		metrics.NetworkJobsProcessedTotal.WithLabelValues("unknown", "unknown_sender").Inc()
		m.logger.Warn().Str("sender", msg.External.Sender).Msg("dropping frame from unregistered sender")
		return
	}

	if len(peer.SigningPublicKey) != ed25519.PublicKeySize || !message.VerifyOuter(msg, peer.SigningPublicKey) {
		metrics.NetworkJobsProcessedTotal.WithLabelValues("unknown", "bad_signature").Inc()
		m.logger.Warn().Str("sender", msg.External.Sender).Msg("dropping frame with invalid signature")
		return
	}

	resolved := msg
	switch {
	case msg.IsBodyEncrypted():
		resolved, err = message.DecryptOuter(msg, m.local.EncryptionPrivateKey, peer.EncryptionPublicKey, m.local.EncryptionPublicKey, 0)
		if err != nil {
			metrics.NetworkJobsProcessedTotal.WithLabelValues("unknown", "decrypt_failed").Inc()
			m.logger.Warn().Err(err).Msg("outer decrypt failed, dropping frame")
			return
		}
	case resolved.IsContentEncrypted():
		resolved, err = message.DecryptInner(resolved, m.local.EncryptionPrivateKey, peer.EncryptionPublicKey, m.local.EncryptionPublicKey, 0)
		if err != nil {
			metrics.NetworkJobsProcessedTotal.WithLabelValues("unknown", "decrypt_failed").Inc()
			m.logger.Warn().Err(err).Msg("inner decrypt failed, dropping frame")
			return
		}
	}

	schema := resolved.Body.MessageData.Schema
	if schema == message.SchemaTextContent {
		switch resolved.Body.MessageData.RawContent {
		case "Ping":
			metrics.NetworkJobsProcessedTotal.WithLabelValues(string(schema), "ping").Inc()
			m.bestEffortAck(senderName, schema)
			return
		case "Pong", "ACK":
			metrics.NetworkJobsProcessedTotal.WithLabelValues(string(schema), "fast_path").Inc()
			return
		}
	}

	m.mu.RLock()
	handler, ok := m.handlers[schema]
	m.mu.RUnlock()
	if !ok {
		metrics.NetworkJobsProcessedTotal.WithLabelValues(string(schema), "no_handler").Inc()
		m.logger.Warn().Str("schema", string(schema)).Msg("no handler registered")
		return
	}

	if err := handler(senderName, resolved); err != nil {
		metrics.NetworkJobsProcessedTotal.WithLabelValues(string(schema), "handler_error").Inc()
		m.logger.Error().Err(err).Str("schema", string(schema)).Msg("handler failed")
		return
	}

	metrics.NetworkJobsProcessedTotal.WithLabelValues(string(schema), "ok").Inc()
	m.bestEffortAck(senderName, schema)
}

// bestEffortAck sends an ACK back to the sender; failures are logged and
// swallowed, matching the protocol's "ACK delivery is not itself
// guaranteed" contract.
func (m *Manager) bestEffortAck(to shinkiname.ShinkaiName, forSchema message.Schema) {
	if m.sendAck == nil {
		return
	}
	if err := m.sendAck(to, forSchema); err != nil {
		m.logger.Debug().Err(err).Str("to", to.String()).Msg("ack delivery failed")
	}
}
