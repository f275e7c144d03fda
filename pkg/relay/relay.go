// Package relay implements C8: the TCP relay a node behind NAT/firewall
// registers with so peers that cannot dial it directly can still reach
// it. The relay authenticates each registrant, maps node name to live
// socket, and forwards opaque frames without ever decrypting them.
package relay

import (
	"bufio"
	cryptorand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/identity"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/shinkailabs/shinkai-node/pkg/transport"
)

// HandshakeRequest is the first frame a registrant sends: its node name
// and a signature over a server-issued nonce, proving control of the
// signing key the identity registry has on file.
type HandshakeRequest struct {
	NodeName  string `json:"node_name"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// HandshakeChallenge is sent to a connecting socket before it identifies
// itself.
type HandshakeChallenge struct {
	Nonce []byte `json:"nonce"`
}

const nonceSize = 32

// session is one authenticated, currently-connected relay client.
type session struct {
	nodeName string
	conn     net.Conn
	writeMu  sync.Mutex
}

func (s *session) send(f transport.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return transport.WriteFrame(s.conn, f)
}

// Relay holds the live node_name -> socket session map and forwards
// frames between registered peers without inspecting their payloads.
type Relay struct {
	registry *identity.Registry
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Relay resolving registrant signing keys via registry.
func New(registry *identity.Registry, logger zerolog.Logger) *Relay {
	return &Relay{
		registry: registry,
		logger:   logger.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*session),
	}
}

// HandleConnection runs the full lifecycle of one relay-client socket:
// challenge, verify, register (evicting any prior session under the same
// name), then forward frames to their addressed recipient until the
// socket closes.
func (r *Relay) HandleConnection(conn net.Conn) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		r.logger.Error().Err(err).Msg("generate handshake nonce")
		return
	}
	challenge, _ := json.Marshal(HandshakeChallenge{Nonce: nonce})
	if err := transport.WriteFrame(conn, transport.Frame{Type: transport.FrameMessage, Payload: challenge}); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	f, err := transport.ReadFrame(reader)
	if err != nil {
		r.logger.Warn().Err(err).Msg("handshake read failed")
		return
	}
	var req HandshakeRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		r.logger.Warn().Err(err).Msg("malformed handshake request")
		return
	}

	name, err := shinkiname.Parse(req.NodeName)
	if err != nil {
		r.logger.Warn().Str("node_name", req.NodeName).Msg("handshake with invalid node name")
		return
	}
	peer, err := r.registry.Resolve(name)
	if err != nil {
		r.logger.Warn().Str("node_name", req.NodeName).Msg("handshake for unknown identity")
		return
	}
	if !shinkcrypto.Verify(peer.SigningPublicKey, nonce, req.Signature) {
		r.logger.Warn().Str("node_name", req.NodeName).Msg("handshake signature verification failed")
		return
	}

	sess := &session{nodeName: peer.NodeName, conn: conn}
	r.register(sess)
	defer r.unregister(sess)

	r.logger.Info().Str("node_name", peer.NodeName).Msg("relay session established")

	for {
		frame, err := transport.ReadFrame(reader)
		if err != nil {
			return
		}
		r.forward(sess, frame)
	}
}

// register installs sess, evicting and closing any prior session
// registered under the same node name.
func (r *Relay) register(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.sessions[sess.nodeName]; ok {
		_ = prior.conn.Close()
	}
	r.sessions[sess.nodeName] = sess
}

func (r *Relay) unregister(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[sess.nodeName]; ok && current == sess {
		delete(r.sessions, sess.nodeName)
	}
}

// RelayEnvelope wraps a forwarded frame with its addressed recipient, so
// the relay can route without understanding the frame's own contents.
type RelayEnvelope struct {
	Recipient string `json:"recipient"`
	Inner     []byte `json:"inner"`
}

// forward routes frame to its addressed recipient. Frames addressed to
// an unknown or disconnected name are dropped with a failure notice back
// to the sender; the notice is plain JSON and is not encrypted. The relay
// never inspects Inner's plaintext.
func (r *Relay) forward(from *session, frame transport.Frame) {
	var env RelayEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		r.logger.Warn().Str("from", from.nodeName).Msg("malformed relay envelope")
		return
	}

	r.mu.Lock()
	dest, ok := r.sessions[env.Recipient]
	r.mu.Unlock()

	if !ok {
		r.notifyUnreachable(from, env.Recipient)
		return
	}

	if err := dest.send(transport.Frame{Type: frame.Type, Payload: env.Inner}); err != nil {
		r.logger.Warn().Str("to", env.Recipient).Err(err).Msg("relay forward failed")
		r.notifyUnreachable(from, env.Recipient)
	}
}

func (r *Relay) notifyUnreachable(from *session, recipient string) {
	notice := shinkerr.New(shinkerr.CategoryTransport, shinkerr.CodeDialFailed, fmt.Sprintf("recipient %s unreachable", recipient)).ToJSON()
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	_ = from.send(transport.Frame{Type: transport.FrameMessage, Payload: payload})
}
