package relay

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/identity"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
	"github.com/shinkailabs/shinkai-node/pkg/transport"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *identity.Registry {
	t.Helper()
	kv, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	reg, err := identity.NewRegistry(kv)
	require.NoError(t, err)
	return reg
}

func TestHandshakeAndForward(t *testing.T) {
	reg := newTestRegistry(t)

	signPub, signPriv, err := shinkcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	encPriv, encPub, err := shinkcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	_ = encPriv

	require.NoError(t, reg.Register(&identity.PeerRecord{
		NodeName:            "@@alice.shinkai",
		EncryptionPublicKey: encPub,
		SigningPublicKey:    signPub,
	}))

	r := New(reg, zerolog.Nop())

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		r.HandleConnection(serverConn)
		close(done)
	}()

	reader := bufio.NewReader(clientConn)
	challengeFrame, err := transport.ReadFrame(reader)
	require.NoError(t, err)
	var challenge HandshakeChallenge
	require.NoError(t, json.Unmarshal(challengeFrame.Payload, &challenge))

	sig := shinkcrypto.Sign(signPriv, challenge.Nonce)
	req, err := json.Marshal(HandshakeRequest{NodeName: "@@alice.shinkai", Nonce: challenge.Nonce, Signature: sig})
	require.NoError(t, err)
	require.NoError(t, transport.WriteFrame(clientConn, transport.Frame{Type: transport.FrameMessage, Payload: req}))

	env, err := json.Marshal(RelayEnvelope{Recipient: "@@bob.shinkai", Inner: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, transport.WriteFrame(clientConn, transport.Frame{Type: transport.FrameMessage, Payload: env}))

	notice, err := transport.ReadFrame(reader)
	require.NoError(t, err)
	require.NotEmpty(t, notice.Payload)

	_ = clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay connection handler did not exit")
	}
}
