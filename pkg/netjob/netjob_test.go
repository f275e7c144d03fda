package netjob

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/dqueue"
	"github.com/shinkailabs/shinkai-node/pkg/identity"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/stretchr/testify/require"
)

func newTestDeps(t *testing.T) (*dqueue.Queue, *identity.Registry, *identity.LocalIdentity, *identity.LocalIdentity) {
	t.Helper()
	kv, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	reg, err := identity.NewRegistry(kv)
	require.NoError(t, err)

	alice, err := identity.NewLocalIdentity(shinkiname.MustParse("@@alice.shinkai"))
	require.NoError(t, err)
	bob, err := identity.NewLocalIdentity(shinkiname.MustParse("@@bob.shinkai"))
	require.NoError(t, err)

	require.NoError(t, reg.Register(alice.ToPeerRecord("127.0.0.1:9001")))
	require.NoError(t, reg.Register(bob.ToPeerRecord("127.0.0.1:9002")))

	return dqueue.New(kv, zerolog.Nop()), reg, alice, bob
}

func TestProcessDispatchesRegisteredHandler(t *testing.T) {
	q, reg, alice, bob := newTestDeps(t)

	var mu sync.Mutex
	var received string

	m := New(q, reg, bob, 2, nil, zerolog.Nop())
	m.RegisterHandler(message.SchemaJobMessage, func(from shinkiname.ShinkaiName, msg message.Message) error {
		mu.Lock()
		received = msg.Body.MessageData.RawContent
		mu.Unlock()
		return nil
	})

	msg := message.Build(message.BuildParams{
		RawContent:    "do the thing",
		Schema:        message.SchemaJobMessage,
		SenderNode:    "@@alice.shinkai",
		RecipientNode: "@@bob.shinkai",
	})
	message.Sign(&msg, alice.SigningPrivateKey)

	m.process(message.Encode(msg))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "do the thing", received)
}

func TestProcessDropsBadSignature(t *testing.T) {
	q, reg, _, bob := newTestDeps(t)

	m := New(q, reg, bob, 1, nil, zerolog.Nop())
	called := false
	m.RegisterHandler(message.SchemaJobMessage, func(from shinkiname.ShinkaiName, msg message.Message) error {
		called = true
		return nil
	})

	msg := message.Build(message.BuildParams{
		RawContent:    "forged",
		Schema:        message.SchemaJobMessage,
		SenderNode:    "@@alice.shinkai",
		RecipientNode: "@@bob.shinkai",
	})
	// Never signed: signature is empty, VerifyOuter must reject.
	m.process(message.Encode(msg))

	require.False(t, called)
}

func TestEnqueueAndWorkerPoolDrains(t *testing.T) {
	q, reg, alice, bob := newTestDeps(t)

	done := make(chan struct{}, 1)
	m := New(q, reg, bob, 1, nil, zerolog.Nop())
	m.RegisterHandler(message.SchemaJobMessage, func(from shinkiname.ShinkaiName, msg message.Message) error {
		done <- struct{}{}
		return nil
	})
	m.Start()
	defer m.Stop()

	msg := message.Build(message.BuildParams{
		RawContent:    "hello",
		Schema:        message.SchemaJobMessage,
		SenderNode:    "@@alice.shinkai",
		RecipientNode: "@@bob.shinkai",
	})
	message.Sign(&msg, alice.SigningPrivateKey)

	require.NoError(t, m.Enqueue("127.0.0.1:9001", message.Encode(msg)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}
