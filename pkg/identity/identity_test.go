package identity

import (
	"testing"
	"time"

	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := NewRegistry(store)
	require.NoError(t, err)
	return reg
}

func TestRegisterAndResolve(t *testing.T) {
	reg := newTestRegistry(t)

	id, err := NewLocalIdentity(shinkiname.MustParse("@@alice.shinkai"))
	require.NoError(t, err)

	rec := id.ToPeerRecord("127.0.0.1:9552")
	require.NoError(t, reg.Register(rec))

	resolved, err := reg.Resolve(shinkiname.MustParse("@@alice.shinkai"))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9552", resolved.Address)
}

func TestPeersReturnsAllRegistered(t *testing.T) {
	reg := newTestRegistry(t)

	alice, err := NewLocalIdentity(shinkiname.MustParse("@@alice.shinkai"))
	require.NoError(t, err)
	bob, err := NewLocalIdentity(shinkiname.MustParse("@@bob.shinkai"))
	require.NoError(t, err)

	require.NoError(t, reg.Register(alice.ToPeerRecord("127.0.0.1:9001")))
	require.NoError(t, reg.Register(bob.ToPeerRecord("127.0.0.1:9002")))

	peers := reg.Peers()
	require.Len(t, peers, 2)
}

func TestResolveUnknownFails(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve(shinkiname.MustParse("@@ghost.shinkai"))
	require.Error(t, err)
}

func TestRegistrationCodeSingleUse(t *testing.T) {
	mgr := NewRegistrationManager()
	rc, err := mgr.GenerateCode("device", time.Hour)
	require.NoError(t, err)

	used, err := mgr.UseCode(rc.Code)
	require.NoError(t, err)
	require.Equal(t, "device", used.Role)

	_, err = mgr.UseCode(rc.Code)
	require.Error(t, err)
}

func TestRegistrationCodeExpiry(t *testing.T) {
	mgr := NewRegistrationManager()
	rc, err := mgr.GenerateCode("profile", -time.Second)
	require.NoError(t, err)

	_, err = mgr.UseCode(rc.Code)
	require.Error(t, err)
}
