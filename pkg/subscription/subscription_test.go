package subscription

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/shinkailabs/shinkai-node/pkg/transport"
	"github.com/shinkailabs/shinkai-node/pkg/vectorfs"
	"github.com/stretchr/testify/require"
)

func newTestVFS(t *testing.T) (*vectorfs.VectorFS, shinkiname.ShinkaiName) {
	t.Helper()
	kv, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	vfs := vectorfs.New(kv, zerolog.Nop())
	owner := shinkiname.MustParse("@@alice.shinkai/main")
	_, err = vfs.EnsureProfile("main", owner, []string{"test-model"}, "test-model")
	require.NoError(t, err)
	return vfs, owner
}

func TestSubscribeToNonShareableFolderFails(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, vectorfs.RootPath())
	require.NoError(t, err)
	_, err = w.CreateFolder("docs")
	require.NoError(t, err)

	m := New(vfs, "main", owner, nil, zerolog.Nop())
	_, err = m.HandleSubscribeRequest("sub1", shinkiname.MustParse("@@bob.shinkai"), "docs")
	require.Error(t, err)
}

func TestSubscribeToSharedFolderReturnsMerkleRoot(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, vectorfs.RootPath())
	require.NoError(t, err)
	_, err = w.CreateFolder("docs")
	require.NoError(t, err)

	docsWriter, err := vfs.NewWriter("main", owner, vectorfs.ParsePath("docs"))
	require.NoError(t, err)
	require.NoError(t, docsWriter.SetShareable(vectorfs.SubscriptionRequirement{FolderPath: "docs"}))

	m := New(vfs, "main", owner, nil, zerolog.Nop())
	root, err := m.HandleSubscribeRequest("sub1", shinkiname.MustParse("@@bob.shinkai"), "docs")
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, root)

	sub, ok := m.Get("sub1")
	require.True(t, ok)
	require.Equal(t, StateActive, sub.State)
}

func TestOnFolderWritePushesDeltaToSubscriber(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, vectorfs.RootPath())
	require.NoError(t, err)
	_, err = w.CreateFolder("docs")
	require.NoError(t, err)
	docsWriter, err := vfs.NewWriter("main", owner, vectorfs.ParsePath("docs"))
	require.NoError(t, err)
	require.NoError(t, docsWriter.SetShareable(vectorfs.SubscriptionRequirement{FolderPath: "docs"}))

	var sentFrames []transport.Frame
	m := New(vfs, "main", owner, func(to shinkiname.ShinkaiName, f transport.Frame) error {
		sentFrames = append(sentFrames, f)
		return nil
	}, zerolog.Nop())

	_, err = m.HandleSubscribeRequest("sub1", shinkiname.MustParse("@@bob.shinkai"), "docs")
	require.NoError(t, err)

	_, err = docsWriter.SaveItem("note.txt", &vectorfs.VectorResource{ID: "r1"}, nil, 10)
	require.NoError(t, err)

	m.OnFolderWrite("docs")

	require.Len(t, sentFrames, 1)
	require.Equal(t, transport.FrameVRPack, sentFrames[0].Type)
}

func TestSendEncryptedVRPackRoundTrip(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, vectorfs.RootPath())
	require.NoError(t, err)
	_, err = w.CreateFolder("docs")
	require.NoError(t, err)
	docsWriter, err := vfs.NewWriter("main", owner, vectorfs.ParsePath("docs"))
	require.NoError(t, err)
	require.NoError(t, docsWriter.SetShareable(vectorfs.SubscriptionRequirement{FolderPath: "docs"}))

	var captured transport.Frame
	m := New(vfs, "main", owner, func(to shinkiname.ShinkaiName, f transport.Frame) error {
		captured = f
		return nil
	}, zerolog.Nop())

	_, err = m.HandleSubscribeRequest("sub1", shinkiname.MustParse("@@bob.shinkai"), "docs")
	require.NoError(t, err)
	sub, ok := m.Get("sub1")
	require.True(t, ok)

	pack, err := vfs.BuildVRPack("main", owner, vectorfs.ParsePath("docs"))
	require.NoError(t, err)
	require.NoError(t, m.sendEncryptedVRPack(sub, pack))

	plaintext, err := DecryptVRPackFrame(sub.symmetricKey, captured.Payload)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
}

func TestDecryptVRPackFrameRejectsWrongKey(t *testing.T) {
	_, ciphertext, err := encryptForTest(t, []byte("payload"))
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	_, err = DecryptVRPackFrame(wrongKey, ciphertext)
	require.Error(t, err)
}

func encryptForTest(t *testing.T, plaintext []byte) ([]byte, []byte, error) {
	t.Helper()
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, vectorfs.RootPath())
	require.NoError(t, err)
	_, err = w.CreateFolder("docs")
	require.NoError(t, err)
	docsWriter, err := vfs.NewWriter("main", owner, vectorfs.ParsePath("docs"))
	require.NoError(t, err)
	require.NoError(t, docsWriter.SetShareable(vectorfs.SubscriptionRequirement{FolderPath: "docs"}))

	var captured transport.Frame
	m := New(vfs, "main", owner, func(to shinkiname.ShinkaiName, f transport.Frame) error {
		captured = f
		return nil
	}, zerolog.Nop())
	_, err = m.HandleSubscribeRequest("sub1", shinkiname.MustParse("@@bob.shinkai"), "docs")
	require.NoError(t, err)
	sub, _ := m.Get("sub1")

	pack, err := vfs.BuildVRPack("main", owner, vectorfs.ParsePath("docs"))
	require.NoError(t, err)
	require.NoError(t, m.sendEncryptedVRPack(sub, pack))
	return sub.symmetricKey, captured.Payload, nil
}
