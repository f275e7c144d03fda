package vectorfs

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/stretchr/testify/require"
)

func newTestVFS(t *testing.T) (*VectorFS, shinkiname.ShinkaiName) {
	t.Helper()
	store, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vfs := New(store, zerolog.Nop())
	owner := shinkiname.MustParse("@@alice.shinkai/main")
	_, err = vfs.EnsureProfile("main", owner, []string{"text-embedding-3-small"}, "text-embedding-3-small")
	require.NoError(t, err)
	return vfs, owner
}

func TestCreateFolderAndSaveItem(t *testing.T) {
	vfs, owner := newTestVFS(t)

	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)

	folderPath, err := w.CreateFolder("docs")
	require.NoError(t, err)
	require.Equal(t, "docs", folderPath.String())

	fw, err := vfs.NewWriter("main", owner, folderPath)
	require.NoError(t, err)

	vr := &VectorResource{ID: "vr1", Nodes: []ResourceNode{{Text: "hello", Embedding: Embedding{ID: "e1", Vector: []float32{1, 0, 0}}}}}
	itemPath, err := fw.SaveItem("note.txt", vr, &SourceFileMap{FileName: "note.txt", MimeType: "text/plain"}, 5)
	require.NoError(t, err)
	require.Equal(t, "docs/note.txt", itemPath.String())

	r, err := vfs.NewReader("main", owner, itemPath)
	require.NoError(t, err)
	entry, err := r.Entry()
	require.NoError(t, err)
	require.Equal(t, EntryItem, entry.Kind)

	loaded, err := r.VectorResource()
	require.NoError(t, err)
	require.Equal(t, "hello", loaded.Nodes[0].Text)
}

func TestMerkleRootChangesOnMutation(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)

	rootBefore, err := vfs.NewReader("main", owner, RootPath())
	require.NoError(t, err)
	entryBefore, err := rootBefore.Entry()
	require.NoError(t, err)

	_, err = w.CreateFolder("docs")
	require.NoError(t, err)

	rootAfter, err := vfs.NewReader("main", owner, RootPath())
	require.NoError(t, err)
	entryAfter, err := rootAfter.Entry()
	require.NoError(t, err)

	require.NotEqual(t, entryBefore.MerkleRoot, entryAfter.MerkleRoot)
}

func TestPermissionDeniedForStranger(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)
	folderPath, err := w.CreateFolder("private")
	require.NoError(t, err)

	stranger := shinkiname.MustParse("@@mallory.shinkai/main")
	_, err = vfs.NewReader("main", stranger, folderPath)
	require.Error(t, err)
}

func TestPermissionGrantedAfterWhitelist(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)
	folderPath, err := w.CreateFolder("shared")
	require.NoError(t, err)

	friend := shinkiname.MustParse("@@bob.shinkai/main")
	fw, err := vfs.NewWriter("main", owner, folderPath)
	require.NoError(t, err)
	require.NoError(t, fw.SetPermissions(PathPermission{
		Read:      PermWhitelist,
		Write:     PermPrivate,
		Whitelist: map[string]PermLevel{friend.String(): PermWhitelist},
	}))

	_, err = vfs.NewReader("main", friend, folderPath)
	require.NoError(t, err)
}

func TestDeleteFolderRemovesSubtree(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)
	folderPath, err := w.CreateFolder("tmp")
	require.NoError(t, err)

	fw, err := vfs.NewWriter("main", owner, folderPath)
	require.NoError(t, err)
	vr := &VectorResource{ID: "vr2", Nodes: []ResourceNode{{Text: "x", Embedding: Embedding{Vector: []float32{1}}}}}
	_, err = fw.SaveItem("a.txt", vr, nil, 1)
	require.NoError(t, err)

	dw, err := vfs.NewWriter("main", owner, folderPath)
	require.NoError(t, err)
	require.NoError(t, dw.DeleteEntry())

	_, err = vfs.NewReader("main", owner, folderPath)
	require.Error(t, err)
}

func TestVectorSearchFSItemRanksBySimilarity(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)

	near := &VectorResource{ID: "near", Nodes: []ResourceNode{{Text: "a", Embedding: Embedding{Vector: []float32{1, 0}}}}}
	far := &VectorResource{ID: "far", Nodes: []ResourceNode{{Text: "b", Embedding: Embedding{Vector: []float32{0, 1}}}}}
	_, err = w.SaveItem("near.txt", near, nil, 0)
	require.NoError(t, err)
	_, err = w.SaveItem("far.txt", far, nil, 0)
	require.NoError(t, err)

	results, err := vfs.VectorSearchFSItem("main", owner, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "near.txt", results[0].Path.Name())
}

func TestVRPackRoundTrip(t *testing.T) {
	vfs, owner := newTestVFS(t)
	w, err := vfs.NewWriter("main", owner, RootPath())
	require.NoError(t, err)
	folderPath, err := w.CreateFolder("shared")
	require.NoError(t, err)
	fw, err := vfs.NewWriter("main", owner, folderPath)
	require.NoError(t, err)
	vr := &VectorResource{ID: "pv1", Nodes: []ResourceNode{{Text: "content", Embedding: Embedding{Vector: []float32{1, 1}}}}}
	_, err = fw.SaveItem("doc.txt", vr, nil, 0)
	require.NoError(t, err)

	pack, err := vfs.BuildVRPack("main", owner, folderPath)
	require.NoError(t, err)
	require.Equal(t, VRPackV1, pack.Version)
	require.Equal(t, 1, pack.VRKaiCount)

	other, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	dstVFS := New(other, zerolog.Nop())
	_, err = dstVFS.EnsureProfile("main", owner, nil, "")
	require.NoError(t, err)

	require.NoError(t, dstVFS.ApplyVRPack("main", owner, pack, RootPath()))
	r, err := dstVFS.NewReader("main", owner, ParsePath("doc.txt"))
	require.NoError(t, err)
	loaded, err := r.VectorResource()
	require.NoError(t, err)
	require.Equal(t, "content", loaded.Nodes[0].Text)
}
