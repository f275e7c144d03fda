package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("jobs", "job-1", []byte("payload")))

	v, found, err := s.Get("jobs", "job-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("payload"), v)

	_, found, err = s.Get("jobs", "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("cf", "k", []byte("v")))
	require.NoError(t, s.Delete("cf", "k"))

	_, found, err := s.Get("cf", "k")
	require.NoError(t, err)
	require.False(t, found)

	// Deleting an absent key is not an error.
	require.NoError(t, s.Delete("cf", "k"))
}

func TestPrefixScan(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("inbox", "msg_2024-01-01:::hash1", []byte("a")))
	require.NoError(t, s.Put("inbox", "msg_2024-01-02:::hash2", []byte("b")))
	require.NoError(t, s.Put("inbox", "other_key", []byte("c")))

	results, err := s.PrefixScan("inbox", "msg_")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "msg_2024-01-01:::hash1", results[0].Key)
	require.Equal(t, "msg_2024-01-02:::hash2", results[1].Key)
}

func TestBatchAtomicity(t *testing.T) {
	s := newTestStore(t)

	err := s.Batch(func(w Writer) error {
		if err := w.Put("a", "k1", []byte("v1")); err != nil {
			return err
		}
		return w.Put("b", "k2", []byte("v2"))
	})
	require.NoError(t, err)

	_, found, _ := s.Get("a", "k1")
	require.True(t, found)
	_, found, _ = s.Get("b", "k2")
	require.True(t, found)
}
