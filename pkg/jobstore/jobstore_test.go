package jobstore

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, zerolog.Nop())
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	job := &Job{JobID: "job1", ParentAgentID: "agent1", ConversationInboxName: "job_inbox::job1"}
	require.NoError(t, s.CreateJob(job))

	loaded, err := s.GetJob("job1")
	require.NoError(t, err)
	require.Equal(t, "agent1", loaded.ParentAgentID)
	require.False(t, loaded.IsFinished)
}

func TestMarkFinished(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{JobID: "job1"}))
	require.NoError(t, s.MarkFinished("job1"))

	job, err := s.GetJob("job1")
	require.NoError(t, err)
	require.True(t, job.IsFinished)
}

func TestJobScopeDedup(t *testing.T) {
	var scope JobScope
	scope.AddVectorFSItem("a")
	scope.AddVectorFSItem("a")
	scope.AddVectorFSItem("b")
	require.Equal(t, []string{"a", "b"}, scope.VectorFSItems)
}

func TestStepHistoryOrdering(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{JobID: "job1"}))
	require.NoError(t, s.AppendStepHistory("job1", "step one"))
	require.NoError(t, s.AppendStepHistory("job1", "step two"))

	history, err := s.GetStepHistory("job1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "step one", history[0].Content)
	require.Equal(t, "step two", history[1].Content)
}

func TestInboxAppendAndList(t *testing.T) {
	s := newTestStore(t)
	m := message.Build(message.BuildParams{RawContent: "hi", Schema: message.SchemaTextContent, SenderNode: "@@a.shinkai", RecipientNode: "@@b.shinkai", ScheduledTime: "2026-01-01T00:00:00Z"})
	entry, err := s.AppendMessage("inbox::a::b", m, "")
	require.NoError(t, err)
	require.NotEmpty(t, entry.Hash)

	msgs, err := s.ListMessages("inbox::a::b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestJobInboxAcceptsInOrderParent(t *testing.T) {
	s := newTestStore(t)
	m1 := message.Build(message.BuildParams{RawContent: "first", Schema: message.SchemaTextContent, SenderNode: "@@a.shinkai", RecipientNode: "@@b.shinkai", ScheduledTime: "2026-01-01T00:00:00Z"})
	first, err := s.AppendMessage("job_inbox::job1", m1, "")
	require.NoError(t, err)

	m2 := message.Build(message.BuildParams{RawContent: "second", Schema: message.SchemaTextContent, SenderNode: "@@a.shinkai", RecipientNode: "@@b.shinkai", ScheduledTime: "2026-01-01T00:00:01Z"})
	_, err = s.AppendMessage("job_inbox::job1", m2, first.Hash)
	require.NoError(t, err)
}

func TestMarkReadAndSmartName(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.MarkRead("inbox::a::b", "somehash"))
	last, err := s.LastRead("inbox::a::b")
	require.NoError(t, err)
	require.Equal(t, "somehash", last)

	require.NoError(t, s.SetSmartName("inbox::a::b", "Project planning"))
	name, err := s.SmartName("inbox::a::b")
	require.NoError(t, err)
	require.Equal(t, "Project planning", name)
}
