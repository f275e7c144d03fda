package jobexec

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/jobstore"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct{ response string }

func (f *fakeRouter) Route(job *jobstore.Job, agent Agent, rawMessage string, prevContext map[string]string) (ChainResult, error) {
	return ChainResult{Response: f.response, NewExecutionContext: prevContext}, nil
}

func newTestExecutor(t *testing.T, router InferenceRouter) (*Executor, *jobstore.Store) {
	t.Helper()
	kv, err := kvstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	store := jobstore.New(kv, zerolog.Nop())
	resolveAgent := func(agentID string) (Agent, error) {
		return Agent{AgentID: agentID, Kind: "default"}, nil
	}
	exec := New(store, nil, shinkiname.MustParse("@@node.shinkai"), resolveAgent, nil, nil, router, nil, zerolog.Nop())
	return exec, store
}

func TestExecuteStepDefaultInference(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeRouter{response: "here is your answer"})

	require.NoError(t, store.CreateJob(&jobstore.Job{JobID: "job1", ParentAgentID: "agent1", ConversationInboxName: "job_inbox::job1"}))

	msg := message.Build(message.BuildParams{
		RawContent:    "what is 2+2",
		Schema:        message.SchemaJobMessage,
		SenderNode:    "@@user.shinkai",
		RecipientNode: "@@node.shinkai",
		InboxName:     "job_inbox::job1",
	})

	item := JobForProcessing{
		JobID:        "job1",
		ProfileOwner: shinkiname.MustParse("@@user.shinkai"),
		Message:      msg,
	}
	require.NoError(t, exec.ExecuteStep(item))

	msgs, err := store.ListMessages("job_inbox::job1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	history, err := store.GetStepHistory("job1")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestExecuteStepImageWithoutCapabilityFails(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeRouter{response: "unused"})

	require.NoError(t, store.CreateJob(&jobstore.Job{JobID: "job1", ParentAgentID: "agent1", ConversationInboxName: "job_inbox::job1"}))

	msg := message.Build(message.BuildParams{
		RawContent:    "look at this",
		Schema:        message.SchemaJobMessage,
		SenderNode:    "@@user.shinkai",
		RecipientNode: "@@node.shinkai",
		InboxName:     "job_inbox::job1",
	})

	item := JobForProcessing{
		JobID:        "job1",
		ProfileOwner: shinkiname.MustParse("@@user.shinkai"),
		Message:      msg,
		Files:        []InputFile{{Name: "photo.png", Data: []byte("fakepng")}},
	}
	require.NoError(t, exec.ExecuteStep(item))

	msgs, err := store.ListMessages("job_inbox::job1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].EncodedBody)
}

func TestExecuteStepJobkaiCronDispatch(t *testing.T) {
	exec, store := newTestExecutor(t, &fakeRouter{response: "unused"})

	require.NoError(t, store.CreateJob(&jobstore.Job{JobID: "job1", ParentAgentID: "agent1", ConversationInboxName: "job_inbox::job1"}))

	msg := message.Build(message.BuildParams{
		RawContent:    "schedule this",
		Schema:        message.SchemaJobMessage,
		SenderNode:    "@@user.shinkai",
		RecipientNode: "@@node.shinkai",
		InboxName:     "job_inbox::job1",
	})

	item := JobForProcessing{
		JobID:        "job1",
		ProfileOwner: shinkiname.MustParse("@@user.shinkai"),
		Message:      msg,
		Files:        []InputFile{{Name: "task.jobkai", Data: []byte(`{"schema":"cron","params":{}}`)}},
	}
	require.NoError(t, exec.ExecuteStep(item))

	history, err := store.GetStepHistory("job1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Contains(t, history[0].Content, "cron job acknowledged")
}
