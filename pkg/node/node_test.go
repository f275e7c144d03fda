package node

import (
	"testing"
	"time"

	"github.com/shinkailabs/shinkai-node/pkg/config"
	"github.com/shinkailabs/shinkai-node/pkg/jobexec"
	"github.com/shinkailabs/shinkai-node/pkg/jobstore"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct{}

func (fakeRouter) Route(job *jobstore.Job, agent jobexec.Agent, rawMessage string, prevContext map[string]string) (jobexec.ChainResult, error) {
	return jobexec.ChainResult{Response: "ok", NewExecutionContext: prevContext}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		NodeName:                 "@@testnode.shinkai",
		ListenAddress:            "127.0.0.1:0",
		PingInterval:             50 * time.Millisecond,
		MaxConnections:           8,
		MaxConnectionsPerIP:      8,
		BurstAllowance:           8,
		NetworkJobManagerThreads: 1,
		DataDir:                  t.TempDir(),
	}
}

func TestNewAssemblesAllComponents(t *testing.T) {
	resolveAgent := func(agentID string) (jobexec.Agent, error) {
		return jobexec.Agent{AgentID: agentID}, nil
	}

	n, err := New(testConfig(t), fakeRouter{}, resolveAgent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })

	require.NotNil(t, n.Store)
	require.NotNil(t, n.Identity)
	require.NotNil(t, n.VFS)
	require.NotNil(t, n.Jobs)
	require.NotNil(t, n.Queue)
	require.NotNil(t, n.Executor)
	require.NotNil(t, n.NetJob)
	require.NotNil(t, n.Relay)
	require.NotNil(t, n.Subscribe)
	require.NotNil(t, n.WS)
}

func TestStartAndStop(t *testing.T) {
	resolveAgent := func(agentID string) (jobexec.Agent, error) {
		return jobexec.Agent{AgentID: agentID}, nil
	}

	n, err := New(testConfig(t), fakeRouter{}, resolveAgent)
	require.NoError(t, err)

	require.NoError(t, n.Start())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, n.Stop())
}
