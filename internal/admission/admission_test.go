package admission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/core/internal/eventbus"
	"github.com/coordcore/core/internal/executor"
	"github.com/coordcore/core/internal/registry"
	"github.com/coordcore/core/internal/router"
	"github.com/coordcore/core/internal/runstore"
	coorderrors "github.com/coordcore/core/pkg/errors"
)

type stubDispatcher struct {
	result json.RawMessage
	err    error
}

func (s *stubDispatcher) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.result, s.err
}

func newTestAdmission(t *testing.T, sensitive bool) (*Admission, runstore.Backend) {
	t.Helper()
	reg := registry.New()
	reg.PublishDiscovery("srv-a", []registry.ToolSchema{
		{ServerID: "srv-a", ToolName: "search", Sensitive: sensitive},
	})

	store := runstore.NewMemory()
	bus := eventbus.New()
	rtr := router.New(reg, nil, time.Second)
	disp := &stubDispatcher{result: json.RawMessage(`{}`)}
	dispatch := func(serverID string) (router.Dispatcher, bool) { return disp, true }

	ex := executor.New(executor.Config{}, store, bus, rtr, dispatch, nil, nil)
	adm := New(ex, store, bus, runstore.Budgets{MaxSteps: 10})
	return adm, store
}

func waitForTerminal(t *testing.T, store runstore.Backend, runID string, timeout time.Duration) runstore.Run {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("run %q did not reach a terminal state within %s", runID, timeout)
		case <-ticker.C:
			run, err := store.GetRun(context.Background(), runID)
			require.NoError(t, err)
			if run.Status.Terminal() {
				return run
			}
		}
	}
}

func TestAdmission_StartRun_RejectsEmptyPlan(t *testing.T) {
	adm, _ := newTestAdmission(t, false)
	_, err := adm.StartRun(context.Background(), StartRunRequest{})
	require.Error(t, err)
	assert.Equal(t, coorderrors.KindInvalidArguments, coorderrors.KindOf(err))
}

func TestAdmission_StartRunAndGetRun(t *testing.T) {
	adm, store := newTestAdmission(t, false)

	runID, err := adm.StartRun(context.Background(), StartRunRequest{
		Submitter: "tester",
		Steps:     []executor.ProposedStep{{QualifiedName: "srv-a.search", Input: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	waitForTerminal(t, store, runID, 2*time.Second)

	snap, err := adm.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runstore.RunSucceeded, snap.Run.Status)
	require.Len(t, snap.Steps, 1)
	assert.Empty(t, snap.PendingApprovals)
}

func TestAdmission_GetRun_NotFound(t *testing.T) {
	adm, _ := newTestAdmission(t, false)
	_, err := adm.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, coorderrors.KindNotFound, coorderrors.KindOf(err))
}

func TestAdmission_CancelRun(t *testing.T) {
	adm, store := newTestAdmission(t, false)

	runID, err := adm.StartRun(context.Background(), StartRunRequest{
		Steps: []executor.ProposedStep{{QualifiedName: "srv-a.search", Input: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	waitForTerminal(t, store, runID, 2*time.Second)

	err = adm.CancelRun(context.Background(), runID)
	require.Error(t, err)
	assert.Equal(t, coorderrors.KindAlreadyTerminal, coorderrors.KindOf(err))
}

func TestAdmission_ResolveApproval_RejectsBadDecision(t *testing.T) {
	adm, _ := newTestAdmission(t, true)
	err := adm.ResolveApproval(context.Background(), "any-id", runstore.ApprovalPending)
	require.Error(t, err)
	assert.Equal(t, coorderrors.KindInvalidArguments, coorderrors.KindOf(err))
}

func TestAdmission_ApprovalFlow(t *testing.T) {
	adm, store := newTestAdmission(t, true)

	runID, err := adm.StartRun(context.Background(), StartRunRequest{
		Steps: []executor.ProposedStep{{QualifiedName: "srv-a.search", Input: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)

	var approvalID string
	require.Eventually(t, func() bool {
		snap, err := adm.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if len(snap.PendingApprovals) == 0 {
			return false
		}
		approvalID = snap.PendingApprovals[0].ApprovalID
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, adm.ResolveApproval(context.Background(), approvalID, runstore.ApprovalApproved))

	run := waitForTerminal(t, store, runID, 2*time.Second)
	assert.Equal(t, runstore.RunSucceeded, run.Status)
}

func TestAdmission_StreamEvents(t *testing.T) {
	adm, store := newTestAdmission(t, false)

	sub := adm.StreamEvents(EventFilter{})
	defer sub.Unsubscribe()

	runID, err := adm.StartRun(context.Background(), StartRunRequest{
		Steps: []executor.ProposedStep{{QualifiedName: "srv-a.search", Input: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	waitForTerminal(t, store, runID, 2*time.Second)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, runID, ev.RunID)
	case <-time.After(time.Second):
		t.Fatal("expected at least one event from the run")
	}
}

func TestAdmission_ListRuns(t *testing.T) {
	adm, store := newTestAdmission(t, false)

	runID, err := adm.StartRun(context.Background(), StartRunRequest{
		Steps: []executor.ProposedStep{{QualifiedName: "srv-a.search", Input: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	waitForTerminal(t, store, runID, 2*time.Second)

	runs, err := adm.ListRuns(context.Background(), runstore.RunSucceeded)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
}
