package store

import (
	"context"
	"testing"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeAt(sec int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, sec, 0, time.UTC)
}

func openStores(t *testing.T) *Stores {
	t.Helper()
	s, err := Open(hubdir.Layout{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenPingClose(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	// Close is idempotent.
	require.NoError(t, s.Close())
}

func TestTaskRoundTrip(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	added, err := s.Tasks.Add(ctx, types.Task{
		Title:    "wire the collector",
		Assignee: "alice",
		Priority: types.PriorityP1,
		Tags:     []string{"infra", "urgent"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)
	assert.Equal(t, types.TaskStatusTodo, added.Status)

	found, err := s.Tasks.Find(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, added.Title, found.Title)
	assert.Equal(t, added.Assignee, found.Assignee)
	assert.Equal(t, added.Priority, found.Priority)
	assert.Equal(t, added.Tags, found.Tags)
	assert.Equal(t, added.CreatedAt, found.CreatedAt)
	require.Len(t, found.Events, 1)
	assert.Equal(t, "created", found.Events[0].Type)
}

func TestTaskNotFound(t *testing.T) {
	s := openStores(t)
	_, err := s.Tasks.Find(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestTaskStatusGraph(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	task, err := s.Tasks.Add(ctx, types.Task{Title: "t", Assignee: "alice"})
	require.NoError(t, err)

	// todo -> ready_for_review skips in_progress and is refused.
	_, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusReadyForReview, "alice")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	task, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusInProgress, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, task.StartedAt)

	task, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusReadyForReview, "alice")
	require.NoError(t, err)
	task, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusAccepted, "bob")
	require.NoError(t, err)

	// Terminal states admit nothing.
	_, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusInProgress, "bob")
	require.Error(t, err)

	// The history recorded every hop.
	events, err := s.Tasks.Events(ctx, task.ID)
	require.NoError(t, err)
	var details []string
	for _, ev := range events {
		if ev.Type == "status_changed" {
			details = append(details, ev.Detail)
		}
	}
	assert.Equal(t, []string{
		"todo -> in_progress",
		"in_progress -> ready_for_review",
		"ready_for_review -> accepted",
	}, details)
}

func TestConcurrentConflictingTransitionsOneWins(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		task, err := s.Tasks.Add(ctx, types.Task{Title: "t", Assignee: "alice"})
		require.NoError(t, err)
		_, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusInProgress, "alice")
		require.NoError(t, err)
		_, err = s.Tasks.UpdateStatus(ctx, task.ID, types.TaskStatusReadyForReview, "alice")
		require.NoError(t, err)

		// Accept and reject race from ready_for_review; both edges are
		// legal in isolation, so only the serialisation can decide.
		errs := make(chan error, 2)
		for _, to := range []types.TaskStatus{types.TaskStatusAccepted, types.TaskStatusRejected} {
			go func(to types.TaskStatus) {
				_, err := s.Tasks.UpdateStatus(ctx, task.ID, to, "bob")
				errs <- err
			}(to)
		}
		first, second := <-errs, <-errs

		wins := 0
		for _, err := range []error{first, second} {
			if err == nil {
				wins++
				continue
			}
			assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
		}
		require.Equal(t, 1, wins, "exactly one transition must win")

		// The winner's status stuck; the loser changed nothing.
		final, err := s.Tasks.Find(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, final.Status.Terminal())
		transitions := 0
		for _, ev := range final.Events {
			if ev.Type == "status_changed" {
				transitions++
			}
		}
		assert.Equal(t, 3, transitions)
	}
}

func TestTaskListFiltersAndOpenCount(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	a, err := s.Tasks.Add(ctx, types.Task{Title: "a", Assignee: "alice"})
	require.NoError(t, err)
	_, err = s.Tasks.Add(ctx, types.Task{Title: "b", Assignee: "bob"})
	require.NoError(t, err)
	_, err = s.Tasks.UpdateStatus(ctx, a.ID, types.TaskStatusInProgress, "alice")
	require.NoError(t, err)

	inProgress, err := s.Tasks.List(ctx, types.TaskStatusInProgress, "")
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, a.ID, inProgress[0].ID)

	alice, err := s.Tasks.List(ctx, "", "alice")
	require.NoError(t, err)
	assert.Len(t, alice, 1)

	n, err := s.Tasks.OpenCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTaskReassign(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	task, err := s.Tasks.Add(ctx, types.Task{Title: "t", Assignee: "alice"})
	require.NoError(t, err)

	task, err = s.Tasks.Reassign(ctx, task.ID, "bob", "coordinator")
	require.NoError(t, err)
	assert.Equal(t, "bob", task.Assignee)

	_, err = s.Tasks.Reassign(ctx, "missing", "bob", "coordinator")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestHandoffRoundTrip(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	saved, err := s.Tasks.SaveHandoff(ctx, types.Handoff{
		From:               "alice",
		To:                 "bob",
		Goal:               "migrate the schema",
		AcceptanceCriteria: []string{"all rows copied", "checksums match"},
		RunCommands:        []string{"make migrate"},
		BlockedBy:          []string{"none"},
		Criticality:        types.CriticalityHigh,
		Context:            map[string]string{"db": "primary"},
	})
	require.NoError(t, err)

	got, err := s.Tasks.Handoff(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestMessageDedupeKey(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	_, stored, err := s.Messages.Send(ctx, types.Message{
		From: "alice", To: "bob", Content: "deploy done", DedupeKey: "deploy-42",
	})
	require.NoError(t, err)
	assert.True(t, stored)

	_, stored, err = s.Messages.Send(ctx, types.Message{
		From: "alice", To: "bob", Content: "deploy done again", DedupeKey: "deploy-42",
	})
	require.NoError(t, err)
	assert.False(t, stored)

	// Same key to another recipient still lands.
	_, stored, err = s.Messages.Send(ctx, types.Message{
		From: "alice", To: "carol", Content: "deploy done", DedupeKey: "deploy-42",
	})
	require.NoError(t, err)
	assert.True(t, stored)

	// Empty keys never collide.
	for i := 0; i < 2; i++ {
		_, stored, err = s.Messages.Send(ctx, types.Message{From: "alice", To: "bob", Content: "hi"})
		require.NoError(t, err)
		assert.True(t, stored)
	}

	inbox, err := s.Messages.Inbox(ctx, "bob", false)
	require.NoError(t, err)
	assert.Len(t, inbox, 3)
}

func TestMessageReadAndArchive(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	first, _, err := s.Messages.Send(ctx, types.Message{From: "alice", To: "bob", Content: "one"})
	require.NoError(t, err)
	_, _, err = s.Messages.Send(ctx, types.Message{From: "alice", To: "bob", Content: "two"})
	require.NoError(t, err)

	n, err := s.Messages.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Messages.MarkRead(ctx, "bob", first.ID))
	n, err = s.Messages.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unread, err := s.Messages.Inbox(ctx, "bob", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "two", unread[0].Content)

	require.NoError(t, s.Messages.Archive(ctx, "bob", first.ID))
	all, err := s.Messages.Inbox(ctx, "bob", false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Another account cannot archive bob's messages.
	err = s.Messages.Archive(ctx, "mallory", unread[0].ID)
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}

func TestWorkflowRunRoundTrip(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	run, err := s.Workflows.CreateRun(ctx, types.WorkflowRun{WorkflowName: "release"})
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, run.Status)

	require.NoError(t, s.Workflows.UpdateRunStatus(ctx, run.ID, types.RunRunning))
	got, err := s.Workflows.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
	assert.NotEmpty(t, got.StartedAt)
	assert.Empty(t, got.CompletedAt)

	require.NoError(t, s.Workflows.UpdateRunStatus(ctx, run.ID, types.RunCompleted))
	got, err = s.Workflows.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, got.Status)
	assert.NotEmpty(t, got.CompletedAt)

	require.NoError(t, s.Workflows.SetRunRetro(ctx, run.ID, "retro-1"))
	got, err = s.Workflows.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "retro-1", got.RetroID)
}

func TestStepRunsInOrder(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	run, err := s.Workflows.CreateRun(ctx, types.WorkflowRun{WorkflowName: "release"})
	require.NoError(t, err)

	for _, stepID := range []string{"build", "test", "ship"} {
		_, err := s.Workflows.CreateStepRun(ctx, types.StepRun{RunID: run.ID, StepID: stepID})
		require.NoError(t, err)
	}

	steps, err := s.Workflows.StepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "build", steps[0].StepID)
	assert.Equal(t, "ship", steps[2].StepID)
	assert.Equal(t, 1, steps[0].Attempt)

	steps[1].Status = types.StepCompleted
	steps[1].Result = "ok"
	require.NoError(t, s.Workflows.UpdateStepRun(ctx, steps[1]))
	steps, err = s.Workflows.StepRuns(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, steps[1].Status)
	assert.Equal(t, "ok", steps[1].Result)

	require.NoError(t, s.Workflows.AppendEvent(ctx, run.ID, steps[1].ID, "step_completed", "ok"))
	events, err := s.Workflows.Events(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "step_completed", events[0].Type)
}

func TestRetroLifecycle(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	sess, err := s.Retros.CreateSession(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "open", sess.Status)

	_, err = s.Retros.AddReview(ctx, types.RetroReview{
		RetroID: sess.ID, Account: "alice", WentWell: "fast", WentWrong: "flaky CI",
	})
	require.NoError(t, err)
	_, err = s.Retros.AddReview(ctx, types.RetroReview{
		RetroID: sess.ID, Account: "bob", Actions: "pin the runner image",
	})
	require.NoError(t, err)

	reviews, err := s.Retros.Reviews(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, reviews, 2)

	doc, err := s.Retros.SaveDocument(ctx, sess.ID, "## Retro\nPin the runner image.")
	require.NoError(t, err)

	got, err := s.Retros.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	assert.NotEmpty(t, got.ClosedAt)

	// Closed retros refuse further reviews.
	_, err = s.Retros.AddReview(ctx, types.RetroReview{RetroID: sess.ID, Account: "carol"})
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))

	fetched, err := s.Retros.Document(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Content, fetched.Content)
}

func TestCouncilHistoryByTopic(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	for i, member := range []string{"alice", "bob", "carol"} {
		_, err := s.Council.SaveAnalysis(ctx, types.CouncilAnalysis{
			SessionID: "sess-1",
			Topic:     "cache design",
			Member:    member,
			Stage:     "analysis",
			Content:   "opinion",
			CreatedAt: types.Timestamp(timeAt(i)),
		})
		require.NoError(t, err)
	}
	_, err := s.Council.SaveAnalysis(ctx, types.CouncilAnalysis{
		SessionID: "sess-2", Topic: "other", Member: "dave", Stage: "analysis", Content: "x",
	})
	require.NoError(t, err)

	history, err := s.Council.History(ctx, "cache design", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "carol", history[0].Member)
	assert.Equal(t, "bob", history[1].Member)

	analyses, err := s.Council.Analyses(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, analyses, 3)

	_, err = s.Council.SaveVerification(ctx, types.CouncilVerification{
		SessionID: "sess-1", Criterion: "tests pass", Passed: true,
	})
	require.NoError(t, err)
	verifs, err := s.Council.Verifications(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, verifs, 1)
	assert.True(t, verifs[0].Passed)
}

func TestSessionsAndSearch(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	rec, err := s.Sessions.Create(ctx, types.SessionRecord{Account: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Sessions.SetName(ctx, rec.ID, "Planning the cache rewrite"))

	_, err = s.Sessions.Create(ctx, types.SessionRecord{Account: "bob", Name: "idle shell"})
	require.NoError(t, err)

	all, err := s.Sessions.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	hits, err := s.Sessions.Search(ctx, "CACHE")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.ID, hits[0].ID)

	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(s.Sessions.SetName(ctx, "missing", "x")))
}

func TestConfigOverlay(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()

	_, err := s.Config.Get(ctx, "sla.tick")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))

	require.NoError(t, s.Config.Set(ctx, "sla.tick", "45s"))
	require.NoError(t, s.Config.Set(ctx, "sla.tick", "60s"))

	v, err := s.Config.Get(ctx, "sla.tick")
	require.NoError(t, err)
	assert.Equal(t, "60s", v)

	all, err := s.Config.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sla.tick": "60s"}, all)
}
