package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/dispatcher"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
	"github.com/JakeFAU/groupmonitor/internal/monitor/monitortest"
	pubmem "github.com/JakeFAU/groupmonitor/internal/publisher/memory"
	storemem "github.com/JakeFAU/groupmonitor/internal/storage/memory"
	"github.com/JakeFAU/groupmonitor/internal/worker"
)

var start = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

const courtesy = time.Minute

type harness struct {
	sched  *Scheduler
	disp   *dispatcher.Dispatcher
	store  *storemem.GroupStore
	client *monitortest.Client
	clock  *monitortest.Clock
	pauser *monitortest.Pauser
	pub    *pubmem.Publisher
}

func newHarness(t *testing.T, canJoin []bool, cfg Config) *harness {
	t.Helper()
	clock := monitortest.NewClock(start)
	h := &harness{
		disp:   dispatcher.New(len(canJoin), zap.NewNop()),
		store:  storemem.NewGroupStore(),
		client: monitortest.NewClient(),
		clock:  clock,
		pauser: &monitortest.Pauser{Clock: clock},
		pub:    pubmem.New(),
	}
	cfg.CanJoin = canJoin
	if cfg.FreeWaitTimeout == 0 {
		cfg.FreeWaitTimeout = 50 * time.Millisecond
	}
	proc := NewProcessor(h.store, h.disp, nil, h.pub, nil, zap.NewNop())
	h.sched = New(h.store, h.disp, proc, h.clock, h.pauser, cfg, zap.NewNop())
	return h
}

// startWorkers runs one real worker per dispatcher slot until the test ends.
func (h *harness) startWorkers(t *testing.T) {
	t.Helper()
	ids := &monitortest.IDs{}
	runners := make([]dispatcher.Runner, h.disp.Size())
	for id := range h.disp.Size() {
		runners[id] = worker.New(id, h.disp.Inbox(id), h.disp.Results(), h.disp.Free(),
			h.client, h.store, h.clock, ids, h.pauser,
			worker.Config{
				Lookback:    24 * time.Hour,
				ActionDelay: worker.Bounds{Min: courtesy, Max: courtesy},
				// A one-nanosecond delay keeps username checks from waiting.
				UsernameDelay: worker.Bounds{Min: time.Nanosecond, Max: time.Nanosecond},
			}, zap.NewNop())
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.disp.Run(ctx, runners)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) runCycle(t *testing.T, mode Mode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.sched.RunCycle(ctx, mode))
	require.NoError(t, h.sched.Settle(ctx))
}

func (h *harness) group(t *testing.T, username string) monitor.Group {
	t.Helper()
	g, err := h.store.GetGroup(context.Background(), username)
	require.NoError(t, err)
	return g
}

func (h *harness) addPending(t *testing.T, usernames ...string) {
	t.Helper()
	for _, u := range usernames {
		added, err := h.store.AddPending(context.Background(), monitor.Candidate{Username: u, Topic: "news"})
		require.NoError(t, err)
		require.True(t, added)
	}
}

func TestRunCycleJoinsPendingGroup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour, IdlePause: 10 * time.Minute})
	h.addPending(t, "alpha")
	h.client.ScriptJoin("alpha", monitortest.JoinResponse{Entity: monitor.Entity{ID: 111, Username: "alpha"}})
	h.client.AddMessages(111,
		monitor.Message{ID: 1, Date: start.Add(-2 * time.Hour)},
		monitor.Message{ID: 2, Date: start.Add(-time.Hour)},
	)
	h.startWorkers(t)

	h.runCycle(t, Mode{Kind: JoinOnly})

	g := h.group(t, "alpha")
	require.Equal(t, monitor.StateInside, g.State)
	require.Equal(t, int64(111), g.ID)
	require.Equal(t, 0, g.WorkerID)
	require.Equal(t, 2, g.MessagesTotal)
	require.True(t, g.Messages.First)
	require.Equal(t, "messages_111", g.CollectionName)
	require.Len(t, h.store.Messages(111), 2)

	n, err := h.store.PendingCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, h.disp.BusyCount())
}

func TestRunCycleSpreadsJoinsAcrossWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true, true}, Config{Staleness: time.Hour})
	names := []string{"alpha", "beta", "gamma", "delta"}
	h.addPending(t, names...)
	for i, name := range names {
		h.client.ScriptJoin(name, monitortest.JoinResponse{Entity: monitor.Entity{ID: int64(100 + i), Username: name}})
	}
	h.startWorkers(t)

	h.runCycle(t, Mode{Kind: Both})

	groups, err := h.store.ListGroups(context.Background(), monitor.GroupFilter{})
	require.NoError(t, err)
	require.Len(t, groups, len(names))
	for _, g := range groups {
		require.Equal(t, monitor.StateInside, g.State, g.Username)
		require.True(t, g.Owned(), g.Username)
		require.Less(t, g.WorkerID, 2)
	}
	require.Len(t, h.pub.Messages(), len(names))
}

func TestRunCyclePendingApprovalThenRecheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: 5 * time.Minute, IdlePause: 10 * time.Minute})
	h.addPending(t, "beta")
	h.client.ScriptJoin("beta", monitortest.JoinResponse{
		Entity: monitor.Entity{ID: 222, Username: "beta"},
		Err:    fmt.Errorf("join beta: %w", monitor.ErrPendingApproval),
	})
	h.startWorkers(t)

	h.runCycle(t, Mode{Kind: JoinOnly})
	g := h.group(t, "beta")
	require.Equal(t, monitor.StateWaiting, g.State)
	require.Equal(t, int64(222), g.ID)
	require.Len(t, g.ErrorHistory, 1)

	// One idle pause makes the request stale; the re-check then refreshes
	// last_update so nothing else is due before the deadline.
	h.runCycle(t, Mode{Kind: CheckOnly, Deadline: h.clock.Now().Add(15 * time.Minute)})

	g = h.group(t, "beta")
	require.Equal(t, monitor.StateWaiting, g.State)
	require.Len(t, g.ErrorHistory, 2)
	require.Equal(t, "request has not been approved yet", g.ErrorHistory[1].Message)
	require.Equal(t, 1, h.client.DialogCalls)
}

func TestRunCycleCheckUpdatesCollectsNewMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour})
	h.store.PutGroup(monitor.Group{
		Username:   "gamma",
		ID:         333,
		State:      monitor.StateInside,
		WorkerID:   0,
		LastUpdate: start.Add(-2 * time.Hour),
	})
	h.client.AddDialog(monitor.Entity{ID: 333, Username: "gamma"})
	h.client.AddMessages(333,
		monitor.Message{ID: 1, Date: start.Add(-3 * time.Hour)},
		monitor.Message{ID: 2, Date: start.Add(-90 * time.Minute)},
		monitor.Message{ID: 3, Date: start.Add(-80 * time.Minute)},
		monitor.Message{ID: 4, Date: start.Add(-70 * time.Minute)},
	)
	h.startWorkers(t)

	h.runCycle(t, Mode{Kind: Both})

	g := h.group(t, "gamma")
	require.Equal(t, monitor.StateInside, g.State)
	require.Equal(t, start, g.LastUpdate)
	require.Equal(t, 3, g.Messages.Count)
	require.False(t, g.Messages.First)
	require.Len(t, g.UpdateHistory, 1)
	require.Equal(t, 3, g.UpdateHistory[0].Count)
	require.Len(t, h.store.Messages(333), 3)
}

func TestRunCyclePastDeadlineDispatchesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Minute})
	h.store.PutGroup(monitor.Group{
		Username:   "beta",
		ID:         222,
		State:      monitor.StateWaiting,
		WorkerID:   0,
		LastUpdate: start.Add(-time.Hour),
	})

	require.NoError(t, h.sched.RunCycle(context.Background(), Mode{Kind: CheckOnly, Deadline: start.Add(-time.Second)}))

	require.Zero(t, h.disp.BusyCount())
	require.Zero(t, h.disp.Inbox(0).Len())
	require.Equal(t, monitor.StateWaiting, h.group(t, "beta").State)
}

func TestRunCycleWithoutJoinersReturns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{false, false}, Config{})
	h.addPending(t, "alpha")

	require.NoError(t, h.sched.RunCycle(context.Background(), Mode{Kind: JoinOnly}))

	n, err := h.store.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRunCycleHonorsCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.sched.RunCycle(ctx, Mode{Kind: Both})
	require.ErrorIs(t, err, context.Canceled)
}

func nextTask(t *testing.T, h *harness, id int) monitor.Task {
	t.Helper()
	task, ok := h.disp.Inbox(id).TryDequeue()
	require.True(t, ok, "worker %d received no task", id)
	return task
}

func TestAssignNextPrefersWaitingOverUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour})
	h.store.PutGroup(monitor.Group{
		Username: "inside", ID: 1, State: monitor.StateInside, WorkerID: 0, LastUpdate: start.Add(-5 * time.Hour),
	})
	h.store.PutGroup(monitor.Group{
		Username: "waiting", ID: 2, State: monitor.StateWaiting, WorkerID: 0, LastUpdate: start.Add(-2 * time.Hour),
	})

	done, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: Both})
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, monitor.CheckWaiting{ID: 2, Username: "waiting"}, nextTask(t, h, 0))
	require.True(t, h.disp.Busy(0))
}

func TestAssignNextMarksGroupChecking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour})
	last := start.Add(-2 * time.Hour)
	h.store.PutGroup(monitor.Group{Username: "inside", ID: 1, State: monitor.StateInside, WorkerID: 0, LastUpdate: last})
	h.store.PutGroup(monitor.Group{
		Username: "fresh", ID: 2, State: monitor.StateInside, WorkerID: 0, LastUpdate: start.Add(-time.Minute),
	})
	h.store.PutGroup(monitor.Group{
		Username: "other", ID: 3, State: monitor.StateInside, WorkerID: 1, LastUpdate: start.Add(-9 * time.Hour),
	})

	_, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: CheckOnly})
	require.NoError(t, err)
	require.Equal(t, monitor.CheckUpdates{ID: 1, Username: "inside", OffsetDate: last}, nextTask(t, h, 0))
	require.Equal(t, monitor.StateChecking, h.group(t, "inside").State)
	require.Equal(t, monitor.StateInside, h.group(t, "fresh").State)
}

func TestAssignNextRecoversOrphans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour})
	h.addPending(t, "newcomer")
	h.store.PutGroup(monitor.Group{
		Username: "stuck", State: monitor.StateJoining, WorkerID: 0, LastUpdate: start.Add(-time.Minute),
	})

	_, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: JoinOnly})
	require.NoError(t, err)
	require.Equal(t, monitor.TryJoin{Username: "stuck"}, nextTask(t, h, 0))

	n, err := h.store.PendingCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n, "orphaned join must be retried before claiming")
}

func TestAssignNextRecoversOrphanedCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour})
	last := start.Add(-3 * time.Hour)
	h.store.PutGroup(monitor.Group{Username: "half", ID: 5, State: monitor.StateChecking, WorkerID: 0, LastUpdate: last})

	_, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: Both})
	require.NoError(t, err)
	require.Equal(t, monitor.CheckUpdates{ID: 5, Username: "half", OffsetDate: last}, nextTask(t, h, 0))
}

func TestAssignNextJoinOnlyModes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{false, true}, Config{Staleness: time.Hour, IdlePause: 5 * time.Minute})
	for id := range 2 {
		h.store.PutGroup(monitor.Group{
			Username:   fmt.Sprintf("g%d", id),
			ID:         int64(id + 10),
			State:      monitor.StateInside,
			WorkerID:   id,
			LastUpdate: start.Add(-2 * time.Hour),
		})
	}
	ctx := context.Background()

	// A worker that cannot join still refreshes its groups.
	done, err := h.sched.assignNext(ctx, 0, Mode{Kind: JoinOnly})
	require.NoError(t, err)
	require.False(t, done)
	require.IsType(t, monitor.CheckUpdates{}, nextTask(t, h, 0))

	// A joiner skips refreshes and, with Pending empty, finishes the cycle.
	done, err = h.sched.assignNext(ctx, 1, Mode{Kind: JoinOnly})
	require.NoError(t, err)
	require.True(t, done)
	require.False(t, h.disp.Busy(1))
	require.Equal(t, monitor.StateInside, h.group(t, "g1").State)
	id, ok := h.disp.Free().TryDequeue()
	require.True(t, ok)
	require.Equal(t, 1, id)
}

func TestAssignNextIdlesWithoutWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour, IdlePause: 7 * time.Minute})

	done, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: CheckOnly, Deadline: start.Add(time.Hour)})
	require.NoError(t, err)
	require.False(t, done)
	require.Eventually(t, func() bool { return h.disp.Free().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []time.Duration{7 * time.Minute}, h.pauser.Delays())
	require.Equal(t, start.Add(7*time.Minute), h.clock.Now())
	id, ok := h.disp.Free().TryDequeue()
	require.True(t, ok)
	require.Zero(t, id)
}

func TestAssignNextIdlePauseStopsAtDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour, IdlePause: 30 * time.Minute})

	_, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: CheckOnly, Deadline: start.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.disp.Free().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []time.Duration{2 * time.Minute}, h.pauser.Delays())

	// Past the deadline the worker goes straight back.
	_, _ = h.disp.Free().TryDequeue()
	_, err = h.sched.assignNext(context.Background(), 0, Mode{Kind: CheckOnly, Deadline: start})
	require.NoError(t, err)
	require.Equal(t, 1, h.disp.Free().Len())
	require.Len(t, h.pauser.Delays(), 1)
}

// gatePauser blocks every pause until release is closed.
type gatePauser struct {
	release chan struct{}
}

func (p *gatePauser) Pause(ctx context.Context, _ time.Duration) {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
}

func TestIdleWorkerDoesNotHoldOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true, true}, Config{Staleness: time.Hour, IdlePause: time.Hour})
	gate := &gatePauser{release: make(chan struct{})}
	h.sched.pauser = gate
	h.store.PutGroup(monitor.Group{
		Username: "busy", ID: 7, State: monitor.StateInside, WorkerID: 1, LastUpdate: start.Add(-2 * time.Hour),
	})
	ctx := context.Background()

	_, err := h.sched.assignNext(ctx, 0, Mode{Kind: CheckOnly, Deadline: start.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Zero(t, h.disp.Free().Len(), "idle worker is held while it rests")

	// The coordinator keeps dispatching while worker 0 rests.
	_, err = h.sched.assignNext(ctx, 1, Mode{Kind: CheckOnly, Deadline: start.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, monitor.CheckUpdates{ID: 7, Username: "busy", OffsetDate: start.Add(-2 * time.Hour)}, nextTask(t, h, 1))

	close(gate.release)
	require.Eventually(t, func() bool { return h.disp.Free().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestAssignNextStalenessBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true}, Config{Staleness: time.Hour})
	last := start.Add(-time.Hour)
	h.store.PutGroup(monitor.Group{Username: "edge", ID: 8, State: monitor.StateInside, WorkerID: 0, LastUpdate: last})

	_, err := h.sched.assignNext(context.Background(), 0, Mode{Kind: CheckOnly, Deadline: start.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, h.disp.Busy(0))
	require.Equal(t, monitor.CheckUpdates{ID: 8, Username: "edge", OffsetDate: last}, nextTask(t, h, 0))
}

func TestUpdateUsernamesRenamesGroups(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []bool{true, true}, Config{})
	h.store.PutGroup(monitor.Group{Username: "old", ID: 444, State: monitor.StateInside, WorkerID: 0, Topic: "news"})
	h.store.PutGroup(monitor.Group{Username: "same", ID: 555, State: monitor.StateInside, WorkerID: 0, Topic: "sports"})
	h.store.PutGroup(monitor.Group{Username: "failed", ID: 666, State: monitor.StateFailed, WorkerID: 1, Topic: "news"})
	h.client.SetFullEntity(monitor.Entity{
		ID:           444,
		Username:     "new",
		Participants: []monitor.Participant{{ID: 9, Username: "helper_bot", Bot: true}},
	})
	h.client.SetFullEntity(monitor.Entity{ID: 555, Username: "same"})
	h.startWorkers(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.sched.UpdateUsernames(ctx, "news"))

	_, err := h.store.GetGroup(ctx, "old")
	require.ErrorIs(t, err, monitor.ErrNotFound)
	g := h.group(t, "new")
	require.Equal(t, int64(444), g.ID)
	require.Equal(t, "old", g.OldUsernames[0].Username)
	require.Len(t, g.Entity.Participants, 1)
	require.Empty(t, h.group(t, "same").OldUsernames)
	require.Zero(t, h.disp.BusyCount())

	// Worker 1 had nothing to check and is handed back to the pool.
	require.Eventually(t, func() bool { return h.disp.Free().Len() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestParseModeKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ModeKind{"join": JoinOnly, "CHECK": CheckOnly, "": Both, "both": Both} {
		got, err := ParseModeKind(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
		if in != "" {
			require.Equal(t, want.String(), got.String())
		}
	}
	_, err := ParseModeKind("sideways")
	require.Error(t, err)
}
