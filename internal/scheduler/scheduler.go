// Package scheduler assigns tasks to free workers by priority and applies
// their results to the group store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/dispatcher"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

const defaultFreeWaitTimeout = 3 * time.Second

// ModeKind selects which tasks a cycle may dispatch.
type ModeKind int

const (
	// Both refreshes joined groups and joins new ones.
	Both ModeKind = iota
	// JoinOnly prefers joining: workers that can join skip refreshes.
	JoinOnly
	// CheckOnly never joins and stops at a deadline.
	CheckOnly
)

func (k ModeKind) String() string {
	switch k {
	case JoinOnly:
		return "join"
	case CheckOnly:
		return "check"
	default:
		return "both"
	}
}

// ParseModeKind parses "join", "check" or "both".
func ParseModeKind(s string) (ModeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "join", "join_only", "joinonly":
		return JoinOnly, nil
	case "check", "check_only", "checkonly":
		return CheckOnly, nil
	case "both", "":
		return Both, nil
	default:
		return Both, fmt.Errorf("unknown run mode %q", s)
	}
}

// Mode is the run mode of one cycle. Deadline only applies to CheckOnly.
type Mode struct {
	Kind     ModeKind
	Deadline time.Time
}

// Config controls task selection.
type Config struct {
	// Staleness is how old last_update must be before a group is re-checked.
	Staleness time.Duration
	// FreeWaitTimeout bounds each wait for a free worker.
	FreeWaitTimeout time.Duration
	// IdlePause holds a worker with nothing to do out of the free pool. It is
	// capped at the CheckOnly deadline.
	IdlePause time.Duration
	// CanJoin holds the per-worker join capability, indexed by worker id.
	CanJoin []bool
}

// Scheduler is the single coordinator of the worker pool.
type Scheduler struct {
	store  monitor.GroupStore
	disp   *dispatcher.Dispatcher
	proc   *Processor
	clock  monitor.Clock
	pauser monitor.Pauser
	cfg    Config
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(
	store monitor.GroupStore,
	disp *dispatcher.Dispatcher,
	proc *Processor,
	clock monitor.Clock,
	pauser monitor.Pauser,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.FreeWaitTimeout <= 0 {
		cfg.FreeWaitTimeout = defaultFreeWaitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  store,
		disp:   disp,
		proc:   proc,
		clock:  clock,
		pauser: pauser,
		cfg:    cfg,
		logger: logger,
	}
}

// RunCycle dispatches tasks until Pending is empty (JoinOnly, Both) or the
// deadline passed (CheckOnly). Tasks still in flight when it returns keep
// their workers busy; call Settle to wait for them.
func (s *Scheduler) RunCycle(ctx context.Context, mode Mode) error {
	logger := s.logger.With(zap.String("mode", mode.Kind.String()))
	if mode.Kind == CheckOnly && s.pastDeadline(mode) {
		logger.Info("deadline already passed, nothing dispatched", zap.Time("deadline", mode.Deadline))
		return nil
	}
	if mode.Kind != CheckOnly && !s.anyCanJoin() {
		logger.Warn("no worker can join, cycle would never drain pending")
		return nil
	}
	logger.Info("cycle started")

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		if mode.Kind == CheckOnly && s.pastDeadline(mode) {
			logger.Info("cycle finished: deadline reached")
			return nil
		}
		s.drain(ctx)
		id, ok, err := s.awaitFree(ctx)
		if err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		if !ok {
			continue
		}
		// The worker published its result before its free signal.
		s.drain(ctx)
		done, err := s.assignNext(ctx, id, mode)
		if err != nil {
			return fmt.Errorf("run cycle: %w", err)
		}
		s.drain(ctx)
		if done {
			logger.Info("cycle finished: pending is empty")
			return nil
		}
	}
}

// Settle applies results until no worker has an outstanding task.
func (s *Scheduler) Settle(ctx context.Context) error {
	results := s.disp.Results().C()
	for s.disp.BusyCount() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("settle: %w", ctx.Err())
		case r, ok := <-results:
			if !ok {
				return fmt.Errorf("settle: %w", monitor.ErrQueueClosed)
			}
			s.apply(ctx, r)
		}
	}
	return nil
}

// UpdateUsernames sends one CheckUsername per inside group to the group's
// owner, optionally restricted to topic. Workers with nothing left to check
// are held until every group was checked, then returned to the pool.
func (s *Scheduler) UpdateUsernames(ctx context.Context, topic string) error {
	groups, err := s.store.ListGroups(ctx, monitor.GroupFilter{
		States: []monitor.State{monitor.StateInside},
		Topic:  topic,
	})
	if err != nil {
		return fmt.Errorf("list inside groups: %w", err)
	}
	buckets := make(map[int][]monitor.Group)
	remaining := 0
	for _, g := range groups {
		if !g.Owned() || g.WorkerID >= s.disp.Size() {
			continue
		}
		buckets[g.WorkerID] = append(buckets[g.WorkerID], g)
		remaining++
	}
	s.logger.Info("username checks started", zap.Int("groups", remaining), zap.String("topic", topic))

	var held []int
	for remaining > 0 {
		s.drain(ctx)
		id, ok, err := s.awaitFree(ctx)
		if err != nil {
			return fmt.Errorf("update usernames: %w", err)
		}
		if !ok {
			continue
		}
		s.drain(ctx)
		bucket := buckets[id]
		if len(bucket) == 0 {
			held = append(held, id)
			continue
		}
		g := bucket[0]
		buckets[id] = bucket[1:]
		remaining--
		if err := s.disp.Assign(ctx, id, monitor.CheckUsername{ID: g.ID, Username: g.Username}); err != nil {
			return fmt.Errorf("update usernames: %w", err)
		}
	}
	if err := s.Settle(ctx); err != nil {
		return err
	}
	for _, id := range held {
		if err := s.disp.ReturnFree(ctx, id); err != nil {
			return fmt.Errorf("update usernames: %w", err)
		}
	}
	s.logger.Info("username checks finished")
	return nil
}

// assignNext dispatches the highest-priority task for worker id. It reports
// done when the worker could join but Pending was empty and nothing else
// matched.
func (s *Scheduler) assignNext(ctx context.Context, id int, mode Mode) (bool, error) {
	now := s.clock.Now()
	stale := now.Add(-s.cfg.Staleness)
	canJoin := s.canJoin(id)

	g, err := s.oldest(ctx, id, stale, monitor.StateWaiting)
	if err != nil {
		return false, err
	}
	if g != nil {
		return false, s.dispatch(ctx, id, monitor.CheckWaiting{ID: g.ID, Username: g.Username})
	}

	if mode.Kind != JoinOnly || !canJoin {
		// Checking groups owned by a free worker were orphaned by a crash.
		g, err := s.oldest(ctx, id, stale, monitor.StateInside, monitor.StateChecking)
		if err != nil {
			return false, err
		}
		if g != nil {
			if _, err := s.store.UpdateGroup(ctx, g.Username, monitor.GroupUpdate{
				From:  []monitor.State{monitor.StateInside, monitor.StateChecking},
				State: monitor.StateChecking,
			}); err != nil {
				return false, fmt.Errorf("mark %q checking: %w", g.Username, err)
			}
			return false, s.dispatch(ctx, id, monitor.CheckUpdates{
				ID:         g.ID,
				Username:   g.Username,
				OffsetDate: g.LastUpdate,
			})
		}
	}

	if mode.Kind != CheckOnly && canJoin {
		g, err := s.oldest(ctx, id, time.Time{}, monitor.StateJoining)
		if err != nil {
			return false, err
		}
		if g != nil {
			s.logger.Info("re-dispatching orphaned join", zap.String("username", g.Username), zap.Int("worker_id", id))
			return false, s.dispatch(ctx, id, monitor.TryJoin{Username: g.Username})
		}
		claimed, err := s.store.ClaimPending(ctx, id, now)
		switch {
		case errors.Is(err, monitor.ErrPendingEmpty):
			return true, s.disp.ReturnFree(ctx, id)
		case err != nil:
			return false, fmt.Errorf("claim pending: %w", err)
		}
		return false, s.dispatch(ctx, id, monitor.TryJoin{Username: claimed.Username})
	}

	return false, s.rest(ctx, id, mode)
}

// rest returns an idle worker to the free pool after IdlePause. The pause
// runs off the coordinator so results and other workers are not held up.
func (s *Scheduler) rest(ctx context.Context, id int, mode Mode) error {
	pause := s.cfg.IdlePause
	if mode.Kind == CheckOnly {
		pause = min(pause, mode.Deadline.Sub(s.clock.Now()))
	}
	if pause <= 0 {
		return s.disp.ReturnFree(ctx, id)
	}
	go func() {
		s.pauser.Pause(ctx, pause)
		if err := s.disp.ReturnFree(ctx, id); err != nil {
			s.logger.Debug("idle worker not returned", zap.Int("worker_id", id), zap.Error(err))
		}
	}()
	return nil
}

func (s *Scheduler) oldest(
	ctx context.Context,
	id int,
	olderThan time.Time,
	states ...monitor.State,
) (*monitor.Group, error) {
	g, err := s.store.OldestOwned(ctx, id, states, olderThan)
	if errors.Is(err, monitor.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %v group for worker %d: %w", states, id, err)
	}
	return &g, nil
}

func (s *Scheduler) dispatch(ctx context.Context, id int, task monitor.Task) error {
	if err := s.disp.Assign(ctx, id, task); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// awaitFree waits up to FreeWaitTimeout for a free worker id, applying
// results as they arrive. ok is false on timeout.
func (s *Scheduler) awaitFree(ctx context.Context) (int, bool, error) {
	timer := time.NewTimer(s.cfg.FreeWaitTimeout)
	defer timer.Stop()
	free := s.disp.Free().C()
	results := s.disp.Results().C()
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case id, ok := <-free:
			if !ok {
				return 0, false, monitor.ErrQueueClosed
			}
			return id, true, nil
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.apply(ctx, r)
		case <-timer.C:
			return 0, false, nil
		}
	}
}

// drain applies every result already waiting without blocking.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		r, ok := s.disp.Results().TryDequeue()
		if !ok {
			return
		}
		s.apply(ctx, r)
	}
}

func (s *Scheduler) apply(ctx context.Context, r monitor.Result) {
	// Apply logs its own failures; the cycle keeps going.
	_ = s.proc.Apply(ctx, r)
}

func (s *Scheduler) canJoin(id int) bool {
	return id >= 0 && id < len(s.cfg.CanJoin) && s.cfg.CanJoin[id]
}

func (s *Scheduler) anyCanJoin() bool {
	for id := range s.disp.Size() {
		if s.canJoin(id) {
			return true
		}
	}
	return false
}

func (s *Scheduler) pastDeadline(mode Mode) bool {
	return !s.clock.Now().Before(mode.Deadline)
}
