// Package worker implements the per-identity agent that executes scheduler
// tasks against the messaging client.
package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/metrics"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

const (
	defaultLookback   = 30 * 24 * time.Hour
	defaultFloodGrace = 10 * time.Second

	reasonNotApproved = "request has not been approved yet"
)

var errGroupNotFound = errors.New("group not found")

// Bounds is an inclusive range for a randomized delay.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

// Config controls Worker behavior.
type Config struct {
	// StartingDate is the first-collection offset. When zero, Lookback
	// before now is used instead.
	StartingDate time.Time
	Lookback     time.Duration
	// MessageLimit caps one collection pass. Zero means unlimited.
	MessageLimit int
	// FloodGrace is added to every platform-requested wait.
	FloodGrace    time.Duration
	ActionDelay   Bounds
	UsernameDelay Bounds
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.FloodGrace <= 0 {
		c.FloodGrace = defaultFloodGrace
	}
	if c.ActionDelay == (Bounds{}) {
		c.ActionDelay = Bounds{Min: 55 * time.Second, Max: 65 * time.Second}
	}
	if c.UsernameDelay == (Bounds{}) {
		c.UsernameDelay = Bounds{Max: 5 * time.Second}
	}
	return c
}

// Worker owns one client identity and executes one task at a time.
type Worker struct {
	id       int
	inbox    monitor.Queue[monitor.Task]
	results  monitor.Queue[monitor.Result]
	free     monitor.Queue[int]
	client   monitor.Client
	messages monitor.MessageStore
	clock    monitor.Clock
	ids      monitor.IDGenerator
	pauser   monitor.Pauser
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker bound to its inbox and the shared result and free queues.
func New(
	id int,
	inbox monitor.Queue[monitor.Task],
	results monitor.Queue[monitor.Result],
	free monitor.Queue[int],
	client monitor.Client,
	messages monitor.MessageStore,
	clock monitor.Clock,
	ids monitor.IDGenerator,
	pauser monitor.Pauser,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		inbox:    inbox,
		results:  results,
		free:     free,
		client:   client,
		messages: messages,
		clock:    clock,
		ids:      ids,
		pauser:   pauser,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(zap.Int("worker_id", id)),
	}
}

// ID returns the worker id.
func (w *Worker) ID() int {
	return w.id
}

// Run announces the worker free, then executes tasks until the context ends
// or the inbox is closed. Every completed task produces exactly one result,
// which is published before the worker announces itself free again.
func (w *Worker) Run(ctx context.Context) {
	if err := w.free.Enqueue(ctx, w.id); err != nil {
		return
	}
	for {
		task, err := w.inbox.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, monitor.ErrQueueClosed) {
				return
			}
			w.logger.Error("inbox dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("task received",
			zap.String("task", string(task.Kind())),
			zap.String("username", task.Target()),
		)

		result := w.execute(ctx, task)
		if ctx.Err() != nil {
			// The group stays joining/checking and is re-dispatched on restart.
			w.logger.Warn("task interrupted by shutdown",
				zap.String("task", string(task.Kind())),
				zap.String("username", task.Target()),
			)
			return
		}
		if err := w.results.Enqueue(ctx, result); err != nil {
			w.logger.Error("result enqueue failed", zap.String("result_id", result.Meta().ID), zap.Error(err))
			return
		}
		w.logger.Info("result emitted",
			zap.String("task", string(task.Kind())),
			zap.String("username", task.Target()),
			zap.String("result", string(result.Kind())),
			zap.String("result_id", result.Meta().ID),
		)

		w.pauser.Pause(ctx, w.courtesyDelay(task))
		if err := w.free.Enqueue(ctx, w.id); err != nil {
			return
		}
	}
}

func (w *Worker) execute(ctx context.Context, task monitor.Task) monitor.Result {
	ctx, span := otel.Tracer("groupmonitor/worker").Start(ctx, "task."+string(task.Kind()))
	defer span.End()
	span.SetAttributes(
		attribute.Int("worker.id", w.id),
		attribute.String("group.username", task.Target()),
	)

	var result monitor.Result
	switch t := task.(type) {
	case monitor.TryJoin:
		result = w.tryJoin(ctx, t)
	case monitor.CheckUpdates:
		result = w.checkUpdates(ctx, t)
	case monitor.CheckWaiting:
		result = w.checkWaiting(ctx, t)
	case monitor.CheckUsername:
		result = w.checkUsername(ctx, t)
	default:
		result = w.failure(task, 0, fmt.Errorf("unsupported task %T", task))
	}
	span.SetAttributes(attribute.String("result.kind", string(result.Kind())))
	if f, ok := result.(monitor.Failure); ok {
		span.SetStatus(codes.Error, f.Reason)
	}
	return result
}

func (w *Worker) tryJoin(ctx context.Context, t monitor.TryJoin) monitor.Result {
	var entity monitor.Entity
	err := w.retry(ctx, t.Kind(), func() error {
		var err error
		entity, err = w.client.JoinPublicGroup(ctx, t.Username)
		return err
	})
	if err == nil && entity.TTLPeriod > 0 {
		err = fmt.Errorf("join %s: %w", t.Username, monitor.ErrTTLPeriod)
	}
	switch {
	case errors.Is(err, monitor.ErrTTLPeriod):
		return w.failure(t, entity.ID, err)
	case errors.Is(err, monitor.ErrPendingApproval):
		rs := monitor.RequestSent{ResultMeta: w.meta(t, entity.ID), Reason: err.Error()}
		if entity.ID != 0 {
			e := entity
			rs.Entity = &e
		}
		return rs
	case err != nil:
		return w.failure(t, 0, err)
	}

	stats, err := w.collect(ctx, t.Kind(), entity.ID, w.startOffset())
	if err != nil {
		return w.failure(t, entity.ID, err)
	}
	return monitor.JoinSuccess{ResultMeta: w.meta(t, entity.ID), Entity: entity, Stats: stats}
}

func (w *Worker) checkUpdates(ctx context.Context, t monitor.CheckUpdates) monitor.Result {
	stats, err := w.collect(ctx, t.Kind(), t.ID, t.OffsetDate)
	if err != nil {
		return w.failure(t, t.ID, err)
	}
	return monitor.UpdateSuccess{ResultMeta: w.meta(t, t.ID), Stats: stats}
}

func (w *Worker) checkWaiting(ctx context.Context, t monitor.CheckWaiting) monitor.Result {
	dialog, ok, err := w.findDialog(ctx, t.Kind(), t.ID)
	if err != nil {
		return w.failure(t, t.ID, err)
	}
	if !ok {
		return monitor.RequestSent{ResultMeta: w.meta(t, t.ID), Reason: reasonNotApproved}
	}
	stats, err := w.collectFrom(ctx, t.Kind(), dialog, w.startOffset())
	if err != nil {
		return w.failure(t, t.ID, err)
	}
	return monitor.JoinSuccess{ResultMeta: w.meta(t, t.ID), Entity: dialog, Stats: stats}
}

func (w *Worker) checkUsername(ctx context.Context, t monitor.CheckUsername) monitor.Result {
	var entity monitor.Entity
	err := w.retry(ctx, t.Kind(), func() error {
		var err error
		entity, err = w.client.GetFullEntity(ctx, t.ID)
		return err
	})
	if err != nil {
		return w.failure(t, t.ID, err)
	}
	return monitor.EntityFound{ResultMeta: w.meta(t, t.ID), Entity: entity}
}

// retry runs op until it returns anything but a rate limit, sleeping the
// platform-requested wait plus the configured grace in between.
func (w *Worker) retry(ctx context.Context, kind monitor.TaskKind, op func() error) error {
	for {
		err := op()
		rl, ok := monitor.AsRateLimit(err)
		if !ok {
			return err
		}
		if err := w.backoff(ctx, kind, rl); err != nil {
			return err
		}
	}
}

func (w *Worker) backoff(ctx context.Context, kind monitor.TaskKind, rl *monitor.RateLimitError) error {
	wait := rl.Wait + w.cfg.FloodGrace
	w.logger.Warn("rate limited",
		zap.String("task", string(kind)),
		zap.Duration("wait", wait),
	)
	metrics.ObserveRateLimitWait(string(kind), wait)
	w.pauser.Pause(ctx, wait)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit back-off interrupted: %w", err)
	}
	return nil
}

// findDialog scans the joined groups for id. A rate limit restarts the scan.
func (w *Worker) findDialog(ctx context.Context, kind monitor.TaskKind, id int64) (monitor.Entity, bool, error) {
	var (
		found monitor.Entity
		ok    bool
	)
	err := w.retry(ctx, kind, func() error {
		for e, err := range w.client.IterDialogs(ctx) {
			if err != nil {
				return err
			}
			if e.ID == id {
				found, ok = e, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return monitor.Entity{}, false, fmt.Errorf("scan dialogs: %w", err)
	}
	return found, ok, nil
}

func (w *Worker) collect(
	ctx context.Context,
	kind monitor.TaskKind,
	id int64,
	offset time.Time,
) (monitor.MessageStats, error) {
	dialog, ok, err := w.findDialog(ctx, kind, id)
	if err != nil {
		return monitor.MessageStats{}, err
	}
	if !ok {
		return monitor.MessageStats{}, errGroupNotFound
	}
	return w.collectFrom(ctx, kind, dialog, offset)
}

// collectFrom streams messages newer than offset into the message store. A
// rate limit mid-stream resumes from the date of the last message read, so
// that message may be read and counted twice; the store keeps one copy.
func (w *Worker) collectFrom(
	ctx context.Context,
	kind monitor.TaskKind,
	dialog monitor.Entity,
	offset time.Time,
) (monitor.MessageStats, error) {
	var stats monitor.MessageStats
	defer func() { metrics.AddMessagesCollected(stats.Count) }()

	cursor := offset
	for {
		remaining := 0
		if w.cfg.MessageLimit > 0 {
			remaining = w.cfg.MessageLimit - stats.Count
			if remaining <= 0 {
				return stats, nil
			}
		}
		var last time.Time
		err := func() error {
			for msg, err := range w.client.IterMessagesSince(ctx, dialog, cursor, remaining) {
				if err != nil {
					return err
				}
				if stats.FirstMessageAt.IsZero() {
					stats.FirstMessageAt = msg.Date
				}
				if err := w.messages.SaveMessage(ctx, dialog.ID, msg); err != nil {
					return fmt.Errorf("save message %d: %w", msg.ID, err)
				}
				stats.Count++
				last = msg.Date
			}
			return nil
		}()
		if err == nil {
			return stats, nil
		}
		rl, ok := monitor.AsRateLimit(err)
		if !ok {
			return stats, err
		}
		if !last.IsZero() {
			cursor = last
		}
		if err := w.backoff(ctx, kind, rl); err != nil {
			return stats, err
		}
	}
}

func (w *Worker) startOffset() time.Time {
	if !w.cfg.StartingDate.IsZero() {
		return w.cfg.StartingDate
	}
	return w.clock.Now().Add(-w.cfg.Lookback)
}

func (w *Worker) courtesyDelay(task monitor.Task) time.Duration {
	b := w.cfg.ActionDelay
	if task.Kind() == monitor.KindCheckUsername {
		b = w.cfg.UsernameDelay
	}
	return randomBetween(b.Min, b.Max)
}

func (w *Worker) meta(task monitor.Task, groupID int64) monitor.ResultMeta {
	now := w.clock.Now()
	id, err := w.ids.NewID()
	if err != nil {
		id = fmt.Sprintf("w%d-%d", w.id, now.UnixNano())
		w.logger.Warn("result id generation failed, using fallback", zap.String("result_id", id), zap.Error(err))
	}
	return monitor.ResultMeta{
		ID:        id,
		WorkerID:  w.id,
		Task:      task.Kind(),
		Username:  task.Target(),
		GroupID:   groupID,
		EmittedAt: now,
	}
}

func (w *Worker) failure(task monitor.Task, groupID int64, err error) monitor.Failure {
	if groupID == 0 {
		groupID = monitor.TaskGroupID(task)
	}
	w.logger.Warn("task failed",
		zap.String("task", string(task.Kind())),
		zap.String("username", task.Target()),
		zap.Error(err),
	)
	return monitor.Failure{ResultMeta: w.meta(task, groupID), Reason: err.Error()}
}

// randomBetween returns a uniformly random duration in [lo, hi].
func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)+1))
	if err != nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(n.Int64())
}
