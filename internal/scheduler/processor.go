package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/metrics"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

var nonTerminal = []monitor.State{
	monitor.StateJoining,
	monitor.StateWaiting,
	monitor.StateInside,
	monitor.StateChecking,
}

// Releaser clears a worker's busy flag.
type Releaser interface {
	Release(id int)
}

// Processor maps worker results onto group store mutations.
type Processor struct {
	store     monitor.GroupStore
	releaser  Releaser
	errorLog  monitor.ErrorLog
	publisher monitor.Publisher
	archive   monitor.BlobStore
	logger    *zap.Logger
}

// NewProcessor constructs a Processor. errorLog, publisher and archive may be nil.
func NewProcessor(
	store monitor.GroupStore,
	releaser Releaser,
	errorLog monitor.ErrorLog,
	publisher monitor.Publisher,
	archive monitor.BlobStore,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:     store,
		releaser:  releaser,
		errorLog:  errorLog,
		publisher: publisher,
		archive:   archive,
		logger:    logger,
	}
}

// Apply records r in the store. Re-applying a result is a no-op. The
// originating worker is released whether or not the store update succeeds.
func (p *Processor) Apply(ctx context.Context, r monitor.Result) error {
	meta := r.Meta()
	defer p.releaser.Release(meta.WorkerID)

	update := buildUpdate(r)
	outcome, err := p.store.UpdateGroup(ctx, meta.Username, update)
	if err != nil {
		label := metrics.OutcomeError
		if errors.Is(err, monitor.ErrStateConflict) {
			label = metrics.OutcomeRejected
		}
		metrics.ObserveResult(string(r.Kind()), label)
		p.logger.Error("apply result failed",
			zap.String("result", string(r.Kind())),
			zap.String("result_id", meta.ID),
			zap.String("username", meta.Username),
			zap.Int("worker_id", meta.WorkerID),
			zap.Error(err),
		)
		return fmt.Errorf("apply %s for %q: %w", r.Kind(), meta.Username, err)
	}
	if outcome.Duplicate {
		metrics.ObserveResult(string(r.Kind()), metrics.OutcomeDuplicate)
		p.logger.Debug("result already applied", zap.String("result_id", meta.ID))
		return nil
	}
	metrics.ObserveResult(string(r.Kind()), metrics.OutcomeApplied)

	state := update.State
	if state == "" {
		state = outcome.Previous
	}
	username := meta.Username
	if update.Rename != "" {
		username = update.Rename
	}
	p.logger.Info("result applied",
		zap.String("result", string(r.Kind())),
		zap.String("result_id", meta.ID),
		zap.String("username", username),
		zap.Int64("group_id", meta.GroupID),
		zap.String("state", string(state)),
		zap.Int("worker_id", meta.WorkerID),
	)

	p.afterApply(ctx, r, outcome, username, state)
	return nil
}

func buildUpdate(r monitor.Result) monitor.GroupUpdate {
	meta := r.Meta()
	u := monitor.GroupUpdate{ResultID: meta.ID}
	switch v := r.(type) {
	case monitor.JoinSuccess:
		e := v.Entity
		u.From = []monitor.State{monitor.StateJoining, monitor.StateWaiting}
		u.State = monitor.StateInside
		u.LastUpdate = meta.EmittedAt
		u.ID = e.ID
		u.Entity = &e
		u.Messages = &monitor.MessageSummary{Timestamp: meta.EmittedAt, Count: v.Stats.Count, First: true}
		u.FirstMessageAt = v.Stats.FirstMessageAt
		u.AddMessages = v.Stats.Count
		u.CollectionName = monitor.CollectionName(e.ID)
	case monitor.UpdateSuccess:
		u.From = []monitor.State{monitor.StateChecking, monitor.StateInside}
		u.State = monitor.StateInside
		u.LastUpdate = meta.EmittedAt
		u.Messages = &monitor.MessageSummary{Timestamp: meta.EmittedAt, Count: v.Stats.Count}
		u.AddMessages = v.Stats.Count
		u.AppendUpdate = &monitor.UpdateEntry{ResultID: meta.ID, Timestamp: meta.EmittedAt, Count: v.Stats.Count}
	case monitor.RequestSent:
		u.From = []monitor.State{monitor.StateJoining, monitor.StateWaiting}
		u.State = monitor.StateWaiting
		u.LastUpdate = meta.EmittedAt
		if v.Entity != nil {
			e := *v.Entity
			u.ID = e.ID
			u.Entity = &e
		}
		u.AppendError = &monitor.ErrorEntry{ResultID: meta.ID, Timestamp: meta.EmittedAt, Message: v.Reason}
	case monitor.EntityFound:
		u.From = []monitor.State{monitor.StateInside}
		if v.Entity.Username != "" && v.Entity.Username != meta.Username {
			u.Rename = v.Entity.Username
			u.RenamedAt = meta.EmittedAt
		}
		u.AppendParticipants = v.Entity.Participants
	case monitor.Failure:
		u.AppendError = &monitor.ErrorEntry{ResultID: meta.ID, Timestamp: meta.EmittedAt, Message: v.Reason}
		// A username check never moves a group.
		if meta.Task != monitor.KindCheckUsername {
			u.From = nonTerminal
			u.State = monitor.StateFailed
			u.LastUpdate = meta.EmittedAt
		}
	}
	return u
}

func (p *Processor) afterApply(
	ctx context.Context,
	r monitor.Result,
	outcome monitor.UpdateOutcome,
	username string,
	state monitor.State,
) {
	meta := r.Meta()
	n := monitor.Notification{
		ResultID:  meta.ID,
		Kind:      r.Kind(),
		Task:      meta.Task,
		Username:  username,
		GroupID:   meta.GroupID,
		State:     state,
		WorkerID:  meta.WorkerID,
		EmittedAt: meta.EmittedAt,
	}
	var snapshot *monitor.Entity
	switch v := r.(type) {
	case monitor.JoinSuccess:
		n.Count = v.Stats.Count
		snapshot = &v.Entity
		if outcome.Topic != "" {
			// Topic counters are best-effort analytics.
			if err := p.store.IncrementJoined(ctx, outcome.Topic); err != nil {
				p.logger.Warn("increment topic joined count failed",
					zap.String("topic", outcome.Topic), zap.Error(err))
			}
		}
	case monitor.UpdateSuccess:
		n.Count = v.Stats.Count
	case monitor.RequestSent:
		n.Reason = v.Reason
		snapshot = v.Entity
	case monitor.EntityFound:
		snapshot = &v.Entity
	case monitor.Failure:
		n.Reason = v.Reason
		if p.errorLog != nil {
			p.errorLog.Record(meta.EmittedAt, meta.Username, meta.Task, v.Reason)
		}
	}

	if p.publisher != nil {
		if _, err := p.publisher.Publish(ctx, n); err != nil {
			p.logger.Warn("publish notification failed", zap.String("result_id", meta.ID), zap.Error(err))
		}
	}
	if p.archive != nil && snapshot != nil && snapshot.ID != 0 {
		p.archiveEntity(ctx, meta.ID, *snapshot)
	}
}

func (p *Processor) archiveEntity(ctx context.Context, resultID string, e monitor.Entity) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("marshal entity snapshot failed", zap.String("result_id", resultID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("entities/%d/%s.json", e.ID, resultID)
	uri, err := p.archive.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		p.logger.Warn("archive entity snapshot failed", zap.String("path", path), zap.Error(err))
		return
	}
	p.logger.Debug("entity snapshot archived", zap.String("uri", uri))
}
