// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// GroupStore provides an in-memory implementation of monitor.GroupStore and
// monitor.MessageStore. A single mutex makes every call atomic.
type GroupStore struct {
	mu       sync.RWMutex
	groups   map[string]*monitor.Group
	pending  []monitor.Candidate
	topics   map[string]*monitor.Topic
	applied  map[string]struct{}
	messages map[int64]map[int]monitor.Message
}

// NewGroupStore constructs an empty GroupStore.
func NewGroupStore() *GroupStore {
	return &GroupStore{
		groups:   make(map[string]*monitor.Group),
		topics:   make(map[string]*monitor.Topic),
		applied:  make(map[string]struct{}),
		messages: make(map[int64]map[int]monitor.Message),
	}
}

// PutGroup inserts or replaces a group as-is. It is meant for seeding.
func (s *GroupStore) PutGroup(g monitor.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneGroup(g)
	s.groups[g.Username] = &cp
}

// AddPending appends a candidate unless it is already pending or joined.
func (s *GroupStore) AddPending(_ context.Context, c monitor.Candidate) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[c.Username]; ok {
		return false, nil
	}
	for _, p := range s.pending {
		if p.Username == c.Username {
			return false, nil
		}
	}
	s.pending = append(s.pending, c)
	return true, nil
}

// PendingCount returns the number of queued candidates.
func (s *GroupStore) PendingCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending), nil
}

// ClaimPending moves the earliest claimable candidate into Groups.
func (s *GroupStore) ClaimPending(_ context.Context, workerID int, now time.Time) (monitor.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		if _, exists := s.groups[c.Username]; exists {
			continue
		}
		g := monitor.Group{
			Username:     c.Username,
			Topic:        c.Topic,
			State:        monitor.StateJoining,
			WorkerID:     workerID,
			LastUpdate:   now,
			ChatName:     c.ChatName,
			ExternalLink: c.ExternalLink,
			CreatedAt:    now,
		}
		s.groups[g.Username] = &g
		return cloneGroup(g), nil
	}
	return monitor.Group{}, monitor.ErrPendingEmpty
}

// OldestOwned returns the stalest matching group owned by workerID.
func (s *GroupStore) OldestOwned(
	_ context.Context,
	workerID int,
	states []monitor.State,
	olderThan time.Time,
) (monitor.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *monitor.Group
	for _, g := range s.groups {
		if g.WorkerID != workerID || !slices.Contains(states, g.State) {
			continue
		}
		if !olderThan.IsZero() && g.LastUpdate.After(olderThan) {
			continue
		}
		if best == nil || g.LastUpdate.Before(best.LastUpdate) ||
			(g.LastUpdate.Equal(best.LastUpdate) && g.Username < best.Username) {
			best = g
		}
	}
	if best == nil {
		return monitor.Group{}, monitor.ErrNotFound
	}
	return cloneGroup(*best), nil
}

// UpdateGroup applies u atomically.
func (s *GroupStore) UpdateGroup(
	_ context.Context,
	username string,
	u monitor.GroupUpdate,
) (monitor.UpdateOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A renamed group is no longer under username, so seen results are
	// recognized before the lookup.
	if u.ResultID != "" {
		if _, seen := s.applied[u.ResultID]; seen {
			return monitor.UpdateOutcome{Duplicate: true}, nil
		}
	}
	g, ok := s.groups[username]
	if !ok {
		return monitor.UpdateOutcome{}, fmt.Errorf("group %q: %w", username, monitor.ErrNotFound)
	}
	outcome := monitor.UpdateOutcome{Previous: g.State, Topic: g.Topic}
	if len(u.From) > 0 && !slices.Contains(u.From, g.State) {
		return outcome, fmt.Errorf("group %q is %s: %w", username, g.State, monitor.ErrStateConflict)
	}
	if u.State != "" && !monitor.CanTransition(g.State, u.State) {
		return outcome, fmt.Errorf("group %q %s -> %s: %w", username, g.State, u.State, monitor.ErrStateConflict)
	}
	if u.Rename != "" && u.Rename != username {
		if _, taken := s.groups[u.Rename]; taken {
			return outcome, fmt.Errorf("rename %q to %q: username taken: %w", username, u.Rename, monitor.ErrStateConflict)
		}
	}

	if u.State != "" {
		g.State = u.State
	}
	if !u.LastUpdate.IsZero() {
		g.LastUpdate = u.LastUpdate
	}
	if u.ID != 0 {
		g.ID = u.ID
	}
	if u.Entity != nil {
		e := cloneEntity(*u.Entity)
		g.Entity = &e
	}
	if u.Messages != nil {
		g.Messages = *u.Messages
	}
	if !u.FirstMessageAt.IsZero() {
		g.FirstMessageAt = u.FirstMessageAt
	}
	if u.CollectionName != "" {
		g.CollectionName = u.CollectionName
	}
	g.MessagesTotal += u.AddMessages
	if u.AppendUpdate != nil {
		g.UpdateHistory = append(g.UpdateHistory, *u.AppendUpdate)
	}
	if u.AppendError != nil {
		g.ErrorHistory = append(g.ErrorHistory, *u.AppendError)
	}
	if len(u.AppendParticipants) > 0 {
		if g.Entity == nil {
			g.Entity = &monitor.Entity{ID: g.ID, Username: g.Username}
		}
		g.Entity.Participants = append(g.Entity.Participants,
			monitor.NewParticipants(g.Entity.Participants, u.AppendParticipants)...)
	}
	if u.Rename != "" && u.Rename != username {
		g.OldUsernames = append(g.OldUsernames, monitor.UsernameChange{
			ResultID:  u.ResultID,
			ChangedAt: u.RenamedAt,
			Username:  username,
		})
		g.Username = u.Rename
		delete(s.groups, username)
		s.groups[u.Rename] = g
	}
	if u.ResultID != "" {
		s.applied[u.ResultID] = struct{}{}
	}
	return outcome, nil
}

// GetGroup returns a copy of the group stored under username.
func (s *GroupStore) GetGroup(_ context.Context, username string) (monitor.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[username]
	if !ok {
		return monitor.Group{}, monitor.ErrNotFound
	}
	return cloneGroup(*g), nil
}

// ListGroups returns matching groups ordered by last_update.
func (s *GroupStore) ListGroups(_ context.Context, filter monitor.GroupFilter) ([]monitor.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Group, 0, len(s.groups))
	for _, g := range s.groups {
		if len(filter.States) > 0 && !slices.Contains(filter.States, g.State) {
			continue
		}
		if filter.Topic != "" && g.Topic != filter.Topic {
			continue
		}
		if filter.WorkerID != nil && g.WorkerID != *filter.WorkerID {
			continue
		}
		out = append(out, cloneGroup(*g))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].Username < out[j].Username
		}
		return out[i].LastUpdate.Before(out[j].LastUpdate)
	})
	return out, nil
}

// CountByState counts groups per state; Pending reports queued candidates.
func (s *GroupStore) CountByState(_ context.Context) (map[monitor.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[monitor.State]int{monitor.StatePending: len(s.pending)}
	for _, g := range s.groups {
		counts[g.State]++
	}
	return counts, nil
}

// UpsertTopic creates the topic if it does not exist yet.
func (s *GroupStore) UpsertTopic(_ context.Context, name, href string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[name]; ok {
		return nil
	}
	s.topics[name] = &monitor.Topic{
		Name:      name,
		Href:      href,
		Countries: map[string]int{},
		Languages: map[string]int{},
	}
	return nil
}

// RecordGathering appends a gathering timestamp to the topic.
func (s *GroupStore) RecordGathering(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("topic %q: %w", name, monitor.ErrNotFound)
	}
	t.GatheredAt = append(t.GatheredAt, at)
	return nil
}

// IncrementJoined bumps the joined counter of the topic.
func (s *GroupStore) IncrementJoined(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return fmt.Errorf("topic %q: %w", name, monitor.ErrNotFound)
	}
	t.JoinedCount++
	return nil
}

// GetTopic returns a copy of the topic.
func (s *GroupStore) GetTopic(_ context.Context, name string) (monitor.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[name]
	if !ok {
		return monitor.Topic{}, monitor.ErrNotFound
	}
	cp := *t
	cp.Countries = cloneCounts(t.Countries)
	cp.Languages = cloneCounts(t.Languages)
	cp.GatheredAt = slices.Clone(t.GatheredAt)
	return cp, nil
}

// Ping always succeeds.
func (s *GroupStore) Ping(context.Context) error {
	return nil
}

// SaveMessage upserts a message into the group's collection.
func (s *GroupStore) SaveMessage(_ context.Context, groupID int64, msg monitor.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.messages[groupID]
	if !ok {
		coll = make(map[int]monitor.Message)
		s.messages[groupID] = coll
	}
	coll[msg.ID] = msg
	return nil
}

// Messages returns a group's stored messages ordered by date.
func (s *GroupStore) Messages(groupID int64) []monitor.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.Message, 0, len(s.messages[groupID]))
	for _, m := range s.messages[groupID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func cloneGroup(g monitor.Group) monitor.Group {
	cp := g
	cp.UpdateHistory = slices.Clone(g.UpdateHistory)
	cp.ErrorHistory = slices.Clone(g.ErrorHistory)
	cp.OldUsernames = slices.Clone(g.OldUsernames)
	if g.Entity != nil {
		e := cloneEntity(*g.Entity)
		cp.Entity = &e
	}
	return cp
}

func cloneEntity(e monitor.Entity) monitor.Entity {
	cp := e
	cp.Participants = slices.Clone(e.Participants)
	cp.Raw = slices.Clone(e.Raw)
	return cp
}

func cloneCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
