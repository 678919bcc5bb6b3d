package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Group is a monitored public group, keyed by username.
type Group struct {
	Username       string           `json:"username"`
	ID             int64            `json:"id,omitempty"`
	Topic          string           `json:"topic"`
	State          State            `json:"state"`
	WorkerID       int              `json:"worker_id"`
	LastUpdate     time.Time        `json:"last_update"`
	Messages       MessageSummary   `json:"messages"`
	FirstMessageAt time.Time        `json:"first_message_at,omitzero"`
	MessagesTotal  int              `json:"messages_total"`
	UpdateHistory  []UpdateEntry    `json:"update_history,omitempty"`
	ErrorHistory   []ErrorEntry     `json:"error_history,omitempty"`
	Entity         *Entity          `json:"entity,omitempty"`
	OldUsernames   []UsernameChange `json:"old_usernames,omitempty"`
	ChatName       string           `json:"chat_name,omitempty"`
	ExternalLink   string           `json:"external_link,omitempty"`
	CollectionName string           `json:"collection_name,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Owned reports whether a worker has claimed the group.
func (g Group) Owned() bool {
	return g.WorkerID != NoWorker
}

// MessageSummary describes the latest collection pass.
type MessageSummary struct {
	Timestamp time.Time `json:"timestamp,omitzero"`
	Count     int       `json:"count"`
	First     bool      `json:"first"`
}

// UpdateEntry records one successful refresh.
type UpdateEntry struct {
	ResultID  string    `json:"result_id"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// ErrorEntry records a failure or a pending-approval marker.
type ErrorEntry struct {
	ResultID  string    `json:"result_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// UsernameChange records a username the group used to have.
type UsernameChange struct {
	ResultID  string    `json:"result_id"`
	ChangedAt time.Time `json:"changed_at"`
	Username  string    `json:"username"`
}

// Candidate is a producer record waiting in Pending.
type Candidate struct {
	Username       string    `json:"username"`
	Topic          string    `json:"topic"`
	ChatName       string    `json:"chat_name,omitempty"`
	ExternalLink   string    `json:"external_link,omitempty"`
	Members        int       `json:"members,omitempty"`
	WeeklyMessages int       `json:"weekly_messages,omitempty"`
	ActiveUsers    int       `json:"active_users,omitempty"`
	GatheredAt     time.Time `json:"gathered_at"`
}

// Validate checks the fields required to enqueue a candidate.
func (c Candidate) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("candidate username is required")
	}
	return nil
}

// Topic groups candidates discovered from the same ranking page.
type Topic struct {
	Name         string         `json:"name"`
	Href         string         `json:"href"`
	Countries    map[string]int `json:"countries"`
	Languages    map[string]int `json:"languages"`
	EnglishCount int            `json:"en_count"`
	JoinedCount  int            `json:"joined_count"`
	GatheredAt   []time.Time    `json:"groups_gathered_dates"`
}

// Entity is a snapshot of a group as reported by the messaging platform.
type Entity struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	Title        string          `json:"title"`
	TTLPeriod    int             `json:"ttl_period,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Participant is a user surfaced in a full entity, typically a bot.
type Participant struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot"`
}

// NewParticipants returns the entries of next whose ids are absent from prev.
func NewParticipants(prev, next []Participant) []Participant {
	seen := make(map[int64]struct{}, len(prev))
	for _, p := range prev {
		seen[p.ID] = struct{}{}
	}
	var out []Participant
	for _, p := range next {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Message is one collected group message.
type Message struct {
	ID   int             `json:"id"`
	Date time.Time       `json:"date"`
	Text string          `json:"text"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// MessageStats summarizes a single collection pass.
type MessageStats struct {
	Count          int       `json:"count"`
	FirstMessageAt time.Time `json:"first_message_at,omitzero"`
}

// CollectionName returns the per-group message collection name.
func CollectionName(groupID int64) string {
	if groupID < 0 {
		return fmt.Sprintf("messages_n%d", -groupID)
	}
	return fmt.Sprintf("messages_%d", groupID)
}
