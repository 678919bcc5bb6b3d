package monitor

import (
	"context"
	"io"
	"iter"
	"time"
)

// GroupStore is the shared source of truth for groups, topics and Pending.
// Every mutating call is atomic for the group it touches.
type GroupStore interface {
	// AddPending enqueues a candidate unless its username is already known.
	AddPending(ctx context.Context, c Candidate) (bool, error)
	PendingCount(ctx context.Context) (int, error)
	// ClaimPending moves the earliest candidate not yet in Groups into Groups
	// as joining and owned by workerID. It returns ErrPendingEmpty when
	// nothing is left to claim.
	ClaimPending(ctx context.Context, workerID int, now time.Time) (Group, error)
	// OldestOwned returns the workerID-owned group in one of states with the
	// oldest last_update at or before olderThan. A zero olderThan disables
	// the bound. It returns ErrNotFound when nothing matches.
	OldestOwned(ctx context.Context, workerID int, states []State, olderThan time.Time) (Group, error)
	UpdateGroup(ctx context.Context, username string, u GroupUpdate) (UpdateOutcome, error)
	GetGroup(ctx context.Context, username string) (Group, error)
	ListGroups(ctx context.Context, filter GroupFilter) ([]Group, error)
	CountByState(ctx context.Context) (map[State]int, error)

	UpsertTopic(ctx context.Context, name, href string) error
	RecordGathering(ctx context.Context, name string, at time.Time) error
	IncrementJoined(ctx context.Context, name string) error
	GetTopic(ctx context.Context, name string) (Topic, error)

	Ping(ctx context.Context) error
}

// GroupUpdate describes one atomic change to a group. Zero-valued fields are
// left untouched.
type GroupUpdate struct {
	// ResultID makes the update idempotent: a second update carrying the same
	// id is a no-op reported through UpdateOutcome.Duplicate.
	ResultID string
	// From guards the update: the current state must be one of these.
	From               []State
	State              State
	LastUpdate         time.Time
	ID                 int64
	Entity             *Entity
	Messages           *MessageSummary
	FirstMessageAt     time.Time
	CollectionName     string
	AddMessages        int
	AppendUpdate       *UpdateEntry
	AppendError        *ErrorEntry
	AppendParticipants []Participant
	// Rename rewrites the username key and records the old one.
	Rename    string
	RenamedAt time.Time
}

// UpdateOutcome reports what UpdateGroup did.
type UpdateOutcome struct {
	Duplicate bool
	Previous  State
	Topic     string
}

// GroupFilter narrows ListGroups. Empty fields match everything.
type GroupFilter struct {
	States   []State
	Topic    string
	WorkerID *int
}

// MessageStore persists collected messages, one collection per group.
type MessageStore interface {
	SaveMessage(ctx context.Context, groupID int64, msg Message) error
}

// Client is the messaging platform capability a worker drives. Errors are
// either *RateLimitError, ErrPendingApproval, ErrNotFound or permanent.
type Client interface {
	// JoinPublicGroup joins by username. With ErrPendingApproval it also
	// returns the entity resolved so far.
	JoinPublicGroup(ctx context.Context, username string) (Entity, error)
	GetFullEntity(ctx context.Context, id int64) (Entity, error)
	// IterDialogs yields the currently joined groups.
	IterDialogs(ctx context.Context) iter.Seq2[Entity, error]
	// IterMessagesSince yields messages dated at or after offset, oldest first.
	// A limit <= 0 means no limit.
	IterMessagesSince(ctx context.Context, e Entity, offset time.Time, limit int) iter.Seq2[Message, error]
}

// Queue is a context-aware FIFO.
type Queue[T any] interface {
	Enqueue(ctx context.Context, item T) error
	Dequeue(ctx context.Context) (T, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces result ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Pauser suspends the caller until the delay elapses or ctx ends.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}

// Publisher fans result notifications out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, n Notification) (string, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ErrorLog is the append-only operator-facing failure log.
type ErrorLog interface {
	Record(at time.Time, username string, task TaskKind, message string)
}
