package monitor

import "time"

// TaskKind names a Task variant.
type TaskKind string

const (
	// KindTryJoin asks a worker to join a newly claimed group.
	KindTryJoin TaskKind = "try_join"
	// KindCheckUpdates asks a worker to collect messages newer than a stored offset.
	KindCheckUpdates TaskKind = "check_updates"
	// KindCheckWaiting asks a worker whether a pending join request was approved.
	KindCheckWaiting TaskKind = "check_waiting"
	// KindCheckUsername asks a worker to refresh a group's full entity.
	KindCheckUsername TaskKind = "check_username"
)

// Task is a unit of work sent to a single worker. The concrete variants are
// TryJoin, CheckUpdates, CheckWaiting and CheckUsername.
type Task interface {
	Kind() TaskKind
	// Target returns the username of the group the task is about.
	Target() string
	isTask()
}

// TryJoin joins a group by its public username.
type TryJoin struct {
	Username string
}

// CheckUpdates collects messages posted after OffsetDate.
type CheckUpdates struct {
	ID         int64
	Username   string
	OffsetDate time.Time
}

// CheckWaiting verifies whether a join request was approved.
type CheckWaiting struct {
	ID       int64
	Username string
}

// CheckUsername fetches a fresh full entity for an already joined group.
type CheckUsername struct {
	ID       int64
	Username string
}

func (TryJoin) Kind() TaskKind       { return KindTryJoin }
func (CheckUpdates) Kind() TaskKind  { return KindCheckUpdates }
func (CheckWaiting) Kind() TaskKind  { return KindCheckWaiting }
func (CheckUsername) Kind() TaskKind { return KindCheckUsername }

func (t TryJoin) Target() string       { return t.Username }
func (t CheckUpdates) Target() string  { return t.Username }
func (t CheckWaiting) Target() string  { return t.Username }
func (t CheckUsername) Target() string { return t.Username }

func (TryJoin) isTask()       {}
func (CheckUpdates) isTask()  {}
func (CheckWaiting) isTask()  {}
func (CheckUsername) isTask() {}

// TaskGroupID returns the platform id carried by the task, or zero for TryJoin.
func TaskGroupID(t Task) int64 {
	switch v := t.(type) {
	case CheckUpdates:
		return v.ID
	case CheckWaiting:
		return v.ID
	case CheckUsername:
		return v.ID
	default:
		return 0
	}
}
