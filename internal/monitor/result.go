package monitor

import "time"

// ResultKind names a Result variant.
type ResultKind string

const (
	// KindJoinSuccess reports a completed join plus its first collection pass.
	KindJoinSuccess ResultKind = "join_success"
	// KindUpdateSuccess reports a completed refresh.
	KindUpdateSuccess ResultKind = "update_success"
	// KindRequestSent reports a join request still awaiting approval.
	KindRequestSent ResultKind = "request_sent"
	// KindEntityFound carries a fresh full entity.
	KindEntityFound ResultKind = "entity_found"
	// KindFailure reports a permanent task failure.
	KindFailure ResultKind = "failure"
)

// ResultMeta is embedded in every Result variant.
type ResultMeta struct {
	ID        string    `json:"id"`
	WorkerID  int       `json:"worker_id"`
	Task      TaskKind  `json:"task"`
	Username  string    `json:"username"`
	GroupID   int64     `json:"group_id,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Meta returns the shared result fields.
func (m ResultMeta) Meta() ResultMeta { return m }

// Result is the single outcome a worker emits for each Task.
type Result interface {
	Kind() ResultKind
	Meta() ResultMeta
	isResult()
}

// JoinSuccess is emitted once a group is joined and its backlog collected.
type JoinSuccess struct {
	ResultMeta
	Entity Entity
	Stats  MessageStats
}

// UpdateSuccess is emitted after a refresh collected new messages.
type UpdateSuccess struct {
	ResultMeta
	Stats MessageStats
}

// RequestSent is emitted while a join request awaits approval. Entity holds
// whatever was resolved before the platform parked the request.
type RequestSent struct {
	ResultMeta
	Entity *Entity
	Reason string
}

// EntityFound carries a freshly fetched full entity.
type EntityFound struct {
	ResultMeta
	Entity Entity
}

// Failure reports a permanent error for the task.
type Failure struct {
	ResultMeta
	Reason string
}

func (JoinSuccess) Kind() ResultKind   { return KindJoinSuccess }
func (UpdateSuccess) Kind() ResultKind { return KindUpdateSuccess }
func (RequestSent) Kind() ResultKind   { return KindRequestSent }
func (EntityFound) Kind() ResultKind   { return KindEntityFound }
func (Failure) Kind() ResultKind       { return KindFailure }

func (JoinSuccess) isResult()   {}
func (UpdateSuccess) isResult() {}
func (RequestSent) isResult()   {}
func (EntityFound) isResult()   {}
func (Failure) isResult()       {}

// Notification is the compact event published after a result is applied.
type Notification struct {
	ResultID  string     `json:"result_id"`
	Kind      ResultKind `json:"kind"`
	Task      TaskKind   `json:"task"`
	Username  string     `json:"username"`
	GroupID   int64      `json:"group_id,omitempty"`
	State     State      `json:"state"`
	WorkerID  int        `json:"worker_id"`
	Count     int        `json:"count,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	EmittedAt time.Time  `json:"emitted_at"`
}
