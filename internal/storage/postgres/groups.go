package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

const groupColumns = `username, id, topic, state, worker_id, last_update, messages_timestamp, messages_count,
	messages_first, first_message_at, messages_total, entity, chat_name, external_link, collection_name, created_at`

const uniqueViolation = "23505"

// AddPending inserts a candidate unless the username is pending or joined.
func (s *Store) AddPending(ctx context.Context, c monitor.Candidate) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	gathered := c.GatheredAt
	if gathered.IsZero() {
		gathered = time.Now().UTC()
	}
	query := `
INSERT INTO pending (
	username, topic, chat_name, external_link, members, weekly_messages, active_users, gathered_at
)
SELECT $1, $2, $3, $4, $5, $6, $7, $8
WHERE NOT EXISTS (SELECT 1 FROM groups WHERE username = $1)
ON CONFLICT (username) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		c.Username, c.Topic, c.ChatName, c.ExternalLink, c.Members, c.WeeklyMessages, c.ActiveUsers, gathered)
	if err != nil {
		return false, fmt.Errorf("failed to insert pending candidate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PendingCount returns the number of queued candidates.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM pending`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending: %w", err)
	}
	return n, nil
}

// ClaimPending moves the earliest claimable candidate into groups in one transaction.
func (s *Store) ClaimPending(ctx context.Context, workerID int, now time.Time) (monitor.Group, error) {
	var g monitor.Group
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM pending p USING groups g WHERE p.username = g.username`); err != nil {
			return fmt.Errorf("failed to prune joined candidates: %w", err)
		}
		var c monitor.Candidate
		err := tx.QueryRow(ctx, `
SELECT username, topic, chat_name, external_link
FROM pending
ORDER BY seq
LIMIT 1
FOR UPDATE SKIP LOCKED`).Scan(&c.Username, &c.Topic, &c.ChatName, &c.ExternalLink)
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.ErrPendingEmpty
		}
		if err != nil {
			return fmt.Errorf("failed to select pending candidate: %w", err)
		}
		g = monitor.Group{
			Username:     c.Username,
			Topic:        c.Topic,
			State:        monitor.StateJoining,
			WorkerID:     workerID,
			LastUpdate:   now,
			ChatName:     c.ChatName,
			ExternalLink: c.ExternalLink,
			CreatedAt:    now,
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO groups (username, topic, state, worker_id, last_update, chat_name, external_link, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			g.Username, g.Topic, string(g.State), g.WorkerID, g.LastUpdate, g.ChatName, g.ExternalLink, g.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert claimed group: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM pending WHERE username = $1`, g.Username); err != nil {
			return fmt.Errorf("failed to delete claimed candidate: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, monitor.ErrPendingEmpty) {
			return monitor.Group{}, monitor.ErrPendingEmpty
		}
		return monitor.Group{}, fmt.Errorf("claim pending: %w", err)
	}
	return g, nil
}

// OldestOwned returns the stalest matching group owned by workerID.
func (s *Store) OldestOwned(
	ctx context.Context,
	workerID int,
	states []monitor.State,
	olderThan time.Time,
) (monitor.Group, error) {
	var bound *time.Time
	if !olderThan.IsZero() {
		bound = &olderThan
	}
	query := `SELECT ` + groupColumns + `
FROM groups
WHERE worker_id = $1 AND state = ANY($2) AND ($3::timestamptz IS NULL OR last_update <= $3)
ORDER BY last_update ASC, username ASC
LIMIT 1`
	g, err := scanGroup(s.pool.QueryRow(ctx, query, workerID, stateStrings(states), bound))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Group{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Group{}, fmt.Errorf("failed to select oldest owned group: %w", err)
	}
	return g, nil
}

// UpdateGroup applies u in a single transaction, locking the group row.
func (s *Store) UpdateGroup(
	ctx context.Context,
	username string,
	u monitor.GroupUpdate,
) (monitor.UpdateOutcome, error) {
	var outcome monitor.UpdateOutcome
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Claiming the result id first recognizes a replay even after the
		// group was renamed away from username.
		if u.ResultID != "" {
			tag, err := tx.Exec(ctx, `
INSERT INTO applied_results (result_id, username) VALUES ($1, $2)
ON CONFLICT (result_id) DO NOTHING`, u.ResultID, username)
			if err != nil {
				return fmt.Errorf("failed to record applied result: %w", err)
			}
			if tag.RowsAffected() == 0 {
				outcome.Duplicate = true
				return nil
			}
		}

		var (
			state  string
			entity []byte
		)
		err := tx.QueryRow(ctx, `SELECT state, topic, entity FROM groups WHERE username = $1 FOR UPDATE`, username).
			Scan(&state, &outcome.Topic, &entity)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("group %q: %w", username, monitor.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock group: %w", err)
		}
		outcome.Previous = monitor.State(state)

		if len(u.From) > 0 && !slices.Contains(u.From, outcome.Previous) {
			return fmt.Errorf("group %q is %s: %w", username, outcome.Previous, monitor.ErrStateConflict)
		}
		if u.State != "" && !monitor.CanTransition(outcome.Previous, u.State) {
			return fmt.Errorf("group %q %s -> %s: %w", username, outcome.Previous, u.State, monitor.ErrStateConflict)
		}

		sets, args, err := buildSetClause(username, u, entity)
		if err != nil {
			return err
		}
		if len(sets) > 0 {
			query := `UPDATE groups SET ` + strings.Join(sets, ", ") + ` WHERE username = $1`
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to update group: %w", err)
			}
		}
		if e := u.AppendUpdate; e != nil {
			if _, err := tx.Exec(ctx, `
INSERT INTO group_updates (result_id, username, ts, count) VALUES ($1, $2, $3, $4)
ON CONFLICT (result_id) DO NOTHING`, e.ResultID, username, e.Timestamp, e.Count); err != nil {
				return fmt.Errorf("failed to append update history: %w", err)
			}
		}
		if e := u.AppendError; e != nil {
			if _, err := tx.Exec(ctx, `
INSERT INTO group_errors (result_id, username, ts, message) VALUES ($1, $2, $3, $4)
ON CONFLICT (result_id) DO NOTHING`, e.ResultID, username, e.Timestamp, e.Message); err != nil {
				return fmt.Errorf("failed to append error history: %w", err)
			}
		}
		if u.Rename != "" && u.Rename != username {
			if err := renameGroup(ctx, tx, username, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func renameGroup(ctx context.Context, tx pgx.Tx, username string, u monitor.GroupUpdate) error {
	if _, err := tx.Exec(ctx, `UPDATE groups SET username = $2 WHERE username = $1`, username, u.Rename); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("rename %q to %q: username taken: %w", username, u.Rename, monitor.ErrStateConflict)
		}
		return fmt.Errorf("failed to rename group: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO group_old_usernames (result_id, username, changed_at, old_username) VALUES ($1, $2, $3, $4)
ON CONFLICT (result_id) DO NOTHING`, u.ResultID, u.Rename, u.RenamedAt, username); err != nil {
		return fmt.Errorf("failed to append old username: %w", err)
	}
	return nil
}

// buildSetClause turns u into UPDATE assignments. $1 is always the username.
func buildSetClause(username string, u monitor.GroupUpdate, current []byte) ([]string, []any, error) {
	var sets []string
	args := []any{username}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if u.State != "" {
		add("state = $%d", string(u.State))
	}
	if !u.LastUpdate.IsZero() {
		add("last_update = $%d", u.LastUpdate)
	}
	if u.ID != 0 {
		add("id = $%d", u.ID)
	}
	if m := u.Messages; m != nil {
		add("messages_timestamp = $%d", m.Timestamp)
		add("messages_count = $%d", m.Count)
		add("messages_first = $%d", m.First)
	}
	if !u.FirstMessageAt.IsZero() {
		add("first_message_at = $%d", u.FirstMessageAt)
	}
	if u.CollectionName != "" {
		add("collection_name = $%d", u.CollectionName)
	}
	if u.AddMessages != 0 {
		add("messages_total = messages_total + $%d", u.AddMessages)
	}
	switch {
	case u.Entity != nil:
		e := *u.Entity
		if len(u.AppendParticipants) > 0 {
			e.Participants = append(e.Participants, monitor.NewParticipants(e.Participants, u.AppendParticipants)...)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal entity: %w", err)
		}
		add("entity = $%d::jsonb", data)
	case len(u.AppendParticipants) > 0:
		var existing monitor.Entity
		if len(current) > 0 {
			if err := json.Unmarshal(current, &existing); err != nil {
				return nil, nil, fmt.Errorf("unmarshal stored entity: %w", err)
			}
		}
		fresh := monitor.NewParticipants(existing.Participants, u.AppendParticipants)
		if len(fresh) > 0 {
			data, err := json.Marshal(fresh)
			if err != nil {
				return nil, nil, fmt.Errorf("marshal participants: %w", err)
			}
			add(`entity = jsonb_set(COALESCE(entity, '{}'::jsonb), '{participants}',
	COALESCE(entity->'participants', '[]'::jsonb) || $%d::jsonb)`, data)
		}
	}
	return sets, args, nil
}

// GetGroup returns the group row plus its history tables.
func (s *Store) GetGroup(ctx context.Context, username string) (monitor.Group, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE username = $1`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Group{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Group{}, fmt.Errorf("failed to select group: %w", err)
	}
	if err := s.loadHistory(ctx, &g); err != nil {
		return monitor.Group{}, err
	}
	return g, nil
}

func (s *Store) loadHistory(ctx context.Context, g *monitor.Group) error {
	rows, err := s.pool.Query(ctx,
		`SELECT result_id, ts, count FROM group_updates WHERE username = $1 ORDER BY ts, result_id`, g.Username)
	if err != nil {
		return fmt.Errorf("failed to select update history: %w", err)
	}
	g.UpdateHistory, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (monitor.UpdateEntry, error) {
		var e monitor.UpdateEntry
		err := row.Scan(&e.ResultID, &e.Timestamp, &e.Count)
		return e, err
	})
	if err != nil {
		return fmt.Errorf("failed to scan update history: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT result_id, ts, message FROM group_errors WHERE username = $1 ORDER BY ts, result_id`, g.Username)
	if err != nil {
		return fmt.Errorf("failed to select error history: %w", err)
	}
	g.ErrorHistory, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (monitor.ErrorEntry, error) {
		var e monitor.ErrorEntry
		err := row.Scan(&e.ResultID, &e.Timestamp, &e.Message)
		return e, err
	})
	if err != nil {
		return fmt.Errorf("failed to scan error history: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
SELECT result_id, changed_at, old_username FROM group_old_usernames
WHERE username = $1 ORDER BY changed_at, result_id`, g.Username)
	if err != nil {
		return fmt.Errorf("failed to select old usernames: %w", err)
	}
	g.OldUsernames, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (monitor.UsernameChange, error) {
		var c monitor.UsernameChange
		err := row.Scan(&c.ResultID, &c.ChangedAt, &c.Username)
		return c, err
	})
	if err != nil {
		return fmt.Errorf("failed to scan old usernames: %w", err)
	}
	return nil
}

// ListGroups returns matching group rows without their history tables.
func (s *Store) ListGroups(ctx context.Context, filter monitor.GroupFilter) ([]monitor.Group, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		args = append(args, stateStrings(filter.States))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.Topic != "" {
		args = append(args, filter.Topic)
		where = append(where, fmt.Sprintf("topic = $%d", len(args)))
	}
	if filter.WorkerID != nil {
		args = append(args, *filter.WorkerID)
		where = append(where, fmt.Sprintf("worker_id = $%d", len(args)))
	}
	query := `SELECT ` + groupColumns + ` FROM groups`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_update ASC, username ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (monitor.Group, error) {
		return scanGroup(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan groups: %w", err)
	}
	return groups, nil
}

// CountByState counts groups per state; Pending reports queued candidates.
func (s *Store) CountByState(ctx context.Context) (map[monitor.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM groups GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count groups: %w", err)
	}
	counts := make(map[monitor.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan group count: %w", err)
		}
		counts[monitor.State(state)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate group counts: %w", err)
	}
	pending, err := s.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	counts[monitor.StatePending] = pending
	return counts, nil
}

func scanGroup(row pgx.Row) (monitor.Group, error) {
	var (
		g        monitor.Group
		state    string
		msgTS    pgtype.Timestamptz
		firstAt  pgtype.Timestamptz
		entity   []byte
		messages monitor.MessageSummary
	)
	err := row.Scan(
		&g.Username,
		&g.ID,
		&g.Topic,
		&state,
		&g.WorkerID,
		&g.LastUpdate,
		&msgTS,
		&messages.Count,
		&messages.First,
		&firstAt,
		&g.MessagesTotal,
		&entity,
		&g.ChatName,
		&g.ExternalLink,
		&g.CollectionName,
		&g.CreatedAt,
	)
	if err != nil {
		return monitor.Group{}, err
	}
	g.State = monitor.State(state)
	if msgTS.Valid {
		messages.Timestamp = msgTS.Time
	}
	g.Messages = messages
	if firstAt.Valid {
		g.FirstMessageAt = firstAt.Time
	}
	if len(entity) > 0 {
		var e monitor.Entity
		if err := json.Unmarshal(entity, &e); err != nil {
			return monitor.Group{}, fmt.Errorf("unmarshal entity: %w", err)
		}
		g.Entity = &e
	}
	return g, nil
}

func stateStrings(states []monitor.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
