package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// SaveMessage upserts msg into the group's own message table, creating the
// table on first use.
func (s *Store) SaveMessage(ctx context.Context, groupID int64, msg monitor.Message) error {
	table := monitor.CollectionName(groupID)
	if !validTableName.MatchString(table) {
		return fmt.Errorf("invalid message table name %q", table)
	}
	if err := s.ensureMessageTable(ctx, table); err != nil {
		return err
	}
	var raw any
	if len(msg.Raw) > 0 {
		raw = []byte(msg.Raw)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, date, text, raw) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, table)
	if _, err := s.pool.Exec(ctx, query, msg.ID, msg.Date, msg.Text, raw); err != nil {
		return fmt.Errorf("failed to insert message into %s: %w", table, err)
	}
	return nil
}

func (s *Store) ensureMessageTable(ctx context.Context, table string) error {
	if _, ok := s.ensured.Load(table); ok {
		return nil
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	date TIMESTAMPTZ NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	raw JSONB
)`, table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create message table %s: %w", table, err)
	}
	s.ensured.Store(table, struct{}{})
	return nil
}
