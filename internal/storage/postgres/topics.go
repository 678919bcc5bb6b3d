package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

// UpsertTopic records a topic; an existing href is kept.
func (s *Store) UpsertTopic(ctx context.Context, name, href string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO topics (name, href) VALUES ($1, $2)
ON CONFLICT (name) DO NOTHING`, name, href)
	if err != nil {
		return fmt.Errorf("failed to upsert topic: %w", err)
	}
	return nil
}

// RecordGathering appends a discovery timestamp to the topic.
func (s *Store) RecordGathering(ctx context.Context, name string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE topics SET gathered_at = array_append(gathered_at, $2) WHERE name = $1`, name, at)
	if err != nil {
		return fmt.Errorf("failed to record gathering: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("topic %q: %w", name, monitor.ErrNotFound)
	}
	return nil
}

// IncrementJoined bumps the joined counter of a topic.
func (s *Store) IncrementJoined(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE topics SET joined_count = joined_count + 1 WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to increment joined count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("topic %q: %w", name, monitor.ErrNotFound)
	}
	return nil
}

// GetTopic loads a topic by name.
func (s *Store) GetTopic(ctx context.Context, name string) (monitor.Topic, error) {
	var (
		t         monitor.Topic
		countries []byte
		languages []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT name, href, countries, languages, en_count, joined_count, gathered_at
FROM topics WHERE name = $1`, name).
		Scan(&t.Name, &t.Href, &countries, &languages, &t.EnglishCount, &t.JoinedCount, &t.GatheredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Topic{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Topic{}, fmt.Errorf("failed to select topic: %w", err)
	}
	if len(countries) > 0 {
		if err := json.Unmarshal(countries, &t.Countries); err != nil {
			return monitor.Topic{}, fmt.Errorf("unmarshal topic countries: %w", err)
		}
	}
	if len(languages) > 0 {
		if err := json.Unmarshal(languages, &t.Languages); err != nil {
			return monitor.Topic{}, fmt.Errorf("unmarshal topic languages: %w", err)
		}
	}
	return t, nil
}
