package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) RecordEvent(ctx context.Context, platform, eventID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_events (platform, event_id, user_id, received_at) VALUES (?, ?, ?, ?) ON CONFLICT (platform, event_id) DO NOTHING`,
		platform, eventID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record event %s/%s failed: %w", platform, eventID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkHandled(ctx context.Context, platform, eventID, handler string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_events SET handled_by = ? WHERE platform = ? AND event_id = ?`,
		handler, platform, eventID,
	)
	if err != nil {
		return fmt.Errorf("mark event %s/%s handled failed: %w", platform, eventID, err)
	}
	return nil
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_events WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events failed: %w", err)
	}
	return result.RowsAffected()
}
