package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

type Device struct {
	ID         string         `db:"id" json:"id"`
	ProjectID  string         `db:"project_id" json:"project_id"`
	Platform   string         `db:"platform" json:"platform"`
	Token      string         `db:"token" json:"-"`
	UserID     *string        `db:"user_id" json:"user_id,omitempty"`
	Tags       pq.StringArray `db:"tags" json:"tags"`
	Active     bool           `db:"active" json:"active"`
	LastSeenAt time.Time      `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// SegmentFilter narrows the device directory. Empty fields do not filter.
type SegmentFilter struct {
	Platforms        []string `json:"platforms,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	UserIDs          []string `json:"user_ids,omitempty"`
	ActiveWithinDays int      `json:"active_within_days,omitempty"`
}

const deviceColumns = `id, project_id, platform, token, user_id, tags, active, last_seen_at, created_at`

// FindDevicesByIDs returns the active devices among ids.
func (s *Store) FindDevicesByIDs(ctx context.Context, projectID string, ids []string) ([]Device, error) {
	var devices []Device
	err := s.db.SelectContext(ctx, &devices, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE project_id = $1 AND id = ANY($2) AND active = TRUE
	`, projectID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	return devices, nil
}

// FindDevicesBySegment returns at most limit active devices matching f.
func (s *Store) FindDevicesBySegment(ctx context.Context, projectID string, f SegmentFilter, limit int) ([]Device, error) {
	where := []string{"project_id = $1", "active = TRUE"}
	args := []interface{}{projectID}

	if len(f.Platforms) > 0 {
		args = append(args, pq.Array(f.Platforms))
		where = append(where, fmt.Sprintf("platform = ANY($%d)", len(args)))
	}
	if len(f.Tags) > 0 {
		args = append(args, pq.Array(f.Tags))
		where = append(where, fmt.Sprintf("tags && $%d", len(args)))
	}
	if len(f.UserIDs) > 0 {
		args = append(args, pq.Array(f.UserIDs))
		where = append(where, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	if f.ActiveWithinDays > 0 {
		args = append(args, time.Now().AddDate(0, 0, -f.ActiveWithinDays))
		where = append(where, fmt.Sprintf("last_seen_at >= $%d", len(args)))
	}
	args = append(args, limit)

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY last_seen_at DESC LIMIT $%d`, len(args))

	var devices []Device
	if err := s.db.SelectContext(ctx, &devices, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query segment: %w", err)
	}
	return devices, nil
}

// DeactivateTokens stops addressing tokens the providers reported as invalid.
func (s *Store) DeactivateTokens(ctx context.Context, projectID string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET active = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE project_id = $1 AND token = ANY($2) AND active = TRUE
	`, projectID, pq.Array(tokens))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate tokens: %w", err)
	}
	return res.RowsAffected()
}
